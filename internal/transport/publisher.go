// Package transport sends actuator commands to garden controllers over MQTT.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benmeehan/garden-sync/internal/constants"
	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/benmeehan/garden-sync/pkg/mqtt"
	"github.com/rs/zerolog"
)

// CommandMessage is the wire payload published on <prefix>/<garden>/command.
type CommandMessage struct {
	CommandID string        `json:"command_id"`
	Device    models.Device `json:"device"`
	Action    models.Action `json:"action"`
	Reason    string        `json:"reason"`
	Attempt   int           `json:"attempt"`
}

// CommandPublisher publishes commands through an MQTT client.
type CommandPublisher struct {
	prefix     string
	qos        int
	mqttClient mqtt.MQTTClient
	logger     zerolog.Logger
}

// NewCommandPublisher creates a publisher for topics under prefix.
func NewCommandPublisher(prefix string, qos int, mqttClient mqtt.MQTTClient, logger zerolog.Logger) *CommandPublisher {
	if prefix == "" {
		prefix = constants.DefaultTopicPrefix
	}
	return &CommandPublisher{
		prefix:     prefix,
		qos:        qos,
		mqttClient: mqttClient,
		logger:     logger,
	}
}

// CommandTopic returns the command topic of a garden.
func (p *CommandPublisher) CommandTopic(gardenID string) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, gardenID, constants.TopicKindCommand)
}

// PublishCommand sends cmd and waits for the broker to accept it or ctx to end.
func (p *CommandPublisher) PublishCommand(ctx context.Context, cmd models.ActuatorCommand) error {
	payload, err := json.Marshal(CommandMessage{
		CommandID: cmd.ID,
		Device:    cmd.Device,
		Action:    cmd.Action,
		Reason:    cmd.Reason,
		Attempt:   cmd.Attempt,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize command: %w", err)
	}

	topic := p.CommandTopic(cmd.GardenID)
	token := p.mqttClient.Publish(topic, byte(p.qos), false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish command")
			return err
		}
	case <-ctx.Done():
		p.logger.Warn().Str("topic", topic).Msg("Publish operation cancelled")
		return ctx.Err()
	}

	p.logger.Debug().Str("topic", topic).Str("command_id", cmd.ID).Msg("Command published successfully")
	return nil
}
