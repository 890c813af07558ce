// Package mq forwards accepted sensor readings to the durable telemetry store over RabbitMQ.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/garden-sync/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Channel is the subset of *amqp.Channel used by the publisher.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ReadingEvent is the message body published for every accepted reading.
type ReadingEvent struct {
	GardenID    string  `json:"garden_id"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Light       float64 `json:"light"`
	Soil        float64 `json:"soil"`
	Timestamp   string  `json:"timestamp"`
	ReceivedAt  string  `json:"received_at"`
}

// Publisher publishes readings on a durable topic exchange with routing key readings.<garden>.
type Publisher struct {
	channel  Channel
	exchange string
	logger   zerolog.Logger

	mu sync.Mutex
}

// Dial connects to RabbitMQ and opens a channel.
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create channel: %w", err)
	}
	return conn, ch, nil
}

// NewPublisher declares the exchange and returns a publisher bound to it.
func NewPublisher(channel Channel, exchange string, logger zerolog.Logger) (*Publisher, error) {
	err := channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel:  channel,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// RoutingKey returns the routing key for a garden's readings.
func RoutingKey(gardenID string) string {
	return "readings." + gardenID
}

// PublishReading publishes one reading as a persistent JSON message.
func (p *Publisher) PublishReading(ctx context.Context, r models.SensorReading) error {
	body, err := json.Marshal(ReadingEvent{
		GardenID:    r.GardenID,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Light:       r.Light,
		Soil:        r.Soil,
		Timestamp:   r.Timestamp.UTC().Format(time.RFC3339),
		ReceivedAt:  r.ReceivedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		RoutingKey(r.GardenID),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    r.ReceivedAt,
		},
	)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish reading: %w", err)
	}

	p.logger.Debug().Str("garden_id", r.GardenID).Msg("Reading forwarded")
	return nil
}

// Close closes the channel.
func (p *Publisher) Close() error {
	return p.channel.Close()
}
