package services

import (
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/garden-sync/internal/ingest"
	"github.com/benmeehan/garden-sync/pkg/mqtt"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// MessageHandler consumes raw device messages.
type MessageHandler interface {
	HandleMessage(topic string, payload []byte, receivedAt time.Time) error
}

// IngestService subscribes to the telemetry and status topics of every garden
// and hands each message to the engine.
type IngestService struct {
	prefix string
	qos    int

	mqttClient mqtt.MQTTClient
	handler    MessageHandler
	clock      clockwork.Clock
	logger     zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

// NewIngestService creates an IngestService for topics under prefix.
func NewIngestService(prefix string, qos int, mqttClient mqtt.MQTTClient, handler MessageHandler,
	clock clockwork.Clock, logger zerolog.Logger) *IngestService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &IngestService{
		prefix:     prefix,
		qos:        qos,
		mqttClient: mqttClient,
		handler:    handler,
		clock:      clock,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}
}

// Topics returns the wildcard subscriptions of the service.
func (is *IngestService) Topics() []string {
	return []string{
		is.prefix + "/+/" + string(ingest.KindData),
		is.prefix + "/+/" + string(ingest.KindStatus),
	}
}

// Start subscribes to the garden topics.
func (is *IngestService) Start() error {
	is.mu.Lock()
	if is.started {
		is.mu.Unlock()
		return errors.New("ingest service is already running")
	}
	is.started = true
	is.mu.Unlock()

	if err := is.Subscribe(); err != nil {
		return err
	}
	is.logger.Info().Strs("topics", is.Topics()).Msg("IngestService started successfully")
	return nil
}

// Subscribe (re)establishes the subscriptions. It is also called after a broker reconnect.
func (is *IngestService) Subscribe() error {
	for _, topic := range is.Topics() {
		token := is.mqttClient.Subscribe(topic, byte(is.qos), is.HandleMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			is.logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe to MQTT topic")
			return err
		}
		is.logger.Debug().Str("topic", topic).Msg("Subscribed to MQTT topic")
	}
	return nil
}

// Running reports whether Start succeeded and Stop has not been called.
func (is *IngestService) Running() bool {
	is.mu.Lock()
	defer is.mu.Unlock()
	select {
	case <-is.stopChan:
		return false
	default:
		return is.started
	}
}

// Stop rejects new messages, waits for in-flight ones and unsubscribes.
func (is *IngestService) Stop() error {
	is.mu.Lock()
	select {
	case <-is.stopChan:
		is.mu.Unlock()
		return nil
	default:
		close(is.stopChan)
	}
	is.mu.Unlock()
	is.wg.Wait()

	token := is.mqttClient.Unsubscribe(is.Topics()...)
	token.Wait()
	if err := token.Error(); err != nil {
		is.logger.Error().Err(err).Msg("Failed to unsubscribe from MQTT topics")
		return err
	}

	is.logger.Info().Msg("IngestService stopped successfully")
	return nil
}

// HandleMessage is the paho callback for both topics. Malformed messages are logged and dropped.
func (is *IngestService) HandleMessage(client MQTT.Client, msg MQTT.Message) {
	is.mu.Lock()
	select {
	case <-is.stopChan:
		is.mu.Unlock()
		is.logger.Debug().Str("topic", msg.Topic()).Msg("Received message but service is stopping, ignoring it")
		return
	default:
		is.wg.Add(1)
		is.mu.Unlock()
	}
	defer is.wg.Done()

	err := is.handler.HandleMessage(msg.Topic(), msg.Payload(), is.clock.Now())
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrParse):
		is.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping malformed device message")
	default:
		is.logger.Error().Err(err).Str("topic", msg.Topic()).Msg("Failed to handle device message")
	}
}
