// Package ingest converts raw transport messages into typed telemetry events.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benmeehan/garden-sync/internal/constants"
	"github.com/benmeehan/garden-sync/internal/models"
)

var (
	// ErrParse is the root of every normalization failure.
	ErrParse = errors.New("parse error")

	ErrInvalidTopic   = fmt.Errorf("%w: invalid topic", ErrParse)
	ErrInvalidPayload = fmt.Errorf("%w: invalid payload", ErrParse)
	ErrOutOfRange     = fmt.Errorf("%w: value out of range", ErrParse)
)

// Kind is the message kind encoded in the topic.
type Kind string

const (
	KindData   Kind = constants.TopicKindData
	KindStatus Kind = constants.TopicKindStatus
)

// Message is a normalized inbound message. Exactly one of Reading or Report is set.
type Message struct {
	GardenID string
	Kind     Kind
	Reading  *models.SensorReading
	Report   *models.DeviceReport
}

// Normalizer validates inbound messages. It holds no state and is safe for concurrent use.
type Normalizer struct {
	prefix     string
	futureSkew time.Duration
	maxPayload int
}

// NewNormalizer creates a Normalizer for topics under prefix.
func NewNormalizer(prefix string, futureSkew time.Duration, maxPayload int) *Normalizer {
	if prefix == "" {
		prefix = constants.DefaultTopicPrefix
	}
	if futureSkew <= 0 {
		futureSkew = constants.DefaultFutureSkew
	}
	if maxPayload <= 0 {
		maxPayload = constants.DefaultMaxPayloadBytes
	}
	return &Normalizer{
		prefix:     strings.Trim(prefix, "/"),
		futureSkew: futureSkew,
		maxPayload: maxPayload,
	}
}

type dataPayload struct {
	Temperature *float64        `json:"temperature"`
	Humidity    *float64        `json:"humidity"`
	Light       *float64        `json:"light"`
	Soil        *float64        `json:"soil"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

type statusPayload struct {
	Fan       *bool           `json:"fan"`
	Light     *bool           `json:"light"`
	Pump      *bool           `json:"pump"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Normalize parses a raw topic and payload into a Message.
func (n *Normalizer) Normalize(topic string, payload []byte, receivedAt time.Time) (Message, error) {
	gardenID, kind, err := n.parseTopic(topic)
	if err != nil {
		return Message{}, err
	}

	if len(payload) == 0 {
		return Message{}, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if len(payload) > n.maxPayload {
		return Message{}, fmt.Errorf("%w: payload too large (%d bytes)", ErrInvalidPayload, len(payload))
	}

	switch kind {
	case KindData:
		reading, err := n.parseReading(gardenID, payload, receivedAt)
		if err != nil {
			return Message{}, err
		}
		return Message{GardenID: gardenID, Kind: kind, Reading: reading}, nil
	default:
		report, err := n.parseReport(gardenID, payload, receivedAt)
		if err != nil {
			return Message{}, err
		}
		return Message{GardenID: gardenID, Kind: kind, Report: report}, nil
	}
}

// Topic builds the topic for a garden and kind under the normalizer's prefix.
func (n *Normalizer) Topic(gardenID, kind string) string {
	return n.prefix + "/" + gardenID + "/" + kind
}

func (n *Normalizer) parseTopic(topic string) (string, Kind, error) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	prefixParts := strings.Split(n.prefix, "/")
	if len(parts) != len(prefixParts)+2 {
		return "", "", fmt.Errorf("%w: expected %s/{garden_id}/{kind}, got %q", ErrInvalidTopic, n.prefix, topic)
	}
	for i, p := range prefixParts {
		if parts[i] != p {
			return "", "", fmt.Errorf("%w: unexpected topic root %q", ErrInvalidTopic, topic)
		}
	}

	gardenID := parts[len(prefixParts)]
	if gardenID == "" {
		return "", "", fmt.Errorf("%w: empty garden id", ErrInvalidTopic)
	}

	switch kind := Kind(parts[len(prefixParts)+1]); kind {
	case KindData, KindStatus:
		return gardenID, kind, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported message kind %q", ErrInvalidTopic, kind)
	}
}

func (n *Normalizer) parseReading(gardenID string, payload []byte, receivedAt time.Time) (*models.SensorReading, error) {
	var p dataPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if p.Temperature == nil || p.Humidity == nil || p.Light == nil || p.Soil == nil {
		return nil, fmt.Errorf("%w: temperature, humidity, light and soil are required", ErrInvalidPayload)
	}
	if err := checkRange("temperature", *p.Temperature, -50, 80); err != nil {
		return nil, err
	}
	if err := checkRange("humidity", *p.Humidity, 0, 100); err != nil {
		return nil, err
	}
	if err := checkRange("soil", *p.Soil, 0, 100); err != nil {
		return nil, err
	}
	if *p.Light < 0 {
		return nil, fmt.Errorf("%w: light %.2f is negative", ErrOutOfRange, *p.Light)
	}

	ts, err := n.parseTimestamp(p.Timestamp, receivedAt)
	if err != nil {
		return nil, err
	}

	return &models.SensorReading{
		GardenID:    gardenID,
		Temperature: *p.Temperature,
		Humidity:    *p.Humidity,
		Light:       *p.Light,
		Soil:        *p.Soil,
		Timestamp:   ts,
		ReceivedAt:  receivedAt,
	}, nil
}

func (n *Normalizer) parseReport(gardenID string, payload []byte, receivedAt time.Time) (*models.DeviceReport, error) {
	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	actuators := make(map[models.Device]bool, 3)
	if p.Fan != nil {
		actuators[models.DeviceFan] = *p.Fan
	}
	if p.Light != nil {
		actuators[models.DeviceLight] = *p.Light
	}
	if p.Pump != nil {
		actuators[models.DevicePump] = *p.Pump
	}
	if len(actuators) == 0 {
		return nil, fmt.Errorf("%w: status report carries no actuator state", ErrInvalidPayload)
	}

	ts, err := n.parseTimestamp(p.Timestamp, receivedAt)
	if err != nil {
		return nil, err
	}

	return &models.DeviceReport{
		GardenID:   gardenID,
		Actuators:  actuators,
		ReportedAt: ts,
		ReceivedAt: receivedAt,
	}, nil
}

// parseTimestamp accepts an RFC3339 string or unix seconds; a missing value means receivedAt.
func (n *Normalizer) parseTimestamp(raw json.RawMessage, receivedAt time.Time) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return receivedAt, nil
	}

	var ts time.Time
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid timestamp: %v", ErrInvalidPayload, err)
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid timestamp format (must be RFC3339): %v", ErrInvalidPayload, err)
		}
		ts = parsed
	} else {
		var secs int64
		if err := json.Unmarshal(raw, &secs); err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid unix timestamp: %v", ErrInvalidPayload, err)
		}
		ts = time.Unix(secs, 0)
	}

	if ts.After(receivedAt.Add(n.futureSkew)) {
		return time.Time{}, fmt.Errorf("%w: timestamp %s is in the future", ErrOutOfRange, ts.Format(time.RFC3339))
	}
	return ts, nil
}

func checkRange(name string, v, lo, hi float64) error {
	if v < lo || v > hi {
		return fmt.Errorf("%w: %s %.2f outside [%g, %g]", ErrOutOfRange, name, v, lo, hi)
	}
	return nil
}
