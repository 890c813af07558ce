// Package notification delivers user-facing alerts to the garden feed and external sinks.
package notification

import (
	"context"
	"time"

	"github.com/benmeehan/garden-sync/internal/hub"
	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/benmeehan/garden-sync/internal/utils"
	"github.com/rs/zerolog"
)

// Broadcaster publishes events to the clients of a garden.
type Broadcaster interface {
	Publish(ev hub.Event) int
}

// Sink stores notifications outside the process.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n models.Notification) error
}

// Dispatcher pushes each notification to the garden room synchronously and to the sinks
// through the worker pool.
type Dispatcher struct {
	broadcaster Broadcaster
	sinks       []Sink
	pool        *utils.WorkerPool
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewDispatcher creates a Dispatcher. pool may be nil when there are no sinks.
func NewDispatcher(broadcaster Broadcaster, pool *utils.WorkerPool, timeout time.Duration, logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		broadcaster: broadcaster,
		sinks:       sinks,
		pool:        pool,
		timeout:     timeout,
		logger:      logger,
	}
}

// Notify emits n as a new-notification event carrying seq and hands it to every sink.
// It never blocks on a sink.
func (d *Dispatcher) Notify(n models.Notification, seq uint64) {
	d.broadcaster.Publish(hub.Event{
		Type:      hub.EventNotification,
		GardenID:  n.GardenID,
		Seq:       seq,
		Data:      n,
		Timestamp: n.Timestamp,
	})

	d.logger.Info().
		Str("garden_id", n.GardenID).
		Str("type", string(n.Type)).
		Str("severity", string(n.Severity)).
		Msg(n.Message)

	if d.pool == nil {
		return
	}
	for _, sink := range d.sinks {
		sink := sink
		err := d.pool.TrySubmit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := sink.Deliver(ctx, n); err != nil {
				d.logger.Error().Err(err).
					Str("sink", sink.Name()).
					Str("notification_id", n.ID).
					Msg("Failed to deliver notification")
			}
		})
		if err != nil {
			d.logger.Warn().Err(err).
				Str("sink", sink.Name()).
				Str("notification_id", n.ID).
				Msg("Notification not queued for sink")
		}
	}
}
