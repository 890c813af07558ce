// Package dispatcher publishes actuator commands and tracks their acknowledgement.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/garden-sync/internal/constants"
	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/benmeehan/garden-sync/internal/timer"
	"github.com/rs/zerolog"
)

var (
	// ErrTransport wraps failures of the outbound transport.
	ErrTransport = errors.New("transport error")
	// ErrCommandTimeout is reported when a command is not acknowledged after its retries.
	ErrCommandTimeout = errors.New("command timeout")
)

// Publisher sends a command to the garden controller.
type Publisher interface {
	PublishCommand(ctx context.Context, cmd models.ActuatorCommand) error
}

// Outcome is the final state of a dispatched command.
type Outcome string

const (
	OutcomeAck            Outcome = constants.CommandOutcomeAck
	OutcomeTimeout        Outcome = constants.CommandOutcomeTimeout
	OutcomeTransportError Outcome = constants.CommandOutcomeTransportError
)

// Result is delivered asynchronously for commands that did not end with an acknowledgement
// observed by the caller.
type Result struct {
	Command models.ActuatorCommand
	Outcome Outcome
	Err     error
}

// ResultHandler receives asynchronous results. It must not block.
type ResultHandler func(Result)

// Config holds the retry policy.
type Config struct {
	AckTimeout     time.Duration
	MaxRetries     int
	PublishTimeout time.Duration
}

type pendingCommand struct {
	cmd      models.ActuatorCommand
	attempts int
}

type pendingKey struct {
	gardenID string
	device   models.Device
}

// Dispatcher publishes commands and waits for matching device reports without blocking the caller.
type Dispatcher struct {
	cfg       Config
	publisher Publisher
	timers    *timer.Manager
	onResult  ResultHandler
	logger    zerolog.Logger

	mu      sync.Mutex
	pending map[pendingKey]*pendingCommand
}

// NewDispatcher creates a Dispatcher. Ack deadlines are registered on timers.
func NewDispatcher(cfg Config, publisher Publisher, timers *timer.Manager, onResult ResultHandler, logger zerolog.Logger) *Dispatcher {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = constants.DefaultAckTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = constants.DefaultMaxRetries
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = constants.DefaultPublishTimeout
	}
	if onResult == nil {
		onResult = func(Result) {}
	}
	return &Dispatcher{
		cfg:       cfg,
		publisher: publisher,
		timers:    timers,
		onResult:  onResult,
		logger:    logger,
		pending:   make(map[pendingKey]*pendingCommand),
	}
}

// Dispatch publishes cmd and starts its acknowledgement deadline. A pending command for the
// same garden and device is superseded. Publish failures return an error wrapping ErrTransport.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd models.ActuatorCommand) error {
	key := pendingKey{gardenID: cmd.GardenID, device: cmd.Device}

	d.mu.Lock()
	if prev, ok := d.pending[key]; ok {
		d.timers.Cancel(prev.cmd.ID)
		delete(d.pending, key)
		d.logger.Debug().
			Str("garden_id", cmd.GardenID).
			Str("superseded", prev.cmd.ID).
			Str("command_id", cmd.ID).
			Msg("Pending command superseded")
	}
	d.mu.Unlock()

	if cmd.Attempt == 0 {
		cmd.Attempt = 1
	}
	if err := d.publish(ctx, cmd); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[key] = &pendingCommand{cmd: cmd, attempts: cmd.Attempt}
	if err := d.timers.Schedule(cmd.ID, d.cfg.AckTimeout, func() { d.expire(key, cmd.ID) }); err != nil {
		delete(d.pending, key)
		return fmt.Errorf("failed to track command %s: %w", cmd.ID, err)
	}
	return nil
}

// Observe acknowledges pending commands whose action matches the reported actuator state
// and returns them.
func (d *Dispatcher) Observe(gardenID string, reported map[models.Device]bool) []models.ActuatorCommand {
	d.mu.Lock()
	defer d.mu.Unlock()

	var acked []models.ActuatorCommand
	for dev, on := range reported {
		key := pendingKey{gardenID: gardenID, device: dev}
		p, ok := d.pending[key]
		if !ok || p.cmd.Action.On() != on {
			continue
		}
		d.timers.Cancel(p.cmd.ID)
		delete(d.pending, key)
		acked = append(acked, p.cmd)
	}
	return acked
}

// Pending returns the number of commands awaiting acknowledgement.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) publish(ctx context.Context, cmd models.ActuatorCommand) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()

	if err := d.publisher.PublishCommand(ctx, cmd); err != nil {
		d.logger.Error().Err(err).
			Str("garden_id", cmd.GardenID).
			Str("device", string(cmd.Device)).
			Str("command_id", cmd.ID).
			Msg("Failed to publish command")
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	d.logger.Debug().
		Str("garden_id", cmd.GardenID).
		Str("device", string(cmd.Device)).
		Str("action", string(cmd.Action)).
		Int("attempt", cmd.Attempt).
		Msg("Command published")
	return nil
}

// expire handles an ack deadline: retry while attempts remain, otherwise report a timeout.
func (d *Dispatcher) expire(key pendingKey, id string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.cmd.ID != id {
		d.mu.Unlock()
		return
	}

	if p.attempts > d.cfg.MaxRetries {
		delete(d.pending, key)
		d.mu.Unlock()

		d.logger.Warn().
			Str("garden_id", key.gardenID).
			Str("device", string(key.device)).
			Str("command_id", id).
			Msg("Command not acknowledged")
		d.onResult(Result{
			Command: p.cmd,
			Outcome: OutcomeTimeout,
			Err:     fmt.Errorf("%w: %s %s after %d attempts", ErrCommandTimeout, key.device, p.cmd.Action, p.attempts),
		})
		return
	}

	p.attempts++
	p.cmd.Attempt = p.attempts
	cmd := p.cmd
	d.mu.Unlock()

	if err := d.publish(context.Background(), cmd); err != nil {
		d.mu.Lock()
		if cur, ok := d.pending[key]; ok && cur.cmd.ID == id {
			delete(d.pending, key)
		}
		d.mu.Unlock()
		d.onResult(Result{Command: cmd, Outcome: OutcomeTransportError, Err: err})
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.pending[key]; ok && cur.cmd.ID == id {
		if err := d.timers.Schedule(id, d.cfg.AckTimeout, func() { d.expire(key, id) }); err != nil {
			delete(d.pending, key)
		}
	}
}
