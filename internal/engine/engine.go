// Package engine runs one actor per garden and exposes the core API used by transports and the HTTP layer.
//
// Every event for a garden, whether telemetry, a device report, a schedule tick, a command
// result or an API request, is queued on that garden's actor and processed in arrival
// order. Gardens never share mutable state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benmeehan/garden-sync/internal/automation"
	"github.com/benmeehan/garden-sync/internal/constants"
	"github.com/benmeehan/garden-sync/internal/dispatcher"
	"github.com/benmeehan/garden-sync/internal/garden"
	"github.com/benmeehan/garden-sync/internal/hub"
	"github.com/benmeehan/garden-sync/internal/ingest"
	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/benmeehan/garden-sync/internal/storage"
	"github.com/benmeehan/garden-sync/internal/utils"
	"github.com/jonboulle/clockwork"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrStopped is returned once the engine has been stopped.
	ErrStopped = errors.New("engine stopped")
	// ErrScheduleNotFound is returned when deleting an unknown schedule.
	ErrScheduleNotFound = errors.New("schedule not found")
)

// CommandDispatcher sends commands and matches device reports against them.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd models.ActuatorCommand) error
	Observe(gardenID string, reported map[models.Device]bool) []models.ActuatorCommand
	Pending() int
}

// Broadcaster fans events out to the sessions of a garden.
type Broadcaster interface {
	Publish(ev hub.Event) int
}

// Notifier delivers user-facing alerts.
type Notifier interface {
	Notify(n models.Notification, seq uint64)
}

// ReadingSink stores accepted readings durably.
type ReadingSink interface {
	PublishReading(ctx context.Context, r models.SensorReading) error
}

// ConnectionEvent is the payload of a connection_status event.
type ConnectionEvent struct {
	Status         models.ConnectionStatus `json:"status"`
	Previous       models.ConnectionStatus `json:"previous"`
	LastReportedAt time.Time               `json:"last_reported_at"`
}

// Config holds the engine settings.
type Config struct {
	Garden garden.Config
	Bands  models.ConnectionBands
	// StoreTimeout bounds every config and fired-store call made from an actor.
	StoreTimeout time.Duration
	// IdleEviction is how long an actor for a garden with no state lives without requests.
	IdleEviction time.Duration
}

// Options are the collaborators of an Engine. ConfigStore, FiredStore and ReadingSink are optional.
type Options struct {
	Config      Config
	Clock       clockwork.Clock
	Normalizer  *ingest.Normalizer
	Evaluator   *automation.Evaluator
	Dispatcher  CommandDispatcher
	Broadcaster Broadcaster
	Notifier    Notifier
	ConfigStore storage.ConfigStore
	FiredStore  storage.FiredStore
	ReadingSink ReadingSink
	// Pool runs reading forwards. Required when ReadingSink is set.
	Pool   *utils.WorkerPool
	Logger zerolog.Logger
}

// Stats summarizes the engine.
type Stats struct {
	Gardens         int `json:"gardens"`
	QueuedEvents    int `json:"queued_events"`
	PendingCommands int `json:"pending_commands"`
}

// Engine routes events to per-garden actors.
type Engine struct {
	cfg         Config
	clock       clockwork.Clock
	normalizer  *ingest.Normalizer
	evaluator   *automation.Evaluator
	dispatcher  CommandDispatcher
	broadcaster Broadcaster
	notifier    Notifier
	configs     storage.ConfigStore
	fired       storage.FiredStore
	readings    ReadingSink
	pool        *utils.WorkerPool
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	actors  cmap.ConcurrentMap[string, *actor]
	mu      sync.RWMutex
	stopped bool
}

// New creates an Engine. Actors start lazily on the first event for a garden, or up front
// through Preload.
func New(o Options) *Engine {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Config.StoreTimeout <= 0 {
		o.Config.StoreTimeout = 5 * time.Second
	}
	if o.Config.IdleEviction <= 0 {
		o.Config.IdleEviction = constants.DefaultIdleEviction
	}
	if o.Config.Bands.StaleAfter <= 0 {
		o.Config.Bands.StaleAfter = constants.DefaultStaleAfter
	}
	if o.Config.Bands.DisconnectedAfter <= o.Config.Bands.StaleAfter {
		o.Config.Bands.DisconnectedAfter = max(constants.DefaultDisconnectedAfter, o.Config.Bands.StaleAfter)
	}
	if o.Evaluator == nil {
		o.Evaluator = automation.NewEvaluator(automation.Config{}, o.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:         o.Config,
		clock:       o.Clock,
		normalizer:  o.Normalizer,
		evaluator:   o.Evaluator,
		dispatcher:  o.Dispatcher,
		broadcaster: o.Broadcaster,
		notifier:    o.Notifier,
		configs:     o.ConfigStore,
		fired:       o.FiredStore,
		readings:    o.ReadingSink,
		pool:        o.Pool,
		logger:      o.Logger,
		ctx:         ctx,
		cancel:      cancel,
		actors:      cmap.New[*actor](),
	}
}

// actorFor returns the actor of a garden, starting it if needed.
func (e *Engine) actorFor(gardenID string) (*actor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return nil, ErrStopped
	}

	if a, ok := e.actors.Get(gardenID); ok {
		return a, nil
	}
	return e.actors.Upsert(gardenID, nil, func(exist bool, inMap, _ *actor) *actor {
		if exist {
			return inMap
		}
		a := newActor(e, gardenID)
		go a.run()
		return a
	}), nil
}

// evict drops an actor that closed its own mailbox.
func (e *Engine) evict(a *actor) {
	e.actors.RemoveCb(a.id, func(_ string, v *actor, exists bool) bool {
		return exists && v == a
	})
	a.logger.Debug().Msg("Idle garden actor evicted")
}

func (e *Engine) send(gardenID string, f func(a *actor)) error {
	for {
		a, err := e.actorFor(gardenID)
		if err != nil {
			return err
		}
		if a.enqueue(func() {
			a.lastEvent = e.clock.Now()
			f(a)
		}) {
			return nil
		}

		// The actor closed between lookup and push: either the engine stopped or it was evicted.
		e.mu.RLock()
		stopped := e.stopped
		e.mu.RUnlock()
		if stopped {
			return ErrStopped
		}
		e.evict(a)
	}
}

// Preload starts an actor for every garden in the config store so that stored schedules
// fire without waiting for the garden's first event. It returns the number of gardens.
func (e *Engine) Preload(ctx context.Context) (int, error) {
	if e.configs == nil {
		return 0, nil
	}
	ids, err := e.configs.ListGardens(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list gardens: %w", err)
	}
	for _, id := range ids {
		if _, err := e.actorFor(id); err != nil {
			return 0, err
		}
	}
	e.logger.Info().Int("gardens", len(ids)).Msg("Garden actors preloaded")
	return len(ids), nil
}

type result[T any] struct {
	value T
	err   error
}

// call runs fn on the garden's actor and waits for its result or ctx.
func call[T any](ctx context.Context, e *Engine, gardenID string, fn func(a *actor) (T, error)) (T, error) {
	var zero T
	done := make(chan result[T], 1)
	err := e.send(gardenID, func(a *actor) {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error().Interface("panic", r).Msg("Recovered from panic while handling garden request")
				done <- result[T]{err: fmt.Errorf("garden %s: internal error", gardenID)}
			}
		}()
		v, err := fn(a)
		done <- result[T]{value: v, err: err}
	})
	if err != nil {
		return zero, err
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// HandleMessage normalizes a raw transport message and queues it on its garden.
// Parse failures are logged at warn and returned wrapping ingest.ErrParse.
func (e *Engine) HandleMessage(topic string, payload []byte, receivedAt time.Time) error {
	msg, err := e.normalizer.Normalize(topic, payload, receivedAt)
	if err != nil {
		e.logger.Warn().Err(err).Str("topic", topic).Msg("Dropping invalid message")
		return err
	}

	switch msg.Kind {
	case ingest.KindData:
		return e.HandleReading(*msg.Reading)
	case ingest.KindStatus:
		return e.HandleReport(*msg.Report)
	}
	return nil
}

// HandleReading queues a normalized sensor reading.
func (e *Engine) HandleReading(r models.SensorReading) error {
	return e.send(r.GardenID, func(a *actor) { a.handleReading(r) })
}

// HandleReport queues a normalized device report.
func (e *Engine) HandleReport(rep models.DeviceReport) error {
	return e.send(rep.GardenID, func(a *actor) { a.handleReport(rep) })
}

// HandleCommandResult queues an asynchronous dispatcher result on the command's garden.
func (e *Engine) HandleCommandResult(res dispatcher.Result) {
	a, ok := e.actors.Get(res.Command.GardenID)
	if !ok {
		return
	}
	a.enqueue(func() { a.handleCommandResult(res) })
}

// Tick fans a schedule tick out to every running garden.
func (e *Engine) Tick(t time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return
	}
	e.actors.IterCb(func(_ string, a *actor) {
		a.enqueue(func() { a.handleTick(t) })
	})
}

// GetSnapshot returns the full state of a garden.
func (e *Engine) GetSnapshot(ctx context.Context, gardenID string) (models.Snapshot, error) {
	return call(ctx, e, gardenID, func(a *actor) (models.Snapshot, error) {
		return a.snapshot(), nil
	})
}

// SetMode switches a garden between auto and manual. Enabling auto without thresholds keeps the
// garden manual and returns automation.ErrAutomationDegraded with the snapshot.
func (e *Engine) SetMode(ctx context.Context, gardenID string, mode models.Mode) (models.Snapshot, error) {
	return call(ctx, e, gardenID, func(a *actor) (models.Snapshot, error) {
		return a.setMode(mode)
	})
}

// ControlDevice applies a manual actuator request. Auto mode returns automation.ErrAutomationModeConflict.
func (e *Engine) ControlDevice(ctx context.Context, gardenID string, device models.Device, on bool) (models.Snapshot, error) {
	return call(ctx, e, gardenID, func(a *actor) (models.Snapshot, error) {
		return a.controlDevice(device, on)
	})
}

// SetThreshold stores the band for one metric.
func (e *Engine) SetThreshold(ctx context.Context, gardenID string, t models.Threshold) (models.Threshold, error) {
	return call(ctx, e, gardenID, func(a *actor) (models.Threshold, error) {
		return a.setThreshold(t)
	})
}

// Thresholds lists the bands of a garden.
func (e *Engine) Thresholds(ctx context.Context, gardenID string) ([]models.Threshold, error) {
	return call(ctx, e, gardenID, func(a *actor) ([]models.Threshold, error) {
		return a.g.Thresholds(), nil
	})
}

// UpsertSchedule creates or replaces a schedule.
func (e *Engine) UpsertSchedule(ctx context.Context, gardenID string, s models.Schedule) (models.Schedule, error) {
	return call(ctx, e, gardenID, func(a *actor) (models.Schedule, error) {
		return a.upsertSchedule(s)
	})
}

// DeleteSchedule removes a schedule. Unknown ids return ErrScheduleNotFound.
func (e *Engine) DeleteSchedule(ctx context.Context, gardenID, scheduleID string) error {
	_, err := call(ctx, e, gardenID, func(a *actor) (struct{}, error) {
		return struct{}{}, a.deleteSchedule(scheduleID)
	})
	return err
}

// ApplySchedules stores a batch of schedules as one queued operation. With replace, schedules
// missing from the batch are deleted. Nothing is stored if any schedule is invalid.
func (e *Engine) ApplySchedules(ctx context.Context, gardenID string, batch []models.Schedule, replace bool) ([]models.Schedule, error) {
	return call(ctx, e, gardenID, func(a *actor) ([]models.Schedule, error) {
		return a.applySchedules(batch, replace)
	})
}

// Schedules lists the schedules of a garden.
func (e *Engine) Schedules(ctx context.Context, gardenID string) ([]models.Schedule, error) {
	return call(ctx, e, gardenID, func(a *actor) ([]models.Schedule, error) {
		return a.g.Schedules(), nil
	})
}

// Readings returns the windowed readings at or after since; a zero since returns the whole window.
func (e *Engine) Readings(ctx context.Context, gardenID string, since time.Time) ([]models.SensorReading, error) {
	return call(ctx, e, gardenID, func(a *actor) ([]models.SensorReading, error) {
		if since.IsZero() {
			return a.g.Window(), nil
		}
		return a.g.WindowSince(since), nil
	})
}

// Gardens lists the gardens with a running actor.
func (e *Engine) Gardens() []string {
	ids := e.actors.Keys()
	sort.Strings(ids)
	return ids
}

// Stats reports actor and dispatcher counters.
func (e *Engine) Stats() Stats {
	s := Stats{Gardens: e.actors.Count()}
	e.actors.IterCb(func(_ string, a *actor) {
		s.QueuedEvents += a.mb.len()
	})
	if e.dispatcher != nil {
		s.PendingCommands = e.dispatcher.Pending()
	}
	return s
}

// forward hands a reading to the durable store without blocking the actor.
func (e *Engine) forward(r models.SensorReading) {
	if e.readings == nil || e.pool == nil {
		return
	}
	err := e.pool.TrySubmit(func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.StoreTimeout)
		defer cancel()
		if err := e.readings.PublishReading(ctx, r); err != nil {
			e.logger.Error().Err(err).Str("garden_id", r.GardenID).Msg("Failed to forward reading")
		}
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("garden_id", r.GardenID).Msg("Reading not forwarded")
	}
}

// Stop drains every actor and waits for them to exit. Later calls return ErrStopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	var actors []*actor
	e.actors.IterCb(func(_ string, a *actor) {
		a.mb.close()
		actors = append(actors, a)
	})
	for _, a := range actors {
		<-a.done
	}
	e.cancel()
	e.logger.Info().Int("gardens", len(actors)).Msg("Engine stopped")
}
