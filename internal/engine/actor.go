package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/garden-sync/internal/automation"
	"github.com/benmeehan/garden-sync/internal/dispatcher"
	"github.com/benmeehan/garden-sync/internal/garden"
	"github.com/benmeehan/garden-sync/internal/hub"
	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/benmeehan/garden-sync/internal/notification"
	"github.com/benmeehan/garden-sync/internal/utils"
	"github.com/rs/zerolog"
)

// actor owns one garden. Every closure in its mailbox runs on the actor goroutine.
type actor struct {
	id     string
	e      *Engine
	g      *garden.Garden
	mb     *mailbox
	logger zerolog.Logger
	done   chan struct{}

	// lastEvent is when the actor last handled anything other than a tick.
	lastEvent time.Time
}

func newActor(e *Engine, id string) *actor {
	return &actor{
		id:        id,
		e:         e,
		g:         garden.New(id, e.cfg.Garden),
		mb:        newMailbox(),
		logger:    e.logger.With().Str("garden_id", id).Logger(),
		done:      make(chan struct{}),
		lastEvent: e.clock.Now(),
	}
}

func (a *actor) enqueue(f func()) bool {
	return a.mb.push(f)
}

func (a *actor) run() {
	defer close(a.done)
	a.safely(a.bootstrap)

	for {
		items, closed := a.mb.take()
		if len(items) == 0 {
			if closed {
				return
			}
			<-a.mb.notify
			continue
		}
		for _, f := range items {
			a.safely(f)
		}
		if a.idle(a.e.clock.Now()) && a.mb.closeIfEmpty() {
			a.e.evict(a)
			return
		}
	}
}

// idle reports whether the garden has never held configuration, telemetry or published
// anything, and has seen no request for the eviction period.
func (a *actor) idle(now time.Time) bool {
	if a.g.Seq() > 0 || a.g.Mode() != models.ModeManual {
		return false
	}
	if len(a.g.Thresholds()) > 0 || len(a.g.Schedules()) > 0 || !a.g.State().LastReportedAt.IsZero() {
		return false
	}
	return now.Sub(a.lastEvent) >= a.e.cfg.IdleEviction
}

func (a *actor) safely(f func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Msg("Recovered from panic while handling garden event")
		}
	}()
	f()
}

func (a *actor) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(a.e.ctx, a.e.cfg.StoreTimeout)
}

// bootstrap loads configuration and fired minutes before the first queued event runs.
func (a *actor) bootstrap() {
	mode := models.ModeManual

	if a.e.configs != nil {
		ctx, cancel := a.storeContext()
		cfg, err := a.e.configs.LoadGarden(ctx, a.id)
		cancel()
		if err != nil {
			a.logger.Error().Err(err).Msg("Failed to load garden configuration, starting in manual mode")
		} else {
			for _, t := range cfg.Thresholds {
				if _, err := a.g.SetThreshold(t); err != nil {
					a.logger.Warn().Err(err).Str("metric", string(t.Metric)).Msg("Skipping stored threshold")
				}
			}
			for _, s := range cfg.Schedules {
				if _, err := a.g.UpsertSchedule(s); err != nil {
					a.logger.Warn().Err(err).Str("schedule_id", s.ID).Msg("Skipping stored schedule")
				}
			}
			mode = cfg.Mode
			if cfg.Timezone != "" {
				if loc, err := time.LoadLocation(cfg.Timezone); err != nil {
					a.logger.Warn().Err(err).Str("timezone", cfg.Timezone).Msg("Unknown garden timezone, using the default")
				} else {
					a.g.SetLocation(loc)
				}
			}
		}
	}

	if a.e.fired != nil {
		ctx, cancel := a.storeContext()
		fired, err := a.e.fired.LoadFired(ctx, a.id)
		cancel()
		if err != nil {
			a.logger.Error().Err(err).Msg("Failed to load schedule fired minutes")
		}
		for id, minute := range fired {
			a.g.MarkFired(id, minute)
		}
	}

	if mode == models.ModeAuto {
		if len(a.g.Thresholds()) == 0 {
			a.degrade(a.e.clock.Now())
		} else {
			_ = a.g.SetMode(models.ModeAuto)
		}
	}

	a.logger.Debug().
		Str("mode", string(a.g.Mode())).
		Int("thresholds", len(a.g.Thresholds())).
		Int("schedules", len(a.g.Schedules())).
		Msg("Garden actor started")
}

// degrade keeps the garden in manual mode and raises the persistent warning once.
func (a *actor) degrade(now time.Time) {
	_ = a.g.SetMode(models.ModeManual)
	if a.g.State().AutomationDegraded {
		return
	}
	a.g.SetDegraded(true)
	a.logger.Warn().Msg("Auto mode requested without thresholds, automation degraded")
	a.notify(notification.AutomationDegraded(a.id, now))
}

func (a *actor) emit(t hub.EventType, data any, at time.Time) {
	a.e.broadcaster.Publish(hub.Event{
		Type:      t,
		GardenID:  a.id,
		Seq:       a.g.NextSeq(),
		Data:      data,
		Timestamp: at,
	})
}

func (a *actor) notify(n models.Notification) {
	a.e.notifier.Notify(n, a.g.NextSeq())
}

func (a *actor) emitDelta(trigger models.Trigger, changes []models.Change, now time.Time) {
	if changes == nil {
		changes = []models.Change{}
	}
	seq := a.g.NextSeq()
	a.e.broadcaster.Publish(hub.Event{
		Type:     hub.EventDeviceStatus,
		GardenID: a.id,
		Seq:      seq,
		Data: models.StateDelta{
			GardenID:    a.id,
			Seq:         seq,
			Trigger:     trigger,
			Changes:     changes,
			State:       a.g.State(),
			EvaluatedAt: now,
		},
		Timestamp: now,
	})
}

// finish publishes the result of an evaluation: delta, notifications, then commands.
func (a *actor) finish(trigger models.Trigger, out automation.Outcome, now time.Time) {
	a.emitDelta(trigger, out.Changes, now)
	for _, n := range out.Notifications {
		a.notify(n)
	}
	for _, cmd := range out.Commands {
		a.dispatch(cmd, now)
	}
}

func (a *actor) dispatch(cmd models.ActuatorCommand, now time.Time) {
	err := a.e.dispatcher.Dispatch(a.e.ctx, cmd)
	if err == nil {
		return
	}
	a.logger.Error().Err(err).
		Str("device", string(cmd.Device)).
		Str("command_id", cmd.ID).
		Msg("Failed to dispatch command")
	if errors.Is(err, dispatcher.ErrTransport) {
		a.notify(notification.TransportError(cmd, err, now))
	}
}

func (a *actor) checkConnectivity(now time.Time) {
	status := a.e.cfg.Bands.StatusAt(a.g.State().LastReportedAt, now)
	prev, changed := a.g.ObserveStatus(status)
	if !changed {
		return
	}

	a.logger.Info().Str("from", string(prev)).Str("to", string(status)).Msg("Connection status changed")
	a.emit(hub.EventConnectionStatus, ConnectionEvent{
		Status:         status,
		Previous:       prev,
		LastReportedAt: a.g.State().LastReportedAt,
	}, now)

	// Only losing the device and getting it back are alerts; stale is a client hint.
	if status == models.StatusDisconnected || prev == models.StatusDisconnected {
		a.notify(notification.ConnectivityChanged(a.id, prev, status, now))
	}
}

func (a *actor) handleReading(r models.SensorReading) {
	now := a.e.clock.Now()
	_, advanced := a.g.ApplyReading(r)
	a.checkConnectivity(now)
	a.e.forward(r)

	if !advanced {
		a.logger.Debug().Time("timestamp", r.Timestamp).Msg("Reading did not advance latest, skipping evaluation")
		return
	}
	a.emit(hub.EventSensorData, r, now)

	if a.g.Mode() != models.ModeAuto {
		return
	}
	out := a.e.evaluator.EvaluateReading(a.g, r, now)
	a.finish(models.TriggerReading, out, now)
}

func (a *actor) handleReport(rep models.DeviceReport) {
	now := a.e.clock.Now()
	res := a.g.ApplyDeviceReport(rep)
	a.checkConnectivity(now)

	for _, cmd := range a.e.dispatcher.Observe(a.id, rep.Actuators) {
		a.logger.Debug().Str("command_id", cmd.ID).Str("device", string(cmd.Device)).Msg("Command acknowledged")
	}

	state := a.g.State()
	for _, d := range res.NewlyUnconfirmed {
		a.notify(notification.ActuatorUnconfirmed(a.id, d, state.Get(d), "reported state differs", now))
	}
	if len(res.NewlyUnconfirmed) > 0 || len(res.Confirmed) > 0 {
		a.emitDelta(models.TriggerReport, nil, now)
	}
}

func (a *actor) handleTick(tick time.Time) {
	a.checkConnectivity(tick)

	out, err := a.e.evaluator.EvaluateTick(a.g, tick)
	if err != nil {
		if errors.Is(err, automation.ErrScheduleClockSkew) {
			a.logger.Debug().Err(err).Msg("Ignoring schedule tick")
			return
		}
		a.logger.Error().Err(err).Msg("Failed to evaluate schedule tick")
		return
	}

	if a.e.fired != nil {
		for _, f := range out.Fired {
			ctx, cancel := a.storeContext()
			if err := a.e.fired.SaveFired(ctx, a.id, f.ScheduleID, f.Minute); err != nil {
				a.logger.Error().Err(err).Str("schedule_id", f.ScheduleID).Msg("Failed to persist fired minute")
			}
			cancel()
		}
	}

	if out.Matched {
		a.finish(models.TriggerSchedule, out, tick)
	}
}

func (a *actor) handleCommandResult(res dispatcher.Result) {
	now := a.e.clock.Now()
	cmd := res.Command

	switch res.Outcome {
	case dispatcher.OutcomeTimeout:
		if a.g.State().Get(cmd.Device) != cmd.Action.On() {
			return
		}
		if a.g.MarkUnconfirmed(cmd.Device) {
			a.notify(notification.ActuatorUnconfirmed(a.id, cmd.Device, cmd.Action.On(), "no acknowledgement", now))
			a.emitDelta(models.TriggerCommandResult, nil, now)
		}
	case dispatcher.OutcomeTransportError:
		a.notify(notification.TransportError(cmd, res.Err, now))
	}
}

func (a *actor) snapshot() models.Snapshot {
	return a.g.Snapshot(a.e.clock.Now(), a.e.cfg.Bands)
}

func (a *actor) setMode(m models.Mode) (models.Snapshot, error) {
	now := a.e.clock.Now()
	if _, err := models.ParseMode(string(m)); err != nil {
		return a.snapshot(), fmt.Errorf("%w: %v", garden.ErrInvalidConfig, err)
	}

	if m == models.ModeAuto && len(a.g.Thresholds()) == 0 {
		wasDegraded := a.g.State().AutomationDegraded
		a.degrade(now)
		if !wasDegraded {
			a.emitDelta(models.TriggerMode, nil, now)
		}
		return a.snapshot(), automation.ErrAutomationDegraded
	}

	prev := a.g.Mode()
	wasDegraded := a.g.State().AutomationDegraded
	_ = a.g.SetMode(m)
	a.g.SetDegraded(false)
	if m == models.ModeAuto && prev != models.ModeAuto {
		a.e.evaluator.SyncLatches(a.g)
	}

	a.persist("mode", func(ctx context.Context) error { return a.e.configs.SaveMode(ctx, a.id, m) })
	if prev != m || wasDegraded {
		a.emitDelta(models.TriggerMode, nil, now)
	}
	return a.snapshot(), nil
}

func (a *actor) setThreshold(t models.Threshold) (models.Threshold, error) {
	th, err := a.g.SetThreshold(t)
	if err != nil {
		return models.Threshold{}, err
	}
	a.e.evaluator.SyncLatches(a.g)
	a.persist("threshold", func(ctx context.Context) error { return a.e.configs.SaveThreshold(ctx, th) })
	return th, nil
}

func (a *actor) upsertSchedule(s models.Schedule) (models.Schedule, error) {
	sc, err := a.g.UpsertSchedule(s)
	if err != nil {
		return models.Schedule{}, err
	}
	a.persist("schedule", func(ctx context.Context) error { return a.e.configs.SaveSchedule(ctx, sc) })
	return sc, nil
}

func (a *actor) deleteSchedule(id string) error {
	if !a.g.DeleteSchedule(id) {
		return ErrScheduleNotFound
	}
	a.persist("schedule", func(ctx context.Context) error { return a.e.configs.DeleteSchedule(ctx, a.id, id) })
	if a.e.fired != nil {
		ctx, cancel := a.storeContext()
		defer cancel()
		if err := a.e.fired.DeleteFired(ctx, a.id, id); err != nil {
			a.logger.Error().Err(err).Str("schedule_id", id).Msg("Failed to delete fired minute")
		}
	}
	return nil
}

// applySchedules validates the whole batch before storing any of it.
func (a *actor) applySchedules(batch []models.Schedule, replace bool) ([]models.Schedule, error) {
	valid := make([]models.Schedule, 0, len(batch))
	for _, s := range batch {
		sc, err := garden.ValidateSchedule(s)
		if err != nil {
			return nil, err
		}
		valid = append(valid, sc)
	}

	if replace {
		ids := make([]string, 0, len(valid))
		for _, s := range valid {
			ids = append(ids, s.ID)
		}
		keep := utils.SliceToSet(ids)
		for _, s := range a.g.Schedules() {
			if _, ok := keep[s.ID]; !ok {
				_ = a.deleteSchedule(s.ID)
			}
		}
	}

	out := make([]models.Schedule, 0, len(valid))
	for _, s := range valid {
		sc, err := a.upsertSchedule(s)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func (a *actor) controlDevice(d models.Device, on bool) (models.Snapshot, error) {
	now := a.e.clock.Now()
	out, err := a.e.evaluator.Manual(a.g, d, on, now)
	if err != nil {
		return a.snapshot(), err
	}
	a.finish(models.TriggerManual, out, now)
	return a.snapshot(), nil
}

// persist writes a configuration change through to the config store. Failures are logged;
// the in-memory garden stays authoritative.
func (a *actor) persist(what string, write func(ctx context.Context) error) {
	if a.e.configs == nil {
		return
	}
	ctx, cancel := a.storeContext()
	defer cancel()
	if err := write(ctx); err != nil {
		a.logger.Error().Err(err).Str("what", what).Msg("Failed to persist garden configuration")
	}
}
