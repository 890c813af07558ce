// Package automation decides actuator commands from thresholds, schedules and manual requests.
package automation

import (
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/garden-sync/internal/garden"
	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/benmeehan/garden-sync/internal/notification"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrAutomationModeConflict rejects manual control while the garden is in auto mode.
	ErrAutomationModeConflict = errors.New("automation mode conflict: switch the garden to manual first")
	// ErrAutomationDegraded is returned when auto mode cannot be enabled because no thresholds exist.
	ErrAutomationDegraded = errors.New("automation degraded: no thresholds configured")
	// ErrScheduleClockSkew marks a tick for a minute that was already processed.
	ErrScheduleClockSkew = errors.New("schedule clock skew")
)

// Command priorities, highest wins within a minute.
const (
	PriorityThreshold = 1
	PrioritySchedule  = 2
	PrioritySafety    = 3
)

func priorityOf(src models.CommandSource) int {
	switch src {
	case models.SourceSafety:
		return PrioritySafety
	case models.SourceSchedule:
		return PrioritySchedule
	default:
		return PriorityThreshold
	}
}

// Config tunes the evaluator.
type Config struct {
	// SafetyShutoffDevices are switched off when temperature crosses its high bound.
	SafetyShutoffDevices []models.Device
	// Location is the default schedule time zone for gardens without their own.
	Location *time.Location
}

// Proposal is a candidate actuator change.
type Proposal struct {
	Device models.Device
	On     bool
	Source models.CommandSource
	Reason string
}

// FiredMark records a schedule firing that must be persisted.
type FiredMark struct {
	ScheduleID string
	Minute     time.Time
}

// Outcome is the result of one evaluation.
type Outcome struct {
	Commands      []models.ActuatorCommand
	Changes       []models.Change
	Notifications []models.Notification
	Fired         []FiredMark
	// Matched is true when at least one schedule matched the tick.
	Matched bool
}

// Evaluator runs the rule engine against a garden record. It keeps no per-garden state.
type Evaluator struct {
	cfg    Config
	logger zerolog.Logger
	newID  func() string
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(cfg Config, logger zerolog.Logger) *Evaluator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SafetyShutoffDevices == nil {
		cfg.SafetyShutoffDevices = []models.Device{models.DeviceLight}
	}
	return &Evaluator{
		cfg:    cfg,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// locationOf returns the time zone the garden's schedules are matched in.
func (e *Evaluator) locationOf(g *garden.Garden) *time.Location {
	if loc := g.Location(); loc != nil {
		return loc
	}
	return e.cfg.Location
}

func minuteOf(t time.Time) time.Time { return t.Truncate(time.Minute) }

// EvaluateReading runs the hysteresis latches for a reading that advanced the garden's latest value.
// It does nothing outside auto mode.
func (e *Evaluator) EvaluateReading(g *garden.Garden, r models.SensorReading, now time.Time) Outcome {
	var out Outcome
	if g.Mode() != models.ModeAuto {
		return out
	}

	var affected []models.Device
	safety := false
	var safetyDevice models.Device

	for _, th := range g.Thresholds() {
		v, ok := r.Value(th.Metric)
		if !ok {
			continue
		}
		was := g.Latch(th.Metric)
		is := was
		switch {
		case !was && v >= th.HighBound:
			is = true
		case was && v <= th.LowBound:
			is = false
		}
		if is == was {
			continue
		}

		g.SetLatch(th.Metric, is)
		affected = appendDevice(affected, th.Device)
		out.Notifications = append(out.Notifications, notification.ThresholdCrossed(th, v, is, now))

		if th.Metric == models.MetricTemperature && is {
			safety = true
			safetyDevice = th.Device
		}
	}

	var proposals []Proposal
	for _, d := range affected {
		if safety && d == safetyDevice {
			continue
		}
		proposals = append(proposals, Proposal{
			Device: d,
			On:     anyLatchOn(g, d),
			Source: models.SourceThreshold,
			Reason: "threshold " + joinMetrics(g.BoundMetrics(d)),
		})
	}
	if safety {
		reason := "safety: temperature above high bound"
		proposals = append(proposals, Proposal{Device: safetyDevice, On: true, Source: models.SourceSafety, Reason: reason})
		for _, d := range e.cfg.SafetyShutoffDevices {
			if d == safetyDevice {
				continue
			}
			proposals = append(proposals, Proposal{Device: d, On: false, Source: models.SourceSafety, Reason: reason})
		}
	}

	e.resolve(g, proposals, now, &out)
	return out
}

// EvaluateTick fires the schedules due in the tick's minute. A tick at or before the
// last processed minute returns ErrScheduleClockSkew.
func (e *Evaluator) EvaluateTick(g *garden.Garden, tick time.Time) (Outcome, error) {
	var out Outcome
	minute := minuteOf(tick)

	if last := g.LastTick(); !last.IsZero() && !minute.After(last) {
		return out, fmt.Errorf("%w: tick %s not after %s", ErrScheduleClockSkew,
			minute.Format(time.RFC3339), last.Format(time.RFC3339))
	}
	g.SetLastTick(minute)

	if g.Mode() != models.ModeAuto {
		return out, nil
	}

	local := minute.In(e.locationOf(g))
	var proposals []Proposal
	for _, s := range g.Schedules() {
		if !s.Matches(local) {
			continue
		}
		out.Matched = true
		if last, ok := g.LastFired(s.ID); ok && last.Equal(minute) {
			continue
		}

		g.MarkFired(s.ID, minute)
		out.Fired = append(out.Fired, FiredMark{ScheduleID: s.ID, Minute: minute})
		proposals = append(proposals, Proposal{
			Device: s.Device,
			On:     s.Action.On(),
			Source: models.SourceSchedule,
			Reason: "schedule " + s.ID,
		})
		out.Notifications = append(out.Notifications, notification.ScheduleFired(s, tick))
	}

	e.resolve(g, proposals, tick, &out)
	return out, nil
}

// Manual applies an explicit user request. Auto mode rejects it with ErrAutomationModeConflict.
func (e *Evaluator) Manual(g *garden.Garden, d models.Device, on bool, now time.Time) (Outcome, error) {
	var out Outcome
	if g.Mode() == models.ModeAuto {
		return out, ErrAutomationModeConflict
	}
	e.apply(g, Proposal{Device: d, On: on, Source: models.SourceManual, Reason: "manual"}, now, &out)
	return out, nil
}

// SyncLatches aligns every latch with the current state of the actuator it drives.
func (e *Evaluator) SyncLatches(g *garden.Garden) {
	for _, d := range models.AllDevices {
		syncDevice(g, d)
	}
}

func (e *Evaluator) resolve(g *garden.Garden, proposals []Proposal, now time.Time, out *Outcome) {
	minute := minuteOf(now)
	for _, p := range proposals {
		prio := priorityOf(p.Source)
		if h, ok := g.Hold(p.Device); ok && h.Minute.Equal(minute) && h.Priority > prio {
			e.logger.Debug().
				Str("garden_id", g.ID()).
				Str("device", string(p.Device)).
				Str("source", string(p.Source)).
				Msg("Proposal overridden by higher priority command in the same minute")
			syncDevice(g, p.Device)
			continue
		}
		g.SetHold(p.Device, garden.Hold{Priority: prio, Minute: minute})
		e.apply(g, p, now, out)
	}
}

func (e *Evaluator) apply(g *garden.Garden, p Proposal, now time.Time, out *Outcome) {
	from := g.State().Get(p.Device)
	if g.SetDesired(p.Device, p.On) {
		out.Changes = append(out.Changes, models.Change{
			Device: p.Device,
			From:   from,
			To:     p.On,
			Source: p.Source,
			Reason: p.Reason,
		})
		out.Commands = append(out.Commands, models.ActuatorCommand{
			ID:       e.newID(),
			GardenID: g.ID(),
			Device:   p.Device,
			Action:   models.ActionFor(p.On),
			Reason:   p.Reason,
			Source:   p.Source,
			IssuedAt: now,
			Attempt:  1,
		})
	}
	// A safety "on" already follows the temperature latch.
	if p.Source != models.SourceThreshold && !(p.Source == models.SourceSafety && p.On) {
		syncDevice(g, p.Device)
	}
}

// syncDevice sets the latches bound to d to the actuator's desired state.
func syncDevice(g *garden.Garden, d models.Device) {
	on := g.State().Get(d)
	for _, m := range g.BoundMetrics(d) {
		g.SetLatch(m, on)
	}
}

func anyLatchOn(g *garden.Garden, d models.Device) bool {
	for _, m := range g.BoundMetrics(d) {
		if g.Latch(m) {
			return true
		}
	}
	return false
}

func appendDevice(list []models.Device, d models.Device) []models.Device {
	for _, x := range list {
		if x == d {
			return list
		}
	}
	return append(list, d)
}

func joinMetrics(ms []models.Metric) string {
	s := ""
	for i, m := range ms {
		if i > 0 {
			s += "+"
		}
		s += string(m)
	}
	return s
}
