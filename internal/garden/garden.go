// Package garden holds the authoritative record of a single garden.
//
// A Garden is owned by exactly one goroutine (its actor) and performs no locking.
package garden

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benmeehan/garden-sync/internal/constants"
	"github.com/benmeehan/garden-sync/internal/models"
)

// ErrInvalidConfig is returned when a threshold, schedule or mode is rejected.
var ErrInvalidConfig = errors.New("invalid garden configuration")

// Config sizes the per-garden record.
type Config struct {
	WindowSize   int
	WindowMaxAge time.Duration
	GraceReports int
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = constants.DefaultWindowSize
	}
	if c.WindowMaxAge <= 0 {
		c.WindowMaxAge = constants.DefaultWindowMaxAge
	}
	if c.GraceReports <= 0 {
		c.GraceReports = constants.DefaultGraceReports
	}
	return c
}

// Hold records which command priority last set a device and in which minute.
type Hold struct {
	Priority int
	Minute   time.Time
}

// ReconcileResult lists the actuators whose confirmation status changed after a report.
type ReconcileResult struct {
	NewlyUnconfirmed []models.Device
	Confirmed        []models.Device
}

// Garden is the state of one garden: desired actuators, configuration, telemetry and
// the bookkeeping the rule engine needs between events.
type Garden struct {
	cfg Config

	state    models.DeviceState
	latest   *models.SensorReading
	window   *Window
	reported map[models.Device]bool
	mismatch map[models.Device]int

	thresholds map[models.Metric]models.Threshold
	schedules  map[string]models.Schedule

	latches    map[models.Metric]bool
	holds      map[models.Device]Hold
	fired      map[string]time.Time
	lastTick   time.Time
	lastStatus models.ConnectionStatus
	seq        uint64
	location   *time.Location
}

// New creates a garden in manual mode with no configuration.
func New(id string, cfg Config) *Garden {
	cfg = cfg.withDefaults()
	return &Garden{
		cfg:        cfg,
		state:      models.DeviceState{GardenID: id, Mode: models.ModeManual},
		window:     NewWindow(cfg.WindowSize, cfg.WindowMaxAge),
		reported:   make(map[models.Device]bool),
		mismatch:   make(map[models.Device]int),
		thresholds: make(map[models.Metric]models.Threshold),
		schedules:  make(map[string]models.Schedule),
		latches:    make(map[models.Metric]bool),
		holds:      make(map[models.Device]Hold),
		fired:      make(map[string]time.Time),
	}
}

// Location returns the time zone of the garden's schedules, or nil for the engine default.
func (g *Garden) Location() *time.Location { return g.location }

// SetLocation overrides the schedule time zone.
func (g *Garden) SetLocation(loc *time.Location) { g.location = loc }

// ID returns the garden identifier.
func (g *Garden) ID() string { return g.state.GardenID }

// State returns a copy of the device state.
func (g *Garden) State() models.DeviceState {
	s := g.state
	if len(g.state.Unconfirmed) > 0 {
		s.Unconfirmed = append([]models.Device(nil), g.state.Unconfirmed...)
	}
	return s
}

// Mode returns the automation mode.
func (g *Garden) Mode() models.Mode { return g.state.Mode }

// Latest returns the newest accepted reading, or nil.
func (g *Garden) Latest() *models.SensorReading {
	if g.latest == nil {
		return nil
	}
	r := *g.latest
	return &r
}

// Window returns the buffered readings, oldest first.
func (g *Garden) Window() []models.SensorReading { return g.window.Readings() }

// WindowSince returns the buffered readings at or after t.
func (g *Garden) WindowSince(t time.Time) []models.SensorReading { return g.window.Since(t) }

// ApplyReading stores a reading. advanced is true when the reading became the latest one;
// prev is the latest reading before the call.
func (g *Garden) ApplyReading(r models.SensorReading) (prev *models.SensorReading, advanced bool) {
	prev = g.Latest()
	g.touch(r.ReceivedAt)

	if !g.window.Add(r) {
		return prev, false
	}
	if g.latest != nil && r.Timestamp.Before(g.latest.Timestamp) {
		return prev, false
	}
	cur := r
	g.latest = &cur
	return prev, true
}

// ApplyDeviceReport records the reported actuator state and reconciles it against the desired state.
// A mismatch that persists for GraceReports consecutive reports marks the actuator unconfirmed.
func (g *Garden) ApplyDeviceReport(rep models.DeviceReport) ReconcileResult {
	g.touch(rep.ReceivedAt)

	var res ReconcileResult
	for _, d := range models.AllDevices {
		on, ok := rep.Actuators[d]
		if !ok {
			continue
		}
		g.reported[d] = on

		if on == g.state.Get(d) {
			g.mismatch[d] = 0
			if g.clearUnconfirmed(d) {
				res.Confirmed = append(res.Confirmed, d)
			}
			continue
		}

		g.mismatch[d]++
		if g.mismatch[d] >= g.cfg.GraceReports && g.MarkUnconfirmed(d) {
			res.NewlyUnconfirmed = append(res.NewlyUnconfirmed, d)
		}
	}
	return res
}

// Reported returns the last state the controller reported for a device.
func (g *Garden) Reported(d models.Device) (on bool, ok bool) {
	on, ok = g.reported[d]
	return on, ok
}

// touch advances lastReportedAt; it never moves backwards.
func (g *Garden) touch(at time.Time) {
	if at.After(g.state.LastReportedAt) {
		g.state.LastReportedAt = at
	}
}

// SetDesired changes the desired state of an actuator and reports whether it changed.
// A change restarts reconciliation for that actuator.
func (g *Garden) SetDesired(d models.Device, on bool) bool {
	if g.state.Get(d) == on {
		return false
	}
	g.state.Set(d, on)
	g.mismatch[d] = 0
	g.clearUnconfirmed(d)
	return true
}

// MarkUnconfirmed flags an actuator and reports whether it was newly flagged.
func (g *Garden) MarkUnconfirmed(d models.Device) bool {
	if g.state.IsUnconfirmed(d) {
		return false
	}
	g.state.Unconfirmed = append(g.state.Unconfirmed, d)
	return true
}

func (g *Garden) clearUnconfirmed(d models.Device) bool {
	for i, u := range g.state.Unconfirmed {
		if u == d {
			g.state.Unconfirmed = append(g.state.Unconfirmed[:i], g.state.Unconfirmed[i+1:]...)
			if len(g.state.Unconfirmed) == 0 {
				g.state.Unconfirmed = nil
			}
			return true
		}
	}
	return false
}

// SetMode switches the automation mode.
func (g *Garden) SetMode(m models.Mode) error {
	if _, err := models.ParseMode(string(m)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	g.state.Mode = m
	return nil
}

// SetDegraded sets the automation-degraded flag.
func (g *Garden) SetDegraded(degraded bool) { g.state.AutomationDegraded = degraded }

// SetThreshold validates and stores the threshold for its metric.
// A threshold without a device is bound to the metric's default actuator.
func (g *Garden) SetThreshold(t models.Threshold) (models.Threshold, error) {
	if _, err := models.ParseMetric(string(t.Metric)); err != nil {
		return models.Threshold{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if t.Device == "" {
		t.Device = models.DefaultBinding(t.Metric)
	} else if _, err := models.ParseDevice(string(t.Device)); err != nil {
		return models.Threshold{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !(t.LowBound < t.HighBound) {
		return models.Threshold{}, fmt.Errorf("%w: %s low bound %g must be below high bound %g",
			ErrInvalidConfig, t.Metric, t.LowBound, t.HighBound)
	}

	t.GardenID = g.ID()
	g.thresholds[t.Metric] = t
	return t, nil
}

// Threshold returns the threshold configured for a metric.
func (g *Garden) Threshold(m models.Metric) (models.Threshold, bool) {
	t, ok := g.thresholds[m]
	return t, ok
}

// Thresholds returns every configured threshold in metric order.
func (g *Garden) Thresholds() []models.Threshold {
	out := make([]models.Threshold, 0, len(g.thresholds))
	for _, m := range models.AllMetrics {
		if t, ok := g.thresholds[m]; ok {
			out = append(out, t)
		}
	}
	return out
}

// BoundMetrics returns the metrics whose thresholds drive a device.
func (g *Garden) BoundMetrics(d models.Device) []models.Metric {
	var out []models.Metric
	for _, m := range models.AllMetrics {
		if t, ok := g.thresholds[m]; ok && t.Device == d {
			out = append(out, m)
		}
	}
	return out
}

// UpsertSchedule validates and stores a schedule. Days are deduplicated and sorted.
func (g *Garden) UpsertSchedule(s models.Schedule) (models.Schedule, error) {
	s, err := ValidateSchedule(s)
	if err != nil {
		return models.Schedule{}, err
	}
	s.GardenID = g.ID()
	g.schedules[s.ID] = s
	return s, nil
}

// ValidateSchedule checks a schedule and returns it with its days deduplicated and sorted.
func ValidateSchedule(s models.Schedule) (models.Schedule, error) {
	if s.ID == "" {
		return models.Schedule{}, fmt.Errorf("%w: schedule id is required", ErrInvalidConfig)
	}
	if _, err := models.ParseDevice(string(s.Device)); err != nil {
		return models.Schedule{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := models.ParseAction(string(s.Action)); err != nil {
		return models.Schedule{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
		return models.Schedule{}, fmt.Errorf("%w: invalid time %02d:%02d", ErrInvalidConfig, s.Hour, s.Minute)
	}
	if len(s.DaysOfWeek) == 0 {
		return models.Schedule{}, fmt.Errorf("%w: schedule %s has no days", ErrInvalidConfig, s.ID)
	}

	seen := make(map[int]struct{}, len(s.DaysOfWeek))
	days := make([]int, 0, len(s.DaysOfWeek))
	for _, d := range s.DaysOfWeek {
		if d < 0 || d > 6 {
			return models.Schedule{}, fmt.Errorf("%w: day %d outside 0..6", ErrInvalidConfig, d)
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		days = append(days, d)
	}
	sort.Ints(days)
	s.DaysOfWeek = days
	return s, nil
}

// DeleteSchedule removes a schedule and its fired bookkeeping. It reports whether it existed.
func (g *Garden) DeleteSchedule(id string) bool {
	if _, ok := g.schedules[id]; !ok {
		return false
	}
	delete(g.schedules, id)
	delete(g.fired, id)
	return true
}

// Schedules returns every schedule ordered by id.
func (g *Garden) Schedules() []models.Schedule {
	out := make([]models.Schedule, 0, len(g.schedules))
	for _, s := range g.schedules {
		s.DaysOfWeek = append([]int(nil), s.DaysOfWeek...)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Latch returns the hysteresis state of a metric.
func (g *Garden) Latch(m models.Metric) bool { return g.latches[m] }

// SetLatch updates the hysteresis state of a metric.
func (g *Garden) SetLatch(m models.Metric, on bool) { g.latches[m] = on }

// Hold returns the precedence hold of a device.
func (g *Garden) Hold(d models.Device) (Hold, bool) {
	h, ok := g.holds[d]
	return h, ok
}

// SetHold installs a precedence hold on a device.
func (g *Garden) SetHold(d models.Device, h Hold) { g.holds[d] = h }

// LastFired returns the minute a schedule last fired.
func (g *Garden) LastFired(scheduleID string) (time.Time, bool) {
	t, ok := g.fired[scheduleID]
	return t, ok
}

// MarkFired records the minute a schedule fired.
func (g *Garden) MarkFired(scheduleID string, minute time.Time) { g.fired[scheduleID] = minute }

// LastTick returns the last schedule tick minute processed.
func (g *Garden) LastTick() time.Time { return g.lastTick }

// SetLastTick records the last schedule tick minute processed.
func (g *Garden) SetLastTick(minute time.Time) { g.lastTick = minute }

// ObserveStatus records the connection status. changed is false on the first observation.
func (g *Garden) ObserveStatus(s models.ConnectionStatus) (prev models.ConnectionStatus, changed bool) {
	prev = g.lastStatus
	g.lastStatus = s
	return prev, prev != "" && prev != s
}

// NextSeq increments and returns the event sequence number.
func (g *Garden) NextSeq() uint64 {
	g.seq++
	return g.seq
}

// Seq returns the last issued sequence number.
func (g *Garden) Seq() uint64 { return g.seq }

// Snapshot builds the full-state read for clients.
func (g *Garden) Snapshot(now time.Time, bands models.ConnectionBands) models.Snapshot {
	return models.Snapshot{
		DeviceState:      g.State(),
		LatestReading:    g.Latest(),
		ConnectionStatus: bands.StatusAt(g.state.LastReportedAt, now),
		Seq:              g.seq,
	}
}
