package engine

import (
	"context"
	"errors"
	"sync"
	"sort"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alicebob/miniredis/v2"
	"github.com/benmeehan/garden-sync/internal/automation"
	"github.com/benmeehan/garden-sync/internal/dispatcher"
	"github.com/benmeehan/garden-sync/internal/garden"
	"github.com/benmeehan/garden-sync/internal/hub"
	"github.com/benmeehan/garden-sync/internal/ingest"
	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/benmeehan/garden-sync/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2024-06-04 is a Tuesday.
var start = time.Date(2024, 6, 4, 17, 58, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []hub.Event
	notes  []models.Notification
	seqs   []uint64
}

func (r *recorder) Publish(ev hub.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.seqs = append(r.seqs, ev.Seq)
	return 1
}

func (r *recorder) Notify(n models.Notification, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	r.seqs = append(r.seqs, seq)
}

func (r *recorder) notifications(typ models.NotificationType) []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Notification
	for _, n := range r.notes {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) deltas() []models.StateDelta {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.StateDelta
	for _, ev := range r.events {
		if d, ok := ev.Data.(models.StateDelta); ok {
			out = append(out, d)
		}
	}
	return out
}

func (r *recorder) eventsOf(typ hub.EventType) []hub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []hub.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fakeDispatcher struct {
	mu       sync.Mutex
	commands []models.ActuatorCommand
	err      error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, cmd models.ActuatorCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeDispatcher) Observe(string, map[models.Device]bool) []models.ActuatorCommand { return nil }

func (f *fakeDispatcher) Pending() int { return 0 }

func (f *fakeDispatcher) sent() []models.ActuatorCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ActuatorCommand(nil), f.commands...)
}

type memoryConfigStore struct {
	mu      sync.Mutex
	configs map[string]storage.GardenConfig
	modes   map[string]models.Mode
	listErr error
}

func newMemoryConfigStore() *memoryConfigStore {
	return &memoryConfigStore{configs: map[string]storage.GardenConfig{}, modes: map[string]models.Mode{}}
}

func (m *memoryConfigStore) ListGardens(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	ids := make([]string, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memoryConfigStore) LoadGarden(_ context.Context, id string) (storage.GardenConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return storage.GardenConfig{Mode: models.ModeManual}, nil
	}
	return cfg, nil
}

func (m *memoryConfigStore) SaveMode(_ context.Context, id string, mode models.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[id] = mode
	return nil
}

func (m *memoryConfigStore) SaveThreshold(context.Context, models.Threshold) error { return nil }
func (m *memoryConfigStore) SaveSchedule(context.Context, models.Schedule) error   { return nil }
func (m *memoryConfigStore) DeleteSchedule(context.Context, string, string) error  { return nil }

type fixture struct {
	engine   *Engine
	rec      *recorder
	disp     *fakeDispatcher
	clock    clockwork.FakeClock
	configs  *memoryConfigStore
	redis    *miniredis.Miniredis
	redisCli *redis.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	f := &fixture{
		rec:     &recorder{},
		disp:    &fakeDispatcher{},
		clock:   clockwork.NewFakeClockAt(start),
		configs: newMemoryConfigStore(),
		redis:   mr,
	}
	f.redisCli = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { f.redisCli.Close() })
	f.engine = f.newEngine()
	t.Cleanup(f.engine.Stop)
	return f
}

func (f *fixture) newEngine() *Engine {
	return New(Options{
		Config: Config{
			Bands: models.ConnectionBands{StaleAfter: 5 * time.Minute, DisconnectedAfter: 30 * time.Minute},
		},
		Clock:       f.clock,
		Normalizer:  ingest.NewNormalizer("gardens", 5*time.Minute, 0),
		Evaluator:   automation.NewEvaluator(automation.Config{Location: time.UTC}, zerolog.Nop()),
		Dispatcher:  f.disp,
		Broadcaster: f.rec,
		Notifier:    f.rec,
		ConfigStore: f.configs,
		FiredStore:  storage.NewRedisFiredStore(f.redisCli, 0),
		Logger:      zerolog.Nop(),
	})
}

func (f *fixture) reading(t *testing.T, soil float64) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.engine.HandleReading(models.SensorReading{
		GardenID: "g1", Temperature: 20, Humidity: 50, Light: 100, Soil: soil, Timestamp: now, ReceivedAt: now,
	}))
}

// sync waits until every event queued for g1 so far has been processed.
func (f *fixture) sync(t *testing.T) models.Snapshot {
	t.Helper()
	snap, err := f.engine.GetSnapshot(context.Background(), "g1")
	require.NoError(t, err)
	return snap
}

func (f *fixture) autoWithSoil(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.SetThreshold(ctx, "g1", models.Threshold{Metric: models.MetricSoil, LowBound: 30, HighBound: 60})
	require.NoError(t, err)
	_, err = f.engine.SetMode(ctx, "g1", models.ModeAuto)
	require.NoError(t, err)
}

func TestEngine_SoilScenario(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.autoWithSoil(t)

	// Execute + Assert
	f.reading(t, 65)
	snap := f.sync(t)
	assert.True(t, snap.DeviceState.Pump)
	require.Len(t, f.disp.sent(), 1)
	assert.Equal(t, models.ActionOn, f.disp.sent()[0].Action)

	deltas := f.rec.deltas()
	last := deltas[len(deltas)-1]
	assert.Equal(t, models.TriggerReading, last.Trigger)
	require.Len(t, last.Changes, 1)
	assert.Equal(t, models.DevicePump, last.Changes[0].Device)

	f.clock.Advance(time.Minute)
	f.reading(t, 45)
	assert.True(t, f.sync(t).DeviceState.Pump)
	assert.Len(t, f.disp.sent(), 1)

	f.clock.Advance(time.Minute)
	f.reading(t, 25)
	assert.False(t, f.sync(t).DeviceState.Pump)
	require.Len(t, f.disp.sent(), 2)
	assert.Equal(t, models.ActionOff, f.disp.sent()[1].Action)
}

func TestEngine_HandleMessage(t *testing.T) {
	f := newFixture(t)

	err := f.engine.HandleMessage("gardens/g1/data", []byte(`{"temperature":21,"humidity":40,"light":300,"soil":50}`), f.clock.Now())
	require.NoError(t, err)
	snap := f.sync(t)
	require.NotNil(t, snap.LatestReading)
	assert.Equal(t, 50.0, snap.LatestReading.Soil)
	assert.Equal(t, models.StatusConnected, snap.ConnectionStatus)
	assert.Len(t, f.rec.eventsOf(hub.EventSensorData), 1)

	err = f.engine.HandleMessage("gardens/g1/data", []byte(`{"humidity":140}`), f.clock.Now())
	assert.ErrorIs(t, err, ingest.ErrParse)
}

func TestEngine_TuesdayEveningSchedule(t *testing.T) {
	// Setup
	f := newFixture(t)
	ctx := context.Background()
	f.autoWithSoil(t)
	_, err := f.engine.UpsertSchedule(ctx, "g1", models.Schedule{
		ID: "evening", Device: models.DeviceLight, Action: models.ActionOn,
		Hour: 18, Minute: 0, DaysOfWeek: []int{1, 2, 3, 4, 5}, Active: true,
	})
	require.NoError(t, err)

	// Execute
	at := time.Date(2024, 6, 4, 18, 0, 0, 0, time.UTC)
	f.engine.Tick(at)
	f.engine.Tick(at.Add(30 * time.Second))
	snap := f.sync(t)

	// Assert
	assert.True(t, snap.DeviceState.Light)
	require.Len(t, f.disp.sent(), 1)
	assert.Equal(t, models.SourceSchedule, f.disp.sent()[0].Source)
	assert.Len(t, f.rec.notifications(models.NotificationScheduleFired), 1)

	fired, err := storage.NewRedisFiredStore(f.redisCli, 0).LoadFired(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, fired["evening"].Equal(at))
}

func TestEngine_FiredMinuteSurvivesRestart(t *testing.T) {
	// Setup
	f := newFixture(t)
	ctx := context.Background()
	schedule := models.Schedule{
		ID: "evening", GardenID: "g1", Device: models.DeviceLight, Action: models.ActionOn,
		Hour: 18, Minute: 0, DaysOfWeek: []int{2}, Active: true,
	}
	f.configs.configs["g1"] = storage.GardenConfig{
		Mode:       models.ModeAuto,
		Thresholds: []models.Threshold{{Metric: models.MetricSoil, LowBound: 30, HighBound: 60}},
		Schedules:  []models.Schedule{schedule},
	}
	at := time.Date(2024, 6, 4, 18, 0, 0, 0, time.UTC)

	f.sync(t)
	f.engine.Tick(at)
	f.sync(t)
	require.Len(t, f.disp.sent(), 1)

	// Execute: restart and replay the same minute.
	f.engine.Stop()
	f.engine = f.newEngine()
	t.Cleanup(f.engine.Stop)
	_, err := f.engine.GetSnapshot(ctx, "g1")
	require.NoError(t, err)
	f.engine.Tick(at.Add(10 * time.Second))
	snap := f.sync(t)

	// Assert
	assert.False(t, snap.DeviceState.Light, "a fresh actor starts with the light off and must not re-fire")
	assert.Len(t, f.disp.sent(), 1)
}

func TestEngine_Preload_StoredScheduleFiresWithoutEvents(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.configs.configs["g1"] = storage.GardenConfig{
		Mode:       models.ModeAuto,
		Thresholds: []models.Threshold{{Metric: models.MetricSoil, LowBound: 30, HighBound: 60}},
		Schedules: []models.Schedule{{
			ID: "evening", GardenID: "g1", Device: models.DeviceLight, Action: models.ActionOn,
			Hour: 18, Minute: 0, DaysOfWeek: []int{2}, Active: true,
		}},
	}

	// Execute: no reading, report or request reaches g1 before the schedule minute.
	n, err := f.engine.Preload(context.Background())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		f.engine.Tick(f.clock.Now())
	}
	snap := f.sync(t)

	// Assert
	assert.Equal(t, 1, n)
	assert.Equal(t, models.ModeAuto, snap.DeviceState.Mode)
	assert.True(t, snap.DeviceState.Light)
	require.Len(t, f.disp.sent(), 1)
	assert.Equal(t, models.SourceSchedule, f.disp.sent()[0].Source)
}

func TestEngine_Preload_ListError(t *testing.T) {
	f := newFixture(t)
	f.configs.listErr = errors.New("connection refused")

	_, err := f.engine.Preload(context.Background())

	assert.ErrorContains(t, err, "connection refused")
	assert.Empty(t, f.engine.Gardens())
}

func TestEngine_StoredTimezoneDrivesSchedules(t *testing.T) {
	f := newFixture(t)
	f.configs.configs["g1"] = storage.GardenConfig{
		Mode:       models.ModeAuto,
		Timezone:   "Asia/Tokyo",
		Thresholds: []models.Threshold{{Metric: models.MetricSoil, LowBound: 30, HighBound: 60}},
		Schedules: []models.Schedule{{
			ID: "evening", GardenID: "g1", Device: models.DeviceLight, Action: models.ActionOn,
			Hour: 18, Minute: 0, DaysOfWeek: []int{2}, Active: true,
		}},
	}
	_, err := f.engine.Preload(context.Background())
	require.NoError(t, err)

	// 18:00 UTC Tuesday is 03:00 Wednesday in Tokyo; 09:00 UTC the next Tuesday is 18:00 there.
	f.engine.Tick(time.Date(2024, 6, 4, 18, 0, 0, 0, time.UTC))
	assert.False(t, f.sync(t).DeviceState.Light)
	f.engine.Tick(time.Date(2024, 6, 11, 9, 0, 0, 0, time.UTC))
	assert.True(t, f.sync(t).DeviceState.Light)
}

func TestEngine_IdleGardenIsEvicted(t *testing.T) {
	// Setup
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.GetSnapshot(ctx, "unknown")
	require.NoError(t, err)
	_, err = f.engine.SetThreshold(ctx, "g1", models.Threshold{Metric: models.MetricSoil, LowBound: 30, HighBound: 60})
	require.NoError(t, err)
	require.Equal(t, []string{"g1", "unknown"}, f.engine.Gardens())

	// Execute
	f.clock.Advance(11 * time.Minute)
	f.engine.Tick(f.clock.Now())

	// Assert
	require.Eventually(t, func() bool {
		return len(f.engine.Gardens()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"g1"}, f.engine.Gardens())

	// The garden comes back on the next request.
	snap, err := f.engine.GetSnapshot(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, "unknown", snap.DeviceState.GardenID)
}

func TestEngine_ManualConflictScenario(t *testing.T) {
	// Setup
	f := newFixture(t)
	ctx := context.Background()
	f.autoWithSoil(t)

	// Execute + Assert
	_, err := f.engine.ControlDevice(ctx, "g1", models.DeviceFan, true)
	assert.ErrorIs(t, err, automation.ErrAutomationModeConflict)
	assert.Empty(t, f.disp.sent())

	_, err = f.engine.SetMode(ctx, "g1", models.ModeManual)
	require.NoError(t, err)

	snap, err := f.engine.ControlDevice(ctx, "g1", models.DeviceFan, true)
	require.NoError(t, err)
	assert.True(t, snap.DeviceState.Fan)
	require.Len(t, f.disp.sent(), 1)
	assert.Equal(t, models.SourceManual, f.disp.sent()[0].Source)
	assert.Equal(t, models.ModeManual, f.configs.modes["g1"])
}

func TestEngine_DisconnectionScenario(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.reading(t, 50)
	require.Equal(t, models.StatusConnected, f.sync(t).ConnectionStatus)

	// Execute: the device goes silent while the clock ticks every minute.
	for i := 0; i < 40; i++ {
		f.clock.Advance(time.Minute)
		f.engine.Tick(f.clock.Now())
	}
	snap := f.sync(t)

	// Assert
	assert.Equal(t, models.StatusDisconnected, snap.ConnectionStatus)
	var toDisconnected int
	for _, n := range f.rec.notifications(models.NotificationConnectivity) {
		if n.Data["to"] == string(models.StatusDisconnected) {
			toDisconnected++
		}
	}
	assert.Equal(t, 1, toDisconnected)
	assert.Len(t, f.rec.notifications(models.NotificationConnectivity), 1, "stale is not an alert")
	assert.Len(t, f.rec.eventsOf(hub.EventConnectionStatus), 2)

	// A new report reconnects with a single notification.
	f.reading(t, 50)
	f.sync(t)
	notes := f.rec.notifications(models.NotificationConnectivity)
	require.Len(t, notes, 2)
	assert.Equal(t, string(models.StatusDisconnected), notes[1].Data["from"])
	assert.Equal(t, string(models.StatusConnected), notes[1].Data["to"])
}

func TestEngine_StaleRecoveryIsSilent(t *testing.T) {
	f := newFixture(t)
	f.reading(t, 50)
	f.sync(t)

	for i := 0; i < 10; i++ {
		f.clock.Advance(time.Minute)
		f.engine.Tick(f.clock.Now())
	}
	require.Equal(t, models.StatusStale, f.sync(t).ConnectionStatus)
	f.reading(t, 50)
	f.sync(t)

	assert.Empty(t, f.rec.notifications(models.NotificationConnectivity))
	assert.Len(t, f.rec.eventsOf(hub.EventConnectionStatus), 2)
}

func TestEngine_SetMode_DegradedWithoutThresholds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.engine.SetMode(ctx, "g1", models.ModeAuto)

	assert.ErrorIs(t, err, automation.ErrAutomationDegraded)
	assert.Equal(t, models.ModeManual, snap.DeviceState.Mode)
	assert.True(t, snap.DeviceState.AutomationDegraded)
	notes := f.rec.notifications(models.NotificationAutomationDegraded)
	require.Len(t, notes, 1)
	assert.True(t, notes[0].Persistent)

	// Manual control keeps working while degraded.
	_, err = f.engine.ControlDevice(ctx, "g1", models.DevicePump, true)
	require.NoError(t, err)

	// Adding a threshold and enabling auto clears the flag.
	_, err = f.engine.SetThreshold(ctx, "g1", models.Threshold{Metric: models.MetricSoil, LowBound: 30, HighBound: 60})
	require.NoError(t, err)
	snap, err = f.engine.SetMode(ctx, "g1", models.ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, models.ModeAuto, snap.DeviceState.Mode)
	assert.False(t, snap.DeviceState.AutomationDegraded)
}

func TestEngine_BootstrapAutoWithoutThresholdsDegrades(t *testing.T) {
	f := newFixture(t)
	f.configs.configs["g1"] = storage.GardenConfig{Mode: models.ModeAuto}

	snap := f.sync(t)

	assert.Equal(t, models.ModeManual, snap.DeviceState.Mode)
	assert.True(t, snap.DeviceState.AutomationDegraded)
	assert.Len(t, f.rec.notifications(models.NotificationAutomationDegraded), 1)
}

func TestEngine_TransportErrorNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.disp.err = errors.Join(dispatcher.ErrTransport, errors.New("broker down"))

	snap, err := f.engine.ControlDevice(ctx, "g1", models.DeviceLight, true)

	require.NoError(t, err)
	assert.True(t, snap.DeviceState.Light, "desired state stays authoritative")
	assert.Len(t, f.rec.notifications(models.NotificationTransportError), 1)
}

func TestEngine_CommandTimeoutMarksUnconfirmed(t *testing.T) {
	// Setup
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.ControlDevice(ctx, "g1", models.DevicePump, true)
	require.NoError(t, err)
	cmd := f.disp.sent()[0]

	// Execute
	f.engine.HandleCommandResult(dispatcher.Result{Command: cmd, Outcome: dispatcher.OutcomeTimeout, Err: dispatcher.ErrCommandTimeout})
	f.engine.HandleCommandResult(dispatcher.Result{Command: cmd, Outcome: dispatcher.OutcomeTimeout, Err: dispatcher.ErrCommandTimeout})
	snap := f.sync(t)

	// Assert
	assert.Equal(t, []models.Device{models.DevicePump}, snap.DeviceState.Unconfirmed)
	assert.Len(t, f.rec.notifications(models.NotificationActuatorUnconfirmed), 1)

	// A matching report confirms the pump again.
	require.NoError(t, f.engine.HandleReport(models.DeviceReport{
		GardenID: "g1", Actuators: map[models.Device]bool{models.DevicePump: true}, ReceivedAt: f.clock.Now(),
	}))
	assert.Empty(t, f.sync(t).DeviceState.Unconfirmed)
}

func TestEngine_ReportMismatchMarksUnconfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.ControlDevice(ctx, "g1", models.DeviceFan, true)
	require.NoError(t, err)

	report := models.DeviceReport{GardenID: "g1", Actuators: map[models.Device]bool{models.DeviceFan: false}}
	for i := 0; i < 3; i++ {
		report.ReceivedAt = f.clock.Now()
		require.NoError(t, f.engine.HandleReport(report))
	}
	snap := f.sync(t)

	assert.True(t, snap.DeviceState.IsUnconfirmed(models.DeviceFan))
	assert.Len(t, f.rec.notifications(models.NotificationActuatorUnconfirmed), 1)
}

func TestEngine_ApplySchedules(t *testing.T) {
	// Setup
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.UpsertSchedule(ctx, "g1", models.Schedule{
		ID: "old", Device: models.DevicePump, Action: models.ActionOn, Hour: 6, DaysOfWeek: []int{1}, Active: true,
	})
	require.NoError(t, err)

	batch := []models.Schedule{
		{ID: "water", Device: models.DevicePump, Action: models.ActionOn, Hour: 7, DaysOfWeek: []int{1, 1, 3}, Active: true},
		{ID: "lights", Device: models.DeviceLight, Action: models.ActionOn, Hour: 19, DaysOfWeek: []int{0}, Active: true},
	}

	// Execute: an invalid batch changes nothing.
	_, err = f.engine.ApplySchedules(ctx, "g1", append(batch, models.Schedule{ID: "bad", Device: "heater"}), true)
	assert.ErrorIs(t, err, garden.ErrInvalidConfig)
	schedules, err := f.engine.Schedules(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, schedules, 1)

	applied, err := f.engine.ApplySchedules(ctx, "g1", batch, true)

	// Assert
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, []int{1, 3}, applied[0].DaysOfWeek)
	schedules, err = f.engine.Schedules(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, schedules, 2)
	assert.Equal(t, "lights", schedules[0].ID)
	assert.Equal(t, "water", schedules[1].ID)
}

func TestEngine_DeleteSchedule_NotFound(t *testing.T) {
	f := newFixture(t)

	err := f.engine.DeleteSchedule(context.Background(), "g1", "missing")

	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestEngine_Readings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reading(t, 40)
	f.clock.Advance(time.Minute)
	f.reading(t, 41)

	all, err := f.engine.Readings(ctx, "g1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	recent, err := f.engine.Readings(ctx, "g1", f.clock.Now())
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, 41.0, recent[0].Soil)
}

func TestEngine_SequenceNumbersIncrease(t *testing.T) {
	f := newFixture(t)
	f.autoWithSoil(t)
	f.reading(t, 65)
	f.clock.Advance(time.Minute)
	f.reading(t, 20)
	f.sync(t)

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	for i := 1; i < len(f.rec.seqs); i++ {
		assert.Greater(t, f.rec.seqs[i], f.rec.seqs[i-1])
	}
}

func TestEngine_GardensAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := f.engine.ControlDevice(ctx, id, models.DeviceFan, i%2 == 0)
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, []string{"a", "b", "c", "d"}, f.engine.Gardens())
	assert.Equal(t, 4, f.engine.Stats().Gardens)
	for _, id := range []string{"a", "b", "c", "d"} {
		snap, err := f.engine.GetSnapshot(ctx, id)
		require.NoError(t, err)
		assert.False(t, snap.DeviceState.Fan)
	}
}

func TestEngine_Stop(t *testing.T) {
	f := newFixture(t)
	f.sync(t)

	f.engine.Stop()

	_, err := f.engine.GetSnapshot(context.Background(), "g1")
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, f.engine.HandleReading(models.SensorReading{GardenID: "g2"}), ErrStopped)
}

func TestEngine_PanicInEventIsRecovered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := call(ctx, f.engine, "g1", func(a *actor) (int, error) {
		panic("boom")
	})
	assert.Error(t, err)

	snap, err := f.engine.GetSnapshot(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", snap.DeviceState.GardenID)
}
