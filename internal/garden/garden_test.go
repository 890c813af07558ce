package garden

import (
	"testing"
	"time"

	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 4, 12, 0, 0, 0, time.UTC)

func reading(id string, at time.Time, soil float64) models.SensorReading {
	return models.SensorReading{
		GardenID:    id,
		Temperature: 22,
		Humidity:    50,
		Light:       300,
		Soil:        soil,
		Timestamp:   at,
		ReceivedAt:  at,
	}
}

func TestGarden_New_DefaultsToManual(t *testing.T) {
	g := New("g1", Config{})

	assert.Equal(t, "g1", g.ID())
	assert.Equal(t, models.ModeManual, g.Mode())
	assert.Nil(t, g.Latest())
	assert.Empty(t, g.Thresholds())
}

func TestGarden_ApplyReading_OutOfOrderDoesNotRegressLatest(t *testing.T) {
	g := New("g1", Config{})

	prev, advanced := g.ApplyReading(reading("g1", t0, 40))
	assert.Nil(t, prev)
	assert.True(t, advanced)

	prev, advanced = g.ApplyReading(reading("g1", t0.Add(-time.Minute), 10))
	assert.False(t, advanced)
	require.NotNil(t, prev)
	assert.Equal(t, 40.0, prev.Soil)

	assert.Equal(t, 40.0, g.Latest().Soil)
	window := g.Window()
	require.Len(t, window, 2)
	assert.Equal(t, 10.0, window[0].Soil)
}

func TestGarden_ApplyReading_LastReportedAtIsMonotonic(t *testing.T) {
	g := New("g1", Config{})

	g.ApplyReading(reading("g1", t0, 40))
	late := reading("g1", t0.Add(-time.Hour), 40)
	g.ApplyReading(late)

	assert.Equal(t, t0, g.State().LastReportedAt)
}

func TestGarden_ApplyDeviceReport_GracePeriod(t *testing.T) {
	g := New("g1", Config{GraceReports: 2})
	g.SetDesired(models.DevicePump, true)

	report := models.DeviceReport{
		GardenID:   "g1",
		Actuators:  map[models.Device]bool{models.DevicePump: false},
		ReceivedAt: t0,
	}

	res := g.ApplyDeviceReport(report)
	assert.Empty(t, res.NewlyUnconfirmed)
	assert.False(t, g.State().IsUnconfirmed(models.DevicePump))

	res = g.ApplyDeviceReport(report)
	assert.Equal(t, []models.Device{models.DevicePump}, res.NewlyUnconfirmed)
	assert.True(t, g.State().IsUnconfirmed(models.DevicePump))

	// Already flagged: not reported again.
	res = g.ApplyDeviceReport(report)
	assert.Empty(t, res.NewlyUnconfirmed)

	report.Actuators[models.DevicePump] = true
	res = g.ApplyDeviceReport(report)
	assert.Equal(t, []models.Device{models.DevicePump}, res.Confirmed)
	assert.False(t, g.State().IsUnconfirmed(models.DevicePump))
}

func TestGarden_ApplyDeviceReport_MatchResetsMismatchCount(t *testing.T) {
	g := New("g1", Config{GraceReports: 2})
	g.SetDesired(models.DeviceFan, true)

	off := models.DeviceReport{Actuators: map[models.Device]bool{models.DeviceFan: false}, ReceivedAt: t0}
	on := models.DeviceReport{Actuators: map[models.Device]bool{models.DeviceFan: true}, ReceivedAt: t0}

	g.ApplyDeviceReport(off)
	g.ApplyDeviceReport(on)
	res := g.ApplyDeviceReport(off)

	assert.Empty(t, res.NewlyUnconfirmed)
	reported, ok := g.Reported(models.DeviceFan)
	assert.True(t, ok)
	assert.False(t, reported)
}

func TestGarden_SetThreshold_Validation(t *testing.T) {
	g := New("g1", Config{})

	_, err := g.SetThreshold(models.Threshold{Metric: models.MetricSoil, LowBound: 60, HighBound: 30})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = g.SetThreshold(models.Threshold{Metric: "pressure", LowBound: 1, HighBound: 2})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = g.SetThreshold(models.Threshold{Metric: models.MetricSoil, LowBound: 30, HighBound: 60, Device: "heater"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	th, err := g.SetThreshold(models.Threshold{Metric: models.MetricSoil, LowBound: 30, HighBound: 60})
	require.NoError(t, err)
	assert.Equal(t, models.DevicePump, th.Device)
	assert.Equal(t, "g1", th.GardenID)
	assert.Equal(t, []models.Metric{models.MetricSoil}, g.BoundMetrics(models.DevicePump))
}

func TestGarden_UpsertSchedule_NormalizesDays(t *testing.T) {
	g := New("g1", Config{})

	s, err := g.UpsertSchedule(models.Schedule{
		ID: "s1", Device: models.DeviceLight, Action: models.ActionOn,
		Hour: 18, DaysOfWeek: []int{5, 1, 1, 3}, Active: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, s.DaysOfWeek)

	_, err = g.UpsertSchedule(models.Schedule{ID: "s2", Device: models.DeviceLight, Action: models.ActionOn, Hour: 24, DaysOfWeek: []int{1}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = g.UpsertSchedule(models.Schedule{ID: "s3", Device: models.DeviceLight, Action: models.ActionOn, DaysOfWeek: []int{7}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = g.UpsertSchedule(models.Schedule{Device: models.DeviceLight, Action: models.ActionOn, DaysOfWeek: []int{1}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.Len(t, g.Schedules(), 1)
}

func TestGarden_DeleteSchedule_ClearsFiredMinute(t *testing.T) {
	g := New("g1", Config{})
	_, err := g.UpsertSchedule(models.Schedule{ID: "s1", Device: models.DevicePump, Action: models.ActionOff, DaysOfWeek: []int{0}})
	require.NoError(t, err)
	g.MarkFired("s1", t0)

	assert.True(t, g.DeleteSchedule("s1"))
	assert.False(t, g.DeleteSchedule("s1"))
	_, ok := g.LastFired("s1")
	assert.False(t, ok)
}

func TestGarden_ObserveStatus_SilentOnFirstObservation(t *testing.T) {
	g := New("g1", Config{})

	_, changed := g.ObserveStatus(models.StatusConnected)
	assert.False(t, changed)

	_, changed = g.ObserveStatus(models.StatusConnected)
	assert.False(t, changed)

	prev, changed := g.ObserveStatus(models.StatusStale)
	assert.True(t, changed)
	assert.Equal(t, models.StatusConnected, prev)
}

func TestGarden_Snapshot(t *testing.T) {
	g := New("g1", Config{})
	bands := models.ConnectionBands{StaleAfter: 5 * time.Minute, DisconnectedAfter: 30 * time.Minute}

	snap := g.Snapshot(t0, bands)
	assert.Equal(t, models.StatusDisconnected, snap.ConnectionStatus)

	g.ApplyReading(reading("g1", t0, 40))
	g.NextSeq()

	snap = g.Snapshot(t0.Add(6*time.Minute), bands)
	assert.Equal(t, models.StatusStale, snap.ConnectionStatus)
	assert.Equal(t, uint64(1), snap.Seq)
	require.NotNil(t, snap.LatestReading)
	assert.Equal(t, 40.0, snap.LatestReading.Soil)
}
