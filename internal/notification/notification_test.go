package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/garden-sync/internal/hub"
	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/benmeehan/garden-sync/internal/utils"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	events []hub.Event
}

func (r *recordingBroadcaster) Publish(ev hub.Event) int {
	r.events = append(r.events, ev)
	return 1
}

type mockWriter struct {
	mock.Mock
	mu   sync.Mutex
	msgs []kafka.Message
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, msgs...)
	m.mu.Unlock()
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	args := m.Called()
	return args.Error(0)
}

var at = time.Date(2024, 6, 4, 12, 0, 0, 0, time.UTC)

func TestDispatcher_Notify_BroadcastsAndDelivers(t *testing.T) {
	// Setup
	b := &recordingBroadcaster{}
	w := new(mockWriter)
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(nil)
	pool := utils.NewWorkerPool(1, 4)
	d := NewDispatcher(b, pool, time.Second, zerolog.Nop(), NewKafkaSink(w))

	n := ConnectivityChanged("g1", models.StatusConnected, models.StatusStale, at)

	// Execute
	d.Notify(n, 7)
	pool.Shutdown()

	// Assert
	require.Len(t, b.events, 1)
	assert.Equal(t, hub.EventNotification, b.events[0].Type)
	assert.Equal(t, uint64(7), b.events[0].Seq)
	assert.Equal(t, "g1", b.events[0].GardenID)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("g1"), w.msgs[0].Key)
	var decoded models.Notification
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, models.NotificationConnectivity, decoded.Type)
	assert.Equal(t, models.SeverityWarning, decoded.Severity)
	w.AssertExpectations(t)
}

func TestDispatcher_Notify_SinkErrorIsNotFatal(t *testing.T) {
	b := &recordingBroadcaster{}
	w := new(mockWriter)
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	pool := utils.NewWorkerPool(1, 4)
	d := NewDispatcher(b, pool, time.Second, zerolog.Nop(), NewKafkaSink(w))

	d.Notify(AutomationDegraded("g1", at), 1)
	d.Notify(AutomationDegraded("g1", at), 2)
	pool.Shutdown()

	assert.Len(t, b.events, 2)
	w.AssertNumberOfCalls(t, "WriteMessages", 2)
}

func TestDispatcher_Notify_WithoutPool(t *testing.T) {
	b := &recordingBroadcaster{}
	d := NewDispatcher(b, nil, 0, zerolog.Nop())

	d.Notify(ScheduleFired(models.Schedule{ID: "s1", GardenID: "g1", Device: models.DeviceLight, Action: models.ActionOn}, at), 3)

	require.Len(t, b.events, 1)
	n := b.events[0].Data.(models.Notification)
	assert.Equal(t, "s1", n.Data["schedule_id"])
}

func TestBuilders(t *testing.T) {
	th := models.Threshold{GardenID: "g1", Metric: models.MetricSoil, LowBound: 30, HighBound: 60, Device: models.DevicePump}

	high := ThresholdCrossed(th, 65, true, at)
	assert.Equal(t, models.SeverityWarning, high.Severity)
	assert.Equal(t, "60", high.Data["bound"])

	low := ThresholdCrossed(th, 25, false, at)
	assert.Equal(t, "30", low.Data["bound"])
	assert.NotEqual(t, high.ID, low.ID)

	degraded := AutomationDegraded("g1", at)
	assert.True(t, degraded.Persistent)

	down := ConnectivityChanged("g1", models.StatusStale, models.StatusDisconnected, at)
	assert.Equal(t, models.SeverityCritical, down.Severity)

	unconfirmed := ActuatorUnconfirmed("g1", models.DeviceFan, true, "timeout", at)
	assert.Equal(t, "on", unconfirmed.Data["desired"])

	cmd := models.ActuatorCommand{ID: "c1", GardenID: "g1", Device: models.DevicePump, Action: models.ActionOn}
	terr := TransportError(cmd, errors.New("unreachable"), at)
	assert.Equal(t, "c1", terr.Data["command_id"])
}
