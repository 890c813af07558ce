package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/benmeehan/garden-sync/internal/timer"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishCommand(ctx context.Context, cmd models.ActuatorCommand) error {
	args := m.Called(ctx, cmd)
	return args.Error(0)
}

func newTestDispatcher(pub Publisher) (*Dispatcher, clockwork.FakeClock, *timer.Manager, *[]Result) {
	clock := clockwork.NewFakeClock()
	timers := timer.NewManager(clock)
	var results []Result
	d := NewDispatcher(Config{AckTimeout: 30 * time.Second, MaxRetries: 1}, pub, timers,
		func(r Result) { results = append(results, r) }, zerolog.Nop())
	return d, clock, timers, &results
}

func pumpOn() models.ActuatorCommand {
	return models.ActuatorCommand{ID: "cmd-1", GardenID: "g1", Device: models.DevicePump, Action: models.ActionOn}
}

func TestDispatcher_Dispatch_AckedByReport(t *testing.T) {
	// Setup
	pub := new(mockPublisher)
	pub.On("PublishCommand", mock.Anything, mock.Anything).Return(nil).Once()
	d, clock, timers, results := newTestDispatcher(pub)

	// Execute
	require.NoError(t, d.Dispatch(context.Background(), pumpOn()))
	assert.Equal(t, 1, d.Pending())

	assert.Empty(t, d.Observe("g1", map[models.Device]bool{models.DevicePump: false}))
	acked := d.Observe("g1", map[models.Device]bool{models.DevicePump: true})

	// Assert
	require.Len(t, acked, 1)
	assert.Equal(t, "cmd-1", acked[0].ID)
	assert.Equal(t, 0, d.Pending())

	clock.Advance(time.Minute)
	assert.Equal(t, 0, timers.ExpireDue())
	assert.Empty(t, *results)
	pub.AssertExpectations(t)
}

func TestDispatcher_Dispatch_RetriesOnceThenTimesOut(t *testing.T) {
	// Setup
	pub := new(mockPublisher)
	pub.On("PublishCommand", mock.Anything, mock.MatchedBy(func(c models.ActuatorCommand) bool { return c.Attempt == 1 })).Return(nil).Once()
	pub.On("PublishCommand", mock.Anything, mock.MatchedBy(func(c models.ActuatorCommand) bool { return c.Attempt == 2 })).Return(nil).Once()
	d, clock, timers, results := newTestDispatcher(pub)

	// Execute
	require.NoError(t, d.Dispatch(context.Background(), pumpOn()))

	clock.Advance(30 * time.Second)
	timers.ExpireDue()
	assert.Empty(t, *results, "first timeout retries")
	assert.Equal(t, 1, d.Pending())

	clock.Advance(30 * time.Second)
	timers.ExpireDue()

	// Assert
	require.Len(t, *results, 1)
	res := (*results)[0]
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrCommandTimeout)
	assert.Equal(t, 0, d.Pending())
	pub.AssertExpectations(t)
}

func TestDispatcher_Dispatch_TransportErrorFailsFast(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("PublishCommand", mock.Anything, mock.Anything).Return(errors.New("broker unreachable"))
	d, _, timers, _ := newTestDispatcher(pub)

	err := d.Dispatch(context.Background(), pumpOn())

	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, 0, timers.Pending())
}

func TestDispatcher_Dispatch_RetryTransportError(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("PublishCommand", mock.Anything, mock.MatchedBy(func(c models.ActuatorCommand) bool { return c.Attempt == 1 })).Return(nil).Once()
	pub.On("PublishCommand", mock.Anything, mock.MatchedBy(func(c models.ActuatorCommand) bool { return c.Attempt == 2 })).Return(errors.New("down")).Once()
	d, clock, timers, results := newTestDispatcher(pub)

	require.NoError(t, d.Dispatch(context.Background(), pumpOn()))
	clock.Advance(30 * time.Second)
	timers.ExpireDue()

	require.Len(t, *results, 1)
	assert.Equal(t, OutcomeTransportError, (*results)[0].Outcome)
	assert.ErrorIs(t, (*results)[0].Err, ErrTransport)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_Dispatch_SupersedesPendingCommand(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("PublishCommand", mock.Anything, mock.Anything).Return(nil)
	d, clock, timers, results := newTestDispatcher(pub)

	require.NoError(t, d.Dispatch(context.Background(), pumpOn()))
	off := models.ActuatorCommand{ID: "cmd-2", GardenID: "g1", Device: models.DevicePump, Action: models.ActionOff}
	require.NoError(t, d.Dispatch(context.Background(), off))

	assert.Equal(t, 1, d.Pending())
	assert.Equal(t, 1, timers.Pending())

	// The superseded "on" is no longer awaited.
	assert.Empty(t, d.Observe("g1", map[models.Device]bool{models.DevicePump: true}))
	acked := d.Observe("g1", map[models.Device]bool{models.DevicePump: false})
	require.Len(t, acked, 1)
	assert.Equal(t, "cmd-2", acked[0].ID)

	clock.Advance(time.Hour)
	timers.ExpireDue()
	assert.Empty(t, *results)
}
