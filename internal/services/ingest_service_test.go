package services

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/garden-sync/internal/ingest"
	"github.com/benmeehan/garden-sync/internal/mocks"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type handledMessage struct {
	topic      string
	payload    string
	receivedAt time.Time
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []handledMessage
	err  error
}

func (h *recordingHandler) HandleMessage(topic string, payload []byte, receivedAt time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, handledMessage{topic, string(payload), receivedAt})
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func TestIngestService_Start_SubscribesToGardenTopics(t *testing.T) {
	// Setup
	client := new(mocks.MockMQTTClient)
	client.On("Subscribe", "gardens/+/data", byte(1), mock.Anything).Return(mocks.NewDoneToken(nil)).Once()
	client.On("Subscribe", "gardens/+/status", byte(1), mock.Anything).Return(mocks.NewDoneToken(nil)).Once()
	svc := NewIngestService("gardens", 1, client, &recordingHandler{}, nil, zerolog.Nop())

	// Execute
	err := svc.Start()

	// Assert
	require.NoError(t, err)
	assert.True(t, svc.Running())
	assert.Error(t, svc.Start())
	client.AssertExpectations(t)
}

func TestIngestService_Start_SubscribeError(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	client.On("Subscribe", "gardens/+/data", byte(0), mock.Anything).Return(mocks.NewDoneToken(errors.New("not authorized")))
	svc := NewIngestService("gardens", 0, client, &recordingHandler{}, nil, zerolog.Nop())

	err := svc.Start()

	assert.EqualError(t, err, "not authorized")
	client.AssertNotCalled(t, "Subscribe", "gardens/+/status", mock.Anything, mock.Anything)
}

func TestIngestService_HandleMessage_UsesClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 4, 18, 0, 0, 0, time.UTC))
	handler := &recordingHandler{}
	svc := NewIngestService("gardens", 1, new(mocks.MockMQTTClient), handler, clock, zerolog.Nop())

	svc.HandleMessage(nil, mocks.NewMockMessage("gardens/g1/data", []byte(`{"soil":20}`)))

	require.Equal(t, 1, handler.count())
	assert.Equal(t, handledMessage{"gardens/g1/data", `{"soil":20}`, clock.Now()}, handler.msgs[0])
}

func TestIngestService_HandleMessage_ParseErrorIsDropped(t *testing.T) {
	handler := &recordingHandler{err: fmt.Errorf("%w: bad json", ingest.ErrParse)}
	svc := NewIngestService("gardens", 1, new(mocks.MockMQTTClient), handler, nil, zerolog.Nop())

	assert.NotPanics(t, func() {
		svc.HandleMessage(nil, mocks.NewMockMessage("gardens/g1/data", []byte(`{`)))
	})
	assert.Equal(t, 1, handler.count())
}

func TestIngestService_Stop_UnsubscribesAndIgnoresLateMessages(t *testing.T) {
	// Setup
	client := new(mocks.MockMQTTClient)
	client.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(mocks.NewDoneToken(nil))
	client.On("Unsubscribe", []string{"gardens/+/data", "gardens/+/status"}).Return(mocks.NewDoneToken(nil)).Once()
	handler := &recordingHandler{}
	svc := NewIngestService("gardens", 1, client, handler, nil, zerolog.Nop())
	require.NoError(t, svc.Start())

	// Execute
	require.NoError(t, svc.Stop())
	svc.HandleMessage(nil, mocks.NewMockMessage("gardens/g1/data", []byte(`{"soil":20}`)))

	// Assert
	assert.Equal(t, 0, handler.count())
	assert.False(t, svc.Running())
	assert.NoError(t, svc.Stop())
	client.AssertExpectations(t)
}
