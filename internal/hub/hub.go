// Package hub fans garden events out to client sessions grouped by garden.
package hub

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benmeehan/garden-sync/internal/constants"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionExists  = errors.New("session already subscribed")
)

// EventType names the events pushed to clients.
type EventType string

const (
	EventSensorData       EventType = "sensor_data"
	EventDeviceStatus     EventType = "device_status"
	EventConnectionStatus EventType = "connection_status"
	EventNotification     EventType = "new-notification"
)

// Event is one message for the members of a garden room.
type Event struct {
	Type      EventType `json:"event"`
	GardenID  string    `json:"garden_id"`
	Seq       uint64    `json:"seq"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is the delivery side of one client session.
type Subscription struct {
	SessionID string

	mu      sync.Mutex
	ch      chan Event
	closed  bool
	gardens map[string]struct{}
	dropped atomic.Uint64
}

// Events returns the channel the session reads from. It is closed on Disconnect.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Gardens returns the rooms the session is in.
func (s *Subscription) Gardens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.gardens))
	for g := range s.gardens {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Stats summarises hub activity.
type Stats struct {
	Rooms     int    `json:"rooms"`
	Sessions  int    `json:"sessions"`
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Hub holds room membership. It is safe for concurrent use.
type Hub struct {
	buffer   int
	rooms    cmap.ConcurrentMap[string, map[string]*Subscription]
	sessions cmap.ConcurrentMap[string, *Subscription]
	logger   zerolog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub whose sessions buffer up to buffer events.
func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = constants.DefaultSessionBuffer
	}
	return &Hub{
		buffer:   buffer,
		rooms:    cmap.New[map[string]*Subscription](),
		sessions: cmap.New[*Subscription](),
		logger:   logger,
	}
}

// Subscribe registers a session and returns its subscription.
func (h *Hub) Subscribe(sessionID string) (*Subscription, error) {
	sub := &Subscription{
		SessionID: sessionID,
		ch:        make(chan Event, h.buffer),
		gardens:   make(map[string]struct{}),
	}
	if !h.sessions.SetIfAbsent(sessionID, sub) {
		return nil, ErrSessionExists
	}
	h.logger.Debug().Str("session_id", sessionID).Msg("Session subscribed")
	return sub, nil
}

// Join adds a session to a garden room. Joining twice is a no-op.
func (h *Hub) Join(sessionID, gardenID string) error {
	sub, ok := h.sessions.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return ErrUnknownSession
	}
	sub.gardens[gardenID] = struct{}{}
	sub.mu.Unlock()

	h.rooms.Upsert(gardenID, nil, func(exist bool, members map[string]*Subscription, _ map[string]*Subscription) map[string]*Subscription {
		next := make(map[string]*Subscription, len(members)+1)
		for id, s := range members {
			next[id] = s
		}
		next[sessionID] = sub
		return next
	})

	// Lost a race with Disconnect.
	sub.mu.Lock()
	closed := sub.closed
	sub.mu.Unlock()
	if closed {
		h.removeMember(gardenID, sessionID)
		return ErrUnknownSession
	}
	return nil
}

// Leave removes a session from a garden room. Leaving a room the session is not in is a no-op.
func (h *Hub) Leave(sessionID, gardenID string) {
	if sub, ok := h.sessions.Get(sessionID); ok {
		sub.mu.Lock()
		delete(sub.gardens, gardenID)
		sub.mu.Unlock()
	}
	h.removeMember(gardenID, sessionID)
}

func (h *Hub) removeMember(gardenID, sessionID string) {
	if !h.rooms.Has(gardenID) {
		return
	}
	h.rooms.Upsert(gardenID, nil, func(exist bool, members map[string]*Subscription, _ map[string]*Subscription) map[string]*Subscription {
		if _, in := members[sessionID]; !in {
			return members
		}
		next := make(map[string]*Subscription, len(members))
		for id, s := range members {
			if id != sessionID {
				next[id] = s
			}
		}
		return next
	})
	h.rooms.RemoveCb(gardenID, func(_ string, members map[string]*Subscription, exists bool) bool {
		return exists && len(members) == 0
	})
}

// Disconnect removes every membership of a session and closes its channel.
func (h *Hub) Disconnect(sessionID string) {
	sub, ok := h.sessions.Pop(sessionID)
	if !ok {
		return
	}

	sub.mu.Lock()
	sub.closed = true
	gardens := make([]string, 0, len(sub.gardens))
	for g := range sub.gardens {
		gardens = append(gardens, g)
	}
	sub.gardens = map[string]struct{}{}
	close(sub.ch)
	sub.mu.Unlock()

	for _, g := range gardens {
		h.removeMember(g, sessionID)
	}
	h.logger.Debug().Str("session_id", sessionID).Int("rooms", len(gardens)).Msg("Session disconnected")
}

// Publish delivers an event to every member of its garden room without blocking.
// It returns the number of sessions that received it.
func (h *Hub) Publish(ev Event) int {
	h.published.Add(1)
	members, ok := h.rooms.Get(ev.GardenID)
	if !ok {
		return 0
	}

	n := 0
	for _, sub := range members {
		if sub.deliver(ev) {
			n++
			continue
		}
		h.dropped.Add(1)
		h.logger.Debug().
			Str("session_id", sub.SessionID).
			Str("garden_id", ev.GardenID).
			Str("event", string(ev.Type)).
			Msg("Session buffer full, event dropped")
	}
	h.delivered.Add(uint64(n))
	return n
}

// Members returns the session ids in a garden room.
func (h *Hub) Members(gardenID string) []string {
	members, ok := h.rooms.Get(gardenID)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Rooms:     h.rooms.Count(),
		Sessions:  h.sessions.Count(),
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}
