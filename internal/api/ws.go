package api

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/benmeehan/garden-sync/internal/hub"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// EventResyncRequired tells a client that events were dropped and it should refetch the snapshot.
	EventResyncRequired hub.EventType = "resync_required"
	// EventError reports a rejected client frame.
	EventError hub.EventType = "error"

	frameJoin  = "join"
	frameLeave = "leave"

	maxFrameSize = 4096
)

var errUnknownFrame = errors.New("unknown frame type")

// clientFrame is a room membership request sent by a dashboard.
type clientFrame struct {
	Type     string `json:"type"`
	GardenID string `json:"garden_id"`
}

type resyncData struct {
	Dropped uint64 `json:"dropped"`
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sessionID := uuid.NewString()
	sub, err := s.rooms.Subscribe(sessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to subscribe session")
		conn.Close()
		return
	}
	logger := s.logger.With().Str("session_id", sessionID).Logger()
	logger.Info().Str("remote", c.Request.RemoteAddr).Msg("WebSocket session opened")

	replies := make(chan hub.Event, 8)
	go s.readFrames(conn, sessionID, replies)
	s.writeEvents(conn, sub, replies)

	s.rooms.Disconnect(sessionID)
	conn.Close()
	logger.Info().Uint64("dropped", sub.Dropped()).Msg("WebSocket session closed")
}

// readFrames applies join/leave frames until the connection fails, then disconnects the session
// so the writer loop ends.
func (s *Server) readFrames(conn *websocket.Conn, sessionID string, replies chan<- hub.Event) {
	defer s.rooms.Disconnect(sessionID)

	pongWait := 2 * s.cfg.PingInterval
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("WebSocket read failed")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.reply(replies, "", err)
			continue
		}
		if frame.GardenID == "" {
			s.reply(replies, "", errors.New("garden_id is required"))
			continue
		}

		switch frame.Type {
		case frameJoin:
			if err := s.rooms.Join(sessionID, frame.GardenID); err != nil {
				s.reply(replies, frame.GardenID, err)
			}
		case frameLeave:
			s.rooms.Leave(sessionID, frame.GardenID)
		default:
			s.reply(replies, frame.GardenID, errUnknownFrame)
		}
	}
}

func (s *Server) reply(replies chan<- hub.Event, gardenID string, err error) {
	select {
	case replies <- hub.Event{Type: EventError, GardenID: gardenID, Data: err.Error(), Timestamp: time.Now().UTC()}:
	default:
	}
}

// writeEvents is the only writer on conn.
func (s *Server) writeEvents(conn *websocket.Conn, sub *hub.Subscription, replies <-chan hub.Event) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	var reported uint64
	for {
		select {
		case <-s.ctx.Done():
			_ = s.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if err := s.write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-replies:
			if err := s.writeJSON(conn, ev); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if dropped := sub.Dropped(); dropped > reported {
				reported = dropped
				resync := hub.Event{
					Type:      EventResyncRequired,
					GardenID:  ev.GardenID,
					Data:      resyncData{Dropped: dropped},
					Timestamp: time.Now().UTC(),
				}
				if err := s.writeJSON(conn, resync); err != nil {
					return
				}
			}
			if err := s.writeJSON(conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, ev hub.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(ev)
}

func (s *Server) write(conn *websocket.Conn, messageType int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(messageType, data)
}
