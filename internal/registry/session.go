package registry

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/observability"
)

const (
	SendQueueSize = 128
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10

	// CloseSlowConsumer is the close code sent when a session's send queue
	// overflows. The overflow policy is disconnect-slow-consumer: dropping
	// frames mid-stream would break per-room ordering for that client.
	CloseSlowConsumer = 4008
	// CloseSessionReplaced is sent when a newer connection takes over a
	// session ID.
	CloseSessionReplaced = 4000
	// CloseRoomFull is sent when a join exceeds the room capacity.
	CloseRoomFull = 4001
)

// Conn is the subset of *websocket.Conn the session writes through.
// Tests substitute an in-memory implementation.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one live connection of a user in a room. All frames go out
// through the send queue and a single write goroutine, so concurrent
// deliveries never interleave partial frames on the socket.
type Session struct {
	ID     string
	UserID string
	RoomID string

	conn      Conn
	sendQueue chan []byte
	done      chan struct{}
	closed    atomic.Int32
	seen      *seenWindow
	log       *zap.Logger
}

func NewSession(id, userID, roomID string, conn Conn, log *zap.Logger) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		RoomID:    roomID,
		conn:      conn,
		sendQueue: make(chan []byte, SendQueueSize),
		done:      make(chan struct{}),
		seen:      newSeenWindow(seenWindowSize),
		log:       log,
	}
}

func (s *Session) Start() {
	go s.writeLoop()
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Deliver enqueues an event frame, suppressing duplicates by event ID.
// Returns false only when the frame could not be delivered (session closed
// or slow-consumer disconnect); a deduped frame counts as delivered.
func (s *Session) Deliver(eventID string, payload []byte) bool {
	if eventID != "" && s.seen.Observe(eventID) {
		observability.FanoutDeliveries.WithLabelValues("duplicate").Inc()
		return true
	}
	return s.Send(payload)
}

// Send enqueues a raw frame without dedupe (used for direct replies like
// pong and error notices).
func (s *Session) Send(payload []byte) bool {
	if s.closed.Load() == 1 {
		return false
	}
	select {
	case s.sendQueue <- payload:
		return true
	default:
		s.log.Warn("session: backpressure overflow, dropping connection",
			zap.String("session_id", s.ID),
			zap.String("user_id", s.UserID),
			zap.String("room", s.RoomID))
		observability.FanoutDeliveries.WithLabelValues("dropped").Inc()
		s.CloseWithReason(CloseSlowConsumer, "backpressure overflow")
		return false
	}
}

func (s *Session) Close() {
	s.CloseWithReason(websocket.CloseNormalClosure, "server closing")
}

func (s *Session) CloseWithReason(code int, reason string) {
	if !s.closed.CompareAndSwap(0, 1) {
		return
	}

	s.log.Info("session: closing",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.Int("code", code),
		zap.String("reason", reason))
	close(s.done)

	if s.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		s.conn.Close()
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case msg := <-s.sendQueue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Warn("session: write error",
					zap.String("session_id", s.ID),
					zap.String("user_id", s.UserID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
