package registry

import (
	"sync"

	"go.uber.org/zap"
)

// Registry maps live local connections to (user, room). It holds only
// process-local state; an injected instance per service lifecycle, never a
// package-level global, so independent instances can coexist in tests.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // by session ID
	rooms    map[string]map[string]*Session // room -> session ID -> session
	log      *zap.Logger
}

func New(log *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		log:      log,
	}
}

// Register adds a session. A live session with the same ID is closed and
// replaced.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()

	old := r.sessions[s.ID]
	r.sessions[s.ID] = s
	if r.rooms[s.RoomID] == nil {
		r.rooms[s.RoomID] = make(map[string]*Session)
	}
	r.rooms[s.RoomID][s.ID] = s
	r.mu.Unlock()

	if old != nil && old != s {
		r.log.Info("registry: replacing existing session",
			zap.String("session_id", s.ID),
			zap.String("user_id", s.UserID))
		old.CloseWithReason(CloseSessionReplaced, "session replaced")
	}
}

// Unregister removes the session only if it is still the registered one,
// so a late cleanup from a replaced connection cannot evict its successor.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.ID]; !ok || cur != s {
		return
	}
	delete(r.sessions, s.ID)

	if room, ok := r.rooms[s.RoomID]; ok {
		delete(room, s.ID)
		if len(room) == 0 {
			// Only the local index shrinks; the room may still have
			// sessions on other instances.
			delete(r.rooms, s.RoomID)
		}
	}
}

// DeliverToRoom fans an event out to every local session in the room,
// except excludeSession when non-empty. A failed delivery to one session
// never aborts the rest. Returns the number of sessions delivered to.
func (r *Registry) DeliverToRoom(roomID, eventID string, payload []byte, excludeSession string) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.rooms[roomID]))
	for id, s := range r.rooms[roomID] {
		if id == excludeSession {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Deliver(eventID, payload) {
			delivered++
		}
	}
	return delivered
}

// RoomSessions returns the local sessions registered for a room.
func (r *Registry) RoomSessions(roomID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.rooms[roomID]))
	for _, s := range r.rooms[roomID] {
		out = append(out, s)
	}
	return out
}

// LocalCount reports how many sessions this instance holds for a room.
func (r *Registry) LocalCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
