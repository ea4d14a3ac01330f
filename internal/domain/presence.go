package domain

import "time"

type PresenceStatus string

const (
	PresenceConnecting PresenceStatus = "CONNECTING"
	PresenceOnline     PresenceStatus = "ONLINE"
	PresenceAway       PresenceStatus = "AWAY"
	PresenceOffline    PresenceStatus = "OFFLINE"
)

// PresenceRecord is unique per SessionID. Heartbeats update LastHeartbeatAt
// in place; a user may hold several sessions across rooms concurrently.
// OFFLINE is terminal for a session; reconnecting starts a new session.
type PresenceRecord struct {
	UserID          string
	UserName        string
	RoomID          string
	SessionID       string
	Status          PresenceStatus
	EnteredAt       time.Time
	LastHeartbeatAt time.Time
	LeftAt          *time.Time
}

func (p *PresenceRecord) Stale(now time.Time, timeout time.Duration) bool {
	return p.Status != PresenceOffline && now.Sub(p.LastHeartbeatAt) > timeout
}
