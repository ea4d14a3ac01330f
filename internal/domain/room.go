package domain

import "time"

const MaxRoomNameLength = 50

type RoomType string

const (
	RoomPublic    RoomType = "PUBLIC"
	RoomPrivate   RoomType = "PRIVATE"
	RoomModerated RoomType = "MODERATED"
)

type RoomStatus string

const (
	RoomActive    RoomStatus = "ACTIVE"
	RoomInactive  RoomStatus = "INACTIVE"
	RoomArchived  RoomStatus = "ARCHIVED"
	RoomSuspended RoomStatus = "SUSPENDED"
)

// Room.OnlineCount is a derived, eventually consistent counter; the presence
// tracker is the source of truth. Rooms are archived, never hard-deleted
// while they carry history.
type Room struct {
	ID             string
	Name           string
	Type           RoomType
	Status         RoomStatus
	MaxUsers       int
	OnlineCount    int
	TotalMessages  int64
	LastActivityAt time.Time
}

func (r *Room) AcceptsMessages() bool {
	return r.Status == RoomActive
}
