package domain

import "time"

const MaxContentLength = 500

type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageSystem MessageType = "SYSTEM"
)

type MessageStatus string

const (
	StatusPending     MessageStatus = "PENDING"
	StatusSent        MessageStatus = "SENT"
	StatusDelivered   MessageStatus = "DELIVERED"
	StatusRead        MessageStatus = "READ"
	StatusError       MessageStatus = "ERROR"
	StatusModerated   MessageStatus = "MODERATED"
	StatusDeleted     MessageStatus = "DELETED"
	StatusQuarantined MessageStatus = "QUARANTINED"
)

// Message Invariants:
// 1. Content is non-empty and at most MaxContentLength characters.
// 2. Status moves only forward along PENDING -> SENT -> DELIVERED -> READ,
//    or sideways into ERROR/MODERATED/QUARANTINED/DELETED from any
//    pre-terminal state.
// 3. Once DELETED or MODERATED, only audit fields may change.
type Message struct {
	ID         string
	RoomID     string
	AuthorID   string
	AuthorName string
	Content    string
	Type       MessageType
	Status     MessageStatus
	ReplyToID  string
	Edited     bool
	SentAt     time.Time
	EditedAt   *time.Time
}

func NewMessage(id, roomID, authorID, authorName, content string, now time.Time) (*Message, error) {
	if id == "" || authorID == "" {
		return nil, ErrInvalidMessage
	}
	if roomID == "" {
		return nil, ErrMissingRoom
	}
	if content == "" {
		return nil, ErrEmptyContent
	}
	if len([]rune(content)) > MaxContentLength {
		return nil, ErrContentTooLong
	}

	return &Message{
		ID:         id,
		RoomID:     roomID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		Type:       MessageText,
		Status:     StatusPending,
		SentAt:     now,
	}, nil
}

// forwardRank orders the happy-path statuses. Side states have no rank.
var forwardRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

func (s MessageStatus) Terminal() bool {
	return s == StatusDeleted || s == StatusModerated
}

// CanTransition reports whether a status change respects the forward-only
// lifecycle: forward along the happy path, or sideways into a side state
// from any pre-terminal state.
func (from MessageStatus) CanTransition(to MessageStatus) bool {
	if from.Terminal() {
		return false
	}
	if fr, ok := forwardRank[from]; ok {
		if tr, ok := forwardRank[to]; ok {
			return tr > fr
		}
		return true // sideways into ERROR/MODERATED/QUARANTINED/DELETED
	}
	// from a side state only deletion/moderation is allowed
	return to == StatusDeleted || to == StatusModerated
}

func (m *Message) Mutable() bool {
	return !m.Status.Terminal()
}
