package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chatwire/chatwire/internal/domain"
)

type Type string

const (
	TypeNewMessage      Type = "NEW_MESSAGE"
	TypeMessageEdited   Type = "MESSAGE_EDITED"
	TypeMessageDeleted  Type = "MESSAGE_DELETED"
	TypeUserJoined      Type = "USER_JOINED"
	TypeUserLeft        Type = "USER_LEFT"
	TypePresenceChanged Type = "PRESENCE_CHANGED"
	TypeRoomUpdated     Type = "ROOM_UPDATED"
	TypeHeartbeat       Type = "HEARTBEAT"
	TypeError           Type = "ERROR"
)

// Envelope is the unit exchanged on the event log and in local fan-out.
// Payload is a tagged union keyed by Type so consumer dispatch stays
// exhaustive; decoding an unknown type fails instead of producing an
// untyped blob.
type Envelope struct {
	ID        string
	Type      Type
	Room      string
	Timestamp time.Time
	Payload   Payload
}

type Payload interface {
	isPayload()
}

type MessagePayload struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	UserID    string     `json:"userId"`
	UserName  string     `json:"userName"`
	Room      string     `json:"room"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	ReplyToID string     `json:"replyToId,omitempty"`
	Edited    bool       `json:"edited"`
	SentAt    time.Time  `json:"sentAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

type PresencePayload struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	Room      string    `json:"room"`
	SessionID string    `json:"sessionId"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

type RoomPayload struct {
	Room        string `json:"room"`
	Name        string `json:"name,omitempty"`
	Status      string `json:"status,omitempty"`
	OnlineCount int    `json:"onlineCount"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HeartbeatPayload struct{}

func (MessagePayload) isPayload()   {}
func (PresencePayload) isPayload()  {}
func (RoomPayload) isPayload()      {}
func (ErrorPayload) isPayload()     {}
func (HeartbeatPayload) isPayload() {}

// New builds an envelope with a fresh event ID and a UTC timestamp.
func New(t Type, room string, p Payload) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Room:      room,
		Timestamp: time.Now().UTC(),
		Payload:   p,
	}
}

// MessageFrom projects a domain message onto the wire payload.
func MessageFrom(m *domain.Message) *MessagePayload {
	return &MessagePayload{
		ID:        m.ID,
		Content:   m.Content,
		UserID:    m.AuthorID,
		UserName:  m.AuthorName,
		Room:      m.RoomID,
		Type:      string(m.Type),
		Status:    string(m.Status),
		ReplyToID: m.ReplyToID,
		Edited:    m.Edited,
		SentAt:    m.SentAt,
		EditedAt:  m.EditedAt,
	}
}

type wireEnvelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Room      string          `json:"room"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	return json.Marshal(wireEnvelope{
		ID:        e.ID,
		Type:      e.Type,
		Room:      e.Room,
		Timestamp: e.Timestamp,
		Payload:   raw,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	e.ID = w.ID
	e.Type = w.Type
	e.Room = w.Room
	e.Timestamp = w.Timestamp

	p, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	e.Payload = p
	return nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeNewMessage, TypeMessageEdited, TypeMessageDeleted:
		var p MessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode message payload: %w", err)
		}
		return &p, nil
	case TypeUserJoined, TypeUserLeft, TypePresenceChanged:
		var p PresencePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode presence payload: %w", err)
		}
		return &p, nil
	case TypeRoomUpdated:
		var p RoomPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode room payload: %w", err)
		}
		return &p, nil
	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode error payload: %w", err)
		}
		return &p, nil
	case TypeHeartbeat:
		return HeartbeatPayload{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}
