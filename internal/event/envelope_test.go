package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/chatwire/chatwire/internal/domain"
)

func TestEnvelopeRoundTrip_Message(t *testing.T) {
	sent := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	env := New(TypeNewMessage, "geral", &MessagePayload{
		ID:      "m1",
		Content: "oi",
		UserID:  "42",
		Room:    "geral",
		Type:    "TEXT",
		Status:  "SENT",
		SentAt:  sent,
	})

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}

	if got.ID != env.ID || got.Type != TypeNewMessage || got.Room != "geral" {
		t.Errorf("header mismatch: %+v", got)
	}
	p, ok := got.Payload.(*MessagePayload)
	if !ok {
		t.Fatalf("expected *MessagePayload, got %T", got.Payload)
	}
	if p.ID != "m1" || p.Content != "oi" || !p.SentAt.Equal(sent) {
		t.Errorf("payload mismatch: %+v", p)
	}
}

func TestEnvelopeRoundTrip_Presence(t *testing.T) {
	env := New(TypeUserLeft, "geral", &PresencePayload{
		UserID:    "42",
		Room:      "geral",
		SessionID: "s1",
		Status:    "OFFLINE",
		At:        time.Now().UTC(),
	})

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	p, ok := got.Payload.(*PresencePayload)
	if !ok {
		t.Fatalf("expected *PresencePayload, got %T", got.Payload)
	}
	if p.SessionID != "s1" || p.Status != "OFFLINE" {
		t.Errorf("payload mismatch: %+v", p)
	}
}

func TestUnmarshal_UnknownTypeFails(t *testing.T) {
	raw := `{"id":"x","type":"MYSTERY","room":"geral","timestamp":"2026-08-27T12:00:00Z","payload":{}}`
	var env Envelope
	err := json.Unmarshal([]byte(raw), &env)
	if err == nil {
		t.Fatal("unknown event type must fail to decode")
	}
	if !strings.Contains(err.Error(), "unknown event type") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWireFieldNames(t *testing.T) {
	env := New(TypeNewMessage, "geral", MessageFrom(&domain.Message{
		ID:       "m1",
		RoomID:   "geral",
		AuthorID: "42",
		Content:  "oi",
		Type:     domain.MessageText,
		Status:   domain.StatusSent,
		SentAt:   time.Now().UTC(),
	}))

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "type", "room", "timestamp", "payload"} {
		if _, ok := wire[key]; !ok {
			t.Errorf("missing envelope field %q", key)
		}
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(wire["payload"], &payload); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"userId", "sentAt", "content", "status"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("missing payload field %q", key)
		}
	}
}

func TestNew_AssignsIDAndUTCTimestamp(t *testing.T) {
	a := New(TypeHeartbeat, "", HeartbeatPayload{})
	b := New(TypeHeartbeat, "", HeartbeatPayload{})
	if a.ID == "" || a.ID == b.ID {
		t.Error("event IDs must be unique and non-empty")
	}
	if a.Timestamp.Location() != time.UTC {
		t.Error("timestamps are UTC")
	}
}

func TestMessageFrom(t *testing.T) {
	edited := time.Now().UTC()
	m := &domain.Message{
		ID:         "m1",
		RoomID:     "geral",
		AuthorID:   "42",
		AuthorName: "maria",
		Content:    "novo texto",
		Type:       domain.MessageText,
		Status:     domain.StatusSent,
		ReplyToID:  "m0",
		Edited:     true,
		SentAt:     time.Now().UTC(),
		EditedAt:   &edited,
	}

	p := MessageFrom(m)
	if p.UserID != "42" || p.UserName != "maria" || p.ReplyToID != "m0" || !p.Edited {
		t.Errorf("projection mismatch: %+v", p)
	}
	if p.EditedAt == nil || !p.EditedAt.Equal(edited) {
		t.Error("EditedAt should carry over")
	}
}
