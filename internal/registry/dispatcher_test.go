package registry

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/event"
)

func messageEnvelope(id string) *event.Envelope {
	return &event.Envelope{
		ID:        id,
		Type:      event.TypeNewMessage,
		Room:      "geral",
		Timestamp: time.Now().UTC(),
		Payload: &event.MessagePayload{
			ID:      "m1",
			Content: "hello",
			UserID:  "42",
			Room:    "geral",
			Status:  "SENT",
			SentAt:  time.Now().UTC(),
		},
	}
}

func TestHandle_FansOutToRoom(t *testing.T) {
	r := New(zap.NewNop())
	s1, _ := newSession("s1", "u1", "geral")
	s2, _ := newSession("s2", "u2", "outra")
	r.Register(s1)
	r.Register(s2)

	d := NewDispatcher(r, zap.NewNop())
	if err := d.Handle(context.Background(), messageEnvelope("ev-1")); err != nil {
		t.Fatal(err)
	}

	if len(s1.sendQueue) != 1 {
		t.Errorf("room session should get the frame, queue=%d", len(s1.sendQueue))
	}
	if len(s2.sendQueue) != 0 {
		t.Error("other room must not receive the frame")
	}
}

func TestHandle_RedeliveryIsSuppressed(t *testing.T) {
	r := New(zap.NewNop())
	s, _ := newSession("s1", "u1", "geral")
	r.Register(s)

	d := NewDispatcher(r, zap.NewNop())
	env := messageEnvelope("ev-dup")

	// The log redelivers after an unacked read; the session must not see
	// the same event twice.
	if err := d.Handle(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if err := d.Handle(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	if len(s.sendQueue) != 1 {
		t.Errorf("expected one queued frame after redelivery, got %d", len(s.sendQueue))
	}
}

func TestHandle_IgnoresHeartbeatAndUnknown(t *testing.T) {
	r := New(zap.NewNop())
	s, _ := newSession("s1", "u1", "geral")
	r.Register(s)
	d := NewDispatcher(r, zap.NewNop())

	hb := &event.Envelope{ID: "h1", Type: event.TypeHeartbeat, Room: "geral", Payload: event.HeartbeatPayload{}}
	if err := d.Handle(context.Background(), hb); err != nil {
		t.Fatal(err)
	}

	odd := &event.Envelope{ID: "x1", Type: event.Type("SOMETHING_ELSE"), Room: "geral"}
	if err := d.Handle(context.Background(), odd); err != nil {
		t.Error("unknown types must be skipped, not retried")
	}

	if len(s.sendQueue) != 0 {
		t.Errorf("nothing should be fanned out, queue=%d", len(s.sendQueue))
	}
}

func TestHandle_MissingRoomSkips(t *testing.T) {
	r := New(zap.NewNop())
	d := NewDispatcher(r, zap.NewNop())

	env := messageEnvelope("ev-1")
	env.Room = ""
	if err := d.Handle(context.Background(), env); err != nil {
		t.Error("roomless event must be skipped, not retried")
	}
}
