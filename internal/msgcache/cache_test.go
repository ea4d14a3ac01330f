package msgcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chatwire/chatwire/internal/domain"
)

type fakeSource struct {
	msgs  []*domain.Message
	calls int
	err   error
}

func (f *fakeSource) FindRecent(ctx context.Context, roomID string, limit int) ([]*domain.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && limit < len(f.msgs) {
		return f.msgs[:limit], nil
	}
	return f.msgs, nil
}

func msg(id, content string) *domain.Message {
	return &domain.Message{ID: id, RoomID: "geral", AuthorID: "u", Content: content}
}

func TestPut_MostRecentFirst(t *testing.T) {
	c := New(Config{Capacity: 50, TTL: 2 * time.Minute}, &fakeSource{})

	c.Put("geral", msg("1", "first"))
	c.Put("geral", msg("2", "second"))
	c.Put("geral", msg("3", "third"))

	// Mark loaded so Get serves from the buffer.
	c.rooms["geral"].loaded = true
	c.rooms["geral"].loadedAt = time.Now()

	got, err := c.Get(context.Background(), "geral", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "3" || got[2].ID != "1" {
		t.Errorf("expected [3 2 1], got %v", ids(got))
	}
}

func TestPut_TrimsAtCapacity(t *testing.T) {
	c := New(Config{Capacity: 50, TTL: 2 * time.Minute}, &fakeSource{})

	for i := 1; i <= 55; i++ {
		c.Put("geral", msg(fmt.Sprint(i), "m"))
	}

	rb := c.rooms["geral"]
	if len(rb.msgs) != 50 {
		t.Fatalf("expected 50 cached entries, got %d", len(rb.msgs))
	}
	if rb.msgs[0].ID != "55" {
		t.Errorf("newest entry should survive, got %s", rb.msgs[0].ID)
	}
	if rb.msgs[49].ID != "6" {
		t.Errorf("entries 1..5 should be evicted, oldest kept is %s", rb.msgs[49].ID)
	}
}

func TestGet_ReadThroughOnMiss(t *testing.T) {
	src := &fakeSource{msgs: []*domain.Message{msg("b", "newer"), msg("a", "older")}}
	c := New(Config{Capacity: 50, TTL: 2 * time.Minute}, src)

	got, err := c.Get(context.Background(), "geral", 10)
	if err != nil {
		t.Fatal(err)
	}
	if src.calls != 1 {
		t.Errorf("expected one source read, got %d", src.calls)
	}
	if len(got) != 2 || got[0].ID != "b" {
		t.Errorf("unexpected result %v", ids(got))
	}

	// A second read within the TTL is served from the buffer.
	if _, err := c.Get(context.Background(), "geral", 10); err != nil {
		t.Fatal(err)
	}
	if src.calls != 1 {
		t.Errorf("fresh buffer should not hit the source again, calls=%d", src.calls)
	}
}

func TestGet_ReadThroughWhenStale(t *testing.T) {
	src := &fakeSource{msgs: []*domain.Message{msg("a", "x")}}
	c := New(Config{Capacity: 50, TTL: 2 * time.Minute}, src)

	base := time.Now()
	c.now = func() time.Time { return base }
	if _, err := c.Get(context.Background(), "geral", 10); err != nil {
		t.Fatal(err)
	}

	c.now = func() time.Time { return base.Add(3 * time.Minute) }
	if _, err := c.Get(context.Background(), "geral", 10); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Errorf("stale buffer should reload from source, calls=%d", src.calls)
	}
}

func TestGet_SourceErrorPropagates(t *testing.T) {
	src := &fakeSource{err: fmt.Errorf("store down")}
	c := New(Config{Capacity: 50, TTL: 2 * time.Minute}, src)

	if _, err := c.Get(context.Background(), "geral", 10); err == nil {
		t.Error("expected error from source")
	}
}

func TestGet_LimitCapsResult(t *testing.T) {
	c := New(Config{Capacity: 50, TTL: 2 * time.Minute}, &fakeSource{})
	for i := 0; i < 5; i++ {
		c.Put("geral", msg(fmt.Sprint(i), "m"))
	}
	c.rooms["geral"].loaded = true
	c.rooms["geral"].loadedAt = time.Now()

	got, err := c.Get(context.Background(), "geral", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 messages, got %d", len(got))
	}
}

func TestReplace_InPlace(t *testing.T) {
	c := New(Config{Capacity: 50, TTL: 2 * time.Minute}, &fakeSource{})
	c.Put("geral", msg("1", "old"))
	c.Put("geral", msg("2", "other"))

	c.Replace("geral", msg("1", "edited"))

	rb := c.rooms["geral"]
	if rb.msgs[1].Content != "edited" {
		t.Errorf("expected in-place edit, got %q", rb.msgs[1].Content)
	}
	if rb.msgs[0].ID != "2" {
		t.Error("Replace must not reorder the buffer")
	}
}

func TestReplace_MissingIsNoop(t *testing.T) {
	c := New(Config{Capacity: 50, TTL: 2 * time.Minute}, &fakeSource{})
	c.Replace("geral", msg("ghost", "x"))
	if c.rooms["geral"] != nil {
		t.Error("Replace must not create a buffer")
	}
}

func TestRemove(t *testing.T) {
	c := New(Config{Capacity: 50, TTL: 2 * time.Minute}, &fakeSource{})
	c.Put("geral", msg("1", "a"))
	c.Put("geral", msg("2", "b"))
	c.Put("geral", msg("3", "c"))

	c.Remove("geral", "2")

	rb := c.rooms["geral"]
	if len(rb.msgs) != 2 || rb.msgs[0].ID != "3" || rb.msgs[1].ID != "1" {
		t.Errorf("expected [3 1], got %v", ids(rb.msgs))
	}
}

func TestInvalidate(t *testing.T) {
	src := &fakeSource{msgs: []*domain.Message{msg("a", "x")}}
	c := New(Config{Capacity: 50, TTL: 2 * time.Minute}, src)

	if _, err := c.Get(context.Background(), "geral", 10); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("geral")

	if _, err := c.Get(context.Background(), "geral", 10); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Errorf("invalidated room should reload, calls=%d", src.calls)
	}
}

func ids(msgs []*domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
