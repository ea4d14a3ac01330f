package msgcache

import (
	"context"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/domain"
)

// Source is the read-through backend, normally the persistent store.
type Source interface {
	FindRecent(ctx context.Context, roomID string, limit int) ([]*domain.Message, error)
}

type Config struct {
	Capacity int           // max entries per room
	TTL      time.Duration // freshness window for a loaded buffer
}

// Cache keeps a bounded, most-recent-first buffer of messages per room.
// It is advisory: a read falls through to the source whenever the buffer
// is missing or past its TTL.
type Cache struct {
	mu     sync.RWMutex
	rooms  map[string]*roomBuffer
	cfg    Config
	source Source
	now    func() time.Time
}

type roomBuffer struct {
	msgs     []*domain.Message // index 0 is most recent
	loadedAt time.Time
	loaded   bool // buffer was filled from the source at least once
}

func New(cfg Config, source Source) *Cache {
	return &Cache{
		rooms:  make(map[string]*roomBuffer),
		cfg:    cfg,
		source: source,
		now:    time.Now,
	}
}

// Put prepends a message and trims the buffer to capacity.
func (c *Cache) Put(roomID string, msg *domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rb := c.rooms[roomID]
	if rb == nil {
		rb = &roomBuffer{}
		c.rooms[roomID] = rb
	}

	rb.msgs = append([]*domain.Message{msg}, rb.msgs...)
	if len(rb.msgs) > c.cfg.Capacity {
		rb.msgs = rb.msgs[:c.cfg.Capacity]
	}
}

// Get returns up to limit messages, most recent first, reading through the
// source when the buffer is missing or stale.
func (c *Cache) Get(ctx context.Context, roomID string, limit int) ([]*domain.Message, error) {
	c.mu.RLock()
	rb := c.rooms[roomID]
	if rb != nil && rb.loaded && c.now().Sub(rb.loadedAt) <= c.cfg.TTL {
		out := head(rb.msgs, limit)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	msgs, err := c.source.FindRecent(ctx, roomID, c.cfg.Capacity)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.rooms[roomID] = &roomBuffer{
		msgs:     msgs,
		loadedAt: c.now(),
		loaded:   true,
	}
	c.mu.Unlock()

	return head(msgs, limit), nil
}

// Replace swaps the cached entry with the same message ID in place.
// Unlike Put it never changes ordering or appends.
func (c *Cache) Replace(roomID string, msg *domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rb := c.rooms[roomID]
	if rb == nil {
		return
	}
	for i, m := range rb.msgs {
		if m.ID == msg.ID {
			rb.msgs[i] = msg
			return
		}
	}
}

// Remove drops the entry with the given message ID, if cached.
func (c *Cache) Remove(roomID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rb := c.rooms[roomID]
	if rb == nil {
		return
	}
	for i, m := range rb.msgs {
		if m.ID == messageID {
			rb.msgs = append(rb.msgs[:i], rb.msgs[i+1:]...)
			return
		}
	}
}

// Invalidate discards the room's buffer entirely.
func (c *Cache) Invalidate(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

func head(msgs []*domain.Message, limit int) []*domain.Message {
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]*domain.Message, limit)
	copy(out, msgs[:limit])
	return out
}
