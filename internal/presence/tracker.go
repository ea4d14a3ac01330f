package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/domain"
	"github.com/chatwire/chatwire/internal/event"
	"github.com/chatwire/chatwire/internal/observability"
)

// Store is the slice of the persistence collaborator the tracker needs.
type Store interface {
	FindRoom(ctx context.Context, roomID string) (*domain.Room, error)
	CountOnline(ctx context.Context, roomID string) (int, error)
	UpsertPresence(ctx context.Context, rec *domain.PresenceRecord) error
	ExpirePresence(ctx context.Context, before time.Time) (int, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, env *event.Envelope) error
}

type Config struct {
	HeartbeatTimeout time.Duration // stale threshold for the sweep
	SweepInterval    time.Duration
	Retention        time.Duration // how long OFFLINE rows are kept
	DefaultMaxUsers  int           // capacity for rooms the store does not know
}

// Tracker owns the per-session presence state machine:
// CONNECTING -> ONLINE <-> AWAY -> OFFLINE (terminal per session).
// It is an explicit, injected registry; multiple independent trackers can
// coexist in one process for tests.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*entry // by session ID

	store Store
	pub   Publisher
	topic string
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

// entry serializes transitions for one session. The per-entry lock keeps
// sweep and explicit leave from double-publishing USER_LEFT.
type entry struct {
	mu  sync.Mutex
	rec domain.PresenceRecord
}

func NewTracker(store Store, pub Publisher, topic string, cfg Config, log *zap.Logger) *Tracker {
	return &Tracker{
		records: make(map[string]*entry),
		store:   store,
		pub:     pub,
		topic:   topic,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// Connect admits a session into a room, enforcing the room capacity, and
// publishes USER_JOINED. A rejected join creates no record.
func (t *Tracker) Connect(ctx context.Context, userID, userName, roomID, sessionID string) (*domain.PresenceRecord, error) {
	maxUsers := t.cfg.DefaultMaxUsers
	room, err := t.store.FindRoom(ctx, roomID)
	switch {
	case err == nil:
		maxUsers = room.MaxUsers
	case errors.Is(err, domain.ErrRoomNotFound):
		// room defaults apply
	default:
		return nil, fmt.Errorf("look up room: %w", err)
	}

	if maxUsers > 0 {
		// CountOnline reads across instances without coordination; two
		// concurrent joins racing for the last slot can both pass and
		// briefly exceed maxUsers by one.
		online, err := t.store.CountOnline(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("count online: %w", err)
		}
		if online >= maxUsers {
			return nil, domain.Reject("room full")
		}
	}

	now := t.now()
	rec := domain.PresenceRecord{
		UserID:          userID,
		UserName:        userName,
		RoomID:          roomID,
		SessionID:       sessionID,
		Status:          domain.PresenceOnline,
		EnteredAt:       now,
		LastHeartbeatAt: now,
	}

	// Persist before going live: a record in the map with no row behind it
	// would later be swept as a phantom session.
	if err := t.store.UpsertPresence(ctx, &rec); err != nil {
		return nil, fmt.Errorf("persist presence: %w", err)
	}

	t.mu.Lock()
	t.records[sessionID] = &entry{rec: rec}
	t.mu.Unlock()

	t.publishTransition(ctx, event.TypeUserJoined, &rec)
	t.publishOccupancy(ctx, roomID)
	observability.PresenceSessions.Inc()
	return &rec, nil
}

// Heartbeat refreshes liveness and promotes AWAY back to ONLINE.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID string) error {
	e := t.lookup(sessionID)
	if e == nil {
		return domain.ErrSessionNotFound
	}

	e.mu.Lock()
	if e.rec.Status == domain.PresenceOffline {
		e.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	e.rec.LastHeartbeatAt = t.now()
	promoted := e.rec.Status == domain.PresenceAway
	if promoted {
		e.rec.Status = domain.PresenceOnline
	}
	rec := e.rec
	e.mu.Unlock()

	if err := t.store.UpsertPresence(ctx, &rec); err != nil {
		t.log.Warn("presence: heartbeat persist failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	if promoted {
		t.publishTransition(ctx, event.TypePresenceChanged, &rec)
	}
	return nil
}

// SetAway demotes an ONLINE session.
func (t *Tracker) SetAway(ctx context.Context, sessionID string) error {
	e := t.lookup(sessionID)
	if e == nil {
		return domain.ErrSessionNotFound
	}

	e.mu.Lock()
	if e.rec.Status != domain.PresenceOnline {
		e.mu.Unlock()
		return nil
	}
	e.rec.Status = domain.PresenceAway
	rec := e.rec
	e.mu.Unlock()

	if err := t.store.UpsertPresence(ctx, &rec); err != nil {
		t.log.Warn("presence: away persist failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	t.publishTransition(ctx, event.TypePresenceChanged, &rec)
	return nil
}

// Leave transitions a session to OFFLINE and publishes USER_LEFT.
// Idempotent: a session already gone or OFFLINE is a no-op.
func (t *Tracker) Leave(ctx context.Context, sessionID string) error {
	e := t.lookup(sessionID)
	if e == nil {
		return nil
	}

	rec, transitioned := t.markOffline(e)
	if !transitioned {
		return nil
	}

	if err := t.store.UpsertPresence(ctx, &rec); err != nil {
		t.log.Warn("presence: leave persist failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	t.publishTransition(ctx, event.TypeUserLeft, &rec)
	t.publishOccupancy(ctx, rec.RoomID)
	observability.PresenceSessions.Dec()
	return nil
}

// Sweep expires sessions whose heartbeat is stale and reaps long-OFFLINE
// persisted rows. Safe to run concurrently from several instances: the
// conditional transition under the entry lock means each session yields at
// most one USER_LEFT from this process, and downstream consumers dedupe by
// event ID.
func (t *Tracker) Sweep(ctx context.Context) {
	now := t.now()

	t.mu.RLock()
	stale := make([]*entry, 0)
	for _, e := range t.records {
		e.mu.Lock()
		if e.rec.Stale(now, t.cfg.HeartbeatTimeout) {
			stale = append(stale, e)
		}
		e.mu.Unlock()
	}
	t.mu.RUnlock()

	for _, e := range stale {
		rec, transitioned := t.markOffline(e)
		if !transitioned {
			continue
		}
		if err := t.store.UpsertPresence(ctx, &rec); err != nil {
			t.log.Warn("presence: sweep persist failed", zap.String("session_id", rec.SessionID), zap.Error(err))
		}
		t.publishTransition(ctx, event.TypeUserLeft, &rec)
		t.publishOccupancy(ctx, rec.RoomID)
		observability.PresenceSessions.Dec()
		t.log.Info("presence: session expired",
			zap.String("session_id", rec.SessionID),
			zap.String("user_id", rec.UserID),
			zap.String("room", rec.RoomID))
	}

	if t.cfg.Retention > 0 {
		if n, err := t.store.ExpirePresence(ctx, now.Add(-t.cfg.Retention)); err != nil {
			t.log.Warn("presence: retention reap failed", zap.Error(err))
		} else if n > 0 {
			t.log.Info("presence: reaped offline records", zap.Int("count", n))
		}
	}
}

// Start runs the periodic sweep until ctx is canceled.
func (t *Tracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Online counts this instance's non-OFFLINE sessions in a room.
func (t *Tracker) Online(roomID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, e := range t.records {
		e.mu.Lock()
		if e.rec.RoomID == roomID && e.rec.Status != domain.PresenceOffline {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Record returns a copy of the session's presence record.
func (t *Tracker) Record(sessionID string) (domain.PresenceRecord, bool) {
	e := t.lookup(sessionID)
	if e == nil {
		return domain.PresenceRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

func (t *Tracker) lookup(sessionID string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[sessionID]
}

// markOffline performs the conditional OFFLINE transition and removes the
// record from the live map. Returns false if some other path won the race.
func (t *Tracker) markOffline(e *entry) (domain.PresenceRecord, bool) {
	e.mu.Lock()
	if e.rec.Status == domain.PresenceOffline {
		e.mu.Unlock()
		return domain.PresenceRecord{}, false
	}
	now := t.now()
	e.rec.Status = domain.PresenceOffline
	e.rec.LeftAt = &now
	rec := e.rec
	e.mu.Unlock()

	t.mu.Lock()
	if cur, ok := t.records[rec.SessionID]; ok && cur == e {
		delete(t.records, rec.SessionID)
	}
	t.mu.Unlock()

	return rec, true
}

func (t *Tracker) publishTransition(ctx context.Context, typ event.Type, rec *domain.PresenceRecord) {
	env := event.New(typ, rec.RoomID, &event.PresencePayload{
		UserID:    rec.UserID,
		UserName:  rec.UserName,
		Room:      rec.RoomID,
		SessionID: rec.SessionID,
		Status:    string(rec.Status),
		At:        t.now().UTC(),
	})
	if err := t.pub.Publish(ctx, t.topic, env); err != nil {
		// Presence events are best effort, but failures are never silent.
		t.log.Error("presence: publish failed",
			zap.String("type", string(typ)),
			zap.String("session_id", rec.SessionID),
			zap.Error(err))
	}
}

// publishOccupancy announces the room's cross-instance online count after a
// join or leave. Best effort; clients converge on the next change anyway.
func (t *Tracker) publishOccupancy(ctx context.Context, roomID string) {
	online, err := t.store.CountOnline(ctx, roomID)
	if err != nil {
		t.log.Warn("presence: occupancy count failed", zap.String("room", roomID), zap.Error(err))
		return
	}
	env := event.New(event.TypeRoomUpdated, roomID, &event.RoomPayload{
		Room:        roomID,
		OnlineCount: online,
	})
	if err := t.pub.Publish(ctx, t.topic, env); err != nil {
		t.log.Error("presence: occupancy publish failed", zap.String("room", roomID), zap.Error(err))
	}
}
