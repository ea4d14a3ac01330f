package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/domain"
	"github.com/chatwire/chatwire/internal/event"
	"github.com/chatwire/chatwire/internal/gate"
)

type fakeStore struct {
	messages  map[string]*domain.Message
	saveErr   error
	statusErr error
	touched   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[string]*domain.Message)}
}

func (f *fakeStore) SaveMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	cp := *msg
	f.messages[msg.ID] = &cp
	return &cp, nil
}

func (f *fakeStore) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	m, ok := f.messages[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	m.Status = status
	return nil
}

func (f *fakeStore) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	m, ok := f.messages[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	m.Content = content
	m.Edited = true
	m.EditedAt = &editedAt
	return nil
}

func (f *fakeStore) TouchRoomActivity(ctx context.Context, roomID string, at time.Time) error {
	f.touched = append(f.touched, roomID)
	return nil
}

type fakeGate struct {
	decision gate.Decision
}

func (f *fakeGate) Evaluate(content, userID, roomID string) gate.Decision {
	return f.decision
}

type fakeCache struct {
	puts     []*domain.Message
	replaces []*domain.Message
	removes  []string
}

func (f *fakeCache) Put(roomID string, msg *domain.Message)     { f.puts = append(f.puts, msg) }
func (f *fakeCache) Replace(roomID string, msg *domain.Message) { f.replaces = append(f.replaces, msg) }
func (f *fakeCache) Remove(roomID, messageID string)            { f.removes = append(f.removes, messageID) }
func (f *fakeCache) Get(ctx context.Context, roomID string, limit int) ([]*domain.Message, error) {
	return nil, nil
}

type fakePub struct {
	events []*event.Envelope
	err    error
}

func (f *fakePub) Publish(ctx context.Context, topic string, env *event.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, env)
	return nil
}

type fixture struct {
	svc   *Service
	store *fakeStore
	gate  *fakeGate
	cache *fakeCache
	pub   *fakePub
}

func newFixture(dec gate.Decision) *fixture {
	f := &fixture{
		store: newFakeStore(),
		gate:  &fakeGate{decision: dec},
		cache: &fakeCache{},
		pub:   &fakePub{},
	}
	f.svc = NewService(f.store, f.gate, f.cache, f.pub, "chat:events", []string{"mod"}, zap.NewNop())
	return f
}

func TestSend_HappyPath(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Allow})

	msg, err := f.svc.Send(context.Background(), "hello", "42", "maria", "geral")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, msg.Status)
	assert.NotEmpty(t, msg.ID)

	assert.Len(t, f.cache.puts, 1)
	assert.Equal(t, []string{"geral"}, f.store.touched)
	require.Len(t, f.pub.events, 1)
	assert.Equal(t, event.TypeNewMessage, f.pub.events[0].Type)
	assert.Equal(t, "geral", f.pub.events[0].Room)
}

func TestSend_ValidationFailures(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Allow})

	_, err := f.svc.Send(context.Background(), "", "42", "maria", "geral")
	assert.ErrorIs(t, err, domain.ErrEmptyContent)

	long := make([]rune, domain.MaxContentLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = f.svc.Send(context.Background(), string(long), "42", "maria", "geral")
	assert.ErrorIs(t, err, domain.ErrContentTooLong)

	_, err = f.svc.Send(context.Background(), "hello", "42", "maria", "")
	assert.ErrorIs(t, err, domain.ErrMissingRoom)

	assert.Empty(t, f.store.messages, "invalid messages must never be persisted")
	assert.Empty(t, f.pub.events)
}

func TestSend_RejectedNotPersisted(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Reject, Reason: "rate limit exceeded"})

	_, err := f.svc.Send(context.Background(), "hello", "42", "maria", "geral")
	rej, ok := domain.IsRejection(err)
	require.True(t, ok, "expected policy rejection, got %v", err)
	assert.Equal(t, "rate limit exceeded", rej.Reason)

	assert.Empty(t, f.store.messages)
	assert.Empty(t, f.cache.puts)
	assert.Empty(t, f.pub.events)
}

func TestSend_QuarantinedPersistedNotPublished(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Quarantine, Reason: "url detected"})

	msg, err := f.svc.Send(context.Background(), "see http://x.com", "42", "maria", "geral")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQuarantined, msg.Status)

	assert.Len(t, f.store.messages, 1, "quarantined message is persisted")
	assert.Empty(t, f.cache.puts, "quarantined message is not cached")
	assert.Empty(t, f.pub.events, "quarantined message is not published")
}

func TestSend_PublishFailureMarksError(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Allow})
	f.pub.err = errors.New("log unavailable")

	_, err := f.svc.Send(context.Background(), "hello", "42", "maria", "geral")
	require.Error(t, err)
	_, isRej := domain.IsRejection(err)
	assert.False(t, isRej, "publish failure is a fault, not a rejection")

	require.Len(t, f.store.messages, 1)
	for _, m := range f.store.messages {
		assert.Equal(t, domain.StatusError, m.Status)
	}
	assert.Len(t, f.cache.removes, 1, "failed message is evicted from the cache")
}

func TestEdit_ByAuthor(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Allow})
	sent, err := f.svc.Send(context.Background(), "original", "42", "maria", "geral")
	require.NoError(t, err)

	edited, err := f.svc.Edit(context.Background(), sent.ID, "42", "corrected")
	require.NoError(t, err)
	assert.Equal(t, "corrected", edited.Content)
	assert.True(t, edited.Edited)
	require.NotNil(t, edited.EditedAt)

	assert.Len(t, f.cache.replaces, 1)
	require.Len(t, f.pub.events, 2)
	assert.Equal(t, event.TypeMessageEdited, f.pub.events[1].Type)
}

func TestEdit_UnauthorizedUser(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Allow})
	sent, err := f.svc.Send(context.Background(), "original", "42", "maria", "geral")
	require.NoError(t, err)

	_, err = f.svc.Edit(context.Background(), sent.ID, "99", "hijacked")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	assert.Equal(t, "original", f.store.messages[sent.ID].Content)
}

func TestEdit_ModeratorMayEdit(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Allow})
	sent, err := f.svc.Send(context.Background(), "original", "42", "maria", "geral")
	require.NoError(t, err)

	_, err = f.svc.Edit(context.Background(), sent.ID, "mod", "cleaned up")
	assert.NoError(t, err)
}

func TestEdit_DeletedMessageImmutable(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Allow})
	sent, err := f.svc.Send(context.Background(), "original", "42", "maria", "geral")
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(context.Background(), sent.ID, "42"))

	_, err = f.svc.Edit(context.Background(), sent.ID, "42", "too late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestEdit_QuarantineOnEdit(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Allow})
	sent, err := f.svc.Send(context.Background(), "clean", "42", "maria", "geral")
	require.NoError(t, err)

	f.gate.decision = gate.Decision{Action: gate.Quarantine, Reason: "url detected"}
	edited, err := f.svc.Edit(context.Background(), sent.ID, "42", "now with http://spam.example")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQuarantined, edited.Status)

	assert.Contains(t, f.cache.removes, sent.ID, "quarantined edit leaves circulation")
	assert.Len(t, f.pub.events, 1, "only the original NEW_MESSAGE was published")
}

func TestDelete_SoftDeletes(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Allow})
	sent, err := f.svc.Send(context.Background(), "bye", "42", "maria", "geral")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(context.Background(), sent.ID, "42"))

	assert.Equal(t, domain.StatusDeleted, f.store.messages[sent.ID].Status, "row survives with DELETED status")
	assert.Contains(t, f.cache.removes, sent.ID)
	require.Len(t, f.pub.events, 2)
	assert.Equal(t, event.TypeMessageDeleted, f.pub.events[1].Type)
}

func TestDelete_UnknownMessage(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Allow})
	err := f.svc.Delete(context.Background(), "ghost", "42")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestModerate_Approve(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Quarantine, Reason: "url detected"})
	held, err := f.svc.Send(context.Background(), "see http://x.com", "42", "maria", "geral")
	require.NoError(t, err)

	require.NoError(t, f.svc.Moderate(context.Background(), held.ID, "mod", true))

	assert.Equal(t, domain.StatusSent, f.store.messages[held.ID].Status)
	assert.Len(t, f.cache.puts, 1)
	require.Len(t, f.pub.events, 1, "release publishes the message")
	assert.Equal(t, event.TypeNewMessage, f.pub.events[0].Type)
}

func TestModerate_Reject(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Quarantine, Reason: "url detected"})
	held, err := f.svc.Send(context.Background(), "see http://x.com", "42", "maria", "geral")
	require.NoError(t, err)

	require.NoError(t, f.svc.Moderate(context.Background(), held.ID, "mod", false))

	assert.Equal(t, domain.StatusModerated, f.store.messages[held.ID].Status)
	assert.Empty(t, f.pub.events)
}

func TestModerate_RequiresModerator(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Quarantine, Reason: "url detected"})
	held, err := f.svc.Send(context.Background(), "see http://x.com", "42", "maria", "geral")
	require.NoError(t, err)

	err = f.svc.Moderate(context.Background(), held.ID, "42", true)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestModerate_OnlyQuarantined(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Allow})
	sent, err := f.svc.Send(context.Background(), "fine", "42", "maria", "geral")
	require.NoError(t, err)

	err = f.svc.Moderate(context.Background(), sent.ID, "mod", true)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestHistory_RequiresRoom(t *testing.T) {
	f := newFixture(gate.Decision{Action: gate.Allow})
	_, err := f.svc.History(context.Background(), "", 10)
	assert.ErrorIs(t, err, domain.ErrMissingRoom)
}
