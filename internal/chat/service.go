package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/domain"
	"github.com/chatwire/chatwire/internal/event"
	"github.com/chatwire/chatwire/internal/gate"
	"github.com/chatwire/chatwire/internal/observability"
)

// Store is the slice of the persistence collaborator the orchestrator uses.
type Store interface {
	SaveMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	FindByID(ctx context.Context, id string) (*domain.Message, error)
	UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) error
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error
	TouchRoomActivity(ctx context.Context, roomID string, at time.Time) error
}

type Gate interface {
	Evaluate(content, userID, roomID string) gate.Decision
}

type Cache interface {
	Put(roomID string, msg *domain.Message)
	Get(ctx context.Context, roomID string, limit int) ([]*domain.Message, error)
	Replace(roomID string, msg *domain.Message)
	Remove(roomID, messageID string)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, env *event.Envelope) error
}

// Service composes gate, store, cache and event log into the send path:
// validate -> gate -> persist -> cache -> publish. It never delivers to
// local sockets itself; delivery runs uniformly through the log consumer so
// the sender's other connections on any instance see the message the same
// way everyone else does.
type Service struct {
	store      Store
	gate       Gate
	cache      Cache
	pub        Publisher
	topic      string
	moderators map[string]struct{}
	log        *zap.Logger
	now        func() time.Time
}

func NewService(store Store, g Gate, cache Cache, pub Publisher, topic string, moderators []string, log *zap.Logger) *Service {
	mods := make(map[string]struct{}, len(moderators))
	for _, m := range moderators {
		mods[m] = struct{}{}
	}
	return &Service{
		store:      store,
		gate:       g,
		cache:      cache,
		pub:        pub,
		topic:      topic,
		moderators: mods,
		log:        log,
		now:        time.Now,
	}
}

// Send gates and persists a message, then appends NEW_MESSAGE to the log.
// Policy outcomes come back as *domain.Rejection; a quarantined message is
// persisted with status QUARANTINED but neither cached nor published.
func (s *Service) Send(ctx context.Context, content, userID, userName, roomID string) (*domain.Message, error) {
	msg, err := domain.NewMessage(uuid.NewString(), roomID, userID, userName, content, s.now().UTC())
	if err != nil {
		return nil, err
	}

	dec := s.gate.Evaluate(content, userID, roomID)
	switch dec.Action {
	case gate.Reject:
		observability.MessagesTotal.WithLabelValues("rejected").Inc()
		s.log.Info("send rejected",
			zap.String("user_id", userID),
			zap.String("room", roomID),
			zap.String("reason", dec.Reason))
		return nil, domain.Reject(dec.Reason)

	case gate.Quarantine:
		msg.Status = domain.StatusQuarantined
		saved, err := s.store.SaveMessage(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("persist quarantined message: %w", err)
		}
		observability.MessagesTotal.WithLabelValues("quarantined").Inc()
		s.log.Info("message quarantined",
			zap.String("message_id", saved.ID),
			zap.String("room", roomID),
			zap.String("reason", dec.Reason))
		// Withheld pending moderator review: no cache, no publish.
		return saved, nil
	}

	msg.Status = domain.StatusSent
	saved, err := s.store.SaveMessage(ctx, msg)
	if err != nil {
		observability.MessagesTotal.WithLabelValues("error").Inc()
		// Terminal for this operation; the caller may retry.
		return nil, fmt.Errorf("persist message: %w", err)
	}

	s.cache.Put(roomID, saved)
	if err := s.store.TouchRoomActivity(ctx, roomID, saved.SentAt); err != nil {
		s.log.Warn("touch room activity failed", zap.String("room", roomID), zap.Error(err))
	}

	env := event.New(event.TypeNewMessage, roomID, event.MessageFrom(saved))
	if err := s.pub.Publish(ctx, s.topic, env); err != nil {
		observability.MessagesTotal.WithLabelValues("error").Inc()
		if uerr := s.store.UpdateStatus(ctx, saved.ID, domain.StatusError); uerr != nil {
			s.log.Error("mark message errored failed", zap.String("message_id", saved.ID), zap.Error(uerr))
		}
		s.cache.Remove(roomID, saved.ID)
		return nil, fmt.Errorf("publish message event: %w", err)
	}

	observability.MessagesTotal.WithLabelValues("sent").Inc()
	return saved, nil
}

// Edit re-gates the new content, persists it and publishes MESSAGE_EDITED.
// Only the author or a moderator may edit; terminal messages are immutable.
func (s *Service) Edit(ctx context.Context, messageID, userID, content string) (*domain.Message, error) {
	msg, err := s.store.FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(msg, userID); err != nil {
		return nil, err
	}
	if content == "" {
		return nil, domain.ErrEmptyContent
	}
	if len([]rune(content)) > domain.MaxContentLength {
		return nil, domain.ErrContentTooLong
	}

	dec := s.gate.Evaluate(content, userID, msg.RoomID)
	if dec.Action == gate.Reject {
		return nil, domain.Reject(dec.Reason)
	}

	now := s.now().UTC()
	if err := s.store.UpdateContent(ctx, messageID, content, now); err != nil {
		return nil, fmt.Errorf("persist edit: %w", err)
	}
	msg.Content = content
	msg.Edited = true
	msg.EditedAt = &now

	if dec.Action == gate.Quarantine {
		// The edited content needs review: pull it from circulation.
		if err := s.store.UpdateStatus(ctx, messageID, domain.StatusQuarantined); err != nil {
			return nil, fmt.Errorf("quarantine edit: %w", err)
		}
		msg.Status = domain.StatusQuarantined
		s.cache.Remove(msg.RoomID, messageID)
		observability.MessagesTotal.WithLabelValues("quarantined").Inc()
		return msg, nil
	}

	s.cache.Replace(msg.RoomID, msg)

	env := event.New(event.TypeMessageEdited, msg.RoomID, event.MessageFrom(msg))
	if err := s.pub.Publish(ctx, s.topic, env); err != nil {
		return nil, fmt.Errorf("publish edit event: %w", err)
	}
	return msg, nil
}

// Delete flips the message to DELETED (never physically removed) and
// publishes MESSAGE_DELETED.
func (s *Service) Delete(ctx context.Context, messageID, userID string) error {
	msg, err := s.store.FindByID(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.authorize(msg, userID); err != nil {
		return err
	}

	if err := s.store.UpdateStatus(ctx, messageID, domain.StatusDeleted); err != nil {
		return fmt.Errorf("persist delete: %w", err)
	}
	msg.Status = domain.StatusDeleted
	s.cache.Remove(msg.RoomID, messageID)

	env := event.New(event.TypeMessageDeleted, msg.RoomID, event.MessageFrom(msg))
	if err := s.pub.Publish(ctx, s.topic, env); err != nil {
		return fmt.Errorf("publish delete event: %w", err)
	}
	return nil
}

// Moderate lets a moderator release a quarantined message or reject it
// into MODERATED.
func (s *Service) Moderate(ctx context.Context, messageID, moderatorID string, approve bool) error {
	if !s.isModerator(moderatorID) {
		return domain.ErrNotAuthorized
	}
	msg, err := s.store.FindByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Status != domain.StatusQuarantined {
		return domain.ErrInvalidTransition
	}

	if !approve {
		return s.store.UpdateStatus(ctx, messageID, domain.StatusModerated)
	}

	if err := s.store.UpdateStatus(ctx, messageID, domain.StatusSent); err != nil {
		return err
	}
	msg.Status = domain.StatusSent
	s.cache.Put(msg.RoomID, msg)

	env := event.New(event.TypeNewMessage, msg.RoomID, event.MessageFrom(msg))
	if err := s.pub.Publish(ctx, s.topic, env); err != nil {
		return fmt.Errorf("publish released message: %w", err)
	}
	return nil
}

// History reads recent room messages through the cache.
func (s *Service) History(ctx context.Context, roomID string, limit int) ([]*domain.Message, error) {
	if roomID == "" {
		return nil, domain.ErrMissingRoom
	}
	return s.cache.Get(ctx, roomID, limit)
}

func (s *Service) authorize(msg *domain.Message, userID string) error {
	if msg.AuthorID != userID && !s.isModerator(userID) {
		return domain.ErrNotAuthorized
	}
	if !msg.Mutable() {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (s *Service) isModerator(userID string) bool {
	_, ok := s.moderators[userID]
	return ok
}
