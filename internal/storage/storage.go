package storage

import (
	"context"
	"time"

	"github.com/chatwire/chatwire/internal/domain"
)

// Store is the persistence collaborator. The core treats it as the only
// durability boundary; no in-process transaction spans the store and the
// event log.
type Store interface {
	// Messages
	SaveMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	FindRecent(ctx context.Context, roomID string, limit int) ([]*domain.Message, error)
	FindByID(ctx context.Context, id string) (*domain.Message, error)
	UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) error
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error

	// Rooms
	FindRoom(ctx context.Context, roomID string) (*domain.Room, error)
	TouchRoomActivity(ctx context.Context, roomID string, at time.Time) error

	// Presence
	CountOnline(ctx context.Context, roomID string) (int, error)
	UpsertPresence(ctx context.Context, rec *domain.PresenceRecord) error
	ExpirePresence(ctx context.Context, before time.Time) (int, error)
}
