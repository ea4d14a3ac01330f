package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/chatwire/chatwire/internal/domain"
)

type Repository struct {
	DB *sql.DB
}

func Open(databaseURL string) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Repository{DB: db}, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.DB.Close()
}

func (r *Repository) SaveMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, author_id, author_name, content, type, status, reply_to_id, edited, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
	`, msg.ID, msg.RoomID, msg.AuthorID, msg.AuthorName, msg.Content, msg.Type, msg.Status, msg.ReplyToID, msg.Edited, msg.SentAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// FindRecent returns delivered history most-recent-first. Deleted,
// moderated and quarantined messages never surface here.
func (r *Repository) FindRecent(ctx context.Context, roomID string, limit int) ([]*domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, room_id, author_id, author_name, content, type, status, COALESCE(reply_to_id, ''), edited, sent_at, edited_at
		FROM messages
		WHERE room_id = $1
		  AND status NOT IN ('DELETED', 'MODERATED', 'QUARANTINED')
		ORDER BY sent_at DESC
		LIMIT $2
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repository) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, room_id, author_id, author_name, content, type, status, COALESCE(reply_to_id, ''), edited, sent_at, edited_at
		FROM messages
		WHERE id = $1
	`, id)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	return m, err
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE messages SET status = $2 WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *Repository) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE messages
		SET content = $2, edited = TRUE, edited_at = $3
		WHERE id = $1
	`, id, content, editedAt)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *Repository) FindRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, name, type, status, max_users, total_messages, last_activity_at
		FROM rooms
		WHERE id = $1
	`, roomID)

	var room domain.Room
	err := row.Scan(&room.ID, &room.Name, &room.Type, &room.Status, &room.MaxUsers, &room.TotalMessages, &room.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query room: %w", err)
	}
	return &room, nil
}

func (r *Repository) TouchRoomActivity(ctx context.Context, roomID string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE rooms
		SET total_messages = total_messages + 1, last_activity_at = $2
		WHERE id = $1
	`, roomID, at)
	if err != nil {
		return fmt.Errorf("touch room activity: %w", err)
	}
	return nil
}

func (r *Repository) CountOnline(ctx context.Context, roomID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM presence
		WHERE room_id = $1 AND status <> 'OFFLINE'
	`, roomID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count online: %w", err)
	}
	return n, nil
}

func (r *Repository) UpsertPresence(ctx context.Context, rec *domain.PresenceRecord) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO presence (session_id, user_id, user_name, room_id, status, entered_at, last_heartbeat_at, left_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE
		SET status = EXCLUDED.status,
		    last_heartbeat_at = EXCLUDED.last_heartbeat_at,
		    left_at = EXCLUDED.left_at
	`, rec.SessionID, rec.UserID, rec.UserName, rec.RoomID, rec.Status, rec.EnteredAt, rec.LastHeartbeatAt, rec.LeftAt)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// ExpirePresence reaps long-OFFLINE records; the sweep owns the
// ONLINE -> OFFLINE transition.
func (r *Repository) ExpirePresence(ctx context.Context, before time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM presence
		WHERE status = 'OFFLINE' AND left_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("expire presence: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var m domain.Message
	var editedAt sql.NullTime
	err := row.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.AuthorName, &m.Content, &m.Type, &m.Status, &m.ReplyToID, &m.Edited, &m.SentAt, &editedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	return &m, nil
}
