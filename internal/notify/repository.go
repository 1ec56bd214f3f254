package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store interface {
	// Insert writes n unless a row with the same (event, user, type) exists.
	// It reports whether a row was written; an existing row is not an error.
	Insert(ctx context.Context, n Notification) (Notification, bool, error)
}

type PostgresStore struct {
	Pool  *pgxpool.Pool
	NewID func() string
	Now   func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		Pool:  pool,
		NewID: uuid.NewString,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

const createNotificationsSQL = `
CREATE TABLE IF NOT EXISTS notifications (
  id text PRIMARY KEY,
  event_id text NOT NULL,
  user_id text NOT NULL,
  type text NOT NULL,
  title text NOT NULL,
  message text NOT NULL,
  read boolean NOT NULL DEFAULT false,
  sent boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL,
  CONSTRAINT notifications_once_per_type UNIQUE (event_id, user_id, type)
)`

const createNotificationsUserIndexSQL = `
CREATE INDEX IF NOT EXISTS notifications_user_created_idx
ON notifications (user_id, created_at DESC)`

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createNotificationsSQL); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, createNotificationsUserIndexSQL); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, n Notification) (Notification, bool, error) {
	n.ID = s.NewID()
	n.CreatedAt = s.Now()
	res, err := s.Pool.Exec(ctx,
		`INSERT INTO notifications (id, event_id, user_id, type, title, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (event_id, user_id, type) DO NOTHING`,
		n.ID, n.EventID, n.UserID, n.Type, n.Title, n.Message, n.CreatedAt,
	)
	if err != nil {
		return Notification{}, false, fmt.Errorf("insert notification: %w", err)
	}
	if res.RowsAffected() == 0 {
		return Notification{}, false, nil
	}
	return n, true, nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE notifications SET sent = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return nil
}

// ListForUser returns the user's most recent notifications, newest first.
func (s *PostgresStore) ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, event_id, user_id, type, title, message, read, sent, created_at
		 FROM notifications
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.EventID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Read, &n.Sent, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead flags a notification as read by its owner.
func (s *PostgresStore) MarkRead(ctx context.Context, userID, id string) error {
	res, err := s.Pool.Exec(ctx,
		`UPDATE notifications SET read = true WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
