package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	ListUnended(ctx context.Context) ([]Event, error)
	GetEvent(ctx context.Context, eventID string) (Event, error)
	// UpdateStatus writes to only if the row still holds from. It reports
	// false when another writer got there first.
	UpdateStatus(ctx context.Context, eventID string, from, to Status) (bool, error)
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createEventsSQL = `
CREATE TABLE IF NOT EXISTS events (
  id text PRIMARY KEY,
  title text NOT NULL DEFAULT '',
  start_time timestamptz NOT NULL,
  duration_minutes integer NOT NULL CHECK (duration_minutes > 0),
  price_cents bigint NOT NULL DEFAULT 0 CHECK (price_cents >= 0),
  status text NOT NULL DEFAULT 'scheduled' CHECK (status IN ('scheduled', 'live', 'ended')),
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const createEventsUnendedIndexSQL = `
CREATE INDEX IF NOT EXISTS events_unended_idx
ON events (start_time)
WHERE status <> 'ended'`

const selectEventColumns = `id, title, start_time, duration_minutes, price_cents, status`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createEventsSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createEventsUnendedIndexSQL); err != nil {
		return err
	}
	return nil
}

// CreateEvent is used by the scheduling collaborator and by tests to seed
// events; the lifecycle core itself never creates them.
func (r *PostgresRepository) CreateEvent(ctx context.Context, e Event) error {
	if e.Status == "" {
		e.Status = StatusScheduled
	}
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO events (id, title, start_time, duration_minutes, price_cents, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Title, e.StartTime, e.DurationMinutes, e.PriceCents, string(e.Status),
	)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListUnended(ctx context.Context) ([]Event, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+selectEventColumns+`
		 FROM events
		 WHERE status <> 'ended'
		 ORDER BY start_time ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list unended events: %w", err)
	}
	defer rows.Close()

	result := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListStartingBetween returns scheduled events with start_time in [from, to).
func (r *PostgresRepository) ListStartingBetween(ctx context.Context, from, to time.Time) ([]Event, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+selectEventColumns+`
		 FROM events
		 WHERE status = 'scheduled' AND start_time >= $1 AND start_time < $2
		 ORDER BY start_time ASC`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("list starting events: %w", err)
	}
	defer rows.Close()

	result := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) GetEvent(ctx context.Context, eventID string) (Event, error) {
	e, err := scanEvent(r.Pool.QueryRow(ctx,
		`SELECT `+selectEventColumns+` FROM events WHERE id = $1`,
		eventID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrEventNotFound
		}
		return Event{}, err
	}
	return e, nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, eventID string, from, to Status) (bool, error) {
	res, err := r.Pool.Exec(ctx,
		`UPDATE events
		 SET status = $3, updated_at = now()
		 WHERE id = $1 AND status = $2`,
		eventID, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("update event status: %w", err)
	}
	return res.RowsAffected() == 1, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		e      Event
		status string
	)
	if err := row.Scan(&e.ID, &e.Title, &e.StartTime, &e.DurationMinutes, &e.PriceCents, &status); err != nil {
		return Event{}, err
	}
	e.Status = Status(status)
	e.StartTime = e.StartTime.UTC()
	return e, nil
}
