package ticketing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger is the read/write boundary over durable tickets.
type Ledger interface {
	HasActiveTicket(ctx context.Context, eventID string, identity Identity) (bool, error)
	// CreateTicket inserts an active ticket without re-checking; callers run
	// the guard first. A concurrent duplicate is rejected by the store and
	// surfaces as ErrAlreadyHasTicket.
	CreateTicket(ctx context.Context, eventID string, identity Identity, priceCents int64) (Ticket, error)
}

type PostgresLedger struct {
	Pool  *pgxpool.Pool
	NewID func() string
	Now   func() time.Time
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{
		Pool:  pool,
		NewID: uuid.NewString,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

const createTicketsSQL = `
CREATE TABLE IF NOT EXISTS tickets (
  id text PRIMARY KEY,
  event_id text NOT NULL,
  user_id text,
  email text,
  status text NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'used', 'refunded')),
  price_cents bigint NOT NULL DEFAULT 0 CHECK (price_cents >= 0),
  purchase_date timestamptz NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now(),
  CHECK ((user_id IS NULL) <> (email IS NULL))
)`

// The two partial unique indexes are the durable form of the
// one-active-ticket rule; the guard's existence check is only a fast path.
const createActiveUserTicketIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS tickets_one_active_per_user
ON tickets (event_id, user_id)
WHERE status = 'active' AND user_id IS NOT NULL`

const createActiveEmailTicketIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS tickets_one_active_per_email
ON tickets (event_id, lower(email))
WHERE status = 'active' AND email IS NOT NULL`

func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.Pool.Exec(ctx, createTicketsSQL); err != nil {
		return err
	}
	if _, err := l.Pool.Exec(ctx, createActiveUserTicketIndexSQL); err != nil {
		return err
	}
	if _, err := l.Pool.Exec(ctx, createActiveEmailTicketIndexSQL); err != nil {
		return err
	}
	return nil
}

func (l *PostgresLedger) HasActiveTicket(ctx context.Context, eventID string, identity Identity) (bool, error) {
	if err := identity.Validate(); err != nil {
		return false, err
	}

	var (
		query string
		key   string
	)
	if identity.IsUser() {
		query = `SELECT EXISTS (
		  SELECT 1 FROM tickets
		  WHERE event_id = $1 AND user_id = $2 AND status = 'active')`
		key = identity.UserID
	} else {
		query = `SELECT EXISTS (
		  SELECT 1 FROM tickets
		  WHERE event_id = $1 AND lower(email) = lower($2) AND status = 'active')`
		key = identity.Email
	}

	var exists bool
	if err := l.Pool.QueryRow(ctx, query, eventID, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("check active ticket: %w", err)
	}
	return exists, nil
}

func (l *PostgresLedger) CreateTicket(ctx context.Context, eventID string, identity Identity, priceCents int64) (Ticket, error) {
	if strings.TrimSpace(eventID) == "" {
		return Ticket{}, ErrEventIDRequired
	}
	if err := identity.Validate(); err != nil {
		return Ticket{}, err
	}
	if priceCents < 0 {
		return Ticket{}, ErrInvalidPrice
	}

	t := Ticket{
		ID:           l.NewID(),
		EventID:      eventID,
		Identity:     identity,
		Status:       StatusActive,
		PriceCents:   priceCents,
		PurchaseDate: l.Now(),
	}
	_, err := l.Pool.Exec(ctx,
		`INSERT INTO tickets (id, event_id, user_id, email, status, price_cents, purchase_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.EventID, nullable(identity.UserID), nullable(identity.Email),
		string(t.Status), t.PriceCents, t.PurchaseDate,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Ticket{}, ErrAlreadyHasTicket
		}
		return Ticket{}, fmt.Errorf("create ticket: %w", err)
	}
	return t, nil
}

// ListActiveHolders returns the distinct user ids holding an active ticket.
// Guest tickets have no user to notify and are excluded.
func (l *PostgresLedger) ListActiveHolders(ctx context.Context, eventID string) ([]string, error) {
	rows, err := l.Pool.Query(ctx,
		`SELECT DISTINCT user_id
		 FROM tickets
		 WHERE event_id = $1 AND status = 'active' AND user_id IS NOT NULL
		 ORDER BY user_id`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active holders: %w", err)
	}
	defer rows.Close()

	holders := []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		holders = append(holders, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return holders, nil
}

func (l *PostgresLedger) MarkUsed(ctx context.Context, ticketID string) error {
	return l.transition(ctx, ticketID, StatusUsed)
}

func (l *PostgresLedger) Refund(ctx context.Context, ticketID string) error {
	return l.transition(ctx, ticketID, StatusRefunded)
}

// transition moves an active ticket to a terminal status. Used and refunded
// tickets never return to active.
func (l *PostgresLedger) transition(ctx context.Context, ticketID string, to Status) error {
	res, err := l.Pool.Exec(ctx,
		`UPDATE tickets SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = 'active'`,
		ticketID, string(to),
	)
	if err != nil {
		return fmt.Errorf("update ticket status: %w", err)
	}
	if res.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = l.Pool.QueryRow(ctx, `SELECT status FROM tickets WHERE id = $1`, ticketID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTicketNotFound
		}
		return err
	}
	return ErrTicketNotActive
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
