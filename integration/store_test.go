//go:build integration

package integration_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stagepass/lifecycle/internal/lifecycle"
	"github.com/stagepass/lifecycle/internal/notify"
	"github.com/stagepass/lifecycle/internal/platform/clock"
	"github.com/stagepass/lifecycle/internal/platform/dbpool"
	"github.com/stagepass/lifecycle/internal/platform/env"
	"github.com/stagepass/lifecycle/internal/platform/logging"
	"github.com/stagepass/lifecycle/internal/ticketing"
)

type stores struct {
	pool          *pgxpool.Pool
	events        *lifecycle.PostgresRepository
	ledger        *ticketing.PostgresLedger
	notifications *notify.PostgresStore
}

func openStores(t *testing.T) stores {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL is not set")
	}

	var cfg env.DB
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse db config: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	pool, err := dbpool.New(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	s := stores{
		pool:          pool,
		events:        lifecycle.NewPostgresRepository(pool),
		ledger:        ticketing.NewPostgresLedger(pool),
		notifications: notify.NewPostgresStore(pool),
	}
	if err := dbpool.WaitReady(ctx, pool, logging.Discard(), 30*time.Second, s.events, s.ledger, s.notifications); err != nil {
		t.Fatalf("database not ready: %v", err)
	}
	return s
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestConcurrentPurchasesIssueOneTicket(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()

	eventID := uniqueID("evt")
	if err := s.events.CreateEvent(ctx, lifecycle.Event{
		ID: eventID, Title: "Load test", StartTime: time.Now().Add(time.Hour).UTC(), DurationMinutes: 60, PriceCents: 1500,
	}); err != nil {
		t.Fatalf("create event: %v", err)
	}

	identity := ticketing.UserIdentity(uniqueID("user"))
	const attempts = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dupes   int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ledger.CreateTicket(ctx, eventID, identity, 1500)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ticketing.ErrAlreadyHasTicket):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || dupes != attempts-1 {
		t.Fatalf("expected exactly one ticket, got created=%d duplicates=%d", created, dupes)
	}
	has, err := s.ledger.HasActiveTicket(ctx, eventID, identity)
	if err != nil || !has {
		t.Fatalf("expected an active ticket, has=%v err=%v", has, err)
	}
}

func TestGuestEmailUniquenessIgnoresCase(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	eventID := uniqueID("evt")

	first, err := ticketing.GuestIdentity("Fan@Example.com")
	if err != nil {
		t.Fatalf("guest identity: %v", err)
	}
	ticket, err := s.ledger.CreateTicket(ctx, eventID, first, 0)
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	again := ticketing.Identity{Email: "FAN@example.com"}
	if _, err := s.ledger.CreateTicket(ctx, eventID, again, 0); !errors.Is(err, ticketing.ErrAlreadyHasTicket) {
		t.Fatalf("expected ErrAlreadyHasTicket, got %v", err)
	}

	if err := s.ledger.Refund(ctx, ticket.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := s.ledger.Refund(ctx, ticket.ID); !errors.Is(err, ticketing.ErrTicketNotActive) {
		t.Fatalf("expected ErrTicketNotActive, got %v", err)
	}
	reissued, err := s.ledger.CreateTicket(ctx, eventID, again, 0)
	if err != nil {
		t.Fatalf("expected a new ticket after refund, got %v", err)
	}

	if err := s.ledger.MarkUsed(ctx, reissued.ID); err != nil {
		t.Fatalf("mark used: %v", err)
	}
	if err := s.ledger.Refund(ctx, reissued.ID); !errors.Is(err, ticketing.ErrTicketNotActive) {
		t.Fatalf("used tickets must not be refunded, got %v", err)
	}
	if err := s.ledger.MarkUsed(ctx, uniqueID("missing")); !errors.Is(err, ticketing.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestStatusUpdateIsConditional(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	eventID := uniqueID("evt")
	start := time.Now().Add(-5 * time.Minute).UTC()

	if err := s.events.CreateEvent(ctx, lifecycle.Event{ID: eventID, StartTime: start, DurationMinutes: 60}); err != nil {
		t.Fatalf("create event: %v", err)
	}

	reconciler := lifecycle.NewReconciler(s.events, clock.NewSystem(), nil, logging.Discard())
	e, err := reconciler.ReconcileOne(ctx, eventID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if e.Status != lifecycle.StatusLive {
		t.Fatalf("expected live, got %s", e.Status)
	}

	updated, err := s.events.UpdateStatus(ctx, eventID, lifecycle.StatusScheduled, lifecycle.StatusLive)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated {
		t.Fatal("stale conditional update must not apply")
	}
	stored, err := s.events.GetEvent(ctx, eventID)
	if err != nil || stored.Status != lifecycle.StatusLive {
		t.Fatalf("expected stored live, got %+v err=%v", stored, err)
	}
}

func TestFanoutAgainstPostgresIsIdempotent(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	eventID := uniqueID("evt")

	if err := s.events.CreateEvent(ctx, lifecycle.Event{
		ID: eventID, Title: "Matinee", StartTime: now.Add(15*time.Minute + 30*time.Second), DurationMinutes: 90,
	}); err != nil {
		t.Fatalf("create event: %v", err)
	}
	for _, u := range []string{uniqueID("holder-a"), uniqueID("holder-b")} {
		if _, err := s.ledger.CreateTicket(ctx, eventID, ticketing.UserIdentity(u), 0); err != nil {
			t.Fatalf("create ticket: %v", err)
		}
	}

	job := notify.NewFanoutJob(s.events, s.ledger, s.notifications, clock.NewFake(now), nil, logging.Discard())
	first, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.NotificationsSent < 2 {
		t.Fatalf("expected at least 2 notifications, got %+v", first)
	}
	second, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.NotificationsSent != 0 {
		t.Fatalf("expected no new notifications, got %+v", second)
	}
}
