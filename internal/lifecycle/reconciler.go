package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stagepass/lifecycle/internal/contracts"
	"github.com/stagepass/lifecycle/internal/platform/clock"
	"github.com/stagepass/lifecycle/internal/platform/metrics"
	"github.com/stagepass/lifecycle/internal/sharding"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrClockRegressed is returned when a run is asked to reconcile at an
// instant earlier than the previous run. Writing statuses computed from a
// regressed clock could move events backwards.
var ErrClockRegressed = errors.New("clock moved backwards since last reconciliation")

// PublishFunc publishes a payload under a de-duplication id.
type PublishFunc func(subject, msgID string, payload []byte) error

type Report struct {
	Checked      int `json:"checked"`
	Transitioned int `json:"transitioned"`
	Failed       int `json:"failed"`
}

// Reconciler persists computed statuses for every event that has not ended.
type Reconciler struct {
	Repo    Repository
	Clock   clock.Clock
	Publish PublishFunc
	Logger  *slog.Logger
	Tracer  trace.Tracer

	mu      sync.Mutex
	lastRun time.Time
}

func NewReconciler(repo Repository, clk clock.Clock, publish PublishFunc, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		Repo:    repo,
		Clock:   clk,
		Publish: publish,
		Logger:  logger,
		Tracer:  noop.NewTracerProvider().Tracer("lifecycle"),
	}
}

// Run reconciles all unended events once. Per-event failures are logged and
// counted; only a failure to list events is returned.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	ctx, span := r.Tracer.Start(ctx, "lifecycle.reconcile")
	defer span.End()

	now := r.Clock.Now()
	if err := r.advance(now); err != nil {
		r.Logger.Error("skipping status reconciliation", "now", now, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return Report{}, err
	}

	events, err := r.Repo.ListUnended(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list unended events")
		return Report{}, fmt.Errorf("list unended events: %w", err)
	}
	metrics.UnendedEvents.Set(float64(len(events)))

	report := Report{Checked: len(events)}
	for _, e := range events {
		changed, err := r.reconcile(ctx, e, now)
		if err != nil {
			report.Failed++
			metrics.ReconcileFailures.WithLabelValues("persist").Inc()
			r.Logger.Error("status transition not persisted", "event_id", e.ID, "error", err)
			continue
		}
		if changed {
			report.Transitioned++
		}
	}

	span.SetAttributes(
		attribute.Int("events.checked", report.Checked),
		attribute.Int("events.transitioned", report.Transitioned),
		attribute.Int("events.failed", report.Failed),
	)
	return report, nil
}

// ReconcileOne reconciles a single event on read and returns its current view.
func (r *Reconciler) ReconcileOne(ctx context.Context, eventID string) (Event, error) {
	if eventID == "" {
		return Event{}, ErrInvalidEventID
	}
	e, err := r.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return Event{}, err
	}
	if e.Status == StatusEnded {
		return e, nil
	}

	now := r.Clock.Now()
	to, needed := NeedsReconcile(e, now)
	if !needed {
		return e, nil
	}
	if _, err := r.reconcile(ctx, e, now); err != nil {
		// The read still reports the computed status; the next scheduled run
		// retries the write.
		r.Logger.Warn("lazy status transition not persisted", "event_id", e.ID, "error", err)
	}
	e.Status = to
	return e, nil
}

func (r *Reconciler) advance(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Before(r.lastRun) {
		return ErrClockRegressed
	}
	r.lastRun = now
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, e Event, now time.Time) (bool, error) {
	to, needed := NeedsReconcile(e, now)
	if !needed {
		return false, nil
	}

	updated, err := r.Repo.UpdateStatus(ctx, e.ID, e.Status, to)
	if err != nil {
		return false, err
	}
	if !updated {
		r.Logger.Debug("status already moved by another writer", "event_id", e.ID, "from", e.Status, "to", to)
		return false, nil
	}

	metrics.StatusTransitions.WithLabelValues(string(e.Status), string(to)).Inc()
	r.Logger.Info("event status reconciled", "event_id", e.ID, "from", e.Status, "to", to)
	r.publish(e, to, now)
	return true, nil
}

func (r *Reconciler) publish(e Event, to Status, now time.Time) {
	if r.Publish == nil {
		return
	}
	change := contracts.EventStatusChanged{
		EventID:    e.ID,
		From:       string(e.Status),
		To:         string(to),
		StartTime:  e.StartTime,
		OccurredAt: now,
	}
	payload, err := json.Marshal(change)
	if err != nil {
		r.Logger.Error("encode status change", "event_id", e.ID, "error", err)
		return
	}
	if err := r.Publish(sharding.LifecycleSubject(e.ID), e.ID+":"+string(to), payload); err != nil {
		r.Logger.Warn("publish status change failed", "event_id", e.ID, "error", err)
	}
}

// GetEvent lets the reconciler stand in wherever an event reader is expected,
// so callers always see a status resolved against the current clock.
func (r *Reconciler) GetEvent(ctx context.Context, eventID string) (Event, error) {
	return r.ReconcileOne(ctx, eventID)
}
