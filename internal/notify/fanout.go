package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stagepass/lifecycle/internal/contracts"
	"github.com/stagepass/lifecycle/internal/lifecycle"
	"github.com/stagepass/lifecycle/internal/platform/clock"
	"github.com/stagepass/lifecycle/internal/platform/metrics"
	"github.com/stagepass/lifecycle/internal/sharding"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultLead   = 15 * time.Minute
	DefaultWindow = time.Minute
)

type EventSource interface {
	// ListStartingBetween returns scheduled events with start in [from, to).
	ListStartingBetween(ctx context.Context, from, to time.Time) ([]lifecycle.Event, error)
}

type HolderSource interface {
	ListActiveHolders(ctx context.Context, eventID string) ([]string, error)
}

type PublishFunc func(subject, msgID string, payload []byte) error

type Report struct {
	EventsProcessed   int `json:"eventsProcessed"`
	NotificationsSent int `json:"notificationsSent"`
}

// FanoutJob writes one event_starting notification per active ticket holder
// of every event entering the lead window. Rerunning it over the same window
// writes nothing new.
type FanoutJob struct {
	Events  EventSource
	Holders HolderSource
	Store   Store
	Clock   clock.Clock
	Publish PublishFunc
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Lead    time.Duration
	Window  time.Duration
}

func NewFanoutJob(events EventSource, holders HolderSource, store Store, clk clock.Clock, publish PublishFunc, logger *slog.Logger) *FanoutJob {
	return &FanoutJob{
		Events:  events,
		Holders: holders,
		Store:   store,
		Clock:   clk,
		Publish: publish,
		Logger:  logger,
		Tracer:  noop.NewTracerProvider().Tracer("notify"),
		Lead:    DefaultLead,
		Window:  DefaultWindow,
	}
}

func (j *FanoutJob) Run(ctx context.Context) (Report, error) {
	ctx, span := j.Tracer.Start(ctx, "notify.fanout")
	defer span.End()

	lead, window := j.Lead, j.Window
	if lead <= 0 {
		lead = DefaultLead
	}
	if window <= 0 {
		window = DefaultWindow
	}
	now := j.Clock.Now()
	from := now.Add(lead)
	to := from.Add(window)

	events, err := j.Events.ListStartingBetween(ctx, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list starting events")
		return Report{}, fmt.Errorf("list starting events: %w", err)
	}

	var report Report
	for _, e := range events {
		report.EventsProcessed++
		sent, err := j.fanoutEvent(ctx, e, lead)
		report.NotificationsSent += sent
		if err != nil {
			j.Logger.Error("notification fanout incomplete", "event_id", e.ID, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("events.processed", report.EventsProcessed),
		attribute.Int("notifications.sent", report.NotificationsSent),
	)
	if report.NotificationsSent > 0 {
		j.Logger.Info("event starting notifications sent",
			"events", report.EventsProcessed,
			"notifications", report.NotificationsSent,
		)
	}
	return report, nil
}

func (j *FanoutJob) fanoutEvent(ctx context.Context, e lifecycle.Event, lead time.Duration) (int, error) {
	holders, err := j.Holders.ListActiveHolders(ctx, e.ID)
	if err != nil {
		return 0, fmt.Errorf("list holders: %w", err)
	}

	sent := 0
	seen := make(map[string]struct{}, len(holders))
	for _, userID := range holders {
		if userID == "" {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		n, inserted, err := j.Store.Insert(ctx, eventStarting(e, userID, lead))
		if err != nil {
			j.Logger.Error("notification not written", "event_id", e.ID, "user_id", userID, "error", err)
			continue
		}
		if !inserted {
			continue
		}
		sent++
		metrics.NotificationsSent.WithLabelValues(n.Type).Inc()
		j.publish(n)
	}
	return sent, nil
}

func (j *FanoutJob) publish(n Notification) {
	if j.Publish == nil {
		return
	}
	payload, err := json.Marshal(contracts.NotificationCreated{
		NotificationID: n.ID,
		EventID:        n.EventID,
		UserID:         n.UserID,
		Type:           n.Type,
		Title:          n.Title,
		Message:        n.Message,
		CreatedAt:      n.CreatedAt,
	})
	if err != nil {
		j.Logger.Error("encode notification", "notification_id", n.ID, "error", err)
		return
	}
	msgID := n.EventID + ":" + n.UserID + ":" + n.Type
	if err := j.Publish(sharding.NotificationSubject(n.UserID), msgID, payload); err != nil {
		j.Logger.Warn("publish notification failed", "notification_id", n.ID, "user_id", n.UserID, "error", err)
	}
}
