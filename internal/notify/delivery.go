package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stagepass/lifecycle/internal/contracts"
)

const (
	deliverySubject = "app.notification.>"
	deliveryQueue   = "notification-delivery"
	deliveryTimeout = 5 * time.Second

	DefaultMaxDeliver = 5
)

// DefaultRedeliveryBackoff spaces out retries of a failed delivery.
var DefaultRedeliveryBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute}

var ErrInvalidPayload = errors.New("invalid notification payload")

// Sender hands a notification to the push channel.
type Sender interface {
	Send(ctx context.Context, n contracts.NotificationCreated) error
}

type SentMarker interface {
	MarkSent(ctx context.Context, id string) error
}

// LogSender records deliveries in the log. It stands in for a push provider.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, n contracts.NotificationCreated) error {
	s.Logger.Info("notification delivered",
		"notification_id", n.NotificationID,
		"event_id", n.EventID,
		"user_id", n.UserID,
		"type", n.Type,
	)
	return nil
}

// Delivery consumes published notifications, sends them and flags the row
// as sent. A failing notification is retried with Backoff delays and
// dropped after MaxDeliver attempts; it then stays unsent in the store.
type Delivery struct {
	Store      SentMarker
	Sender     Sender
	Logger     *slog.Logger
	MaxDeliver int
	Backoff    []time.Duration
}

func NewDelivery(store SentMarker, sender Sender, logger *slog.Logger) *Delivery {
	return &Delivery{
		Store:      store,
		Sender:     sender,
		Logger:     logger,
		MaxDeliver: DefaultMaxDeliver,
		Backoff:    DefaultRedeliveryBackoff,
	}
}

type settlement int

const (
	settleAck settlement = iota
	settleRetry
	settleDrop
)

// settle decides what happens to a message after its attempt-th delivery.
func (d *Delivery) settle(err error, attempt uint64) (settlement, time.Duration) {
	switch {
	case err == nil:
		return settleAck, 0
	case errors.Is(err, ErrInvalidPayload):
		return settleDrop, 0
	case attempt >= uint64(d.maxDeliver()):
		return settleDrop, 0
	default:
		return settleRetry, d.retryDelay(attempt)
	}
}

func (d *Delivery) maxDeliver() int {
	if d.MaxDeliver <= 0 {
		return DefaultMaxDeliver
	}
	return d.MaxDeliver
}

func (d *Delivery) backoff() []time.Duration {
	backoff := d.Backoff
	if len(backoff) == 0 {
		backoff = DefaultRedeliveryBackoff
	}
	// JetStream requires fewer backoff steps than deliveries.
	if limit := d.maxDeliver() - 1; len(backoff) > limit {
		backoff = backoff[:limit]
	}
	return backoff
}

func (d *Delivery) retryDelay(attempt uint64) time.Duration {
	backoff := d.backoff()
	if len(backoff) == 0 {
		return 0
	}
	idx := int(attempt) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoff) {
		idx = len(backoff) - 1
	}
	return backoff[idx]
}

func (d *Delivery) Handle(ctx context.Context, payload []byte) error {
	var n contracts.NotificationCreated
	if err := json.Unmarshal(payload, &n); err != nil {
		return ErrInvalidPayload
	}
	if strings.TrimSpace(n.NotificationID) == "" || strings.TrimSpace(n.UserID) == "" {
		return ErrInvalidPayload
	}
	if err := d.Sender.Send(ctx, n); err != nil {
		return err
	}
	return d.Store.MarkSent(ctx, n.NotificationID)
}

// Subscribe attaches a queue consumer to the notifications stream. Invalid
// payloads are terminated; other failures are redelivered with backoff until
// MaxDeliver is reached.
func (d *Delivery) Subscribe(ctx context.Context, js nats.JetStreamContext) (*nats.Subscription, error) {
	opts := []nats.SubOpt{nats.ManualAck(), nats.MaxDeliver(d.maxDeliver())}
	if backoff := d.backoff(); len(backoff) > 0 {
		opts = append(opts, nats.BackOff(backoff))
	}
	return js.QueueSubscribe(deliverySubject, deliveryQueue, func(msg *nats.Msg) {
		handleCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		defer cancel()

		err := d.Handle(handleCtx, msg.Data)
		attempt := deliveryAttempt(msg)
		switch action, delay := d.settle(err, attempt); action {
		case settleAck:
			_ = msg.Ack()
		case settleRetry:
			d.Logger.Warn("notification delivery failed, will retry",
				"subject", msg.Subject, "attempt", attempt, "retry_in", delay, "error", err)
			_ = msg.NakWithDelay(delay)
		case settleDrop:
			if errors.Is(err, ErrInvalidPayload) {
				d.Logger.Warn("discarding invalid notification payload", "subject", msg.Subject)
			} else {
				d.Logger.Error("notification delivery abandoned",
					"subject", msg.Subject, "attempts", attempt, "error", err)
			}
			_ = msg.Term()
		}
	}, opts...)
}

func deliveryAttempt(msg *nats.Msg) uint64 {
	meta, err := msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 1
	}
	return meta.NumDelivered
}
