package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stagepass/lifecycle/internal/contracts"
	"github.com/stagepass/lifecycle/internal/platform/logging"
)

type recordingSender struct {
	sent []contracts.NotificationCreated
	err  error
}

func (r *recordingSender) Send(_ context.Context, n contracts.NotificationCreated) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

func notificationPayload(t *testing.T, n contracts.NotificationCreated) []byte {
	t.Helper()
	payload, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return payload
}

func TestDeliveryMarksSent(t *testing.T) {
	store := newMemoryStore()
	sender := &recordingSender{}
	d := NewDelivery(store, sender, logging.Discard())

	payload := notificationPayload(t, contracts.NotificationCreated{
		NotificationID: "n-1", EventID: "e2", UserID: "u1", Type: TypeEventStarting, CreatedAt: fanoutNow,
	})
	if err := d.Handle(context.Background(), payload); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].UserID != "u1" {
		t.Fatalf("unexpected sends %+v", sender.sent)
	}
	if !store.sent["n-1"] {
		t.Fatal("expected notification marked sent")
	}
}

func TestDeliveryRejectsInvalidPayload(t *testing.T) {
	d := NewDelivery(newMemoryStore(), &recordingSender{}, logging.Discard())

	if err := d.Handle(context.Background(), []byte("{not json")); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	payload := notificationPayload(t, contracts.NotificationCreated{EventID: "e2", UserID: "u1"})
	if err := d.Handle(context.Background(), payload); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload without id, got %v", err)
	}
}

func TestDeliveryFailureLeavesUnsent(t *testing.T) {
	store := newMemoryStore()
	d := NewDelivery(store, &recordingSender{err: errors.New("push provider down")}, logging.Discard())

	payload := notificationPayload(t, contracts.NotificationCreated{NotificationID: "n-1", UserID: "u1"})
	if err := d.Handle(context.Background(), payload); err == nil {
		t.Fatal("expected send failure")
	}
	if store.sent["n-1"] {
		t.Fatal("notification must stay unsent after a failed send")
	}

	store.markErr = errors.New("db down")
	d.Sender = &recordingSender{}
	if err := d.Handle(context.Background(), payload); err == nil {
		t.Fatal("expected mark failure to surface for redelivery")
	}
}

func TestLogSender(t *testing.T) {
	s := LogSender{Logger: logging.Discard()}
	if err := s.Send(context.Background(), contracts.NotificationCreated{NotificationID: "n-1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestDeliveryRetriesWithBackoffThenGivesUp(t *testing.T) {
	d := NewDelivery(newMemoryStore(), &recordingSender{}, logging.Discard())
	d.MaxDeliver = 3
	d.Backoff = []time.Duration{time.Second, 10 * time.Second, time.Minute}
	failure := errors.New("mark sent failed")

	cases := []struct {
		name    string
		err     error
		attempt uint64
		action  settlement
		delay   time.Duration
	}{
		{name: "success", err: nil, attempt: 1, action: settleAck},
		{name: "invalid payload", err: ErrInvalidPayload, attempt: 1, action: settleDrop},
		{name: "first failure", err: failure, attempt: 1, action: settleRetry, delay: time.Second},
		{name: "second failure", err: failure, attempt: 2, action: settleRetry, delay: 10 * time.Second},
		{name: "last attempt", err: failure, attempt: 3, action: settleDrop},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			action, delay := d.settle(tc.err, tc.attempt)
			if action != tc.action || delay != tc.delay {
				t.Fatalf("expected (%d, %s), got (%d, %s)", tc.action, tc.delay, action, delay)
			}
		})
	}

	if got := d.backoff(); len(got) != 2 {
		t.Fatalf("backoff must have fewer steps than deliveries, got %v", got)
	}
}

func TestDeliveryDefaultsBoundRedelivery(t *testing.T) {
	d := &Delivery{}
	if d.maxDeliver() != DefaultMaxDeliver {
		t.Fatalf("expected default max deliver, got %d", d.maxDeliver())
	}
	if action, _ := d.settle(errors.New("down"), DefaultMaxDeliver); action != settleDrop {
		t.Fatalf("expected the final attempt to be dropped, got %d", action)
	}
	if _, delay := d.settle(errors.New("down"), 100); delay != 0 {
		t.Fatalf("dropped messages carry no delay, got %s", delay)
	}
}
