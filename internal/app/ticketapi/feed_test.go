package ticketapi

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stagepass/lifecycle/internal/contracts"
	"github.com/stagepass/lifecycle/internal/platform/logging"
)

type fakeJetStream struct {
	err      error
	subjects []string
	handlers []nats.MsgHandler
}

func (f *fakeJetStream) Subscribe(subj string, cb nats.MsgHandler, _ ...nats.SubOpt) (*nats.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subj)
	f.handlers = append(f.handlers, cb)
	return &nats.Subscription{Subject: subj}, nil
}

func (f *fakeJetStream) deliver(t *testing.T, idx int, change contracts.EventStatusChanged) {
	t.Helper()
	data, err := json.Marshal(change)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.handlers[idx](&nats.Msg{Subject: f.subjects[idx], Data: data})
}

func newTestFeed(js *fakeJetStream) *JetStreamFeed {
	return &JetStreamFeed{JS: js, Logger: logging.Discard(), byEvent: map[string]*eventFeed{}}
}

func TestJetStreamFeedSharesOneSubscriptionPerEvent(t *testing.T) {
	js := &fakeJetStream{}
	feed := newTestFeed(js)

	a, cancelA, err := feed.Subscribe("evt-1")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	b, cancelB, err := feed.Subscribe("evt-1")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if len(js.subjects) != 1 {
		t.Fatalf("expected one JetStream subscription, got %d", len(js.subjects))
	}

	js.deliver(t, 0, contracts.EventStatusChanged{EventID: "evt-1", From: "scheduled", To: "live"})
	for name, ch := range map[string]<-chan contracts.EventStatusChanged{"a": a, "b": b} {
		select {
		case got := <-ch:
			if got.To != "live" {
				t.Fatalf("subscriber %s got %+v", name, got)
			}
		default:
			t.Fatalf("subscriber %s received nothing", name)
		}
	}

	cancelA()
	cancelA()
	if _, ok := feed.byEvent["evt-1"]; !ok {
		t.Fatal("feed must stay while a subscriber remains")
	}
	cancelB()
	if len(feed.byEvent) != 0 {
		t.Fatalf("expected feed released, got %d", len(feed.byEvent))
	}

	if _, cancel, err := feed.Subscribe("evt-1"); err != nil {
		t.Fatalf("resubscribe: %v", err)
	} else {
		defer cancel()
	}
	if len(js.subjects) != 2 {
		t.Fatalf("expected a fresh subscription after release, got %d", len(js.subjects))
	}
}

func TestJetStreamFeedAttachFailureLeavesNoSubscriber(t *testing.T) {
	js := &fakeJetStream{err: errors.New("jetstream not enabled")}
	feed := newTestFeed(js)

	if _, _, err := feed.Subscribe("evt-1"); err == nil {
		t.Fatal("expected attach failure")
	}
	if len(feed.byEvent) != 0 {
		t.Fatalf("failed attach must not keep a feed, got %d", len(feed.byEvent))
	}

	js.err = nil
	ch, cancel, err := feed.Subscribe("evt-1")
	if err != nil {
		t.Fatalf("retry subscribe: %v", err)
	}
	defer cancel()
	js.deliver(t, 0, contracts.EventStatusChanged{EventID: "evt-1", To: "live"})
	if len(ch) != 1 {
		t.Fatalf("retried subscriber must be attached, got %d buffered", len(ch))
	}
}

func TestJetStreamFeedDropsForSlowSubscribers(t *testing.T) {
	js := &fakeJetStream{}
	feed := newTestFeed(js)
	ch, cancel, err := feed.Subscribe("evt-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	for i := 0; i < subscriberBuffer+3; i++ {
		js.deliver(t, 0, contracts.EventStatusChanged{EventID: "evt-1", To: "live"})
	}
	js.handlers[0](&nats.Msg{Subject: js.subjects[0], Data: []byte("{not json")})
	if len(ch) != subscriberBuffer {
		t.Fatalf("expected a full buffer of %d, got %d", subscriberBuffer, len(ch))
	}
}

func TestJetStreamFeedWithoutJetStream(t *testing.T) {
	feed := NewJetStreamFeed(nil, logging.Discard())
	if _, _, err := feed.Subscribe("evt-1"); !errors.Is(err, errFeedUnavailable) {
		t.Fatalf("expected errFeedUnavailable, got %v", err)
	}
}
