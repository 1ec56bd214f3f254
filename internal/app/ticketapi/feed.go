package ticketapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/stagepass/lifecycle/internal/contracts"
	"github.com/stagepass/lifecycle/internal/sharding"
)

const subscriberBuffer = 8

var errFeedUnavailable = errors.New("status feed is not configured")

// StatusFeed delivers status changes of one event to a subscriber until the
// returned cancel func is called.
type StatusFeed interface {
	Subscribe(eventID string) (<-chan contracts.EventStatusChanged, func(), error)
}

// jetStreamSubscriber is the part of nats.JetStreamContext the feed uses.
type jetStreamSubscriber interface {
	Subscribe(subj string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// JetStreamFeed shares one JetStream subscription per event between all SSE
// clients watching it. Slow clients drop messages instead of blocking others.
type JetStreamFeed struct {
	JS     jetStreamSubscriber
	Logger *slog.Logger

	mu      sync.Mutex
	byEvent map[string]*eventFeed
}

// eventFeed is closed once its last subscriber leaves; a closed feed is
// never reused.
type eventFeed struct {
	eventID string

	mu          sync.Mutex
	closed      bool
	sub         *nats.Subscription
	subscribers map[string]chan contracts.EventStatusChanged
}

func NewJetStreamFeed(js nats.JetStreamContext, logger *slog.Logger) *JetStreamFeed {
	return &JetStreamFeed{
		JS:      js,
		Logger:  logger,
		byEvent: map[string]*eventFeed{},
	}
}

// Subscribe registers a subscriber only on a feed whose JetStream
// subscription is attached. A failed attach leaves no subscriber behind and
// the next caller retries it.
func (f *JetStreamFeed) Subscribe(eventID string) (<-chan contracts.EventStatusChanged, func(), error) {
	if f.JS == nil {
		return nil, nil, errFeedUnavailable
	}

	for {
		feed := f.feedFor(eventID)
		feed.mu.Lock()
		if feed.closed {
			feed.mu.Unlock()
			continue
		}
		if feed.sub == nil {
			sub, err := f.JS.Subscribe(sharding.LifecycleSubject(eventID), f.handler(feed), nats.DeliverNew())
			if err != nil {
				feed.mu.Unlock()
				f.dropIfIdle(feed)
				return nil, nil, err
			}
			feed.sub = sub
		}
		subID := nuid.Next()
		ch := make(chan contracts.EventStatusChanged, subscriberBuffer)
		feed.subscribers[subID] = ch
		feed.mu.Unlock()

		var once sync.Once
		cancel := func() {
			once.Do(func() { f.release(feed, subID) })
		}
		return ch, cancel, nil
	}
}

func (f *JetStreamFeed) feedFor(eventID string) *eventFeed {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byEvent == nil {
		f.byEvent = map[string]*eventFeed{}
	}
	feed, ok := f.byEvent[eventID]
	if !ok {
		feed = &eventFeed{
			eventID:     eventID,
			subscribers: map[string]chan contracts.EventStatusChanged{},
		}
		f.byEvent[eventID] = feed
	}
	return feed
}

func (f *JetStreamFeed) handler(feed *eventFeed) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var change contracts.EventStatusChanged
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			f.Logger.Warn("drop malformed status change", "subject", msg.Subject, "error", err)
			return
		}
		feed.broadcast(change)
	}
}

func (f *JetStreamFeed) dropIfIdle(feed *eventFeed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	feed.mu.Lock()
	defer feed.mu.Unlock()
	if len(feed.subscribers) > 0 || feed.sub != nil {
		return
	}
	feed.closed = true
	if current, ok := f.byEvent[feed.eventID]; ok && current == feed {
		delete(f.byEvent, feed.eventID)
	}
}

func (f *JetStreamFeed) release(feed *eventFeed, subID string) {
	f.mu.Lock()
	feed.mu.Lock()
	delete(feed.subscribers, subID)
	var sub *nats.Subscription
	if len(feed.subscribers) == 0 {
		feed.closed = true
		sub, feed.sub = feed.sub, nil
		if current, ok := f.byEvent[feed.eventID]; ok && current == feed {
			delete(f.byEvent, feed.eventID)
		}
	}
	feed.mu.Unlock()
	f.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

func (e *eventFeed) broadcast(change contracts.EventStatusChanged) {
	e.mu.Lock()
	subs := make([]chan contracts.EventStatusChanged, 0, len(e.subscribers))
	for _, ch := range e.subscribers {
		subs = append(subs, ch)
	}
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- change:
		default:
		}
	}
}
