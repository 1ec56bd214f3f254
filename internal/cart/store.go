package cart

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stagepass/lifecycle/internal/platform/clock"
	"github.com/stagepass/lifecycle/internal/platform/metrics"
)

var (
	ErrSessionRequired = errors.New("session id is required")
	ErrEventIDRequired = errors.New("event_id is required")
	ErrAlreadyInCart   = errors.New("event is already in the cart")
	ErrInvalidPrice    = errors.New("price must not be negative")
)

// Reservation marks an event as added to a session's cart. It carries no
// authority; the ticket rule is enforced again at checkout.
type Reservation struct {
	EventID    string    `json:"event_id"`
	PriceCents int64     `json:"price_cents"`
	AddedAt    time.Time `json:"added_at"`
}

const (
	DefaultIdleTTL     = 24 * time.Hour
	DefaultMaxSessions = 100_000
	sweepEvery         = time.Minute
)

// Store holds per-session carts. Init on session start, Clear on logout or
// once a purchase completes. Sessions idle longer than IdleTTL are dropped,
// and at most MaxSessions are held; the least recently used goes first.
type Store struct {
	IdleTTL     time.Duration
	MaxSessions int

	clock clock.Clock

	mu        sync.Mutex
	sessions  map[string]*session
	lastSweep time.Time
}

type session struct {
	items    map[string]Reservation
	lastSeen time.Time
}

func NewStore(clk clock.Clock) *Store {
	return &Store{
		IdleTTL:     DefaultIdleTTL,
		MaxSessions: DefaultMaxSessions,
		clock:       clk,
		sessions:    map[string]*session{},
	}
}

func (s *Store) Init(sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrSessionRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(sessionID, s.clock.Now())
	return nil
}

func (s *Store) Add(sessionID, eventID string, priceCents int64) (Reservation, error) {
	sessionID = strings.TrimSpace(sessionID)
	eventID = strings.TrimSpace(eventID)
	switch {
	case sessionID == "":
		return Reservation{}, ErrSessionRequired
	case eventID == "":
		return Reservation{}, ErrEventIDRequired
	case priceCents < 0:
		return Reservation{}, ErrInvalidPrice
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	sess := s.touch(sessionID, now)
	if _, exists := sess.items[eventID]; exists {
		return Reservation{}, ErrAlreadyInCart
	}
	r := Reservation{EventID: eventID, PriceCents: priceCents, AddedAt: now}
	sess.items[eventID] = r
	return r, nil
}

func (s *Store) Contains(sessionID, eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.live(strings.TrimSpace(sessionID), s.clock.Now())
	if !ok {
		return false
	}
	_, ok = sess.items[strings.TrimSpace(eventID)]
	return ok
}

func (s *Store) Remove(sessionID, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[strings.TrimSpace(sessionID)]; ok {
		delete(sess.items, strings.TrimSpace(eventID))
	}
}

// Items returns the session's reservations ordered by insertion time.
func (s *Store) Items(sessionID string) []Reservation {
	s.mu.Lock()
	var out []Reservation
	if sess, ok := s.live(strings.TrimSpace(sessionID), s.clock.Now()); ok {
		out = make([]Reservation, 0, len(sess.items))
		for _, r := range sess.items {
			out = append(out, r)
		}
	} else {
		out = []Reservation{}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

func (s *Store) TotalCents(sessionID string) int64 {
	var total int64
	for _, r := range s.Items(sessionID) {
		total += r.PriceCents
	}
	return total
}

func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, strings.TrimSpace(sessionID))
}

// Len reports the number of sessions currently held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// live returns an unexpired session without extending it. Callers hold mu.
func (s *Store) live(sessionID string, now time.Time) (*session, bool) {
	sess, ok := s.sessions[sessionID]
	if !ok || s.expired(sess, now) {
		return nil, false
	}
	return sess, true
}

// touch returns the session, creating or reviving it, and marks it used.
// Callers hold mu.
func (s *Store) touch(sessionID string, now time.Time) *session {
	s.sweep(now)
	sess, ok := s.sessions[sessionID]
	if ok && s.expired(sess, now) {
		delete(s.sessions, sessionID)
		metrics.CartSessionsEvicted.Inc()
		ok = false
	}
	if !ok {
		if limit := s.MaxSessions; limit > 0 && len(s.sessions) >= limit {
			s.evictOldest()
		}
		sess = &session{items: map[string]Reservation{}}
		s.sessions[sessionID] = sess
	}
	sess.lastSeen = now
	return sess
}

func (s *Store) expired(sess *session, now time.Time) bool {
	return s.IdleTTL > 0 && now.Sub(sess.lastSeen) > s.IdleTTL
}

func (s *Store) sweep(now time.Time) {
	if s.IdleTTL <= 0 || now.Sub(s.lastSweep) < sweepEvery {
		return
	}
	s.lastSweep = now
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
			metrics.CartSessionsEvicted.Inc()
		}
	}
}

func (s *Store) evictOldest() {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, sess := range s.sessions {
		if oldestID == "" || sess.lastSeen.Before(oldest) {
			oldestID, oldest = id, sess.lastSeen
		}
	}
	delete(s.sessions, oldestID)
	metrics.CartSessionsEvicted.Inc()
}
