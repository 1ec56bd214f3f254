package clock

import (
	"sync"
	"time"
)

// Clock allows injecting time into services and jobs.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem returns a clock backed by time.Now, normalized to UTC.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Monotonic wraps a clock so that Now never returns an instant earlier than
// one it has already returned. Lifecycle status reconciliation requires a
// non-regressing time source; a wall clock stepped backwards by NTP would
// otherwise let a live event be recomputed as scheduled.
type Monotonic struct {
	base Clock

	mu   sync.Mutex
	last time.Time
}

func NewMonotonic(base Clock) *Monotonic {
	return &Monotonic{base: base}
}

func (m *Monotonic) Now() time.Time {
	now := m.base.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Before(m.last) {
		return m.last
	}
	m.last = now
	return now
}

// Fake is a manually driven clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
