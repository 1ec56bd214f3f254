package lifecycle

import (
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusEnded     Status = "ended"
)

var (
	ErrEventNotFound   = errors.New("event not found")
	ErrInvalidEventID  = errors.New("event_id is required")
	ErrInvalidDuration = errors.New("duration_minutes must be positive")
	ErrInvalidPrice    = errors.New("price must not be negative")
	ErrInvalidStatus   = errors.New("invalid event status")
)

// Event is the lifecycle view of a scheduled performance.
type Event struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
	PriceCents      int64     `json:"price_cents"`
	Status          Status    `json:"status"`
}

// EndTime is the last instant at which the event is still live.
func (e Event) EndTime() time.Time {
	return e.StartTime.Add(time.Duration(e.DurationMinutes) * time.Minute)
}

// Validate applies the creation-time rules. Resolve assumes a validated event.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrInvalidEventID
	}
	if e.DurationMinutes <= 0 {
		return ErrInvalidDuration
	}
	if e.PriceCents < 0 {
		return ErrInvalidPrice
	}
	if !e.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusLive, StatusEnded:
		return true
	default:
		return false
	}
}

func (s Status) rank() int {
	switch s {
	case StatusScheduled:
		return 0
	case StatusLive:
		return 1
	case StatusEnded:
		return 2
	default:
		return -1
	}
}

// Precedes reports whether s comes strictly before other in the
// scheduled -> live -> ended order.
func (s Status) Precedes(other Status) bool {
	return s.rank() >= 0 && s.rank() < other.rank()
}

// Resolve maps an event to its computed status at now. Both boundaries are
// inclusive for live: the event is live at exactly start and at exactly
// start+duration, and ended only after that.
func Resolve(e Event, now time.Time) Status {
	switch {
	case now.Before(e.StartTime):
		return StatusScheduled
	case now.After(e.EndTime()):
		return StatusEnded
	default:
		return StatusLive
	}
}

// NeedsReconcile reports whether the stored status lags the computed one,
// returning the status that should be written. A computed status that would
// move the stored one backwards never needs a write.
func NeedsReconcile(e Event, now time.Time) (Status, bool) {
	computed := Resolve(e, now)
	if computed == e.Status {
		return computed, false
	}
	if e.Status.Valid() && !e.Status.Precedes(computed) {
		return e.Status, false
	}
	return computed, true
}
