package ticketing

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// memoryLedger mirrors the Postgres constraints: one active ticket per
// (event, user) and per (event, case-insensitive email).
type memoryLedger struct {
	tickets  []Ticket
	checks   int
	checkErr error
}

func (m *memoryLedger) HasActiveTicket(_ context.Context, eventID string, identity Identity) (bool, error) {
	m.checks++
	if m.checkErr != nil {
		return false, m.checkErr
	}
	for _, t := range m.tickets {
		if t.EventID == eventID && t.Status == StatusActive && sameIdentity(t.Identity, identity) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryLedger) CreateTicket(_ context.Context, eventID string, identity Identity, priceCents int64) (Ticket, error) {
	for _, t := range m.tickets {
		if t.EventID == eventID && t.Status == StatusActive && sameIdentity(t.Identity, identity) {
			return Ticket{}, ErrAlreadyHasTicket
		}
	}
	t := Ticket{
		ID:           fmt.Sprintf("t-%d", len(m.tickets)+1),
		EventID:      eventID,
		Identity:     identity,
		Status:       StatusActive,
		PriceCents:   priceCents,
		PurchaseDate: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	m.tickets = append(m.tickets, t)
	return t, nil
}

func sameIdentity(a, b Identity) bool {
	if a.IsUser() || b.IsUser() {
		return a.UserID == b.UserID
	}
	return strings.EqualFold(a.Email, b.Email)
}
