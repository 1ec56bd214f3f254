package ticketing

import (
	"errors"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusUsed     Status = "used"
	StatusRefunded Status = "refunded"
)

var (
	// ErrAlreadyHasTicket is the authoritative signal that the purchaser
	// already holds an active ticket for the event.
	ErrAlreadyHasTicket = errors.New("purchaser already has an active ticket for this event")
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrTicketNotActive  = errors.New("ticket is not active")
	ErrEventIDRequired  = errors.New("event_id is required")
	ErrInvalidPrice     = errors.New("price must not be negative")
)

type Ticket struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	Identity     Identity  `json:"identity"`
	Status       Status    `json:"status"`
	PriceCents   int64     `json:"price_cents"`
	PurchaseDate time.Time `json:"purchase_date"`
}
