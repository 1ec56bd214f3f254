package contracts

import "time"

// EventStatusChanged is published by the status reconciliation job and
// consumed by the ticket API status stream.
type EventStatusChanged struct {
	EventID    string    `json:"event_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	StartTime  time.Time `json:"start_time"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NotificationCreated is published by the notification fanout job once a
// notification row has been written, for push delivery.
type NotificationCreated struct {
	NotificationID string    `json:"notification_id"`
	EventID        string    `json:"event_id"`
	UserID         string    `json:"user_id"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}
