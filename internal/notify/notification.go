package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stagepass/lifecycle/internal/lifecycle"
)

const TypeEventStarting = "event_starting"

var ErrNotificationNotFound = errors.New("notification not found")

// Notification is unique per (EventID, UserID, Type).
type Notification struct {
	ID        string    `json:"id"`
	EventID   string    `json:"eventId"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	Sent      bool      `json:"sent"`
	CreatedAt time.Time `json:"createdAt"`
}

func eventStarting(e lifecycle.Event, userID string, lead time.Duration) Notification {
	name := strings.TrimSpace(e.Title)
	if name == "" {
		name = "Your event"
	}
	return Notification{
		EventID: e.ID,
		UserID:  userID,
		Type:    TypeEventStarting,
		Title:   "Event starting soon",
		Message: fmt.Sprintf("%s starts in %d minutes.", name, int(lead.Round(time.Minute)/time.Minute)),
	}
}
