package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	lifecycleStream     = "LIFECYCLE"
	notificationsStream = "NOTIFICATIONS"

	duplicateWindow = 10 * time.Minute
)

// EnsureStreams creates (or validates) the streams the lifecycle core publishes to:
// - app.lifecycle.>    event status transitions
// - app.notification.> starting-soon notifications awaiting push delivery
func EnsureStreams(js nats.JetStreamContext) error {
	if err := ensureStream(js, &nats.StreamConfig{
		Name:       lifecycleStream,
		Subjects:   []string{"app.lifecycle.>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		Replicas:   1,
		MaxAge:     24 * time.Hour,
		Duplicates: duplicateWindow,
	}); err != nil {
		return err
	}

	return ensureStream(js, &nats.StreamConfig{
		Name:       notificationsStream,
		Subjects:   []string{"app.notification.>"},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Replicas:   1,
		Duplicates: duplicateWindow,
	})
}

func ensureStream(js nats.JetStreamContext, cfg *nats.StreamConfig) error {
	if _, err := js.StreamInfo(cfg.Name); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, addErr := js.AddStream(cfg); addErr != nil {
			return addErr
		}
	}
	return nil
}
