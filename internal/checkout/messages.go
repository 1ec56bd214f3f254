package checkout

import (
	"context"
	"errors"
	"strings"
)

// User-facing messages. These strings are shown verbatim by clients.
const (
	MessageAlreadyHasTicket      = "You already have a ticket for this event"
	MessageServiceUnavailable    = "payment service temporarily unavailable"
	MessageSessionFailed         = "Could not create checkout session"
	MessageEventMissing          = "Event information is missing"
	MessageEventEnded            = "This event has already ended"
	MessageIdentityMissing       = "An email address is required to check out as a guest"
	MessagePublishableKeyMissing = "Payment configuration is missing"
	MessageTryAgainLater         = "Something went wrong, please try again later"
)

// UserMessage normalizes a gateway failure into the message shown to the
// purchaser. Precedence: structured gateway body, then the unavailable
// special case, then the transport message, then the generic fallback.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		if body := strings.TrimSpace(gwErr.Body); body != "" {
			return body
		}
		if gwErr.Unavailable {
			return MessageServiceUnavailable
		}
		if msg := strings.TrimSpace(gwErr.Message); msg != "" {
			return msg
		}
		return MessageSessionFailed
	}

	if errors.Is(err, context.DeadlineExceeded) || isUnavailable(err) {
		return MessageServiceUnavailable
	}
	return MessageSessionFailed
}
