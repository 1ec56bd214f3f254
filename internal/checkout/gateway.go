package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/stagepass/lifecycle/internal/ticketing"
)

const maxGatewayBody = 64 << 10

// SessionRequest is the payload sent to the payment gateway's
// create-checkout function.
type SessionRequest struct {
	EventID  string              `json:"eventId"`
	Identity *ticketing.Identity `json:"identity,omitempty"`
}

// Session is the gateway's answer: a direct redirect URL or an opaque
// session id that the client completes with the publishable key.
type Session struct {
	URL       string `json:"url,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
}

// GatewayError describes a failed gateway call. Body holds the message from
// a structured {"error": "..."} payload, when the gateway sent one; Message
// holds the transport-level description.
type GatewayError struct {
	StatusCode  int
	Body        string
	Message     string
	Unavailable bool
	Err         error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Body != "":
		return fmt.Sprintf("payment gateway: %s", e.Body)
	case e.Message != "":
		return fmt.Sprintf("payment gateway: %s", e.Message)
	default:
		return "payment gateway: request failed"
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// HTTPGateway calls the gateway's create-checkout function over HTTP.
type HTTPGateway struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewHTTPGateway(endpoint, apiKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Session{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Session{}, &GatewayError{Message: err.Error(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.APIKey)
	}

	resp, err := g.Client.Do(httpReq)
	if err != nil {
		return Session{}, &GatewayError{
			Message:     "failed to send a request to the payment service",
			Unavailable: isUnavailable(err),
			Err:         err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayBody))
	if err != nil {
		return Session{}, &GatewayError{
			StatusCode:  resp.StatusCode,
			Message:     "failed to read payment service response",
			Unavailable: isUnavailable(err),
			Err:         err,
		}
	}

	var session Session
	decodeErr := json.Unmarshal(body, &session)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		gwErr := &GatewayError{
			StatusCode:  resp.StatusCode,
			Message:     fmt.Sprintf("payment service returned a non-2xx status code (%d)", resp.StatusCode),
			Unavailable: unavailableStatus(resp.StatusCode),
		}
		if decodeErr == nil {
			gwErr.Body = strings.TrimSpace(session.Error)
		}
		return Session{}, gwErr
	}
	if decodeErr != nil {
		return Session{}, &GatewayError{
			StatusCode: resp.StatusCode,
			Message:    "invalid payment service response",
			Err:        decodeErr,
		}
	}
	if msg := strings.TrimSpace(session.Error); msg != "" {
		return Session{}, &GatewayError{StatusCode: resp.StatusCode, Body: msg}
	}
	return session, nil
}

func unavailableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
