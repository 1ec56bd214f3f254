package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stagepass/lifecycle/internal/cart"
	"github.com/stagepass/lifecycle/internal/lifecycle"
	"github.com/stagepass/lifecycle/internal/platform/metrics"
	"github.com/stagepass/lifecycle/internal/ticketing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type State string

const (
	StateRequested      State = "requested"
	StateGuardChecked   State = "guard_checked"
	StateSessionCreated State = "session_created"
	StateRedirectIssued State = "redirect_issued"

	StateGuardRejected        State = "guard_rejected"
	StateEventEnded           State = "event_ended"
	StateGatewayError         State = "gateway_error"
	StateConfigurationMissing State = "configuration_missing"
	// StateStoreError covers event or ticket store failures before the
	// gateway is called.
	StateStoreError State = "store_error"
)

const DefaultGatewayTimeout = 15 * time.Second

var ErrEventEnded = errors.New("event has already ended")

type Request struct {
	EventID    string
	UserID     string
	GuestEmail string
}

// Result is the terminal outcome of one checkout attempt.
type Result struct {
	State          State  `json:"state"`
	RedirectURL    string `json:"url,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	PublishableKey string `json:"publishableKey,omitempty"`
	Message        string `json:"message,omitempty"`
	Err            error  `json:"-"`
}

func (r Result) OK() bool { return r.State == StateRedirectIssued }

type EventReader interface {
	GetEvent(ctx context.Context, eventID string) (lifecycle.Event, error)
}

type Cart interface {
	Add(sessionID, eventID string, priceCents int64) (cart.Reservation, error)
	Clear(sessionID string)
}

type Orchestrator struct {
	Guard          *ticketing.Guard
	Ledger         ticketing.Ledger
	Gateway        Gateway
	Events         EventReader
	Cart           Cart
	PublishableKey string
	Timeout        time.Duration
	Logger         *slog.Logger
	Tracer         trace.Tracer
}

func NewOrchestrator(ledger ticketing.Ledger, gateway Gateway, events EventReader, c Cart, publishableKey string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Guard:          ticketing.NewGuard(ledger),
		Ledger:         ledger,
		Gateway:        gateway,
		Events:         events,
		Cart:           c,
		PublishableKey: publishableKey,
		Timeout:        DefaultGatewayTimeout,
		Logger:         logger,
		Tracer:         noop.NewTracerProvider().Tracer("checkout"),
	}
}

// Checkout runs one attempt through Requested -> GuardChecked ->
// SessionCreated -> RedirectIssued. The guard runs once; a failed attempt
// is never retried here.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) Result {
	ctx, span := o.Tracer.Start(ctx, "checkout.create_session")
	defer span.End()

	res := o.checkout(ctx, req)
	metrics.CheckoutOutcomes.WithLabelValues(string(res.State)).Inc()
	span.SetAttributes(attribute.String("checkout.state", string(res.State)))
	if !res.OK() {
		span.SetStatus(codes.Error, res.Message)
		o.Logger.Info("checkout not completed",
			"event_id", req.EventID,
			"state", res.State,
			"message", res.Message,
			"error", res.Err,
		)
	}
	return res
}

func (o *Orchestrator) checkout(ctx context.Context, req Request) Result {
	// Requested
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		return Result{State: StateConfigurationMissing, Message: MessageEventMissing, Err: ticketing.ErrEventIDRequired}
	}
	identity, err := ticketing.Resolve(req.UserID, req.GuestEmail)
	if err != nil {
		return Result{State: StateConfigurationMissing, Message: MessageIdentityMissing, Err: err}
	}
	event, err := o.Events.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrEventNotFound) || errors.Is(err, lifecycle.ErrInvalidEventID) {
			return Result{State: StateConfigurationMissing, Message: MessageEventMissing, Err: err}
		}
		return Result{State: StateStoreError, Message: MessageTryAgainLater, Err: err}
	}
	if event.Status == lifecycle.StatusEnded {
		return Result{State: StateEventEnded, Message: MessageEventEnded, Err: ErrEventEnded}
	}

	// GuardChecked
	decision, err := o.Guard.EnsureNoActiveTicket(ctx, eventID, identity)
	if err != nil {
		return Result{State: StateStoreError, Message: MessageTryAgainLater, Err: err}
	}
	if decision == ticketing.DecisionAlreadyHasTicket {
		return Result{State: StateGuardRejected, Message: MessageAlreadyHasTicket, Err: ticketing.ErrAlreadyHasTicket}
	}

	// SessionCreated
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	session, err := o.Gateway.CreateSession(callCtx, SessionRequest{EventID: eventID, Identity: &identity})
	metrics.GatewayLatency.ObserveSince(started, gatewayOutcome(err))
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = &GatewayError{Message: "payment service timed out", Unavailable: true, Err: err}
		}
		return Result{State: StateGatewayError, Message: UserMessage(err), Err: err}
	}

	// RedirectIssued
	if url := strings.TrimSpace(session.URL); url != "" {
		return Result{State: StateRedirectIssued, RedirectURL: url, SessionID: session.SessionID}
	}
	if id := strings.TrimSpace(session.SessionID); id != "" {
		if strings.TrimSpace(o.PublishableKey) == "" {
			return Result{
				State:   StateConfigurationMissing,
				Message: MessagePublishableKeyMissing,
				Err:     errors.New("gateway publishable key is not configured"),
			}
		}
		return Result{State: StateRedirectIssued, SessionID: id, PublishableKey: o.PublishableKey}
	}
	err = &GatewayError{Message: "payment service returned no redirect target"}
	return Result{State: StateGatewayError, Message: MessageSessionFailed, Err: err}
}

// AddToCart runs the guard before reserving the event in the session cart.
// ticketing.ErrAlreadyHasTicket is returned when the guard rejects.
func (o *Orchestrator) AddToCart(ctx context.Context, sessionID string, req Request) (cart.Reservation, error) {
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		return cart.Reservation{}, ticketing.ErrEventIDRequired
	}
	identity, err := ticketing.Resolve(req.UserID, req.GuestEmail)
	if err != nil {
		return cart.Reservation{}, err
	}

	event, err := o.Events.GetEvent(ctx, eventID)
	if err != nil {
		return cart.Reservation{}, err
	}
	if event.Status == lifecycle.StatusEnded {
		return cart.Reservation{}, ErrEventEnded
	}

	decision, err := o.Guard.EnsureNoActiveTicket(ctx, eventID, identity)
	if err != nil {
		return cart.Reservation{}, err
	}
	if decision == ticketing.DecisionAlreadyHasTicket {
		return cart.Reservation{}, ticketing.ErrAlreadyHasTicket
	}
	return o.Cart.Add(sessionID, eventID, event.PriceCents)
}

type Confirmation struct {
	EventID    string
	UserID     string
	GuestEmail string
	SessionID  string
	CartID     string
}

// Confirm issues the ticket after the gateway reports a successful payment.
// The ledger's uniqueness constraint is authoritative here; a duplicate
// surfaces as ticketing.ErrAlreadyHasTicket.
func (o *Orchestrator) Confirm(ctx context.Context, c Confirmation) (ticketing.Ticket, error) {
	ctx, span := o.Tracer.Start(ctx, "checkout.confirm")
	defer span.End()

	eventID := strings.TrimSpace(c.EventID)
	if eventID == "" {
		return ticketing.Ticket{}, ticketing.ErrEventIDRequired
	}
	identity, err := ticketing.Resolve(c.UserID, c.GuestEmail)
	if err != nil {
		return ticketing.Ticket{}, err
	}
	event, err := o.Events.GetEvent(ctx, eventID)
	if err != nil {
		return ticketing.Ticket{}, fmt.Errorf("load event: %w", err)
	}

	t, err := o.Ledger.CreateTicket(ctx, eventID, identity, event.PriceCents)
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, ticketing.ErrAlreadyHasTicket) {
			span.SetStatus(codes.Error, "create ticket")
		}
		return ticketing.Ticket{}, err
	}

	if c.CartID != "" && o.Cart != nil {
		o.Cart.Clear(c.CartID)
	}
	o.Logger.Info("ticket issued",
		"ticket_id", t.ID,
		"event_id", eventID,
		"identity", identity.String(),
		"gateway_session_id", c.SessionID,
	)
	return t, nil
}

func gatewayOutcome(err error) string {
	var gwErr *GatewayError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &gwErr) && gwErr.Unavailable:
		return "unavailable"
	default:
		return "error"
	}
}
