package ticketapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stagepass/lifecycle/internal/cart"
	"github.com/stagepass/lifecycle/internal/checkout"
	"github.com/stagepass/lifecycle/internal/lifecycle"
	"github.com/stagepass/lifecycle/internal/notify"
	platformauth "github.com/stagepass/lifecycle/internal/platform/auth"
	"github.com/stagepass/lifecycle/internal/platform/metrics"
	"github.com/stagepass/lifecycle/internal/ticketing"
)

const (
	sessionHeader  = "X-Session-ID"
	internalHeader = "X-Internal-Token"
	heartbeatEvery = 25 * time.Second
)

type EventReader interface {
	ReconcileOne(ctx context.Context, eventID string) (lifecycle.Event, error)
}

type NotificationReader interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]notify.Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
}

type Handler struct {
	Checkout      *checkout.Orchestrator
	Cart          *cart.Store
	Events        EventReader
	Notifications NotificationReader
	Feed          StatusFeed
	Tokens        platformauth.Manager
	// Jobs may be nil when the binary does not run them in-process.
	Reconcile     func(ctx context.Context) (lifecycle.Report, error)
	Fanout        func(ctx context.Context) (notify.Report, error)
	InternalToken string
	AllowedOrigin string
	Ready         func(ctx context.Context) error
	Logger        *slog.Logger
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	r.Handle("/metrics", metrics.DefaultHandler())

	r.Group(func(api chi.Router) {
		api.Use(h.optionalAuthMiddleware)
		api.Get("/api/v1/events/{eventID}/status", h.handleEventStatus)
		api.Get("/api/v1/events/{eventID}/status/stream", h.handleStatusStream)

		api.Group(func(sess chi.Router) {
			sess.Use(h.sessionMiddleware)
			sess.Post("/api/v1/cart/items", h.handleAddToCart)
			sess.Put("/api/v1/cart", h.handleStartCart)
			sess.Get("/api/v1/cart", h.handleGetCart)
			sess.Delete("/api/v1/cart", h.handleClearCart)
			sess.Post("/api/v1/checkout", h.handleCheckout)
		})

		api.Group(func(user chi.Router) {
			user.Use(h.requireUser)
			user.Get("/api/v1/notifications", h.handleListNotifications)
			user.Post("/api/v1/notifications/{notificationID}/read", h.handleMarkRead)
		})
	})

	r.Group(func(internal chi.Router) {
		internal.Use(h.internalMiddleware)
		internal.Post("/api/v1/checkout/confirm", h.handleConfirm)
		internal.Post("/internal/jobs/reconcile-status", h.handleReconcile)
		internal.Post("/internal/jobs/notify-starting", h.handleNotifyStarting)
	})

	return r
}

type purchaseRequest struct {
	EventID string `json:"eventId"`
	Email   string `json:"email"`
}

type confirmRequest struct {
	EventID   string `json:"eventId"`
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	SessionID string `json:"sessionId"`
	CartID    string `json:"cartId"`
}

type cartResponse struct {
	Items      []cart.Reservation `json:"items"`
	TotalCents int64              `json:"totalCents"`
}

type eventStatusResponse struct {
	EventID   string           `json:"eventId"`
	Status    lifecycle.Status `json:"status"`
	StartTime time.Time        `json:"startTime"`
	EndTime   time.Time        `json:"endTime"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	h.handleHealth(w, r)
}

func (h *Handler) handleAddToCart(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload", "invalid_payload")
		return
	}
	claims, _ := claimsFromContext(r.Context())
	reservation, err := h.Checkout.AddToCart(r.Context(), sessionFromContext(r.Context()), checkout.Request{
		EventID:    req.EventID,
		UserID:     claims.Subject,
		GuestEmail: req.Email,
	})
	if err != nil {
		switch {
		case errors.Is(err, ticketing.ErrAlreadyHasTicket):
			h.writeError(w, http.StatusConflict, checkout.MessageAlreadyHasTicket, "already_has_ticket")
		case errors.Is(err, cart.ErrAlreadyInCart):
			h.writeError(w, http.StatusConflict, err.Error(), "already_in_cart")
		case errors.Is(err, lifecycle.ErrEventNotFound):
			h.writeError(w, http.StatusNotFound, "event not found", "event_not_found")
		case errors.Is(err, checkout.ErrEventEnded):
			h.writeError(w, http.StatusConflict, err.Error(), "event_ended")
		case errors.Is(err, ticketing.ErrEventIDRequired),
			errors.Is(err, ticketing.ErrIdentityRequired),
			errors.Is(err, ticketing.ErrInvalidEmail):
			h.writeError(w, http.StatusBadRequest, err.Error(), "invalid_request")
		default:
			h.Logger.Error("add to cart failed", "event_id", req.EventID, "error", err)
			h.writeError(w, http.StatusInternalServerError, checkout.MessageTryAgainLater, "store_error")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, reservation)
}

// handleStartCart opens the session cart. Reads never create one.
func (h *Handler) handleStartCart(w http.ResponseWriter, r *http.Request) {
	if err := h.Cart.Init(sessionFromContext(r.Context())); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "invalid_session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionFromContext(r.Context())
	h.writeJSON(w, http.StatusOK, cartResponse{
		Items:      h.Cart.Items(sessionID),
		TotalCents: h.Cart.TotalCents(sessionID),
	})
}

func (h *Handler) handleClearCart(w http.ResponseWriter, r *http.Request) {
	h.Cart.Clear(sessionFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload", "invalid_payload")
		return
	}
	claims, _ := claimsFromContext(r.Context())
	res := h.Checkout.Checkout(r.Context(), checkout.Request{
		EventID:    req.EventID,
		UserID:     claims.Subject,
		GuestEmail: req.Email,
	})
	if res.OK() {
		h.writeJSON(w, http.StatusOK, res)
		return
	}
	h.writeError(w, checkoutStatus(res), res.Message, string(res.State))
}

func checkoutStatus(res checkout.Result) int {
	switch res.State {
	case checkout.StateGuardRejected, checkout.StateEventEnded:
		return http.StatusConflict
	case checkout.StateGatewayError:
		return http.StatusBadGateway
	case checkout.StateConfigurationMissing:
		if res.Message == checkout.MessagePublishableKeyMissing {
			return http.StatusInternalServerError
		}
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload", "invalid_payload")
		return
	}
	ticket, err := h.Checkout.Confirm(r.Context(), checkout.Confirmation{
		EventID:    req.EventID,
		UserID:     req.UserID,
		GuestEmail: req.Email,
		SessionID:  req.SessionID,
		CartID:     req.CartID,
	})
	if err != nil {
		switch {
		case errors.Is(err, ticketing.ErrAlreadyHasTicket):
			h.writeError(w, http.StatusConflict, checkout.MessageAlreadyHasTicket, string(checkout.StateGuardRejected))
		case errors.Is(err, lifecycle.ErrEventNotFound):
			h.writeError(w, http.StatusNotFound, "event not found", "event_not_found")
		case errors.Is(err, ticketing.ErrEventIDRequired),
			errors.Is(err, ticketing.ErrIdentityRequired),
			errors.Is(err, ticketing.ErrInvalidEmail),
			errors.Is(err, ticketing.ErrInvalidPrice):
			h.writeError(w, http.StatusBadRequest, err.Error(), "invalid_request")
		default:
			h.Logger.Error("confirm purchase failed", "event_id", req.EventID, "error", err)
			h.writeError(w, http.StatusInternalServerError, checkout.MessageTryAgainLater, "store_error")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleEventStatus(w http.ResponseWriter, r *http.Request) {
	event, ok := h.loadEvent(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, eventStatusResponse{
		EventID:   event.ID,
		Status:    event.Status,
		StartTime: event.StartTime,
		EndTime:   event.EndTime(),
	})
}

func (h *Handler) loadEvent(w http.ResponseWriter, r *http.Request) (lifecycle.Event, bool) {
	event, err := h.Events.ReconcileOne(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrInvalidEventID):
			h.writeError(w, http.StatusBadRequest, err.Error(), "invalid_request")
		case errors.Is(err, lifecycle.ErrEventNotFound):
			h.writeError(w, http.StatusNotFound, "event not found", "event_not_found")
		default:
			h.Logger.Error("load event failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, checkout.MessageTryAgainLater, "store_error")
		}
		return lifecycle.Event{}, false
	}
	return event, true
}

// handleStatusStream pushes status transitions as server-sent events. The
// feed is subscribed before the current status is read and sent; the stream
// closes after the event ends.
func (h *Handler) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	event, ok := h.loadEvent(w, r)
	if !ok {
		return
	}

	var (
		changes     <-chan eventStatusResponse
		unsubscribe = func() {}
	)
	if event.Status != lifecycle.StatusEnded {
		ch, cancel, err := h.subscribe(event)
		if err != nil {
			h.Logger.Error("status stream subscription failed", "event_id", event.ID, "error", err)
			h.writeError(w, http.StatusServiceUnavailable, "status stream unavailable", "stream_unavailable")
			return
		}
		changes, unsubscribe = ch, cancel

		// Read again once subscribed so a transition published in between
		// is reflected in the first frame.
		if event, ok = h.loadEvent(w, r); !ok {
			unsubscribe()
			return
		}
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(payload eventStatusResponse) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	current := eventStatusResponse{EventID: event.ID, Status: event.Status, StartTime: event.StartTime, EndTime: event.EndTime()}
	if !send(current) || current.Status == lifecycle.StatusEnded {
		return
	}

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case next := <-changes:
			if current.Status.Precedes(next.Status) {
				current.Status = next.Status
				if !send(current) {
					return
				}
			}
			if current.Status == lifecycle.StatusEnded {
				return
			}
		}
	}
}

func (h *Handler) subscribe(event lifecycle.Event) (<-chan eventStatusResponse, func(), error) {
	if h.Feed == nil {
		return nil, nil, errFeedUnavailable
	}
	raw, cancel, err := h.Feed.Subscribe(event.ID)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan eventStatusResponse, 1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case change := <-raw:
				select {
				case out <- eventStatusResponse{EventID: change.EventID, Status: lifecycle.Status(change.To)}:
				case <-done:
					return
				}
			}
		}
	}()
	return out, func() {
		close(done)
		cancel()
	}, nil
}

func (h *Handler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	items, err := h.Notifications.ListForUser(r.Context(), claims.Subject, limit)
	if err != nil {
		h.Logger.Error("list notifications failed", "user_id", claims.Subject, "error", err)
		h.writeError(w, http.StatusInternalServerError, checkout.MessageTryAgainLater, "store_error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	err := h.Notifications.MarkRead(r.Context(), claims.Subject, chi.URLParam(r, "notificationID"))
	if err != nil {
		if errors.Is(err, notify.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "notification not found", "not_found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, checkout.MessageTryAgainLater, "store_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if h.Reconcile == nil {
		h.writeError(w, http.StatusNotImplemented, "reconciliation is not enabled", "job_disabled")
		return
	}
	report, err := h.Reconcile(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), "job_failed")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleNotifyStarting(w http.ResponseWriter, r *http.Request) {
	if h.Fanout == nil {
		h.writeError(w, http.StatusNotImplemented, "notification fanout is not enabled", "job_disabled")
		return
	}
	report, err := h.Fanout(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), "job_failed")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+sessionHeader)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}
	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	return a.Port() == b.Port() && strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type (
	claimsContextKey  struct{}
	sessionContextKey struct{}
)

// optionalAuthMiddleware attaches claims when a bearer token is present.
// Requests without one continue as guests; a bad token is rejected.
func (h *Handler) optionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, err.Error(), "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey{}, claims)))
	})
}

func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := claimsFromContext(r.Context()); !ok {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := strings.TrimSpace(r.Header.Get(sessionHeader))
		if sessionID == "" {
			h.writeError(w, http.StatusBadRequest, cart.ErrSessionRequired.Error(), "invalid_session")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey{}, sessionID)))
	})
}

func (h *Handler) internalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := strings.TrimSpace(h.InternalToken)
		if expected == "" {
			h.writeError(w, http.StatusForbidden, "internal endpoints are disabled", "forbidden")
			return
		}
		got := strings.TrimSpace(r.Header.Get(internalHeader))
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			h.writeError(w, http.StatusUnauthorized, "invalid internal token", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg, code string) {
	h.writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func claimsFromContext(ctx context.Context) (platformauth.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims, ok
}

func sessionFromContext(ctx context.Context) string {
	sessionID, _ := ctx.Value(sessionContextKey{}).(string)
	return sessionID
}
