package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stagepass/lifecycle/internal/ticketing"
)

func TestHTTPGatewayCreateSession(t *testing.T) {
	var got SessionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://pay.example/s/1","sessionId":"cs_1"}`))
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "sk_test", time.Second)
	identity := ticketing.UserIdentity("user-1")
	session, err := gw.CreateSession(context.Background(), SessionRequest{EventID: "evt-1", Identity: &identity})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.URL != "https://pay.example/s/1" || session.SessionID != "cs_1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if got.EventID != "evt-1" || got.Identity == nil || got.Identity.UserID != "user-1" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestHTTPGatewayStructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Event is sold out"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPGateway(srv.URL, "", time.Second).CreateSession(context.Background(), SessionRequest{EventID: "evt-1"})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gwErr.StatusCode != http.StatusBadRequest || gwErr.Body != "Event is sold out" {
		t.Fatalf("unexpected error %+v", gwErr)
	}
	if UserMessage(err) != "Event is sold out" {
		t.Fatalf("unexpected user message %q", UserMessage(err))
	}
}

func TestHTTPGatewayErrorIn2xxBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"Card declined"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPGateway(srv.URL, "", time.Second).CreateSession(context.Background(), SessionRequest{EventID: "evt-1"})
	if UserMessage(err) != "Card declined" {
		t.Fatalf("unexpected user message %q (err=%v)", UserMessage(err), err)
	}
}

func TestHTTPGatewayUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`upstream down`))
	}))
	defer srv.Close()

	_, err := NewHTTPGateway(srv.URL, "", time.Second).CreateSession(context.Background(), SessionRequest{EventID: "evt-1"})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || !gwErr.Unavailable {
		t.Fatalf("expected unavailable gateway error, got %v", err)
	}
	if UserMessage(err) != MessageServiceUnavailable {
		t.Fatalf("unexpected user message %q", UserMessage(err))
	}
}

func TestHTTPGatewayNon2xxWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPGateway(srv.URL, "", time.Second).CreateSession(context.Background(), SessionRequest{EventID: "evt-1"})
	want := "payment service returned a non-2xx status code (500)"
	if UserMessage(err) != want {
		t.Fatalf("expected %q, got %q", want, UserMessage(err))
	}
}

func TestHTTPGatewayTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewHTTPGateway(srv.URL, "", 30*time.Millisecond).CreateSession(context.Background(), SessionRequest{EventID: "evt-1"})
	if UserMessage(err) != MessageServiceUnavailable {
		t.Fatalf("expected unavailable message, got %q (err=%v)", UserMessage(err), err)
	}
}

func TestHTTPGatewayConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPGateway(url, "", time.Second).CreateSession(context.Background(), SessionRequest{EventID: "evt-1"})
	if UserMessage(err) != MessageServiceUnavailable {
		t.Fatalf("expected unavailable message, got %q (err=%v)", UserMessage(err), err)
	}
}
