package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/stagepass/lifecycle/internal/app/ticketapi"
	"github.com/stagepass/lifecycle/internal/cart"
	"github.com/stagepass/lifecycle/internal/checkout"
	"github.com/stagepass/lifecycle/internal/lifecycle"
	"github.com/stagepass/lifecycle/internal/notify"
	platformauth "github.com/stagepass/lifecycle/internal/platform/auth"
	"github.com/stagepass/lifecycle/internal/platform/clock"
	"github.com/stagepass/lifecycle/internal/platform/dbpool"
	"github.com/stagepass/lifecycle/internal/platform/env"
	"github.com/stagepass/lifecycle/internal/platform/logging"
	"github.com/stagepass/lifecycle/internal/platform/metrics"
	"github.com/stagepass/lifecycle/internal/platform/natsutil"
	platformotel "github.com/stagepass/lifecycle/internal/platform/otel"
	"github.com/stagepass/lifecycle/internal/ticketing"
	"golang.org/x/sync/errgroup"
)

type config struct {
	env.DB
	env.NATS
	env.Observability

	Addr                  string        `env:"TICKET_API_ADDR" envDefault:":8080"`
	UIOrigin              string        `env:"UI_ORIGIN" envDefault:"http://localhost:8081"`
	JWTSecret             string        `env:"JWT_SECRET" envDefault:"dev-insecure-change-me"`
	InternalToken         string        `env:"INTERNAL_TOKEN"`
	GatewayURL            string        `env:"GATEWAY_URL" envDefault:"http://localhost:54321/functions/v1/create-checkout"`
	GatewayAPIKey         string        `env:"GATEWAY_API_KEY"`
	GatewayPublishableKey string        `env:"GATEWAY_PUBLISHABLE_KEY"`
	GatewayTimeout        time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"15s"`
	CartIdleTTL           time.Duration `env:"CART_IDLE_TTL" envDefault:"24h"`
	CartMaxSessions       int           `env:"CART_MAX_SESSIONS" envDefault:"100000"`
	FanoutLead            time.Duration `env:"FANOUT_LEAD" envDefault:"15m"`
	FanoutWindow          time.Duration `env:"FANOUT_WINDOW" envDefault:"1m"`
	ShutdownTimeout       time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "ticket-api")

	if err := run(cfg, logger); err != nil {
		logger.Error("ticket-api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := platformotel.Setup(runCtx, "ticket-api", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	pool, err := dbpool.New(runCtx, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	events := lifecycle.NewPostgresRepository(pool)
	ledger := ticketing.NewPostgresLedger(pool)
	notifications := notify.NewPostgresStore(pool)
	if err := dbpool.WaitReady(runCtx, pool, logger, 30*time.Second, events, ledger, notifications); err != nil {
		return fmt.Errorf("database not ready: %w", err)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(runCtx, cfg.NATS.URL, cfg.NATS.ConnectTimeout)
	if err != nil {
		return err
	}
	defer client.Close()
	publisher := natsutil.JetStreamPublisher{JS: client.JS}

	clk := clock.NewMonotonic(clock.NewSystem())
	reconciler := lifecycle.NewReconciler(events, clk, publisher.Publish, logger)
	reconciler.Tracer = platformotel.Tracer("lifecycle")

	fanout := notify.NewFanoutJob(events, ledger, notifications, clk, publisher.Publish, logger)
	fanout.Lead = cfg.FanoutLead
	fanout.Window = cfg.FanoutWindow
	fanout.Tracer = platformotel.Tracer("notify")

	carts := cart.NewStore(clk)
	carts.IdleTTL = cfg.CartIdleTTL
	carts.MaxSessions = cfg.CartMaxSessions
	metrics.Default.MustRegister(metrics.NewGaugeFunc(metrics.Opts{
		Name: "cart_sessions",
		Help: "Cart sessions held in memory.",
	}, func() float64 { return float64(carts.Len()) }))
	gateway := checkout.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)
	orchestrator := checkout.NewOrchestrator(ledger, gateway, reconciler, carts, cfg.GatewayPublishableKey, logger)
	orchestrator.Timeout = cfg.GatewayTimeout
	orchestrator.Tracer = platformotel.Tracer("checkout")

	handler := &ticketapi.Handler{
		Checkout:      orchestrator,
		Cart:          carts,
		Events:        reconciler,
		Notifications: notifications,
		Feed:          ticketapi.NewJetStreamFeed(client.JS, logger),
		Tokens:        platformauth.NewManager(cfg.JWTSecret, time.Hour),
		Reconcile:     reconciler.Run,
		Fanout:        fanout.Run,
		InternalToken: cfg.InternalToken,
		AllowedOrigin: cfg.UIOrigin,
		Ready: func(ctx context.Context) error {
			return checkReadiness(ctx, pool, client.Conn)
		},
		Logger: logger,
	}

	// No WriteTimeout: status streams stay open for the life of the event.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		logger.Info("ticket api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
