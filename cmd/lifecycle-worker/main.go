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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/stagepass/lifecycle/internal/lifecycle"
	"github.com/stagepass/lifecycle/internal/notify"
	"github.com/stagepass/lifecycle/internal/platform/clock"
	"github.com/stagepass/lifecycle/internal/platform/dbpool"
	"github.com/stagepass/lifecycle/internal/platform/env"
	"github.com/stagepass/lifecycle/internal/platform/logging"
	"github.com/stagepass/lifecycle/internal/platform/metrics"
	"github.com/stagepass/lifecycle/internal/platform/natsutil"
	platformotel "github.com/stagepass/lifecycle/internal/platform/otel"
	"github.com/stagepass/lifecycle/internal/scheduler"
	"github.com/stagepass/lifecycle/internal/ticketing"
	"golang.org/x/sync/errgroup"
)

type config struct {
	env.DB
	env.NATS
	env.Observability

	Addr              string        `env:"WORKER_ADDR" envDefault:":8082"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	FanoutInterval    time.Duration `env:"FANOUT_INTERVAL" envDefault:"1m"`
	FanoutLead        time.Duration `env:"FANOUT_LEAD" envDefault:"15m"`
	FanoutWindow      time.Duration `env:"FANOUT_WINDOW" envDefault:"1m"`
	DeliveryAttempts  int           `env:"DELIVERY_MAX_ATTEMPTS" envDefault:"5"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "lifecycle-worker")

	if err := run(cfg, logger); err != nil {
		logger.Error("lifecycle-worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := platformotel.Setup(runCtx, "lifecycle-worker", cfg.OTelEndpoint)
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

	reconcileLoop := scheduler.New("reconcile-status", func(ctx context.Context) error {
		_, err := reconciler.Run(ctx)
		return err
	}, cfg.ReconcileInterval, logger)
	fanoutLoop := scheduler.New("notify-starting", func(ctx context.Context) error {
		_, err := fanout.Run(ctx)
		return err
	}, cfg.FanoutInterval, logger)

	delivery := notify.NewDelivery(notifications, notify.LogSender{Logger: logger}, logger)
	delivery.MaxDeliver = cfg.DeliveryAttempts
	deliverySub, err := delivery.Subscribe(runCtx, client.JS)
	if err != nil {
		return fmt.Errorf("subscribe notification delivery: %w", err)
	}
	defer func() { _ = deliverySub.Drain() }()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           opsRouter(pool, client.Conn),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return reconcileLoop.Start(gctx) })
	g.Go(func() error { return fanoutLoop.Start(gctx) })
	g.Go(func() error {
		logger.Info("worker ops server listening", "addr", cfg.Addr)
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

func opsRouter(pool *pgxpool.Pool, conn *nats.Conn) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.DefaultHandler())
	return r
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
