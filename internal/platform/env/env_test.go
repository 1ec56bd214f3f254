package env

import (
	"strings"
	"testing"
	"time"
)

type testConfig struct {
	DB
	NATS
	Addr string `env:"TEST_TICKET_API_ADDR" envDefault:":8080"`
}

func TestParse_Defaults(t *testing.T) {
	var cfg testConfig
	if err := Parse(&cfg); err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Addr != DefaultTicketAPIAddr {
		t.Fatalf("unexpected addr: %q", cfg.Addr)
	}
	if cfg.DB.URL != DefaultDatabaseURL {
		t.Fatalf("unexpected database url: %q", cfg.DB.URL)
	}
	if cfg.NATS.URL != DefaultNATSURL {
		t.Fatalf("unexpected nats url: %q", cfg.NATS.URL)
	}
	if cfg.DB.MaxConnLifetime != 30*time.Minute {
		t.Fatalf("unexpected max conn lifetime: %s", cfg.DB.MaxConnLifetime)
	}
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("DB_MAX_CONNS", "7")
	t.Setenv("NATS_CONNECT_TIMEOUT", "3s")

	var cfg testConfig
	if err := Parse(&cfg); err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.DB.MaxConns != 7 {
		t.Fatalf("expected 7 max conns, got %d", cfg.DB.MaxConns)
	}
	if cfg.NATS.ConnectTimeout != 3*time.Second {
		t.Fatalf("expected 3s connect timeout, got %s", cfg.NATS.ConnectTimeout)
	}
}

func TestParse_InvalidValue(t *testing.T) {
	t.Setenv("DB_MIN_CONNS", "many")

	var cfg testConfig
	err := Parse(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
