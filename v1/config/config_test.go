package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LockBackend != "memory" || cfg.StoreBackend != "memory" || cfg.QueueBackend != "memory" {
		t.Fatalf("unexpected backends %+v", cfg)
	}
	if cfg.LockWait != 10*time.Second || cfg.LockLease != 30*time.Second {
		t.Fatalf("unexpected lock timeouts %v/%v", cfg.LockWait, cfg.LockLease)
	}
	if cfg.Resilience.Name != "transaction-processing" || cfg.Resilience.HalfOpenRequests != 1 {
		t.Fatalf("unexpected resilience config %+v", cfg.Resilience)
	}
	if !cfg.LargeAmount.Equal(decimal.NewFromInt(1_000_000)) {
		t.Fatalf("unexpected large amount %s", cfg.LargeAmount)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TXFLOW_LOCK_BACKEND", "Redsync")
	t.Setenv("TXFLOW_STORE_BACKEND", "redis")
	t.Setenv("TXFLOW_QUEUE_BACKEND", "kafka")
	t.Setenv("TXFLOW_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("TXFLOW_LOCK_WAIT", "250ms")
	t.Setenv("TXFLOW_BREAKER_CONSECUTIVE_FAILURES", "7")
	t.Setenv("TXFLOW_RETRY_MAX_ATTEMPTS", "4")
	t.Setenv("TXFLOW_TRACE_STDOUT", "true")
	t.Setenv("TXFLOW_LARGE_AMOUNT", "5000.50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LockBackend != "redsync" || cfg.StoreBackend != "redis" || cfg.QueueBackend != "kafka" {
		t.Fatalf("unexpected backends %+v", cfg)
	}
	if strings.Join(cfg.KafkaBrokers, "|") != "k1:9092|k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.LockWait != 250*time.Millisecond || !cfg.TraceStdout {
		t.Fatalf("unexpected values %+v", cfg)
	}
	if cfg.Resilience.ConsecutiveFailures != 7 || cfg.Resilience.MaxAttempts != 4 {
		t.Fatalf("unexpected resilience config %+v", cfg.Resilience)
	}
	if !cfg.LargeAmount.Equal(decimal.RequireFromString("5000.5")) {
		t.Fatalf("unexpected large amount %s", cfg.LargeAmount)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("TXFLOW_LOCK_WAIT", "soon")
	t.Setenv("TXFLOW_MAX_RETRIES", "many")
	t.Setenv("TXFLOW_STORE_CACHE", "maybe")
	t.Setenv("TXFLOW_METRICS_ADDR", "   ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LockWait != 10*time.Second || cfg.MaxRetries != 3 || cfg.StoreCache || cfg.MetricsAddr != ":9090" {
		t.Fatalf("invalid values should fall back to defaults: %+v", cfg)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("TXFLOW_LOCK_BACKEND", "zookeeper")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "TXFLOW_LOCK_BACKEND") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestLoadPostgresNeedsDSN(t *testing.T) {
	t.Setenv("TXFLOW_STORE_BACKEND", "postgres")
	if _, err := Load(); err == nil {
		t.Fatal("expected missing DSN error")
	}
	t.Setenv("TXFLOW_POSTGRES_DSN", "postgres://localhost/txflow")
	if _, err := Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
}
