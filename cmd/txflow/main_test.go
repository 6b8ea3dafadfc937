package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-txflow/v1/config"
	"github.com/mirkobrombin/go-txflow/v1/metrics"
	"github.com/mirkobrombin/go-txflow/v1/txn"
)

func TestDecodeBatchFillsDefaults(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	raw := []byte(`[
		{"id":"A","account_from":"acc-1","account_to":"acc-2","amount":"10.50","currency":"EUR","type":"TRANSFER"},
		{"id":"B","account_from":"acc-1","account_to":"acc-2","amount":"1","currency":"EUR","type":"PAYMENT","status":"FAILED","retry_count":2}
	]`)
	txs, err := decodeBatch(raw, now)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[0].Status != txn.StatusPending || !txs[0].CreatedAt.Equal(now) || !txs[0].UpdatedAt.Equal(now) {
		t.Fatalf("defaults not applied: %+v", txs[0])
	}
	if txs[0].Amount.String() != "10.5" {
		t.Fatalf("unexpected amount %s", txs[0].Amount)
	}
	if txs[1].Status != txn.StatusFailed || txs[1].RetryCount != 2 {
		t.Fatalf("explicit fields overwritten: %+v", txs[1])
	}
}

func TestDecodeBatchRejectsMalformed(t *testing.T) {
	if _, err := decodeBatch([]byte(`{"id":"A"}`), time.Now()); err == nil {
		t.Fatalf("expected error for non-array input")
	}
}

func TestBuildInMemoryProcessesBatch(t *testing.T) {
	cfg := config.Config{
		LockBackend:      "memory",
		BusBackend:       "memory",
		StoreBackend:     "memory",
		QueueBackend:     "memory",
		StoreCache:       true,
		LockWait:         time.Second,
		LockLease:        5 * time.Second,
		BatchConcurrency: 2,
		RedriveInterval:  time.Minute,
		MaxRetries:       3,
		LargeAmount:      txn.DefaultLargeAmount,
	}
	reg := prometheus.NewRegistry()
	a, err := build(context.Background(), cfg, zap.NewNop(), metrics.New(reg), ledgerApplier(zap.NewNop()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	txs, err := decodeBatch([]byte(`[
		{"id":"A","account_from":"acc-1","account_to":"acc-2","amount":"5","currency":"EUR","type":"TRANSFER"},
		{"id":"B","account_from":"acc-1","account_to":"acc-2","amount":"7","currency":"EUR","type":"TRANSFER"}
	]`), time.Now().UTC())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	results, err := a.service.ProcessBatch(context.Background(), txs)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	for _, r := range results {
		if r.Err != nil || r.Transaction.Status != txn.StatusCompleted {
			t.Fatalf("unexpected result %+v", r)
		}
	}
	if got := a.service.PerTypeCounters()[txn.TypeTransfer]; got != 2 {
		t.Fatalf("expected 2 transfers counted, got %d", got)
	}

	srv := httptest.NewServer(metricsMux(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "txflow_transactions_processed_total") {
		t.Fatalf("metrics output missing processed counter")
	}
}

func TestBuildRejectsUnreachableRedis(t *testing.T) {
	cfg := config.Config{
		LockBackend:  "redsync",
		StoreBackend: "memory",
		QueueBackend: "memory",
		RedisAddr:    "127.0.0.1:1",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := build(ctx, cfg, zap.NewNop(), metrics.New(nil), ledgerApplier(zap.NewNop())); err == nil {
		t.Fatalf("expected connection error")
	}
}
