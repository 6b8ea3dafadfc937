package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-txflow/v1/config"
	"github.com/mirkobrombin/go-txflow/v1/engine"
	"github.com/mirkobrombin/go-txflow/v1/lock"
	"github.com/mirkobrombin/go-txflow/v1/logging"
	"github.com/mirkobrombin/go-txflow/v1/metrics"
	"github.com/mirkobrombin/go-txflow/v1/txn"
)

var (
	batchFile   = flag.String("batch", "", "Process the transactions in a JSON file and exit")
	once        = flag.Bool("once", false, "Run a single redrive sweep and exit")
	forceUnlock = flag.String("force-unlock", "", "Remove the lock held on a transaction id and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, _, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("txflow stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TraceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(sctx)
		}()
		otel.SetTracerProvider(tp)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	a, err := build(ctx, cfg, logger, rec, ledgerApplier(logger.Named("ledger")))
	if err != nil {
		return err
	}
	defer a.Close()

	switch {
	case *forceUnlock != "":
		return a.locks.ForceUnlock(ctx, lock.TransactionKey(*forceUnlock))
	case *batchFile != "":
		return processFile(ctx, a.service, *batchFile)
	case *once:
		n, err := a.redriver.RunOnce(ctx)
		logger.Info("redrive sweep finished", zap.Int("candidates", n))
		return err
	}

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(reg)}
	go func() {
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
			stop()
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("txflow started",
		zap.String("lock", cfg.LockBackend),
		zap.String("store", cfg.StoreBackend),
		zap.String("queue", cfg.QueueBackend))
	if err := a.redriver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("txflow shutting down")
	return nil
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

type batchResult struct {
	Transaction txn.Transaction `json:"transaction"`
	Error       string          `json:"error,omitempty"`
}

func processFile(ctx context.Context, svc *engine.Service, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	txs, err := decodeBatch(raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	results, batchErr := svc.ProcessBatch(ctx, txs)
	out := make([]batchResult, len(results))
	for i, r := range results {
		out[i].Transaction = r.Transaction
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	return batchErr
}

// decodeBatch parses a JSON array of transactions. Records without a
// status or timestamps are treated as new submissions.
func decodeBatch(raw []byte, now time.Time) ([]txn.Transaction, error) {
	var txs []txn.Transaction
	if err := json.Unmarshal(raw, &txs); err != nil {
		return nil, err
	}
	for i := range txs {
		if txs[i].Status == "" {
			txs[i].Status = txn.StatusPending
		}
		if txs[i].CreatedAt.IsZero() {
			txs[i].CreatedAt = now
		}
		if txs[i].UpdatedAt.IsZero() {
			txs[i].UpdatedAt = txs[i].CreatedAt
		}
	}
	return txs, nil
}
