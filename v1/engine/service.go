package engine

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-txflow/v1/resilience"
	"github.com/mirkobrombin/go-txflow/v1/txn"
)

// Service is the entry point for callers. Each transaction goes through the
// resilience policy and then Engine.Process.
type Service struct {
	engine      *Engine
	policy      *resilience.Policy
	logger      *zap.Logger
	concurrency int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithBatchConcurrency bounds the goroutines ProcessBatch runs at once.
// Zero or less means one goroutine per transaction.
func WithBatchConcurrency(n int) ServiceOption {
	return func(s *Service) { s.concurrency = n }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService returns a Service. A nil policy uses resilience defaults.
func NewService(e *Engine, p *resilience.Policy, opts ...ServiceOption) *Service {
	s := &Service{engine: e, policy: p, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy == nil {
		s.policy = resilience.New(resilience.DefaultConfig(),
			resilience.WithRecorder(e.Recorder()),
			resilience.WithLogger(s.logger))
	}
	return s
}

// Process processes tx through the resilience policy. The result is a
// Completed transaction, a Failed one handed to the retry queue, or a
// validation or duplicate error.
func (s *Service) Process(ctx context.Context, tx txn.Transaction) (txn.Transaction, error) {
	return s.policy.Execute(ctx, tx, func(ctx context.Context) (txn.Transaction, error) {
		return s.engine.Process(ctx, tx)
	})
}

// Future is the pending result of ProcessAsync.
type Future struct {
	done chan struct{}
	tx   txn.Transaction
	err  error
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx ends. Cancelling ctx
// stops the wait, not the processing.
func (f *Future) Wait(ctx context.Context) (txn.Transaction, error) {
	select {
	case <-f.done:
		return f.tx, f.err
	case <-ctx.Done():
		return txn.Transaction{}, ctx.Err()
	}
}

// ProcessAsync starts Process in its own goroutine.
func (s *Service) ProcessAsync(ctx context.Context, tx txn.Transaction) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.tx, f.err = s.Process(ctx, tx)
	}()
	return f
}

// Result is the outcome of one transaction of a batch.
type Result struct {
	Transaction txn.Transaction
	Err         error
}

// ProcessBatch processes every transaction concurrently and returns the
// results in input order. Per-transaction failures are reported in their
// Result. The error is non-nil only when ctx ends before the batch does.
func (s *Service) ProcessBatch(ctx context.Context, txs []txn.Transaction) ([]Result, error) {
	results := make([]Result, len(txs))
	g := new(errgroup.Group)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i, tx := range txs {
		if err := ctx.Err(); err != nil {
			results[i] = Result{Transaction: tx, Err: err}
			continue
		}
		i, tx := i, tx
		g.Go(func() error {
			out, err := s.Process(ctx, tx)
			results[i] = Result{Transaction: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	s.logger.Debug("batch processed", zap.Int("size", len(txs)))
	return results, nil
}

// CurrentThroughput returns completed transactions per second over the last
// minute.
func (s *Service) CurrentThroughput() float64 {
	return s.engine.recorder.Throughput()
}

// PerTypeCounters returns the number of completed transactions by type.
func (s *Service) PerTypeCounters() map[txn.Type]int64 {
	return s.engine.recorder.PerType()
}
