package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-txflow/v1/store"
	"github.com/mirkobrombin/go-txflow/v1/txn"
)

const (
	defaultRedriveInterval = 30 * time.Second
	defaultMaxRetries      = 3
)

// Redriver re-submits Failed transactions whose retry count is below a
// limit. Each failed attempt bumps the stored count, so a transaction stops
// being re-driven once it reaches the limit.
type Redriver struct {
	svc        *Service
	store      store.Store
	interval   time.Duration
	maxRetries int
	logger     *zap.Logger
}

// RedriverOption configures a Redriver.
type RedriverOption func(*Redriver)

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) RedriverOption {
	return func(r *Redriver) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithMaxRetries sets the retry count at which a transaction is left alone.
func WithMaxRetries(n int) RedriverOption {
	return func(r *Redriver) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// WithRedriverLogger sets the logger.
func WithRedriverLogger(l *zap.Logger) RedriverOption {
	return func(r *Redriver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRedriver returns a Redriver submitting to svc the candidates found in st.
func NewRedriver(svc *Service, st store.Store, opts ...RedriverOption) *Redriver {
	r := &Redriver{
		svc:        svc,
		store:      st,
		interval:   defaultRedriveInterval,
		maxRetries: defaultMaxRetries,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce performs a single sweep and returns how many transactions were
// re-submitted.
func (r *Redriver) RunOnce(ctx context.Context) (int, error) {
	txs, err := r.store.FindPendingForRetry(ctx, r.maxRetries)
	if err != nil {
		return 0, err
	}
	if len(txs) == 0 {
		return 0, nil
	}
	results, err := r.svc.ProcessBatch(ctx, txs)
	completed := 0
	for _, res := range results {
		if res.Err == nil && res.Transaction.Status == txn.StatusCompleted {
			completed++
		}
	}
	r.logger.Info("redrive sweep finished",
		zap.Int("candidates", len(txs)),
		zap.Int("completed", completed))
	return len(txs), err
}

// Run sweeps every interval until ctx ends.
func (r *Redriver) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("redrive sweep failed", zap.Error(err))
			}
		}
	}
}
