// Package resilience wraps a transaction attempt with a circuit breaker, a
// bounded retry and a fallback that hands the transaction to a retry queue.
//
// Wrapping order, outermost first: fallback, retry, breaker, attempt. Every
// retry goes through the breaker, so an open breaker stops a retry sequence
// on its next attempt.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	txerrors "github.com/mirkobrombin/go-txflow/v1/errors"
	"github.com/mirkobrombin/go-txflow/v1/metrics"
	"github.com/mirkobrombin/go-txflow/v1/queue"
	"github.com/mirkobrombin/go-txflow/v1/txn"
)

// FallbackReason is the failure reason set on transactions handled by the
// fallback.
const FallbackReason = "Service temporarily unavailable. Transaction queued for retry."

// DefaultName is the breaker name of the transaction processing operation.
const DefaultName = "transaction-processing"

// Config holds the breaker and retry parameters.
type Config struct {
	Name string

	// ConsecutiveFailures trips the breaker after that many failures in a
	// row. Zero disables the rule.
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once at least MinRequests calls were
	// seen in the current window and the failure ratio reaches it. Zero
	// disables the rule.
	FailureRatio float64
	MinRequests  uint32
	// Window is the period after which closed-state counts are cleared.
	Window time.Duration
	// Cooldown is how long the breaker stays open before half-open trials.
	Cooldown time.Duration
	// HalfOpenRequests is the number of trials let through while half-open.
	// That many consecutive successes close the breaker.
	HalfOpenRequests uint32

	// MaxAttempts is the total number of attempts, first one included.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter spreads each backoff by up to this fraction.
	Jitter float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Name:                DefaultName,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         20,
		Window:              time.Minute,
		Cooldown:            30 * time.Second,
		HalfOpenRequests:    1,
		MaxAttempts:         3,
		InitialBackoff:      100 * time.Millisecond,
		MaxBackoff:          2 * time.Second,
		Jitter:              0.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.ConsecutiveFailures == 0 && c.FailureRatio == 0 {
		c.ConsecutiveFailures = d.ConsecutiveFailures
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = d.HalfOpenRequests
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// backoff returns the sleeps between attempts, doubling from InitialBackoff
// and capped at MaxBackoff.
func (c Config) backoff() []time.Duration {
	out := retrier.ExponentialBackoff(c.MaxAttempts-1, c.InitialBackoff)
	for i, d := range out {
		if d > c.MaxBackoff {
			out[i] = c.MaxBackoff
		}
	}
	return out
}

// Policy applies breaker, retry and fallback to transaction attempts.
type Policy struct {
	cfg      Config
	cb       *gobreaker.CircuitBreaker
	retrier  *retrier.Retrier
	queue    queue.RetryQueue
	recorder *metrics.Recorder
	logger   *zap.Logger
	fallback bool
}

// Option configures a Policy.
type Option func(*Policy)

// WithQueue sets the queue receiving fallback transactions.
func WithQueue(q queue.RetryQueue) Option {
	return func(p *Policy) { p.queue = q }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r *metrics.Recorder) Option {
	return func(p *Policy) { p.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithoutFallback makes Execute return the error instead of a fallback
// transaction. Breaker rejections surface as errors.ErrBreakerOpen.
func WithoutFallback() Option {
	return func(p *Policy) { p.fallback = false }
}

// New returns a Policy for cfg.
func New(cfg Config, opts ...Option) *Policy {
	p := &Policy{
		cfg:      cfg.withDefaults(),
		logger:   zap.NewNop(),
		fallback: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.recorder == nil {
		p.recorder = metrics.New(nil)
	}

	c := p.cfg
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        c.Name,
		MaxRequests: c.HalfOpenRequests,
		Interval:    c.Window,
		Timeout:     c.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if c.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= c.ConsecutiveFailures {
				return true
			}
			if c.FailureRatio > 0 && counts.Requests >= c.MinRequests && counts.Requests > 0 {
				return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			p.recorder.BreakerState(name, int(to))
		},
		IsSuccessful: breakerSuccess,
	})
	p.recorder.BreakerState(c.Name, int(gobreaker.StateClosed))

	p.retrier = retrier.New(c.backoff(), classifier{})
	if c.Jitter > 0 {
		p.retrier.SetJitter(c.Jitter)
	}
	return p
}

// breakerSuccess decides what the breaker counts as a failure. Caller faults
// and caller cancellation say nothing about the health of the dependency.
func breakerSuccess(err error) bool {
	return err == nil || txerrors.Permanent(err) || errors.Is(err, context.Canceled)
}

func rejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

type classifier struct{}

func (classifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case rejected(err):
		return retrier.Fail
	case txerrors.Retryable(err):
		return retrier.Retry
	}
	return retrier.Fail
}

// State returns the current breaker state.
func (p *Policy) State() gobreaker.State {
	return p.cb.State()
}

// Execute runs attempt under the policy. Validation and duplicate errors are
// returned as is. Cancellation of ctx aborts the retry sequence and is
// returned as is. Every other failure resolves to the fallback, which marks
// the latest attempt result (or tx when the attempt never ran) Failed,
// enqueues it and returns it with a nil error.
func (p *Policy) Execute(ctx context.Context, tx txn.Transaction, attempt func(context.Context) (txn.Transaction, error)) (txn.Transaction, error) {
	var (
		last    txn.Transaction
		invoked bool
	)
	err := p.retrier.RunCtx(ctx, func(ctx context.Context) error {
		_, err := p.cb.Execute(func() (interface{}, error) {
			out, err := attempt(ctx)
			last, invoked = out, true
			return nil, err
		})
		if err != nil && !rejected(err) && !txerrors.Permanent(err) {
			p.logger.Debug("transaction attempt failed", zap.String("transaction_id", tx.ID), zap.Error(err))
		}
		return err
	})

	switch {
	case err == nil:
		return last, nil
	case txerrors.Permanent(err):
		if invoked {
			return last, err
		}
		return tx, err
	case ctx.Err() != nil:
		return tx, err
	}

	// The latest attempt carries the retry count the engine persisted.
	base := tx
	if invoked && last.ID == tx.ID {
		base = last
		if tx.RetryCount > base.RetryCount {
			base.RetryCount = tx.RetryCount
		}
	}
	if !p.fallback {
		if rejected(err) {
			return base, fmt.Errorf("%w: %s: %w", txerrors.ErrBreakerOpen, p.cfg.Name, err)
		}
		return base, err
	}
	return p.fallbackFor(ctx, base, err), nil
}

// fallbackFor is the fallback. It never fails: queue errors are logged.
func (p *Policy) fallbackFor(ctx context.Context, tx txn.Transaction, cause error) txn.Transaction {
	p.logger.Warn("circuit breaker fallback triggered",
		zap.String("transaction_id", tx.ID),
		zap.String("breaker_state", p.cb.State().String()),
		zap.Error(cause))

	tx.MarkFailed(FallbackReason, time.Now().UTC())
	p.recorder.Fallback()

	if p.queue == nil {
		p.logger.Warn("no retry queue configured, transaction dropped from retry", zap.String("transaction_id", tx.ID))
		return tx
	}
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.queue.Enqueue(qctx, tx); err != nil {
		p.logger.Error("failed to enqueue transaction for retry", zap.String("transaction_id", tx.ID), zap.Error(err))
		return tx
	}
	p.logger.Info("transaction queued for retry", zap.String("transaction_id", tx.ID))
	return tx
}
