package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	txerrors "github.com/mirkobrombin/go-txflow/v1/errors"
	"github.com/mirkobrombin/go-txflow/v1/lock"
	"github.com/mirkobrombin/go-txflow/v1/metrics"
	"github.com/mirkobrombin/go-txflow/v1/store"
	"github.com/mirkobrombin/go-txflow/v1/txn"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-txflow/v1/engine")

// Applier performs the business effect of a transaction, such as the debit
// and credit of the two accounts. It runs while the transaction lock is held
// and must honour ctx, whose deadline is the lock lease.
type Applier interface {
	Apply(ctx context.Context, tx txn.Transaction) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, tx txn.Transaction) error

// Apply implements Applier.
func (f ApplierFunc) Apply(ctx context.Context, tx txn.Transaction) error {
	return f(ctx, tx)
}

const (
	defaultLockWait  = 10 * time.Second
	defaultLockLease = 30 * time.Second
	persistGrace     = 5 * time.Second
)

// Engine runs single transaction attempts.
type Engine struct {
	locks    *lock.Coordinator
	store    store.Store
	applier  Applier
	recorder *metrics.Recorder
	logger   *zap.Logger

	wait, lease time.Duration
	largeAmount decimal.Decimal
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r *metrics.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithLockTimeouts sets how long to wait for the transaction lock and how
// long it may be held.
func WithLockTimeouts(wait, lease time.Duration) Option {
	return func(e *Engine) {
		if wait > 0 {
			e.wait = wait
		}
		if lease > 0 {
			e.lease = lease
		}
	}
}

// WithLargeAmount sets the amount above which transactions are logged as
// large.
func WithLargeAmount(d decimal.Decimal) Option {
	return func(e *Engine) { e.largeAmount = d }
}

// New returns an Engine.
func New(locks *lock.Coordinator, st store.Store, applier Applier, opts ...Option) *Engine {
	e := &Engine{
		locks:       locks,
		store:       st,
		applier:     applier,
		logger:      zap.NewNop(),
		wait:        defaultLockWait,
		lease:       defaultLockLease,
		largeAmount: txn.DefaultLargeAmount,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.recorder == nil {
		e.recorder = metrics.New(nil)
	}
	return e
}

// Recorder returns the metrics recorder used by the engine.
func (e *Engine) Recorder() *metrics.Recorder { return e.recorder }

// Process runs one attempt of tx under its lock.
//
// It returns the persisted Completed transaction, or one of: a duplicate
// error when the id is already Completed or Processing, a validation error
// with tx untouched, errors.ErrProcessing wrapping the applier failure with
// the persisted Failed record, or a lock or store error.
func (e *Engine) Process(ctx context.Context, tx txn.Transaction) (txn.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Engine.Process", trace.WithAttributes(
		attribute.String("txflow.transaction.id", tx.ID),
		attribute.String("txflow.transaction.type", tx.Type.String()),
	))
	defer span.End()

	if tx.ID == "" {
		err := fmt.Errorf("%w: transaction id is required", txerrors.ErrValidation)
		span.SetStatus(codes.Error, err.Error())
		return tx, err
	}

	out, err := lock.Do(ctx, e.locks, lock.TransactionKey(tx.ID), e.wait, e.lease, func(ctx context.Context) (txn.Transaction, error) {
		start := time.Now()
		defer func() { e.recorder.ObserveDuration(time.Since(start)) }()
		return e.process(ctx, tx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("txflow.transaction.status", out.Status.String()))
	}
	if errors.Is(err, txerrors.ErrLockAcquisition) {
		return tx, err
	}
	return out, err
}

// process is the critical section. Every read-modify-write of the record
// happens here, while the lock is held.
func (e *Engine) process(ctx context.Context, tx txn.Transaction) (txn.Transaction, error) {
	log := e.logger.With(zap.String("transaction_id", tx.ID))
	log.Info("processing transaction")

	dup, err := e.store.ExistsWithStatus(ctx, tx.ID, txn.StatusCompleted, txn.StatusProcessing)
	if err != nil {
		return tx, fmt.Errorf("check duplicate %s: %w", tx.ID, err)
	}
	if dup {
		log.Warn("duplicate transaction detected")
		return tx, fmt.Errorf("%w: transaction %s already processed", txerrors.ErrDuplicate, tx.ID)
	}

	if err := tx.Validate(); err != nil {
		log.Warn("transaction rejected", zap.Error(err))
		return tx, err
	}
	if tx.IsLarge(e.largeAmount) {
		log.Warn("large transaction detected", zap.String("amount", tx.Amount.String()))
	}

	stored, found, err := e.store.Find(ctx, tx.ID)
	if err != nil {
		return tx, fmt.Errorf("load %s: %w", tx.ID, err)
	}
	work := tx
	if found {
		work.Reconcile(stored)
	}
	if err := work.TransitionTo(txn.StatusProcessing, e.now()); err != nil {
		return tx, fmt.Errorf("%w: %w", txerrors.ErrValidation, err)
	}
	work, err = e.store.Save(ctx, work)
	if err != nil {
		return tx, fmt.Errorf("save %s as processing: %w", tx.ID, err)
	}

	if err := e.applier.Apply(ctx, work); err != nil {
		log.Error("error processing transaction", zap.Error(err))
		e.recorder.Failed(work.Type)
		work.MarkFailed(err.Error(), e.now())
		if saved, serr := e.persist(ctx, work); serr != nil {
			log.Error("failed to persist transaction failure", zap.Error(serr))
		} else {
			work = saved
		}
		return work, fmt.Errorf("%w: transaction %s: %w", txerrors.ErrProcessing, tx.ID, err)
	}

	if err := work.TransitionTo(txn.StatusCompleted, e.now()); err != nil {
		return work, err
	}
	saved, err := e.persist(ctx, work)
	if err != nil {
		// The effect is applied but the record stays Processing; the
		// duplicate check keeps it from being applied twice.
		log.Error("failed to persist transaction completion", zap.Error(err))
		return work, fmt.Errorf("save %s as completed: %w", tx.ID, err)
	}
	e.recorder.Processed(saved.Type)
	log.Info("transaction processed successfully")
	return saved, nil
}

// persist saves the outcome of an applier call. The applier may have ended
// because ctx expired with the lease or the caller, and the outcome must
// still be recorded, so the save runs detached with a short grace period.
// A writer that took over after the lease is caught by the version check.
func (e *Engine) persist(ctx context.Context, tx txn.Transaction) (txn.Transaction, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistGrace)
	defer cancel()
	return e.store.Save(sctx, tx)
}
