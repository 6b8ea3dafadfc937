package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	txerrors "github.com/mirkobrombin/go-txflow/v1/errors"
	"github.com/mirkobrombin/go-txflow/v1/lock"
	"github.com/mirkobrombin/go-txflow/v1/metrics"
	"github.com/mirkobrombin/go-txflow/v1/store"
	"github.com/mirkobrombin/go-txflow/v1/txn"
)

type countingApplier struct {
	calls atomic.Int32
	err   error
}

func (a *countingApplier) Apply(ctx context.Context, tx txn.Transaction) error {
	a.calls.Add(1)
	return a.err
}

func newEngine(t *testing.T, applier Applier, opts ...Option) (*Engine, *store.InMemory, *lock.InMemory) {
	t.Helper()
	locks := lock.NewInMemory(nil)
	st := store.NewInMemory()
	return New(lock.NewCoordinator(locks), st, applier, opts...), st, locks
}

func txn1() txn.Transaction {
	return txn.New("TXN-1", "A", "B", decimal.RequireFromString("100.00"), "USD", txn.TypeTransfer)
}

func TestProcessScenario(t *testing.T) {
	applier := &countingApplier{}
	e, st, _ := newEngine(t, applier)
	ctx := context.Background()

	out, err := e.Process(ctx, txn1())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Status != txn.StatusCompleted || out.CompletedAt == nil || out.RetryCount != 0 {
		t.Fatalf("unexpected result %+v", out)
	}
	before, _, _ := st.Find(ctx, "TXN-1")

	_, err = e.Process(ctx, txn1())
	if !errors.Is(err, txerrors.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	after, _, _ := st.Find(ctx, "TXN-1")
	if after.Version != before.Version || after.Status != txn.StatusCompleted {
		t.Fatalf("duplicate submission changed the record: %+v", after)
	}
	if applier.calls.Load() != 1 {
		t.Fatalf("expected one application, got %d", applier.calls.Load())
	}
	if got := e.Recorder().PerType()[txn.TypeTransfer]; got != 1 {
		t.Fatalf("expected 1 transfer recorded, got %d", got)
	}
}

func TestProcessValidationLeavesPending(t *testing.T) {
	applier := &countingApplier{}
	e, st, locks := newEngine(t, applier)
	ctx := context.Background()

	for _, tx := range []txn.Transaction{
		txn.New("V-1", "A", "B", decimal.Zero, "USD", txn.TypeTransfer),
		txn.New("V-2", "A", "B", decimal.NewFromInt(-5), "USD", txn.TypeTransfer),
		txn.New("V-3", "", "B", decimal.NewFromInt(5), "USD", txn.TypeTransfer),
		txn.New("V-4", "A", "", decimal.NewFromInt(5), "USD", txn.TypeTransfer),
		txn.New("", "A", "B", decimal.NewFromInt(5), "USD", txn.TypeTransfer),
	} {
		out, err := e.Process(ctx, tx)
		if !errors.Is(err, txerrors.ErrValidation) {
			t.Fatalf("%q: expected validation error, got %v", tx.ID, err)
		}
		if out.Status != txn.StatusPending {
			t.Fatalf("%q: expected Pending, got %s", tx.ID, out.Status)
		}
		if locked, _ := locks.IsLocked(ctx, lock.TransactionKey(tx.ID)); locked {
			t.Fatalf("%q: lock leaked", tx.ID)
		}
	}
	if st.Len() != 0 {
		t.Fatalf("validation failures must not be persisted, store has %d", st.Len())
	}
	if applier.calls.Load() != 0 {
		t.Fatal("applier invoked for invalid transactions")
	}
}

func TestProcessApplierFailure(t *testing.T) {
	boom := errors.New("insufficient funds")
	rec := metrics.New(nil)
	e, st, _ := newEngine(t, &countingApplier{err: boom}, WithRecorder(rec))
	ctx := context.Background()

	out, err := e.Process(ctx, txn1())
	if !errors.Is(err, txerrors.ErrProcessing) || !errors.Is(err, boom) {
		t.Fatalf("expected processing error wrapping the cause, got %v", err)
	}
	if out.Status != txn.StatusFailed || out.RetryCount != 1 || out.FailureReason != boom.Error() {
		t.Fatalf("unexpected result %+v", out)
	}
	stored, _, _ := st.Find(ctx, "TXN-1")
	if stored.Status != txn.StatusFailed || stored.RetryCount != 1 || stored.CompletedAt != nil {
		t.Fatalf("unexpected stored record %+v", stored)
	}
	if _, failed := rec.Totals(); failed != 1 {
		t.Fatalf("expected 1 failure recorded, got %d", failed)
	}
}

// blockingApplier waits for ctx to end, as an applier stuck on a slow ledger
// would.
func blockingApplier(started chan<- struct{}) ApplierFunc {
	return func(ctx context.Context, tx txn.Transaction) error {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func assertStoredFailed(t *testing.T, st *store.InMemory) {
	t.Helper()
	ctx := context.Background()
	stored, found, err := st.Find(ctx, "TXN-1")
	if err != nil || !found {
		t.Fatalf("find: found=%v err=%v", found, err)
	}
	if stored.Status != txn.StatusFailed || stored.RetryCount != 1 {
		t.Fatalf("expected stored Failed with retry 1, got %s retry %d", stored.Status, stored.RetryCount)
	}
	pending, err := st.FindPendingForRetry(ctx, 3)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected the record to be eligible for retry, got %d (%v)", len(pending), err)
	}
}

func TestProcessPersistsFailureAfterLeaseExpiry(t *testing.T) {
	e, st, _ := newEngine(t, blockingApplier(nil), WithLockTimeouts(time.Second, 50*time.Millisecond))

	_, err := e.Process(context.Background(), txn1())
	if !errors.Is(err, txerrors.ErrProcessing) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected processing error after lease expiry, got %v", err)
	}
	assertStoredFailed(t, st)

	e2 := New(e.locks, st, &countingApplier{})
	out, err := e2.Process(context.Background(), txn1())
	if err != nil || out.Status != txn.StatusCompleted {
		t.Fatalf("resubmission should complete, got %s: %v", out.Status, err)
	}
}

func TestProcessPersistsFailureAfterCallerCancel(t *testing.T) {
	started := make(chan struct{})
	e, st, _ := newEngine(t, blockingApplier(started))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := e.Process(ctx, txn1())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	assertStoredFailed(t, st)
}

func TestProcessResubmitAfterFailure(t *testing.T) {
	applier := &countingApplier{err: errors.New("temporary")}
	e, st, _ := newEngine(t, applier)
	ctx := context.Background()

	_, _ = e.Process(ctx, txn1())
	applier.err = nil
	out, err := e.Process(ctx, txn1())
	if err != nil {
		t.Fatalf("resubmission: %v", err)
	}
	if out.Status != txn.StatusCompleted || out.RetryCount != 1 || out.FailureReason != "" {
		t.Fatalf("unexpected result %+v", out)
	}
	stored, _, _ := st.Find(ctx, "TXN-1")
	if stored.Version != out.Version || stored.Status != txn.StatusCompleted {
		t.Fatalf("store out of sync: %+v", stored)
	}
}

func TestProcessRejectsIllegalTransition(t *testing.T) {
	applier := &countingApplier{}
	e, st, _ := newEngine(t, applier)
	ctx := context.Background()

	cancelled := txn1()
	_ = cancelled.TransitionTo(txn.StatusCancelled, time.Now())
	if _, err := st.Save(ctx, cancelled); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := e.Process(ctx, txn1())
	if !errors.Is(err, txerrors.ErrValidation) || !errors.Is(err, txn.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if applier.calls.Load() != 0 {
		t.Fatal("applier invoked for a cancelled transaction")
	}
}

func TestProcessLockTimeout(t *testing.T) {
	applier := &countingApplier{}
	e, _, locks := newEngine(t, applier, WithLockTimeouts(20*time.Millisecond, time.Second))
	ctx := context.Background()

	if _, err := locks.TryLock(ctx, lock.TransactionKey("TXN-1"), 0, time.Minute); err != nil {
		t.Fatalf("trylock: %v", err)
	}
	out, err := e.Process(ctx, txn1())
	if !errors.Is(err, txerrors.ErrLockAcquisition) {
		t.Fatalf("expected lock acquisition error, got %v", err)
	}
	if out.ID != "TXN-1" || out.Status != txn.StatusPending {
		t.Fatalf("expected the input back, got %+v", out)
	}
	if applier.calls.Load() != 0 {
		t.Fatal("applier invoked without the lock")
	}
}

func TestProcessMutualExclusion(t *testing.T) {
	var inside, overlaps atomic.Int32
	applier := ApplierFunc(func(ctx context.Context, tx txn.Transaction) error {
		if inside.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(2 * time.Millisecond)
		inside.Add(-1)
		return errors.New("always fails")
	})
	e, st, _ := newEngine(t, applier)

	const n = 15
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Process(context.Background(), txn1())
		}()
	}
	wg.Wait()

	if overlaps.Load() != 0 {
		t.Fatalf("%d overlapping critical sections", overlaps.Load())
	}
	stored, _, _ := st.Find(context.Background(), "TXN-1")
	if stored.RetryCount != n {
		t.Fatalf("expected retry count %d after %d serialized failures, got %d", n, n, stored.RetryCount)
	}
}

func TestProcessLogsLargeAmount(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e, _, _ := newEngine(t, &countingApplier{}, WithLogger(zap.New(core)))

	big := txn.New("BIG-1", "A", "B", decimal.NewFromInt(2_000_000), "USD", txn.TypeSettlement)
	if _, err := e.Process(context.Background(), big); err != nil {
		t.Fatalf("process: %v", err)
	}
	if logs.FilterMessage("large transaction detected").Len() != 1 {
		t.Fatalf("expected a large transaction warning, got %v", logs.All())
	}
}
