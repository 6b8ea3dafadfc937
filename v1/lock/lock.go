package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	txerrors "github.com/mirkobrombin/go-txflow/v1/errors"
)

// TransactionKeyPrefix namespaces the per-transaction locks.
const TransactionKeyPrefix = "transaction:lock:"

// TransactionKey returns the lock key guarding transaction id.
func TransactionKey(id string) string {
	return TransactionKeyPrefix + id
}

var (
	// ErrNotHeld is returned by Unlock when the lease already expired or
	// another holder took the lock.
	ErrNotHeld = errors.New("lock: not held or already expired")
	// ErrNilHandle is returned when Unlock receives a nil handle.
	ErrNilHandle = errors.New("lock: handle is nil")
	// ErrEmptyKey is returned for an empty lock key.
	ErrEmptyKey = errors.New("lock: key cannot be empty")
)

// Handle is the proof of ownership returned by a successful TryLock.
type Handle struct {
	key        string
	token      string
	acquiredAt time.Time
	lease      time.Duration
	impl       any
}

// Key returns the locked key.
func (h *Handle) Key() string { return h.key }

// Deadline returns the instant the lease expires. The zero time means the
// lock never expires on its own.
func (h *Handle) Deadline() time.Time {
	if h.lease <= 0 {
		return time.Time{}
	}
	return h.acquiredAt.Add(h.lease)
}

// Backend is a named lock service shared by every engine instance.
type Backend interface {
	// TryLock acquires key, waiting up to wait. The lock auto-expires after
	// lease. It fails with errors.ErrLockAcquisition on timeout, on
	// cancellation of ctx, or when the backend cannot be reached.
	TryLock(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error)
	// Unlock releases the lock identified by h.
	Unlock(ctx context.Context, h *Handle) error
	// IsLocked reports whether anybody currently holds key.
	IsLocked(ctx context.Context, key string) (bool, error)
	// ForceUnlock removes key regardless of its holder. Administrative only;
	// implementations must log every call.
	ForceUnlock(ctx context.Context, key string) error
}

func acquisitionError(key string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: could not acquire lock for key %s", txerrors.ErrLockAcquisition, key)
	}
	return fmt.Errorf("%w: could not acquire lock for key %s: %w", txerrors.ErrLockAcquisition, key, cause)
}

const (
	defaultWait         = 10 * time.Second
	defaultLease        = 30 * time.Second
	defaultReleaseGrace = 5 * time.Second
)

// Coordinator runs functions under a Backend lock.
type Coordinator struct {
	backend Backend
	logger  *zap.Logger
	wait    time.Duration
	lease   time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for acquisition and release events.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDefaults sets the wait and lease used when WithLock receives
// non-positive values.
func WithDefaults(wait, lease time.Duration) Option {
	return func(c *Coordinator) {
		if wait > 0 {
			c.wait = wait
		}
		if lease > 0 {
			c.lease = lease
		}
	}
}

// NewCoordinator returns a Coordinator over backend.
func NewCoordinator(backend Backend, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend: backend,
		logger:  zap.NewNop(),
		wait:    defaultWait,
		lease:   defaultLease,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backend returns the underlying lock backend.
func (c *Coordinator) Backend() Backend { return c.backend }

// WithLock acquires key within wait, runs fn exactly once while holding it
// and releases it afterwards, also when fn fails or panics. fn is never
// invoked when acquisition fails. The context given to fn expires together
// with the lease, since past that point the lock may belong to somebody else.
func (c *Coordinator) WithLock(ctx context.Context, key string, wait, lease time.Duration, fn func(context.Context) error) error {
	if key == "" {
		return ErrEmptyKey
	}
	if wait <= 0 {
		wait = c.wait
	}
	if lease <= 0 {
		lease = c.lease
	}

	c.logger.Debug("acquiring lock", zap.String("key", key), zap.Duration("wait", wait), zap.Duration("lease", lease))
	h, err := c.backend.TryLock(ctx, key, wait, lease)
	if err != nil {
		c.logger.Warn("failed to acquire lock", zap.String("key", key), zap.Duration("wait", wait), zap.Error(err))
		return err
	}
	c.logger.Debug("lock acquired", zap.String("key", key))

	defer c.release(ctx, h)

	fctx := ctx
	if dl := h.Deadline(); !dl.IsZero() {
		var cancel context.CancelFunc
		fctx, cancel = context.WithDeadline(ctx, dl)
		defer cancel()
	}
	return fn(fctx)
}

// release runs on a context detached from the caller so that a cancelled
// caller still frees the lock.
func (c *Coordinator) release(ctx context.Context, h *Handle) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultReleaseGrace)
	defer cancel()
	if err := c.backend.Unlock(rctx, h); err != nil {
		c.logger.Error("error releasing lock", zap.String("key", h.Key()), zap.Error(err))
		return
	}
	c.logger.Debug("lock released", zap.String("key", h.Key()))
}

// Do is WithLock for functions producing a value.
func Do[T any](ctx context.Context, c *Coordinator, key string, wait, lease time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.WithLock(ctx, key, wait, lease, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// IsLocked reports whether key is currently held.
func (c *Coordinator) IsLocked(ctx context.Context, key string) (bool, error) {
	return c.backend.IsLocked(ctx, key)
}

// ForceUnlock removes key regardless of the holder. Backends log the
// action at warn level.
func (c *Coordinator) ForceUnlock(ctx context.Context, key string) error {
	return c.backend.ForceUnlock(ctx, key)
}
