package lock

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedsyncRetryDelay = 25 * time.Millisecond
	maxRedsyncTries          = 1000
)

// Redsync implements Backend with the RedLock algorithm. It is the backend
// of choice when several independent Redis nodes are available.
type Redsync struct {
	rs         *redsync.Redsync
	client     redis.UniversalClient
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewRedsync returns a RedLock backend over client. Additional clients join
// the quorum.
func NewRedsync(logger *zap.Logger, client redis.UniversalClient, quorum ...redis.UniversalClient) *Redsync {
	if logger == nil {
		logger = zap.NewNop()
	}
	pools := []redsyncredis.Pool{goredis.NewPool(client)}
	for _, c := range quorum {
		pools = append(pools, goredis.NewPool(c))
	}
	return &Redsync{rs: redsync.New(pools...), client: client, retryDelay: defaultRedsyncRetryDelay, logger: logger}
}

// TryLock implements Backend.TryLock.
func (r *Redsync) TryLock(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if lease <= 0 {
		lease = defaultLease
	}
	tries := int(wait/r.retryDelay) + 1
	if tries > maxRedsyncTries {
		tries = maxRedsyncTries
	}
	m := r.rs.NewMutex(key,
		redsync.WithExpiry(lease),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(r.retryDelay),
	)

	lctx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	if err := m.LockContext(lctx); err != nil {
		if ctx.Err() != nil {
			return nil, acquisitionError(key, ctx.Err())
		}
		return nil, acquisitionError(key, err)
	}
	// Until is computed by redsync from the start of the winning attempt,
	// minus clock drift.
	return &Handle{key: key, token: m.Value(), acquiredAt: m.Until().Add(-lease), lease: lease, impl: m}, nil
}

// Unlock implements Backend.Unlock.
func (r *Redsync) Unlock(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrNilHandle
	}
	m, ok := h.impl.(*redsync.Mutex)
	if !ok || m == nil {
		return ErrNilHandle
	}
	released, err := m.UnlockContext(ctx)
	if err != nil {
		return err
	}
	if !released {
		return ErrNotHeld
	}
	return nil
}

// IsLocked implements Backend.IsLocked.
func (r *Redsync) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ForceUnlock implements Backend.ForceUnlock.
func (r *Redsync) ForceUnlock(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Warn("force unlocked key", zap.String("key", key))
	}
	return nil
}
