package lock

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-txflow/v1/syncbus"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

const defaultPollInterval = 50 * time.Millisecond

// Redis implements Backend with SET NX PX and a per-acquisition token.
// Release notifications travel over a syncbus.Bus; waiters also poll so that
// lease expiry, which publishes nothing, is noticed.
type Redis struct {
	client redis.UniversalClient
	bus    syncbus.Bus
	poll   time.Duration
	logger *zap.Logger
}

// RedisOption configures a Redis backend.
type RedisOption func(*Redis)

// WithBus sets the bus used to wake up waiters on release.
func WithBus(bus syncbus.Bus) RedisOption {
	return func(r *Redis) { r.bus = bus }
}

// WithPollInterval sets how often a waiter retries while no release
// notification arrives.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(l *zap.Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRedis returns a new Redis lock backend using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, poll: defaultPollInterval, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryLock implements Backend.TryLock.
func (r *Redis) TryLock(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	var notify chan struct{}
	if r.bus != nil && wait > 0 {
		sctx, cancel := context.WithCancel(ctx)
		defer cancel()
		if ch, err := r.bus.Subscribe(sctx, key); err == nil {
			notify = ch
		} else {
			r.logger.Debug("lock bus subscribe failed, polling only", zap.String("key", key), zap.Error(err))
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, acquisitionError(key, err)
		}
		at := time.Now()
		ok, err := r.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return nil, acquisitionError(key, err)
		}
		if ok {
			return &Handle{key: key, token: token, acquiredAt: at, lease: lease}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, acquisitionError(key, nil)
		}
		timer := time.NewTimer(min(r.poll, remaining))
		select {
		case _, open := <-notify:
			if !open {
				notify = nil
			}
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, acquisitionError(key, ctx.Err())
		}
		timer.Stop()
	}
}

// Unlock implements Backend.Unlock. Only the token written by TryLock can
// delete the key.
func (r *Redis) Unlock(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrNilHandle
	}
	n, err := delScript.Run(ctx, r.client, []string{h.key}, h.token).Int64()
	if err != nil && !stdErrors.Is(err, redis.Nil) {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	r.notify(ctx, h.key)
	return nil
}

func (r *Redis) notify(ctx context.Context, key string) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, key); err != nil {
		r.logger.Debug("lock release publish failed", zap.String("key", key), zap.Error(err))
	}
}

// IsLocked implements Backend.IsLocked.
func (r *Redis) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ForceUnlock implements Backend.ForceUnlock.
func (r *Redis) ForceUnlock(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Warn("force unlocked key", zap.String("key", key))
		r.notify(ctx, key)
	}
	return nil
}
