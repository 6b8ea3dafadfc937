package queue

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	txerrors "github.com/mirkobrombin/go-txflow/v1/errors"
	"github.com/mirkobrombin/go-txflow/v1/txn"
)

const defaultRedisOpTimeout = 5 * time.Second

// Redis implements RetryQueue on a Redis list. Producers LPUSH, consumers
// BRPOP, so the list behaves as a FIFO.
type Redis struct {
	client  redis.UniversalClient
	list    string
	timeout time.Duration
}

// RedisOption configures a Redis queue.
type RedisOption func(*Redis)

// WithList sets the list key.
func WithList(name string) RedisOption {
	return func(r *Redis) {
		if name != "" {
			r.list = name
		}
	}
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRedis returns a Redis-backed retry queue.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, list: DefaultTopic, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func redisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return txerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return txerrors.ErrConnectionClosed
	}
	return err
}

// Enqueue implements RetryQueue.Enqueue.
func (r *Redis) Enqueue(ctx context.Context, tx txn.Transaction) error {
	data, err := encode(tx)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.LPush(cctx, r.list, data).Err(); err != nil {
		return redisErr(err)
	}
	return nil
}

// Dequeue blocks up to wait for the oldest queued transaction. The bool is
// false when nothing arrived in time.
func (r *Redis) Dequeue(ctx context.Context, wait time.Duration) (txn.Transaction, bool, error) {
	res, err := r.client.BRPop(ctx, wait, r.list).Result()
	if err == redis.Nil {
		return txn.Transaction{}, false, nil
	}
	if err != nil {
		return txn.Transaction{}, false, redisErr(err)
	}
	tx, err := Decode([]byte(res[1]))
	if err != nil {
		return txn.Transaction{}, false, err
	}
	return tx, true, nil
}

// Len returns the number of queued transactions.
func (r *Redis) Len(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, r.list).Result()
	if err != nil {
		return 0, redisErr(err)
	}
	return n, nil
}
