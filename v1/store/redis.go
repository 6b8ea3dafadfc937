package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	txerrors "github.com/mirkobrombin/go-txflow/v1/errors"
	"github.com/mirkobrombin/go-txflow/v1/txn"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisPrefix    = "txflow:txn:"
)

// Redis implements Store with one JSON document per transaction. Failed ids
// are indexed in a set so retry sweeps do not scan the keyspace. Saves run
// under WATCH so that concurrent writers surface as version conflicts.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(p string) RedisOption {
	return func(r *Redis) {
		if p != "" {
			r.prefix = p
		}
	}
}

// NewRedis returns a new Redis store using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultRedisPrefix, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(id string) string { return r.prefix + id }
func (r *Redis) failedKey() string    { return r.prefix + "failed" }

func redisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return txerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return txerrors.ErrConnectionClosed
	}
	return err
}

func decode(data []byte) (txn.Transaction, error) {
	var tx txn.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return txn.Transaction{}, fmt.Errorf("store: decode transaction: %w", err)
	}
	return tx, nil
}

// Find implements Store.Find.
func (r *Redis) Find(ctx context.Context, id string) (txn.Transaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return txn.Transaction{}, false, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(cctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return txn.Transaction{}, false, nil
	}
	if err != nil {
		return txn.Transaction{}, false, redisErr(err)
	}
	tx, err := decode(data)
	if err != nil {
		return txn.Transaction{}, false, err
	}
	return tx, true, nil
}

// ExistsWithStatus implements Store.ExistsWithStatus.
func (r *Redis) ExistsWithStatus(ctx context.Context, id string, statuses ...txn.Status) (bool, error) {
	tx, ok, err := r.Find(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	return hasStatus(tx.Status, statuses), nil
}

// Save implements Store.Save.
func (r *Redis) Save(ctx context.Context, tx txn.Transaction) (txn.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return tx, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	key := r.key(tx.ID)
	next := tx
	next.Version++
	data, err := json.Marshal(next)
	if err != nil {
		return tx, err
	}

	err = r.client.Watch(cctx, func(rtx *redis.Tx) error {
		var stored int64
		cur, err := rtx.Get(cctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			prev, err := decode(cur)
			if err != nil {
				return err
			}
			stored = prev.Version
		}
		if stored != tx.Version {
			return conflict(tx.ID, tx.Version, stored)
		}
		_, err = rtx.TxPipelined(cctx, func(pipe redis.Pipeliner) error {
			pipe.Set(cctx, key, data, 0)
			if next.Status == txn.StatusFailed {
				pipe.SAdd(cctx, r.failedKey(), tx.ID)
			} else {
				pipe.SRem(cctx, r.failedKey(), tx.ID)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		if stdErrors.Is(err, redis.TxFailedErr) {
			return tx, fmt.Errorf("%w: transaction %s modified concurrently", txerrors.ErrStoreConflict, tx.ID)
		}
		return tx, redisErr(err)
	}
	return next, nil
}

// FindPendingForRetry implements Store.FindPendingForRetry.
func (r *Redis) FindPendingForRetry(ctx context.Context, maxRetries int) ([]txn.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ids, err := r.client.SMembers(cctx, r.failedKey()).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(cctx, keys...).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	var out []txn.Transaction
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		tx, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		if tx.Status == txn.StatusFailed && tx.RetryCount < maxRetries {
			out = append(out, tx)
		}
	}
	sortByUpdate(out)
	return out, nil
}
