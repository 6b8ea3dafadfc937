package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/mirkobrombin/go-txflow/v1/txn"
)

const defaultCachedTTL = 10 * time.Minute

// Cached wraps a Store with a ristretto cache of Completed ids, so the
// duplicate check for replayed transactions skips the backing store.
// Only Completed is cached. The engine never moves a record out of
// Completed, and a Reversed saved through this store drops the entry. A
// Reversal written by another process is seen as a duplicate until the TTL
// expires; Reversed has no outgoing edge, so no processable record is hidden.
type Cached struct {
	Store
	c   *ristretto.Cache
	ttl time.Duration
}

// CachedOption configures a Cached store.
type CachedOption func(*cachedOptions)

type cachedOptions struct {
	cfg *ristretto.Config
	ttl time.Duration
}

// WithCacheConfig applies a custom ristretto configuration.
func WithCacheConfig(cfg *ristretto.Config) CachedOption {
	return func(o *cachedOptions) {
		if cfg != nil {
			o.cfg = cfg
		}
	}
}

// WithCacheTTL sets how long a Completed entry is trusted.
func WithCacheTTL(d time.Duration) CachedOption {
	return func(o *cachedOptions) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// NewCached wraps inner.
func NewCached(inner Store, opts ...CachedOption) (*Cached, error) {
	o := cachedOptions{
		cfg: &ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     1e4,
			BufferItems: 64,
		},
		ttl: defaultCachedTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	c, err := ristretto.NewCache(o.cfg)
	if err != nil {
		return nil, fmt.Errorf("store: ristretto: %w", err)
	}
	return &Cached{Store: inner, c: c, ttl: o.ttl}, nil
}

func (s *Cached) remember(tx txn.Transaction) {
	if tx.Status == txn.StatusCompleted {
		s.c.SetWithTTL(tx.ID, struct{}{}, 1, s.ttl)
	} else {
		s.c.Del(tx.ID)
	}
	s.c.Wait()
}

// Find implements Store.Find.
func (s *Cached) Find(ctx context.Context, id string) (txn.Transaction, bool, error) {
	tx, ok, err := s.Store.Find(ctx, id)
	if err == nil && ok && tx.Status == txn.StatusCompleted {
		s.remember(tx)
	}
	return tx, ok, err
}

// ExistsWithStatus implements Store.ExistsWithStatus.
func (s *Cached) ExistsWithStatus(ctx context.Context, id string, statuses ...txn.Status) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, ctxErr(err)
	}
	if hasStatus(txn.StatusCompleted, statuses) {
		if _, hit := s.c.Get(id); hit {
			return true, nil
		}
	}
	return s.Store.ExistsWithStatus(ctx, id, statuses...)
}

// Save implements Store.Save.
func (s *Cached) Save(ctx context.Context, tx txn.Transaction) (txn.Transaction, error) {
	saved, err := s.Store.Save(ctx, tx)
	if err != nil {
		return saved, err
	}
	s.remember(saved)
	return saved, nil
}

// Close releases the cache.
func (s *Cached) Close() {
	s.c.Close()
}
