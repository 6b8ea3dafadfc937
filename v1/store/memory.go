package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mirkobrombin/go-txflow/v1/txn"
)

// InMemory implements Store in process memory.
type InMemory struct {
	mu   sync.RWMutex
	recs map[string]txn.Transaction
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{recs: make(map[string]txn.Transaction)}
}

// Find implements Store.Find.
func (s *InMemory) Find(ctx context.Context, id string) (txn.Transaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return txn.Transaction{}, false, ctxErr(err)
	}
	s.mu.RLock()
	tx, ok := s.recs[id]
	s.mu.RUnlock()
	return tx, ok, nil
}

// ExistsWithStatus implements Store.ExistsWithStatus.
func (s *InMemory) ExistsWithStatus(ctx context.Context, id string, statuses ...txn.Status) (bool, error) {
	tx, ok, err := s.Find(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	return hasStatus(tx.Status, statuses), nil
}

// Save implements Store.Save.
func (s *InMemory) Save(ctx context.Context, tx txn.Transaction) (txn.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return tx, ctxErr(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[tx.ID]
	switch {
	case !ok && tx.Version != 0:
		return tx, conflict(tx.ID, tx.Version, 0)
	case ok && cur.Version != tx.Version:
		return tx, conflict(tx.ID, tx.Version, cur.Version)
	}
	tx.Version++
	s.recs[tx.ID] = tx
	return tx, nil
}

// FindPendingForRetry implements Store.FindPendingForRetry.
func (s *InMemory) FindPendingForRetry(ctx context.Context, maxRetries int) ([]txn.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}
	s.mu.RLock()
	var out []txn.Transaction
	for _, tx := range s.recs {
		if tx.Status == txn.StatusFailed && tx.RetryCount < maxRetries {
			out = append(out, tx)
		}
	}
	s.mu.RUnlock()
	sortByUpdate(out)
	return out, nil
}

// Len returns the number of stored records.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

func sortByUpdate(txs []txn.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].UpdatedAt.Equal(txs[j].UpdatedAt) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].UpdatedAt.Before(txs[j].UpdatedAt)
	})
}
