package queue

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-txflow/v1/txn"
)

// InMemory implements RetryQueue with a slice. Useful for tests and
// single-process deployments.
type InMemory struct {
	mu    sync.Mutex
	items []txn.Transaction
}

// NewInMemory returns an empty queue.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// Enqueue implements RetryQueue.Enqueue.
func (q *InMemory) Enqueue(ctx context.Context, tx txn.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.items = append(q.items, tx)
	q.mu.Unlock()
	return nil
}

// Len returns the number of queued transactions.
func (q *InMemory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every queued transaction in FIFO order.
func (q *InMemory) Drain() []txn.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
