// Package queue hands failed transactions to a durable retry channel.
//
// The resilience fallback enqueues every transaction it gives up on. The
// consumer side lives outside this module; Redriver in the engine package
// re-drives failed records straight from the store.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mirkobrombin/go-txflow/v1/txn"
)

// RetryQueue accepts transactions for deferred reprocessing.
type RetryQueue interface {
	Enqueue(ctx context.Context, tx txn.Transaction) error
}

// DefaultTopic is the subject, topic or list name used when none is
// configured.
const DefaultTopic = "txflow.retry"

func encode(tx txn.Transaction) ([]byte, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("queue: encode transaction %s: %w", tx.ID, err)
	}
	return data, nil
}

// Decode parses a message produced by any RetryQueue in this package.
func Decode(data []byte) (txn.Transaction, error) {
	var tx txn.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return txn.Transaction{}, fmt.Errorf("queue: decode transaction: %w", err)
	}
	return tx, nil
}
