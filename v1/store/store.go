// Package store persists transactions for the engine.
//
// Every adapter enforces the optimistic version token carried by
// txn.Transaction: a save whose Version does not match the stored record
// fails with errors.ErrStoreConflict. Version 0 means "create".
package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"slices"

	txerrors "github.com/mirkobrombin/go-txflow/v1/errors"
	"github.com/mirkobrombin/go-txflow/v1/txn"
)

// Store is the persistence contract consumed by the engine.
type Store interface {
	// Find returns the stored record for id. The bool is false when no
	// record exists.
	Find(ctx context.Context, id string) (txn.Transaction, bool, error)
	// ExistsWithStatus reports whether id is stored with one of statuses.
	ExistsWithStatus(ctx context.Context, id string, statuses ...txn.Status) (bool, error)
	// Save creates or updates tx and returns it with its new Version.
	Save(ctx context.Context, tx txn.Transaction) (txn.Transaction, error)
	// FindPendingForRetry returns Failed records whose RetryCount is below
	// maxRetries, oldest update first.
	FindPendingForRetry(ctx context.Context, maxRetries int) ([]txn.Transaction, error)
}

func conflict(id string, want, got int64) error {
	return fmt.Errorf("%w: transaction %s expected version %d, found %d", txerrors.ErrStoreConflict, id, want, got)
}

// ctxErr maps a context failure to the shared error kinds.
func ctxErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return txerrors.ErrTimeout
	}
	return err
}

func hasStatus(s txn.Status, statuses []txn.Status) bool {
	return slices.Contains(statuses, s)
}
