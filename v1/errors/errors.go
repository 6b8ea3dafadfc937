// Package errors defines the error kinds shared by the txflow packages.
//
// Every error returned by the engine wraps exactly one of the sentinels
// below, so callers classify failures with errors.Is.
package errors

import (
	"context"
	"errors"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

var (
	// ErrValidation reports bad caller input. Never retried.
	ErrValidation = errors.New("txflow: validation failed")
	// ErrDuplicate reports a transaction id already Completed or Processing.
	ErrDuplicate = errors.New("txflow: duplicate transaction")
	// ErrLockAcquisition reports that the transaction lock could not be
	// obtained within the wait timeout.
	ErrLockAcquisition = errors.New("txflow: lock acquisition failed")
	// ErrStoreConflict reports an optimistic version mismatch on save.
	ErrStoreConflict = errors.New("txflow: store version conflict")
	// ErrProcessing wraps a failure of the business-logic applier.
	ErrProcessing = errors.New("txflow: transaction processing failed")
	// ErrBreakerOpen is returned when the breaker rejects a call and the
	// fallback is disabled.
	ErrBreakerOpen = errors.New("txflow: circuit breaker is open")
)

// Retryable reports whether err may succeed on a later attempt.
// Validation and duplicate errors are caller faults; cancellation means the
// caller no longer wants a result.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrDuplicate),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Permanent reports whether err must bypass both retry and fallback.
func Permanent(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrDuplicate)
}
