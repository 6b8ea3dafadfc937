// Package txn defines the Transaction record processed by the engine and the
// state machine governing its status.
package txn

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	txerrors "github.com/mirkobrombin/go-txflow/v1/errors"
)

// Type classifies the value movement requested by a transaction.
type Type string

const (
	TypeTransfer   Type = "TRANSFER"
	TypePayment    Type = "PAYMENT"
	TypeWithdrawal Type = "WITHDRAWAL"
	TypeDeposit    Type = "DEPOSIT"
	TypeRefund     Type = "REFUND"
	TypeSettlement Type = "SETTLEMENT"
)

// Types lists every known transaction type.
var Types = []Type{TypeTransfer, TypePayment, TypeWithdrawal, TypeDeposit, TypeRefund, TypeSettlement}

// ParseType converts s, case-insensitively, into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown transaction type %q", txerrors.ErrValidation, s)
}

func (t Type) String() string { return string(t) }

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusReversed   Status = "REVERSED"
	StatusLocked     Status = "LOCKED"
)

// ParseStatus converts s, case-insensitively, into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown transaction status %q", s)
	}
	return st, nil
}

func (s Status) String() string { return string(s) }

// transitions holds the legal edges. Pending -> Failed is taken by the
// fallback when the engine never ran. Cancelled, Reversed and Locked are only
// reached through administrative tooling.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled, StatusLocked},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusProcessing, StatusCancelled},
	StatusCompleted:  {StatusReversed},
	StatusLocked:     {StatusPending},
	StatusCancelled:  nil,
	StatusReversed:   nil,
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the engine considers s final for one attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrIllegalTransition is returned by TransitionTo for edges outside the
// state machine.
var ErrIllegalTransition = errors.New("txn: illegal status transition")

// DefaultLargeAmount is the threshold above which a transaction is reported
// as large.
var DefaultLargeAmount = decimal.NewFromInt(1_000_000)

// Transaction is a single value-movement request identified by a
// caller-supplied idempotency key.
type Transaction struct {
	ID            string          `json:"id"`
	AccountFrom   string          `json:"account_from"`
	AccountTo     string          `json:"account_to"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Type          Type            `json:"type"`
	Status        Status          `json:"status"`
	Description   string          `json:"description,omitempty"`
	Metadata      string          `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	RetryCount    int             `json:"retry_count"`
	// Version is the optimistic-concurrency token. Zero means the record was
	// never persisted.
	Version int64 `json:"version"`
}

// New returns a Pending transaction stamped with the current time.
func New(id, from, to string, amount decimal.Decimal, currency string, typ Type) Transaction {
	now := time.Now().UTC()
	return Transaction{
		ID:          id,
		AccountFrom: from,
		AccountTo:   to,
		Amount:      amount,
		Currency:    currency,
		Type:        typ,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks the caller-supplied fields. It never mutates the record.
func (t Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: transaction id is required", txerrors.ErrValidation)
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("%w: invalid transaction amount %s", txerrors.ErrValidation, t.Amount)
	}
	if strings.TrimSpace(t.AccountFrom) == "" {
		return fmt.Errorf("%w: source account is required", txerrors.ErrValidation)
	}
	if strings.TrimSpace(t.AccountTo) == "" {
		return fmt.Errorf("%w: destination account is required", txerrors.ErrValidation)
	}
	return nil
}

// IsLarge reports whether the amount exceeds threshold.
func (t Transaction) IsLarge(threshold decimal.Decimal) bool {
	return t.Amount.GreaterThan(threshold)
}

// TransitionTo moves the transaction to next, keeping CompletedAt set if and
// only if the status is Completed.
func (t *Transaction) TransitionTo(next Status, now time.Time) error {
	if t.Status == "" {
		t.Status = StatusPending
	}
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = now
	if next == StatusCompleted {
		ts := now
		t.CompletedAt = &ts
		t.FailureReason = ""
	} else {
		t.CompletedAt = nil
	}
	return nil
}

// MarkFailed moves the transaction to Failed with reason and bumps the retry
// counter. It cannot fail: the fallback relies on it as its last step, so a
// record outside the usual edges is forced to Failed.
func (t *Transaction) MarkFailed(reason string, now time.Time) {
	if t.Status != StatusFailed {
		if err := t.TransitionTo(StatusFailed, now); err != nil {
			t.Status = StatusFailed
			t.CompletedAt = nil
		}
	}
	t.UpdatedAt = now
	t.FailureReason = reason
	t.RetryCount++
}

// Reconcile adopts the persistence fields of stored so a save issued by the
// lock holder carries the current version. RetryCount never decreases.
func (t *Transaction) Reconcile(stored Transaction) {
	t.Version = stored.Version
	if stored.RetryCount > t.RetryCount {
		t.RetryCount = stored.RetryCount
	}
	if !stored.CreatedAt.IsZero() {
		t.CreatedAt = stored.CreatedAt
	}
	t.Status = stored.Status
	t.FailureReason = stored.FailureReason
	t.CompletedAt = stored.CompletedAt
}
