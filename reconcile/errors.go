/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Adapters map these onto transport-level responses.

ERROR CATEGORIES:
  1. Input validation - missing required fields; safe to retry after fixing input
  2. Not-found - referenced transaction/refund/infraction absent
  3. Invalid-state - status preconditions unmet; retry only after upstream change
  4. Business-limit - terminal rejections (window expiry, overflow, rate limit)
  5. Storage conflicts - duplicate idempotency keys, concurrent modification

  Business-limit rejections are deliberate "money cannot be returned" answers
  and must stay distinguishable from transient failures, which are retryable.

USAGE:
  if errors.Is(err, reconcile.ErrAmountOverflow) { ... }

  var missing *reconcile.MissingDataError
  if errors.As(err, &missing) { ... missing.Fields ... }

SEE ALSO:
  - intake.go, payout.go: producers of these errors
  - api/handlers.go: HTTP status mapping
*/
package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMissingData is returned when required input fields are absent.
	ErrMissingData = errors.New("missing required data")

	// ErrTransactionNotFound is returned when no settled deposit or received
	// devolution matches the given end-to-end id.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrRefundNotFound is returned when a referenced refund doesn't exist.
	ErrRefundNotFound = errors.New("refund not found")

	// ErrInfractionNotFound is returned when a referenced infraction doesn't exist.
	ErrInfractionNotFound = errors.New("infraction not found")

	// ErrDevolutionNotFound is returned when a referenced devolution doesn't exist.
	ErrDevolutionNotFound = errors.New("devolution not found")

	// ErrInvalidState is returned when a refund's status forbids the operation
	// (only freshly opened solicitations may be admitted).
	ErrInvalidState = errors.New("invalid refund state")

	// ErrInfractionInvalidState is returned when the linked infraction has not
	// been adjudicated and confirmed.
	ErrInfractionInvalidState = errors.New("infraction not closed-confirmed")

	// ErrAmountOverflow is returned when a devolution would breach the
	// conservation invariant or exceed the original transaction value.
	ErrAmountOverflow = errors.New("amount overflow")

	// ErrDevolutionMaxNumber is returned when a transaction already carries the
	// configured maximum number of devolutions.
	ErrDevolutionMaxNumber = errors.New("devolution count limit reached")

	// ErrExpiredDevolutionTime is returned when the devolution window measured
	// from the refund's creation has elapsed.
	ErrExpiredDevolutionTime = errors.New("devolution time window expired")

	// ErrDuplicateIdempotencyKey is returned by stores when a correlation key
	// (solicitation id, devolution id) already exists. Expected on redelivery.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when optimistic locking detects a
	// conflict. Retryable.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrSettlementConflict is returned when settling a devolution that is
	// already settled with a different outcome.
	ErrSettlementConflict = errors.New("devolution already settled")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MissingDataError lists the absent required fields.
type MissingDataError struct {
	Fields []string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("missing required data: %s", strings.Join(e.Fields, ", "))
}

func (e *MissingDataError) Unwrap() error { return ErrMissingData }

// AmountOverflowError details a conservation breach.
type AmountOverflowError struct {
	TransactionID TransactionID
	Candidate     decimal.Decimal
	Outstanding   decimal.Decimal // other live reservations against the same operation
	Remaining     decimal.Decimal // transaction amount minus returned
}

func (e *AmountOverflowError) Error() string {
	return fmt.Sprintf("amount overflow on transaction %s: candidate %v + outstanding %v exceeds remaining %v",
		e.TransactionID, e.Candidate, e.Outstanding, e.Remaining)
}

func (e *AmountOverflowError) Unwrap() error { return ErrAmountOverflow }

// ExpiredDevolutionError reports a devolution requested outside the window.
type ExpiredDevolutionError struct {
	RefundID  RefundID
	CreatedAt time.Time
	Deadline  time.Time
}

func (e *ExpiredDevolutionError) Error() string {
	return fmt.Sprintf("devolution window for refund %s expired at %s",
		e.RefundID, e.Deadline.Format(time.RFC3339))
}

func (e *ExpiredDevolutionError) Unwrap() error { return ErrExpiredDevolutionTime }

// InvalidStateError reports a status precondition failure.
type InvalidStateError struct {
	Entity string // "refund" or "infraction"
	ID     string
	Got    string
	Want   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s in state %q, want %q", e.Entity, e.ID, e.Got, e.Want)
}

func (e *InvalidStateError) Unwrap() error {
	if e.Entity == "infraction" {
		return ErrInfractionInvalidState
	}
	return ErrInvalidState
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry without any
// caller-side change. Transient store and collaborator failures fall through
// here as well: anything not classified below is assumed transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing referenced record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrRefundNotFound) ||
		errors.Is(err, ErrInfractionNotFound) ||
		errors.Is(err, ErrDevolutionNotFound)
}

// IsBusinessLimit returns true for terminal business rejections: money cannot
// be returned, do not retry automatically.
func IsBusinessLimit(err error) bool {
	return errors.Is(err, ErrAmountOverflow) ||
		errors.Is(err, ErrDevolutionMaxNumber) ||
		errors.Is(err, ErrExpiredDevolutionTime)
}

// IsClientError returns true if the error is due to invalid client input or a
// state precondition the client can observe.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingData) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInfractionInvalidState) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrSettlementConflict)
}
