/*
store.go - Persistence interfaces for reconciliation state

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:   All entity stores in one place (the engine's unit of work)
  TxStore: Store plus WithTx for atomic multi-record writes

IDEMPOTENCY:
  Correlation keys carry a uniqueness constraint at the storage layer:
  - refunds.solicitation_id is UNIQUE
  - devolutions are keyed by their externally supplied id
  A violated constraint surfaces as ErrDuplicateIdempotencyKey so the caller
  can fetch and return the already-persisted record.

NOT-FOUND CONVENTION:
  Get* methods return (nil, nil) when no record matches. Translating absence
  into the domain's not-found errors is the engine's job, not the store's.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: durable SQLite store
  - reconcile/store/memory.go: in-memory store for testing

SEE ALSO:
  - ledger.go: the accounting collaborator interface
  - intake.go, payout.go: the only writers
*/
package reconcile

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTITY STORES
// =============================================================================

// TransactionStore persists settled transactions. Transactions are immutable
// except for returned-amount bookkeeping, which only the payout and settlement
// paths touch.
type TransactionStore interface {
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// GetDepositByEndToEnd looks up a settled deposit by correlation id.
	GetDepositByEndToEnd(ctx context.Context, e2e EndToEndID) (*Transaction, error)

	// GetDevolutionReceivedByEndToEnd looks up a settled received-devolution
	// by correlation id.
	GetDevolutionReceivedByEndToEnd(ctx context.Context, e2e EndToEndID) (*Transaction, error)

	SaveTransaction(ctx context.Context, tx *Transaction) error

	// UpdateTransaction persists bookkeeping changes (Returned).
	UpdateTransaction(ctx context.Context, tx *Transaction) error
}

// InfractionStore persists dispute cases. The dispute lifecycle itself runs
// elsewhere; this engine reads and marks refund linkage.
type InfractionStore interface {
	GetInfractionByExternalID(ctx context.Context, externalID string) (*Infraction, error)
	SaveInfraction(ctx context.Context, inf *Infraction) error
	UpdateInfraction(ctx context.Context, inf *Infraction) error
}

// RefundStore persists admitted refunds.
type RefundStore interface {
	GetRefund(ctx context.Context, id RefundID) (*Refund, error)

	// GetRefundBySolicitation is the intake idempotency lookup.
	GetRefundBySolicitation(ctx context.Context, sid SolicitationID) (*Refund, error)

	// SaveRefund persists a new refund. Returns ErrDuplicateIdempotencyKey if
	// the solicitation id already exists.
	SaveRefund(ctx context.Context, r *Refund) error
}

// DevolutionStore persists materialized money-returns.
type DevolutionStore interface {
	GetDevolution(ctx context.Context, id DevolutionID) (*RefundDevolution, error)

	// SaveDevolution persists a new devolution. Returns
	// ErrDuplicateIdempotencyKey if the id already exists.
	SaveDevolution(ctx context.Context, d *RefundDevolution) error

	// UpdateDevolution persists settlement state changes.
	UpdateDevolution(ctx context.Context, d *RefundDevolution) error

	// CountDevolutionsByTransaction counts devolutions already cut against a
	// transaction, regardless of state. Feeds the fragmentation rate limit.
	CountDevolutionsByTransaction(ctx context.Context, id TransactionID) (int, error)

	// ListDevolutionsByTransaction returns devolutions for a transaction,
	// oldest first.
	ListDevolutionsByTransaction(ctx context.Context, id TransactionID) ([]*RefundDevolution, error)
}

// LinkageStore persists reserved ledger capacity. This is the conservation
// source of truth: overflow checks sum over it.
type LinkageStore interface {
	GetLinkage(ctx context.Context, id LinkageID) (*OperationLinkage, error)

	// FindLinkagesByInfraction returns reservations made for a dispute,
	// oldest first.
	FindLinkagesByInfraction(ctx context.Context, id InfractionID) ([]*OperationLinkage, error)

	// FindLinkagesByOriginalOperation returns every reservation against a
	// transaction's original operation, oldest first.
	FindLinkagesByOriginalOperation(ctx context.Context, id OperationID) ([]*OperationLinkage, error)

	// SumReservedByOriginalOperation sums the pinned value of linkages still
	// in reserved state against an original operation, excluding the given
	// linkage id (pass "" to exclude nothing).
	SumReservedByOriginalOperation(ctx context.Context, id OperationID, exclude LinkageID) (decimal.Decimal, error)

	SaveLinkage(ctx context.Context, l *OperationLinkage) error
	UpdateLinkage(ctx context.Context, l *OperationLinkage) error
}

// =============================================================================
// AGGREGATE STORE
// =============================================================================

// Store is the engine's unit of work: every entity store behind one value.
type Store interface {
	TransactionStore
	InfractionStore
	RefundStore
	DevolutionStore
	LinkageStore
}

// TxStore wraps Store with transaction support. The payout critical section
// and intake's reserve-and-persist run inside WithTx.
type TxStore interface {
	Store

	// WithTx executes fn within a storage transaction. If fn returns an
	// error, all writes are rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
