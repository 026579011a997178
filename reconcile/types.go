/*
Package reconcile is the core engine for disputed instant-payment reconciliation.

PURPOSE:
  This package admits inbound refund solicitations raised against transactions
  already settled on this ledger, and later materializes the actual money-return
  ("devolution") against an admitted refund. Its central guarantee is
  conservation of funds: cumulative returns against a transaction never exceed
  what was originally received, under idempotent and possibly concurrent event
  delivery.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: an immutable settled money movement (deposit or received
    devolution), located by its end-to-end correlation id
  - Infraction: a dispute case adjudicated by an external workflow
  - Refund: a dispute-driven request to return money, keyed by solicitation id
  - RefundDevolution: the materialized money-return, always cut from a
    reservation, never from caller input
  - OperationLinkage: earmarked ledger capacity tying a transaction's original
    operation to a refund operation; the source of truth for overflow checks
  - Operation/Wallet: the accounting collaborator's records

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for all monetary values (minor units)
  2. Type Safety: strong typing for ids prevents mixing entity kinds
  3. Pinned amounts: paid amounts come from reservations, never from callers
  4. Idempotency: solicitation and devolution ids are unique correlation keys

SEE ALSO:
  - intake.go: admits refund solicitations and reserves capacity
  - payout.go: cuts devolutions against reservations
  - conservation.go: the fund-conservation arithmetic
  - store.go: persistence interfaces
*/
package reconcile

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TransactionID string
type RefundID string
type DevolutionID string
type InfractionID string
type LinkageID string
type OperationID string
type WalletID string
type UserID string

// EndToEndID is the correlation id of a settled transaction, shared across
// systems on the instant-payment rail.
type EndToEndID string

// SolicitationID is the external party's correlation key for a refund
// solicitation. It is the idempotency key for intake.
type SolicitationID string

// =============================================================================
// TRANSACTION - Immutable settled money movement
// =============================================================================

// TransactionKind distinguishes the two concrete settled-transaction kinds.
type TransactionKind string

const (
	KindDeposit            TransactionKind = "deposit"
	KindDevolutionReceived TransactionKind = "devolution_received"
)

// Transaction is a settled money movement on this ledger. It is never deleted
// and only its returned-amount bookkeeping is ever mutated, by the payout path.
type Transaction struct {
	ID          TransactionID
	EndToEndID  EndToEndID
	Kind        TransactionKind
	Amount      decimal.Decimal // original settled value, minor units
	Returned    decimal.Decimal // cumulative value already paid back
	Description string
	UserID      UserID
	OperationID OperationID // the original ledger operation
	CreatedAt   time.Time
}

// Remaining is the capacity still available for returns.
func (t *Transaction) Remaining() decimal.Decimal {
	return t.Amount.Sub(t.Returned)
}

// =============================================================================
// INFRACTION - Externally adjudicated dispute case
// =============================================================================

// InfractionState is the dispute workflow state. The dispute lifecycle runs in
// an external workflow; this engine only reads the state and marks a confirmed
// infraction as refund-linked.
type InfractionState string

const (
	InfractionOpen            InfractionState = "open"
	InfractionAcknowledged    InfractionState = "acknowledged"
	InfractionClosedConfirmed InfractionState = "closed_confirmed"
	InfractionClosedDenied    InfractionState = "closed_denied"
	InfractionCancelled       InfractionState = "cancelled"
)

// AnalysisResult is the adjudication outcome recorded on a closed infraction.
type AnalysisResult string

const (
	AnalysisAgreed    AnalysisResult = "agreed"
	AnalysisDisagreed AnalysisResult = "disagreed"
)

type Infraction struct {
	ID          InfractionID
	ExternalID  string // correlation id assigned by the dispute workflow
	State       InfractionState
	Analysis    AnalysisResult
	OperationID OperationID
	RefundID    RefundID // set once a refund is admitted against this dispute
	RefundLinked bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// OPERATION LINKAGE - Reserved ledger capacity (conservation source of truth)
// =============================================================================

// LinkageState tracks a reservation's lifecycle.
type LinkageState string

const (
	// LinkageReserved: capacity is earmarked but no money has moved.
	LinkageReserved LinkageState = "reserved"
	// LinkageConsumed: a devolution has been cut against this reservation.
	LinkageConsumed LinkageState = "consumed"
)

// OperationLinkage records that a specific amount of a transaction's original
// ledger operation has been earmarked for refund. All overflow checks sum over
// linkages, never over raw caller-supplied amounts.
type OperationLinkage struct {
	ID                 LinkageID
	InfractionID       InfractionID // empty on the no-dispute path
	RefundID           RefundID     // set when a refund takes over the reservation
	OriginalOperationID OperationID
	RefundOperationID  OperationID
	Amount             decimal.Decimal // the reserved value, pinned from the refund operation
	State              LinkageState
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// =============================================================================
// REFUND - Dispute-driven request to return money
// =============================================================================

type RefundStatus string

const (
	// RefundOpen: freshly raised by the counterparty; the only admissible status.
	RefundOpen RefundStatus = "open"
	// RefundReceived: admitted by intake; capacity is reserved.
	RefundReceived RefundStatus = "received"
	RefundCancelled RefundStatus = "cancelled"
	RefundClosed    RefundStatus = "closed"
)

// RefundReason is the counterparty's stated reason for the solicitation.
type RefundReason string

const (
	ReasonFraud           RefundReason = "fraud"
	ReasonOperationalFlaw RefundReason = "operational_flaw"
	ReasonRefundCancelled RefundReason = "refund_cancelled"
)

// Refund is an admitted solicitation. Immutable after creation except status.
type Refund struct {
	ID             RefundID
	SolicitationID SolicitationID
	InfractionID   InfractionID // empty on the no-dispute path
	Amount         decimal.Decimal
	Contested      bool
	Description    string
	Reason         RefundReason
	RequesterBank  string // ISPB of the soliciting participant
	ResponderBank  string // ISPB of this participant
	Status         RefundStatus
	TransactionID  TransactionID
	EndToEndID     EndToEndID
	Kind           TransactionKind
	OperationID    OperationID // the reserved refund operation
	LinkageID      LinkageID
	CreatedAt      time.Time
}

// =============================================================================
// REFUND DEVOLUTION - The materialized money-return
// =============================================================================

// DevolutionState is the payout lifecycle. This engine only ever produces
// PENDING; CONFIRMED and FAILED are written by the settlement handler.
type DevolutionState string

const (
	DevolutionPending   DevolutionState = "pending"
	DevolutionConfirmed DevolutionState = "confirmed"
	DevolutionFailed    DevolutionState = "failed"
)

// DevolutionReason is fixed by policy from the refund's reason, never chosen
// by the caller.
type DevolutionReason string

const (
	DevolutionReasonFraud  DevolutionReason = "fraud_refund"
	DevolutionReasonAgreed DevolutionReason = "agreed_refund"
)

// ReasonForRefund maps a refund reason to the devolution reason used on the
// wire. Fraud solicitations keep their fraud marking; everything else goes out
// as an agreed return.
func ReasonForRefund(r RefundReason) DevolutionReason {
	if r == ReasonFraud {
		return DevolutionReasonFraud
	}
	return DevolutionReasonAgreed
}

// RefundDevolution is the actual reverse money movement. Created exactly once
// per successful payout run; its amount is always the linked reservation's
// value.
type RefundDevolution struct {
	ID            DevolutionID
	UserID        UserID
	OperationID   OperationID
	TransactionID TransactionID
	Kind          TransactionKind
	Amount        decimal.Decimal
	Description   string
	Reason        DevolutionReason
	State         DevolutionState
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// =============================================================================
// LEDGER COLLABORATOR RECORDS
// =============================================================================

// Operation is an atomic monetary movement recorded by the accounting
// collaborator.
type Operation struct {
	ID        OperationID
	WalletID  WalletID
	Amount    decimal.Decimal
	Description string
	CreatedAt time.Time
}

// Wallet is an account held by the accounting collaborator.
type Wallet struct {
	ID        WalletID
	UserID    UserID
	Default   bool
	CreatedAt time.Time
}
