/*
ledger.go - Accounting collaborator interface

PURPOSE:
  The accounting/ledger service creates and queries monetary operations. The
  engine never moves money itself; it asks this collaborator to mint the
  reservation operation on the no-dispute intake path.

  Real deployments point this at the accounting service's client. The bundled
  SQLite and memory stores implement it locally so the repo runs end to end.

SEE ALSO:
  - intake.go: calls CreateOperation when no dispute-scoped reservation exists
  - store/sqlite/sqlite.go, reconcile/store/memory.go: local implementations
*/
package reconcile

import (
	"context"

	"github.com/shopspring/decimal"
)

// Ledger creates and queries monetary operations. Calls are expected to carry
// caller-imposed timeouts via ctx; transient failures propagate to the
// invoking worker as retryable errors.
type Ledger interface {
	// CreateOperation records a monetary operation of the given value against
	// a wallet and returns it.
	CreateOperation(ctx context.Context, wallet WalletID, amount decimal.Decimal, description string) (*Operation, error)

	// GetOperation returns an operation by id, (nil, nil) when absent.
	GetOperation(ctx context.Context, id OperationID) (*Operation, error)

	// DefaultWallet resolves a user's default wallet.
	DefaultWallet(ctx context.Context, user UserID) (*Wallet, error)
}
