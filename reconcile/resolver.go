/*
resolver.go - Transaction resolution by correlation id

PURPOSE:
  Locates the settled transaction a refund points at. A correlation id may
  name either of the two concrete transaction kinds; deposits are searched
  first, then received devolutions, matching the rail's lookup order.

SEE ALSO:
  - intake.go, payout.go: both resolve through here
*/
package reconcile

import (
	"context"
	"fmt"
)

// TransactionResolver finds deposits and received devolutions by their
// end-to-end correlation id.
type TransactionResolver struct {
	store TransactionStore
}

func NewTransactionResolver(store TransactionStore) *TransactionResolver {
	return &TransactionResolver{store: store}
}

// Resolve returns the settled transaction for an end-to-end id, searching
// deposits then received devolutions. Absence is ErrTransactionNotFound.
func (r *TransactionResolver) Resolve(ctx context.Context, e2e EndToEndID) (*Transaction, error) {
	tx, err := r.store.GetDepositByEndToEnd(ctx, e2e)
	if err != nil {
		return nil, fmt.Errorf("resolving deposit %s: %w", e2e, err)
	}
	if tx != nil {
		return tx, nil
	}

	tx, err = r.store.GetDevolutionReceivedByEndToEnd(ctx, e2e)
	if err != nil {
		return nil, fmt.Errorf("resolving received devolution %s: %w", e2e, err)
	}
	if tx != nil {
		return tx, nil
	}

	return nil, fmt.Errorf("end-to-end id %s: %w", e2e, ErrTransactionNotFound)
}
