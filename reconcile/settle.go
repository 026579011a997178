/*
settle.go - Settlement callback for pending devolutions

PURPOSE:
  The downstream settlement rail reports back whether a pending devolution
  actually moved money. CONFIRMED ends the story. FAILED means the money never
  left: the returned-amount bookkeeping accumulated at payout is rolled back
  so the capacity becomes spendable again.

GUARDS:
  - Only PENDING devolutions may settle.
  - Re-reporting the same terminal outcome is a no-op (at-least-once delivery).
  - Reporting a conflicting outcome is a settlement conflict.

SEE ALSO:
  - payout.go: produces the PENDING devolutions settled here
*/
package reconcile

import (
	"context"
	"fmt"
)

// SettleDevolution applies a terminal settlement outcome to a pending
// devolution. outcome must be DevolutionConfirmed or DevolutionFailed.
func (e *Engine) SettleDevolution(ctx context.Context, id DevolutionID, outcome DevolutionState) (*RefundDevolution, error) {
	if id == "" {
		return nil, &MissingDataError{Fields: []string{"devolution_id"}}
	}
	if outcome != DevolutionConfirmed && outcome != DevolutionFailed {
		return nil, &MissingDataError{Fields: []string{"outcome"}}
	}

	d, err := e.store.GetDevolution(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading devolution %s: %w", id, err)
	}
	if d == nil {
		return nil, fmt.Errorf("devolution %s: %w", id, ErrDevolutionNotFound)
	}

	unlock := e.locks.Lock(d.TransactionID)
	defer unlock()

	// Re-read under the lock; a concurrent settlement may have landed.
	d, err = e.store.GetDevolution(ctx, id)
	if err != nil {
		return nil, err
	}

	if d.State == outcome {
		return d, nil
	}
	if d.State != DevolutionPending {
		return nil, fmt.Errorf("devolution %s is %s, cannot settle as %s: %w",
			id, d.State, outcome, ErrSettlementConflict)
	}

	now := e.Now().UTC()
	d.State = outcome
	d.UpdatedAt = now

	err = e.store.WithTx(ctx, func(s Store) error {
		if err := s.UpdateDevolution(ctx, d); err != nil {
			return err
		}
		if outcome == DevolutionFailed {
			// The money never left; restore the capacity consumed at payout.
			tx, err := s.GetTransaction(ctx, d.TransactionID)
			if err != nil {
				return err
			}
			if tx == nil {
				return fmt.Errorf("transaction %s: %w", d.TransactionID, ErrTransactionNotFound)
			}
			tx.Returned = tx.Returned.Sub(d.Amount)
			return s.UpdateTransaction(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := EventDevolutionConfirmed
	if outcome == DevolutionFailed {
		kind = EventDevolutionFailed
	}
	e.publish(ctx, kind, map[string]string{
		"devolution_id":  string(d.ID),
		"transaction_id": string(d.TransactionID),
		"amount":         d.Amount.String(),
	})

	return d, nil
}

// TransactionSummary computes the remaining-balance view for a settled
// transaction located by end-to-end id.
func (e *Engine) TransactionSummary(ctx context.Context, e2e EndToEndID) (*Transaction, Summary, error) {
	tx, err := e.resolver.Resolve(ctx, e2e)
	if err != nil {
		return nil, Summary{}, err
	}
	linkages, err := e.store.FindLinkagesByOriginalOperation(ctx, tx.OperationID)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("loading linkages for %s: %w", tx.OperationID, err)
	}
	return tx, Summarize(tx, linkages), nil
}
