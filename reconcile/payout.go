/*
payout.go - Devolution Payout

PURPOSE:
  Given an admitted refund, materializes the actual money-return. This is the
  only code that mutates a transaction's returned-amount bookkeeping, and the
  only code that may consume a reservation.

CONTROL FLOW:
  1. Required-field check on both ids
  2. Idempotency lookup by devolution id
  3. Load the refund
  4. Resolve the settled transaction by end-to-end id
  5. Time-window check against the refund's creation
  6. Basic bound: requested amount must not exceed the transaction value
  7. Rate limit: devolution count per transaction
  8. Conservation check over the reservations
  9. Persist the devolution, PENDING
 10. Consume the reservation and accumulate returned-amount bookkeeping
 11. Emit devolution.pending

CRITICAL SECTION:
  Steps 2 and 5-10 run under the per-transaction lock, and the writes of 9-10
  inside one storage transaction. The resolve of step 4 only identifies which
  transaction to lock; the transaction itself is re-read inside the lock, so
  the checks never run against bookkeeping another payout has since moved.
  Two concurrent payouts against the same transaction therefore serialize:
  the second sees the first's bookkeeping.
  The devolution id's uniqueness constraint backstops duplicate delivery.

  The devolution amount is ALWAYS the matched reservation's pinned value,
  never the caller's number. Amounts are pinned at reservation time and merely
  realized here.

SEE ALSO:
  - conservation.go: the accept/reject arithmetic
  - settle.go: the PENDING -> CONFIRMED|FAILED transition
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
)

// PayoutDevolution cuts the money-return for an admitted refund. Idempotent
// on devolutionID. PENDING is final from this engine's point of view; the
// settlement handler owns the terminal transition.
func (e *Engine) PayoutDevolution(ctx context.Context, devolutionID DevolutionID, refundID RefundID) (*RefundDevolution, error) {
	var missing []string
	if devolutionID == "" {
		missing = append(missing, "devolution_id")
	}
	if refundID == "" {
		missing = append(missing, "refund_id")
	}
	if len(missing) > 0 {
		return nil, &MissingDataError{Fields: missing}
	}

	existing, err := e.store.GetDevolution(ctx, devolutionID)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup for %s: %w", devolutionID, err)
	}
	if existing != nil {
		return existing, nil
	}

	refund, err := e.store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, fmt.Errorf("loading refund %s: %w", refundID, err)
	}
	if refund == nil {
		return nil, fmt.Errorf("refund %s: %w", refundID, ErrRefundNotFound)
	}

	tx, err := e.resolver.Resolve(ctx, refund.EndToEndID)
	if err != nil {
		return nil, err
	}

	txID := tx.ID
	unlock := e.locks.Lock(txID)
	defer unlock()

	// Re-check under the lock: a concurrent delivery may have won.
	existing, err = e.store.GetDevolution(ctx, devolutionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	// Re-read the transaction under the lock too. The resolve above ran
	// before the critical section; a payout that committed in between has
	// already moved the bookkeeping this check-and-write depends on.
	tx, err = e.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("reloading transaction %s: %w", txID, err)
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction %s: %w", txID, ErrTransactionNotFound)
	}

	now := e.Now().UTC()

	deadline := refund.CreatedAt.AddDate(0, 0, e.policy.DevolutionWindowDays)
	if deadline.Before(now) {
		return nil, &ExpiredDevolutionError{
			RefundID:  refund.ID,
			CreatedAt: refund.CreatedAt,
			Deadline:  deadline,
		}
	}

	if refund.Amount.GreaterThan(tx.Amount) {
		return nil, &AmountOverflowError{
			TransactionID: tx.ID,
			Candidate:     refund.Amount,
			Remaining:     tx.Amount,
		}
	}

	count, err := e.store.CountDevolutionsByTransaction(ctx, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("counting devolutions for %s: %w", tx.ID, err)
	}
	if count >= e.policy.MaxDevolutions {
		return nil, fmt.Errorf("transaction %s already has %d devolutions: %w",
			tx.ID, count, ErrDevolutionMaxNumber)
	}

	linkage, err := e.store.GetLinkage(ctx, refund.LinkageID)
	if err != nil {
		return nil, fmt.Errorf("loading linkage %s: %w", refund.LinkageID, err)
	}
	if linkage == nil {
		return nil, fmt.Errorf("refund %s has no reservation: %w", refund.ID, ErrAmountOverflow)
	}
	// A reservation may be realized at most once.
	if linkage.State != LinkageReserved {
		return nil, &InvalidStateError{
			Entity: "reservation",
			ID:     string(linkage.ID),
			Got:    string(linkage.State),
			Want:   string(LinkageReserved),
		}
	}

	// The candidate is the reservation's pinned value. Other live
	// reservations still count against the remaining capacity.
	outstanding, err := e.store.SumReservedByOriginalOperation(ctx, tx.OperationID, linkage.ID)
	if err != nil {
		return nil, fmt.Errorf("summing reservations for operation %s: %w", tx.OperationID, err)
	}
	if err := CheckConservation(tx.ID, linkage.Amount, outstanding, tx.Remaining()); err != nil {
		return nil, err
	}

	devolution := &RefundDevolution{
		ID:            devolutionID,
		UserID:        tx.UserID,
		OperationID:   linkage.RefundOperationID,
		TransactionID: tx.ID,
		Kind:          refund.Kind,
		Amount:        linkage.Amount,
		Description:   fmt.Sprintf("devolution for refund %s", refund.ID),
		Reason:        ReasonForRefund(refund.Reason),
		State:         DevolutionPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = e.store.WithTx(ctx, func(s Store) error {
		if err := s.SaveDevolution(ctx, devolution); err != nil {
			return err
		}

		linkage.State = LinkageConsumed
		linkage.UpdatedAt = now
		if err := s.UpdateLinkage(ctx, linkage); err != nil {
			return fmt.Errorf("consuming linkage %s: %w", linkage.ID, err)
		}

		tx.Returned = tx.Returned.Add(devolution.Amount)
		if err := s.UpdateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("updating bookkeeping for %s: %w", tx.ID, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			if winner, lerr := e.store.GetDevolution(ctx, devolutionID); lerr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}

	e.publish(ctx, EventDevolutionPending, map[string]string{
		"devolution_id":  string(devolution.ID),
		"refund_id":      string(refund.ID),
		"transaction_id": string(tx.ID),
		"amount":         devolution.Amount.String(),
		"reason":         string(devolution.Reason),
	})

	return devolution, nil
}
