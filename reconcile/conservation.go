/*
conservation.go - Fund-conservation arithmetic

PURPOSE:
  Isolates the cross-entity invariant into pure functions so it stays
  unit-testable without standing up persistence.

INVARIANT:
  For any transaction T:

    sum(live reservations against T's operation) + sum(devolutions against T)
      <= T.Amount - T.Returned(initial)

  Operationally, payout realizes a reservation: the matched linkage flips to
  consumed and its value accumulates into T.Returned. So at check time the
  books balance when

    outstanding(other reserved linkages) + candidate <= T.Amount - T.Returned

  where candidate is the matched reservation's pinned value, never a
  caller-supplied number.

SEE ALSO:
  - payout.go: the only caller that mutates bookkeeping
  - types.go: OperationLinkage, Transaction
*/
package reconcile

import "github.com/shopspring/decimal"

// CheckConservation decides whether a candidate return of `candidate` may be
// cut against a transaction with `remaining` capacity, given `outstanding`
// value still reserved by other live linkages. Pure: accept is nil, reject is
// an *AmountOverflowError.
func CheckConservation(txID TransactionID, candidate, outstanding, remaining decimal.Decimal) error {
	if candidate.Add(outstanding).GreaterThan(remaining) {
		return &AmountOverflowError{
			TransactionID: txID,
			Candidate:     candidate,
			Outstanding:   outstanding,
			Remaining:     remaining,
		}
	}
	return nil
}

// Summary is the auditable remaining-balance view of a transaction: how much
// was settled, how much is earmarked, how much already went back, and what is
// still spendable.
type Summary struct {
	TransactionID TransactionID
	Amount        decimal.Decimal
	Returned      decimal.Decimal
	Reserved      decimal.Decimal // live reservations (linkages still in reserved state)
	Remaining     decimal.Decimal // Amount - Returned - Reserved
}

// Summarize computes the remaining-balance view from the transaction and its
// linkages. Consumed linkages are excluded: their value already lives in
// Returned.
func Summarize(tx *Transaction, linkages []*OperationLinkage) Summary {
	reserved := decimal.Zero
	for _, l := range linkages {
		if l.State == LinkageReserved {
			reserved = reserved.Add(l.Amount)
		}
	}
	return Summary{
		TransactionID: tx.ID,
		Amount:        tx.Amount,
		Returned:      tx.Returned,
		Reserved:      reserved,
		Remaining:     tx.Amount.Sub(tx.Returned).Sub(reserved),
	}
}
