/*
reservation.go - Where refund money comes from

PURPOSE:
  Intake must decide between two money-creation paths: reuse a reservation
  already made for the dispute, or mint a fresh one against the requester's
  wallet. The two paths are modeled as a closed sum type so every consumer
  handles both exhaustively and the audit trail shows which path ran.

VARIANTS:
  existingLinkage  a dispute-scoped reservation exists; its pinned value is
                   the amount source
  newReservation   no reservation exists (the no-dispute, block-account path);
                   a new operation and linkage must be created

SEE ALSO:
  - intake.go: resolves and applies reservations
*/
package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// reservation is the outcome of resolving a refund's capacity source.
// Closed: only the two variants below implement it.
type reservation interface {
	isReservation()
}

// existingLinkage reuses a reservation made when the infraction was raised.
type existingLinkage struct {
	linkage *OperationLinkage
}

func (existingLinkage) isReservation() {}

// newReservation mints capacity for the requested amount against the
// transaction owner's default wallet.
type newReservation struct {
	wallet *Wallet
	amount decimal.Decimal
}

func (newReservation) isReservation() {}

// resolveReservation picks the capacity source for an admission. With a
// confirmed infraction whose reservation is still live against this
// transaction's original operation, the first (oldest) such linkage wins;
// otherwise the block-account path resolves the owner's default wallet.
// Consumed linkages never qualify: their value was already realized.
func (e *Engine) resolveReservation(ctx context.Context, tx *Transaction, inf *Infraction, amount decimal.Decimal) (reservation, error) {
	if inf != nil {
		linkages, err := e.store.FindLinkagesByInfraction(ctx, inf.ID)
		if err != nil {
			return nil, fmt.Errorf("loading reservations for infraction %s: %w", inf.ID, err)
		}
		for _, l := range linkages {
			if l.State == LinkageReserved && l.OriginalOperationID == tx.OperationID {
				return existingLinkage{linkage: l}, nil
			}
		}
	}

	wallet, err := e.ledger.DefaultWallet(ctx, tx.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolving default wallet for user %s: %w", tx.UserID, err)
	}
	return newReservation{wallet: wallet, amount: amount}, nil
}
