/*
intake.go - Refund Intake

PURPOSE:
  Admits an inbound refund solicitation: validates it against a previously
  settled transaction and (optionally) an adjudicated dispute, reserves ledger
  capacity for the future payout, and persists the refund. Intake only
  reserves; it never moves money.

CONTROL FLOW:
  1. Required-field check
  2. Idempotency lookup by solicitation id (redelivery returns the stored refund)
  3. Admission guard: only freshly opened solicitations pass
  4. Resolve the settled transaction by end-to-end id
  5. Optional infraction load + closed-confirmed guard
  6. Resolve the reservation (reuse dispute-scoped linkage, or mint a new one)
  7. Persist the refund as received
  8. Mark the infraction refund-linked
  9. Emit refund.received

  Steps 6-8 run inside one storage transaction. Re-running with the same
  solicitation id after step 2 is a no-op; a concurrent duplicate delivery
  loses the unique-constraint race and is answered with the winner's record.

SEE ALSO:
  - reservation.go: the two capacity-source variants
  - payout.go: realizes the reservation made here
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdmitRefundInput carries an inbound refund solicitation.
type AdmitRefundInput struct {
	ID                   RefundID
	InfractionExternalID string // optional; empty on the no-dispute path
	Contested            bool
	Amount               decimal.Decimal
	Description          string
	Reason               RefundReason
	RequesterBank        string
	ResponderBank        string
	Status               RefundStatus
	TransactionEndToEnd  EndToEndID
	SolicitationID       SolicitationID
}

// AdmitRefund admits a refund solicitation and reserves ledger capacity for
// its eventual payout. Idempotent on SolicitationID.
func (e *Engine) AdmitRefund(ctx context.Context, in AdmitRefundInput) (*Refund, error) {
	var missing []string
	if in.ID == "" {
		missing = append(missing, "id")
	}
	if !in.Amount.IsPositive() {
		missing = append(missing, "amount")
	}
	if in.TransactionEndToEnd == "" {
		missing = append(missing, "transaction_ref")
	}
	if in.SolicitationID == "" {
		missing = append(missing, "solicitation_id")
	}
	if len(missing) > 0 {
		return nil, &MissingDataError{Fields: missing}
	}

	// Redelivery of an already-admitted solicitation: return it unchanged,
	// no further side effects.
	existing, err := e.store.GetRefundBySolicitation(ctx, in.SolicitationID)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup for %s: %w", in.SolicitationID, err)
	}
	if existing != nil {
		return existing, nil
	}

	if in.Status != RefundOpen {
		return nil, &InvalidStateError{
			Entity: "refund",
			ID:     string(in.ID),
			Got:    string(in.Status),
			Want:   string(RefundOpen),
		}
	}

	tx, err := e.resolver.Resolve(ctx, in.TransactionEndToEnd)
	if err != nil {
		return nil, err
	}

	var inf *Infraction
	if in.InfractionExternalID != "" {
		inf, err = e.store.GetInfractionByExternalID(ctx, in.InfractionExternalID)
		if err != nil {
			return nil, fmt.Errorf("loading infraction %s: %w", in.InfractionExternalID, err)
		}
		if inf == nil {
			return nil, fmt.Errorf("infraction %s: %w", in.InfractionExternalID, ErrInfractionNotFound)
		}
		if inf.State != InfractionClosedConfirmed {
			return nil, &InvalidStateError{
				Entity: "infraction",
				ID:     inf.ExternalID,
				Got:    string(inf.State),
				Want:   string(InfractionClosedConfirmed),
			}
		}
	}

	res, err := e.resolveReservation(ctx, tx, inf, in.Amount)
	if err != nil {
		return nil, err
	}

	now := e.Now().UTC()
	refund := &Refund{
		ID:             in.ID,
		SolicitationID: in.SolicitationID,
		Amount:         in.Amount,
		Contested:      in.Contested,
		Description:    in.Description,
		Reason:         in.Reason,
		RequesterBank:  in.RequesterBank,
		ResponderBank:  in.ResponderBank,
		Status:         RefundReceived,
		TransactionID:  tx.ID,
		EndToEndID:     tx.EndToEndID,
		Kind:           tx.Kind,
		CreatedAt:      now,
	}
	if inf != nil {
		refund.InfractionID = inf.ID
	}

	// Materialize the reservation. The ledger call on the fresh path is an
	// external collaborator call, so it runs outside the storage transaction;
	// a later rollback leaves at worst an unused operation behind.
	var (
		linkage *OperationLinkage
		reuse   bool
	)
	switch r := res.(type) {
	case existingLinkage:
		// The dispute already reserved capacity; its pinned value is the
		// amount source for the eventual payout.
		linkage = r.linkage
		reuse = true

	case newReservation:
		op, err := e.ledger.CreateOperation(ctx, r.wallet.ID, r.amount,
			fmt.Sprintf("refund reservation for solicitation %s", in.SolicitationID))
		if err != nil {
			return nil, fmt.Errorf("creating reservation operation: %w", err)
		}
		linkage = &OperationLinkage{
			ID:                  LinkageID(uuid.NewString()),
			OriginalOperationID: tx.OperationID,
			RefundOperationID:   op.ID,
			Amount:              op.Amount,
			State:               LinkageReserved,
			CreatedAt:           now,
		}

	default:
		return nil, fmt.Errorf("unhandled reservation variant %T", res)
	}

	refund.OperationID = linkage.RefundOperationID
	refund.LinkageID = linkage.ID
	linkage.RefundID = refund.ID
	linkage.UpdatedAt = now

	err = e.store.WithTx(ctx, func(s Store) error {
		if reuse {
			if err := s.UpdateLinkage(ctx, linkage); err != nil {
				return fmt.Errorf("updating linkage %s: %w", linkage.ID, err)
			}
		} else {
			if err := s.SaveLinkage(ctx, linkage); err != nil {
				return fmt.Errorf("saving linkage: %w", err)
			}
		}

		if err := s.SaveRefund(ctx, refund); err != nil {
			return err
		}

		if inf != nil {
			inf.RefundID = refund.ID
			inf.RefundLinked = true
			inf.UpdatedAt = now
			if err := s.UpdateInfraction(ctx, inf); err != nil {
				return fmt.Errorf("marking infraction %s refund-linked: %w", inf.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		// A concurrent delivery of the same solicitation won the constraint
		// race; answer with its record.
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			if winner, lerr := e.store.GetRefundBySolicitation(ctx, in.SolicitationID); lerr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}

	e.publish(ctx, EventRefundReceived, map[string]string{
		"refund_id":       string(refund.ID),
		"solicitation_id": string(refund.SolicitationID),
		"transaction_id":  string(refund.TransactionID),
		"amount":          refund.Amount.String(),
	})

	return refund, nil
}
