package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/refund-engine/pubsub"
	"github.com/warp/refund-engine/reconcile"
	"github.com/warp/refund-engine/reconcile/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T, policy reconcile.Policy) (*reconcile.Engine, *store.Memory, *pubsub.Memory) {
	t.Helper()
	mem := store.NewMemory()
	events := &pubsub.Memory{}
	engine := reconcile.NewEngine(mem, mem, events, policy)
	return engine, mem, events
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedTransaction records an original ledger operation and the settled
// transaction referencing it.
func seedTransaction(t *testing.T, mem *store.Memory, id, e2e, amount string, kind reconcile.TransactionKind) *reconcile.Transaction {
	t.Helper()
	ctx := context.Background()

	wallet, err := mem.DefaultWallet(ctx, "user-1")
	require.NoError(t, err)
	op, err := mem.CreateOperation(ctx, wallet.ID, dec(amount), "settled payment")
	require.NoError(t, err)

	tx := &reconcile.Transaction{
		ID:          reconcile.TransactionID(id),
		EndToEndID:  reconcile.EndToEndID(e2e),
		Kind:        kind,
		Amount:      dec(amount),
		Returned:    decimal.Zero,
		UserID:      "user-1",
		OperationID: op.ID,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, mem.SaveTransaction(ctx, tx))
	return tx
}

func seedDeposit(t *testing.T, mem *store.Memory, id, e2e, amount string) *reconcile.Transaction {
	t.Helper()
	return seedTransaction(t, mem, id, e2e, amount, reconcile.KindDeposit)
}

// seedInfraction records a dispute, optionally with a pre-reserved linkage of
// the given value against tx's original operation.
func seedInfraction(t *testing.T, mem *store.Memory, id, externalID string, state reconcile.InfractionState, tx *reconcile.Transaction, reserved string) *reconcile.Infraction {
	t.Helper()
	ctx := context.Background()

	inf := &reconcile.Infraction{
		ID:         reconcile.InfractionID(id),
		ExternalID: externalID,
		State:      state,
		Analysis:   reconcile.AnalysisAgreed,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, mem.SaveInfraction(ctx, inf))

	if reserved != "" {
		wallet, err := mem.DefaultWallet(ctx, tx.UserID)
		require.NoError(t, err)
		op, err := mem.CreateOperation(ctx, wallet.ID, dec(reserved), "dispute reservation")
		require.NoError(t, err)
		require.NoError(t, mem.SaveLinkage(ctx, &reconcile.OperationLinkage{
			ID:                  reconcile.LinkageID("lnk-" + id),
			InfractionID:        inf.ID,
			OriginalOperationID: tx.OperationID,
			RefundOperationID:   op.ID,
			Amount:              op.Amount,
			State:               reconcile.LinkageReserved,
			CreatedAt:           time.Now().UTC(),
		}))
	}
	return inf
}

func admitInput(id, solicitation, e2e, amount string) reconcile.AdmitRefundInput {
	return reconcile.AdmitRefundInput{
		ID:                  reconcile.RefundID(id),
		Amount:              dec(amount),
		Reason:              reconcile.ReasonOperationalFlaw,
		Status:              reconcile.RefundOpen,
		TransactionEndToEnd: reconcile.EndToEndID(e2e),
		SolicitationID:      reconcile.SolicitationID(solicitation),
	}
}

// mustAdmit seeds an admitted refund for payout tests.
func mustAdmit(t *testing.T, engine *reconcile.Engine, in reconcile.AdmitRefundInput) *reconcile.Refund {
	t.Helper()
	refund, err := engine.AdmitRefund(context.Background(), in)
	require.NoError(t, err)
	return refund
}
