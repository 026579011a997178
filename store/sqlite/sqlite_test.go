package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/refund-engine/reconcile"
	"github.com/warp/refund-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testTransaction(id, e2e string) *reconcile.Transaction {
	return &reconcile.Transaction{
		ID:          reconcile.TransactionID(id),
		EndToEndID:  reconcile.EndToEndID(e2e),
		Kind:        reconcile.KindDeposit,
		Amount:      dec("300"),
		Returned:    decimal.Zero,
		UserID:      "user-1",
		OperationID: reconcile.OperationID("op-" + id),
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testRefund(id, solicitation, txID string) *reconcile.Refund {
	return &reconcile.Refund{
		ID:             reconcile.RefundID(id),
		SolicitationID: reconcile.SolicitationID(solicitation),
		Amount:         dec("100"),
		Reason:         reconcile.ReasonOperationalFlaw,
		Status:         reconcile.RefundReceived,
		TransactionID:  reconcile.TransactionID(txID),
		EndToEndID:     "E2E001",
		Kind:           reconcile.KindDeposit,
		OperationID:    "op-refund",
		LinkageID:      "lnk-1",
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_TransactionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx := testTransaction("tx-1", "E2E001")
	require.NoError(t, store.SaveTransaction(ctx, tx))

	got, err := store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tx.EndToEndID, got.EndToEndID)
	assert.True(t, got.Amount.Equal(dec("300")))
	assert.Equal(t, tx.UserID, got.UserID)

	got.Returned = dec("50")
	require.NoError(t, store.UpdateTransaction(ctx, got))
	again, err := store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, again.Returned.Equal(dec("50")))
}

func TestStore_LookupByEndToEndRespectsKind(t *testing.T) {
	// GIVEN: A deposit and a received devolution sharing an end-to-end id
	// WHEN: Looking each kind up
	// THEN: The kind-scoped queries do not cross

	store := newTestStore(t)
	ctx := context.Background()

	dep := testTransaction("tx-1", "E2E001")
	require.NoError(t, store.SaveTransaction(ctx, dep))
	dev := testTransaction("tx-2", "E2E001")
	dev.Kind = reconcile.KindDevolutionReceived
	dev.OperationID = "op-tx-2"
	require.NoError(t, store.SaveTransaction(ctx, dev))

	got, err := store.GetDepositByEndToEnd(ctx, "E2E001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, dep.ID, got.ID)

	got, err = store.GetDevolutionReceivedByEndToEnd(ctx, "E2E001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, dev.ID, got.ID)

	got, err = store.GetDepositByEndToEnd(ctx, "E2E404")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_DuplicateTransactionRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTransaction(ctx, testTransaction("tx-1", "E2E001")))
	err := store.SaveTransaction(ctx, testTransaction("tx-1", "E2E001"))
	assert.ErrorIs(t, err, reconcile.ErrDuplicateIdempotencyKey)
}

// =============================================================================
// REFUNDS
// =============================================================================

func TestStore_RefundRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := testRefund("ref-1", "sol-1", "tx-1")
	r.InfractionID = "inf-1"
	r.Contested = true
	require.NoError(t, store.SaveRefund(ctx, r))

	got, err := store.GetRefund(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, r.SolicitationID, got.SolicitationID)
	assert.Equal(t, r.InfractionID, got.InfractionID)
	assert.True(t, got.Contested)
	assert.Equal(t, r.LinkageID, got.LinkageID)

	bySol, err := store.GetRefundBySolicitation(ctx, r.SolicitationID)
	require.NoError(t, err)
	require.NotNil(t, bySol)
	assert.Equal(t, r.ID, bySol.ID)
}

func TestStore_DuplicateSolicitationRejected(t *testing.T) {
	// The unique constraint on solicitation_id is what makes intake
	// idempotency race-safe.
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRefund(ctx, testRefund("ref-1", "sol-1", "tx-1")))
	err := store.SaveRefund(ctx, testRefund("ref-2", "sol-1", "tx-1"))
	assert.ErrorIs(t, err, reconcile.ErrDuplicateIdempotencyKey)
}

// =============================================================================
// DEVOLUTIONS
// =============================================================================

func TestStore_DevolutionRoundTripAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d := &reconcile.RefundDevolution{
			ID:            reconcile.DevolutionID(fmt.Sprintf("dev-%d", i)),
			UserID:        "user-1",
			OperationID:   reconcile.OperationID(fmt.Sprintf("op-%d", i)),
			TransactionID: "tx-1",
			Kind:          reconcile.KindDeposit,
			Amount:        dec("10"),
			Reason:        reconcile.DevolutionReasonAgreed,
			State:         reconcile.DevolutionPending,
			CreatedAt:     time.Now().UTC().Add(time.Duration(i) * time.Second),
			UpdatedAt:     time.Now().UTC(),
		}
		require.NoError(t, store.SaveDevolution(ctx, d))
	}

	count, err := store.CountDevolutionsByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	list, err := store.ListDevolutionsByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, reconcile.DevolutionID("dev-1"), list[0].ID, "ordered by creation")

	list[0].State = reconcile.DevolutionConfirmed
	require.NoError(t, store.UpdateDevolution(ctx, list[0]))
	got, err := store.GetDevolution(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.DevolutionConfirmed, got.State)
}

func TestStore_DuplicateDevolutionRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := &reconcile.RefundDevolution{
		ID:            "dev-1",
		TransactionID: "tx-1",
		Kind:          reconcile.KindDeposit,
		Amount:        dec("10"),
		Reason:        reconcile.DevolutionReasonAgreed,
		State:         reconcile.DevolutionPending,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.SaveDevolution(ctx, d))
	assert.ErrorIs(t, store.SaveDevolution(ctx, d), reconcile.ErrDuplicateIdempotencyKey)
}

// =============================================================================
// LINKAGES
// =============================================================================

func seedLinkage(t *testing.T, store *sqlite.Store, id string, amount string, state reconcile.LinkageState) {
	t.Helper()
	require.NoError(t, store.SaveLinkage(context.Background(), &reconcile.OperationLinkage{
		ID:                  reconcile.LinkageID(id),
		OriginalOperationID: "op-orig",
		RefundOperationID:   reconcile.OperationID("op-" + id),
		Amount:              dec(amount),
		State:               state,
		CreatedAt:           time.Now().UTC(),
	}))
}

func TestStore_SumReservedExcludesCandidateAndConsumed(t *testing.T) {
	// GIVEN: Reservations of 60 and 40 plus a consumed linkage of 100,
	//        all against the same original operation
	// WHEN: Summing with the 60 excluded as the candidate
	// THEN: Only the live 40 counts

	store := newTestStore(t)
	ctx := context.Background()

	seedLinkage(t, store, "l-1", "60", reconcile.LinkageReserved)
	seedLinkage(t, store, "l-2", "40", reconcile.LinkageReserved)
	seedLinkage(t, store, "l-3", "100", reconcile.LinkageConsumed)

	sum, err := store.SumReservedByOriginalOperation(ctx, "op-orig", "l-1")
	require.NoError(t, err)
	assert.True(t, sum.Equal(dec("40")))

	sum, err = store.SumReservedByOriginalOperation(ctx, "op-orig", "")
	require.NoError(t, err)
	assert.True(t, sum.Equal(dec("100")))
}

func TestStore_LinkagesByInfraction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	l := &reconcile.OperationLinkage{
		ID:                  "l-1",
		InfractionID:        "inf-1",
		OriginalOperationID: "op-orig",
		RefundOperationID:   "op-ref",
		Amount:              dec("50"),
		State:               reconcile.LinkageReserved,
		CreatedAt:           time.Now().UTC(),
	}
	require.NoError(t, store.SaveLinkage(ctx, l))

	found, err := store.FindLinkagesByInfraction(ctx, "inf-1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, l.ID, found[0].ID)

	found[0].State = reconcile.LinkageConsumed
	found[0].RefundID = "ref-1"
	require.NoError(t, store.UpdateLinkage(ctx, found[0]))
	got, err := store.GetLinkage(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.LinkageConsumed, got.State)
	assert.Equal(t, reconcile.RefundID("ref-1"), got.RefundID)
}

// =============================================================================
// INFRACTIONS
// =============================================================================

func TestStore_InfractionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inf := &reconcile.Infraction{
		ID:         "inf-1",
		ExternalID: "ext-1",
		State:      reconcile.InfractionClosedConfirmed,
		Analysis:   reconcile.AnalysisAgreed,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.SaveInfraction(ctx, inf))

	got, err := store.GetInfractionByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, inf.State, got.State)

	got.RefundID = "ref-1"
	got.RefundLinked = true
	require.NoError(t, store.UpdateInfraction(ctx, got))
	again, err := store.GetInfractionByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.True(t, again.RefundLinked)
	assert.Equal(t, reconcile.RefundID("ref-1"), again.RefundID)

	err = store.SaveInfraction(ctx, &reconcile.Infraction{ID: "inf-2", ExternalID: "ext-1", State: reconcile.InfractionOpen, CreatedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, reconcile.ErrDuplicateIdempotencyKey)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestStore_LedgerOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	w1, err := store.DefaultWallet(ctx, "user-1")
	require.NoError(t, err)
	w2, err := store.DefaultWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID, "default wallet is created once")

	op, err := store.CreateOperation(ctx, w1.ID, dec("100"), "reservation")
	require.NoError(t, err)
	got, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Amount.Equal(dec("100")))
	assert.Equal(t, w1.ID, got.WalletID)
}

// =============================================================================
// TRANSACTIONAL WRITES
// =============================================================================

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: A transactional write that fails midway
	// WHEN: The callback returns an error
	// THEN: Nothing it wrote survives

	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s reconcile.Store) error {
		if err := s.SaveRefund(ctx, testRefund("ref-1", "sol-1", "tx-1")); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	got, err := store.GetRefund(ctx, "ref-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_WithTxCommits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s reconcile.Store) error {
		return s.SaveRefund(ctx, testRefund("ref-1", "sol-1", "tx-1"))
	})
	require.NoError(t, err)

	got, err := store.GetRefund(ctx, "ref-1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

// =============================================================================
// STORED DATA INTEGRITY
// =============================================================================

func TestStore_RejectsMalformedStoredAmount(t *testing.T) {
	// GIVEN: A persisted transaction whose amount column was corrupted
	// WHEN: Reading it back through the store
	// THEN: The read fails loudly instead of reporting a zero amount

	path := filepath.Join(t.TempDir(), "refund.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	tx := testTransaction("tx-1", "E2E001")
	require.NoError(t, store.SaveTransaction(ctx, tx))

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, "UPDATE transactions SET amount = 'not-a-number' WHERE id = ?", string(tx.ID))
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = store.GetTransaction(ctx, tx.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-number")
}
