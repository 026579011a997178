// Package store provides in-memory implementations of the reconcile storage
// and ledger interfaces, for testing and development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/refund-engine/reconcile"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements reconcile.TxStore and reconcile.Ledger. Entities are
// stored by value and copied in and out, so callers never alias internal
// state and WithTx rollback stays correct.
type Memory struct {
	mu           sync.RWMutex
	transactions map[reconcile.TransactionID]reconcile.Transaction
	infractions  map[reconcile.InfractionID]reconcile.Infraction
	refunds      map[reconcile.RefundID]reconcile.Refund
	devolutions  map[reconcile.DevolutionID]reconcile.RefundDevolution
	linkages     map[reconcile.LinkageID]reconcile.OperationLinkage
	operations   map[reconcile.OperationID]reconcile.Operation
	wallets      map[reconcile.WalletID]reconcile.Wallet

	bySolicitation map[reconcile.SolicitationID]reconcile.RefundID
}

func NewMemory() *Memory {
	return &Memory{
		transactions:   make(map[reconcile.TransactionID]reconcile.Transaction),
		infractions:    make(map[reconcile.InfractionID]reconcile.Infraction),
		refunds:        make(map[reconcile.RefundID]reconcile.Refund),
		devolutions:    make(map[reconcile.DevolutionID]reconcile.RefundDevolution),
		linkages:       make(map[reconcile.LinkageID]reconcile.OperationLinkage),
		operations:     make(map[reconcile.OperationID]reconcile.Operation),
		wallets:        make(map[reconcile.WalletID]reconcile.Wallet),
		bySolicitation: make(map[reconcile.SolicitationID]reconcile.RefundID),
	}
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

func (m *Memory) GetTransaction(_ context.Context, id reconcile.TransactionID) (*reconcile.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tx, ok := m.transactions[id]; ok {
		return &tx, nil
	}
	return nil, nil
}

func (m *Memory) GetDepositByEndToEnd(_ context.Context, e2e reconcile.EndToEndID) (*reconcile.Transaction, error) {
	return m.findByEndToEnd(e2e, reconcile.KindDeposit)
}

func (m *Memory) GetDevolutionReceivedByEndToEnd(_ context.Context, e2e reconcile.EndToEndID) (*reconcile.Transaction, error) {
	return m.findByEndToEnd(e2e, reconcile.KindDevolutionReceived)
}

func (m *Memory) findByEndToEnd(e2e reconcile.EndToEndID, kind reconcile.TransactionKind) (*reconcile.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tx := range m.transactions {
		if tx.EndToEndID == e2e && tx.Kind == kind {
			tx := tx
			return &tx, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveTransaction(_ context.Context, tx *reconcile.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[tx.ID] = *tx
	return nil
}

func (m *Memory) UpdateTransaction(_ context.Context, tx *reconcile.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[tx.ID] = *tx
	return nil
}

// =============================================================================
// INFRACTION STORE
// =============================================================================

func (m *Memory) GetInfractionByExternalID(_ context.Context, externalID string) (*reconcile.Infraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inf := range m.infractions {
		if inf.ExternalID == externalID {
			inf := inf
			return &inf, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveInfraction(_ context.Context, inf *reconcile.Infraction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infractions[inf.ID] = *inf
	return nil
}

func (m *Memory) UpdateInfraction(_ context.Context, inf *reconcile.Infraction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infractions[inf.ID] = *inf
	return nil
}

// =============================================================================
// REFUND STORE
// =============================================================================

func (m *Memory) GetRefund(_ context.Context, id reconcile.RefundID) (*reconcile.Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.refunds[id]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *Memory) GetRefundBySolicitation(_ context.Context, sid reconcile.SolicitationID) (*reconcile.Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.bySolicitation[sid]; ok {
		r := m.refunds[id]
		return &r, nil
	}
	return nil, nil
}

func (m *Memory) SaveRefund(_ context.Context, r *reconcile.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bySolicitation[r.SolicitationID]; ok {
		return reconcile.ErrDuplicateIdempotencyKey
	}
	m.refunds[r.ID] = *r
	m.bySolicitation[r.SolicitationID] = r.ID
	return nil
}

// =============================================================================
// DEVOLUTION STORE
// =============================================================================

func (m *Memory) GetDevolution(_ context.Context, id reconcile.DevolutionID) (*reconcile.RefundDevolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.devolutions[id]; ok {
		return &d, nil
	}
	return nil, nil
}

func (m *Memory) SaveDevolution(_ context.Context, d *reconcile.RefundDevolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devolutions[d.ID]; ok {
		return reconcile.ErrDuplicateIdempotencyKey
	}
	m.devolutions[d.ID] = *d
	return nil
}

func (m *Memory) UpdateDevolution(_ context.Context, d *reconcile.RefundDevolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devolutions[d.ID] = *d
	return nil
}

func (m *Memory) CountDevolutionsByTransaction(_ context.Context, id reconcile.TransactionID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, d := range m.devolutions {
		if d.TransactionID == id {
			count++
		}
	}
	return count, nil
}

func (m *Memory) ListDevolutionsByTransaction(_ context.Context, id reconcile.TransactionID) ([]*reconcile.RefundDevolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*reconcile.RefundDevolution
	for _, d := range m.devolutions {
		if d.TransactionID == id {
			d := d
			result = append(result, &d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// =============================================================================
// LINKAGE STORE
// =============================================================================

func (m *Memory) GetLinkage(_ context.Context, id reconcile.LinkageID) (*reconcile.OperationLinkage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.linkages[id]; ok {
		return &l, nil
	}
	return nil, nil
}

func (m *Memory) FindLinkagesByInfraction(_ context.Context, id reconcile.InfractionID) ([]*reconcile.OperationLinkage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLinkages(func(l reconcile.OperationLinkage) bool {
		return l.InfractionID == id && id != ""
	}), nil
}

func (m *Memory) FindLinkagesByOriginalOperation(_ context.Context, id reconcile.OperationID) ([]*reconcile.OperationLinkage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLinkages(func(l reconcile.OperationLinkage) bool {
		return l.OriginalOperationID == id
	}), nil
}

func (m *Memory) filterLinkages(keep func(reconcile.OperationLinkage) bool) []*reconcile.OperationLinkage {
	var result []*reconcile.OperationLinkage
	for _, l := range m.linkages {
		if keep(l) {
			l := l
			result = append(result, &l)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (m *Memory) SumReservedByOriginalOperation(_ context.Context, id reconcile.OperationID, exclude reconcile.LinkageID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := decimal.Zero
	for _, l := range m.linkages {
		if l.OriginalOperationID == id && l.State == reconcile.LinkageReserved && l.ID != exclude {
			sum = sum.Add(l.Amount)
		}
	}
	return sum, nil
}

func (m *Memory) SaveLinkage(_ context.Context, l *reconcile.OperationLinkage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkages[l.ID] = *l
	return nil
}

func (m *Memory) UpdateLinkage(_ context.Context, l *reconcile.OperationLinkage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkages[l.ID] = *l
	return nil
}

// =============================================================================
// LEDGER (local, for testing/dev)
// =============================================================================

func (m *Memory) CreateOperation(_ context.Context, wallet reconcile.WalletID, amount decimal.Decimal, description string) (*reconcile.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := reconcile.Operation{
		ID:          reconcile.OperationID(uuid.NewString()),
		WalletID:    wallet,
		Amount:      amount,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	m.operations[op.ID] = op
	return &op, nil
}

func (m *Memory) GetOperation(_ context.Context, id reconcile.OperationID) (*reconcile.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if op, ok := m.operations[id]; ok {
		return &op, nil
	}
	return nil, nil
}

// DefaultWallet returns the user's default wallet, creating one on first use.
func (m *Memory) DefaultWallet(_ context.Context, user reconcile.UserID) (*reconcile.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.wallets {
		if w.UserID == user && w.Default {
			w := w
			return &w, nil
		}
	}
	w := reconcile.Wallet{
		ID:        reconcile.WalletID(uuid.NewString()),
		UserID:    user,
		Default:   true,
		CreatedAt: time.Now().UTC(),
	}
	m.wallets[w.ID] = w
	return &w, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn against the store, restoring a snapshot on error.
// Concurrent WithTx sections are not isolated from each other; callers that
// need serialization hold their own per-transaction lock, the way the engine
// does.
func (m *Memory) WithTx(_ context.Context, fn func(reconcile.Store) error) error {
	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()

	if err := fn(&txView{parent: m}); err != nil {
		m.mu.Lock()
		m.restore(snap)
		m.mu.Unlock()
		return err
	}
	return nil
}

type memorySnapshot struct {
	transactions   map[reconcile.TransactionID]reconcile.Transaction
	infractions    map[reconcile.InfractionID]reconcile.Infraction
	refunds        map[reconcile.RefundID]reconcile.Refund
	devolutions    map[reconcile.DevolutionID]reconcile.RefundDevolution
	linkages       map[reconcile.LinkageID]reconcile.OperationLinkage
	bySolicitation map[reconcile.SolicitationID]reconcile.RefundID
}

func (m *Memory) snapshot() memorySnapshot {
	return memorySnapshot{
		transactions:   cloneMap(m.transactions),
		infractions:    cloneMap(m.infractions),
		refunds:        cloneMap(m.refunds),
		devolutions:    cloneMap(m.devolutions),
		linkages:       cloneMap(m.linkages),
		bySolicitation: cloneMap(m.bySolicitation),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.transactions = s.transactions
	m.infractions = s.infractions
	m.refunds = s.refunds
	m.devolutions = s.devolutions
	m.linkages = s.linkages
	m.bySolicitation = s.bySolicitation
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// txView delegates to the parent store. Rollback is the parent's
// snapshot/restore; writes inside fn land directly.
type txView struct {
	parent *Memory
}

func (v *txView) GetTransaction(ctx context.Context, id reconcile.TransactionID) (*reconcile.Transaction, error) {
	return v.parent.GetTransaction(ctx, id)
}
func (v *txView) GetDepositByEndToEnd(ctx context.Context, e2e reconcile.EndToEndID) (*reconcile.Transaction, error) {
	return v.parent.GetDepositByEndToEnd(ctx, e2e)
}
func (v *txView) GetDevolutionReceivedByEndToEnd(ctx context.Context, e2e reconcile.EndToEndID) (*reconcile.Transaction, error) {
	return v.parent.GetDevolutionReceivedByEndToEnd(ctx, e2e)
}
func (v *txView) SaveTransaction(ctx context.Context, tx *reconcile.Transaction) error {
	return v.parent.SaveTransaction(ctx, tx)
}
func (v *txView) UpdateTransaction(ctx context.Context, tx *reconcile.Transaction) error {
	return v.parent.UpdateTransaction(ctx, tx)
}
func (v *txView) GetInfractionByExternalID(ctx context.Context, externalID string) (*reconcile.Infraction, error) {
	return v.parent.GetInfractionByExternalID(ctx, externalID)
}
func (v *txView) SaveInfraction(ctx context.Context, inf *reconcile.Infraction) error {
	return v.parent.SaveInfraction(ctx, inf)
}
func (v *txView) UpdateInfraction(ctx context.Context, inf *reconcile.Infraction) error {
	return v.parent.UpdateInfraction(ctx, inf)
}
func (v *txView) GetRefund(ctx context.Context, id reconcile.RefundID) (*reconcile.Refund, error) {
	return v.parent.GetRefund(ctx, id)
}
func (v *txView) GetRefundBySolicitation(ctx context.Context, sid reconcile.SolicitationID) (*reconcile.Refund, error) {
	return v.parent.GetRefundBySolicitation(ctx, sid)
}
func (v *txView) SaveRefund(ctx context.Context, r *reconcile.Refund) error {
	return v.parent.SaveRefund(ctx, r)
}
func (v *txView) GetDevolution(ctx context.Context, id reconcile.DevolutionID) (*reconcile.RefundDevolution, error) {
	return v.parent.GetDevolution(ctx, id)
}
func (v *txView) SaveDevolution(ctx context.Context, d *reconcile.RefundDevolution) error {
	return v.parent.SaveDevolution(ctx, d)
}
func (v *txView) UpdateDevolution(ctx context.Context, d *reconcile.RefundDevolution) error {
	return v.parent.UpdateDevolution(ctx, d)
}
func (v *txView) CountDevolutionsByTransaction(ctx context.Context, id reconcile.TransactionID) (int, error) {
	return v.parent.CountDevolutionsByTransaction(ctx, id)
}
func (v *txView) ListDevolutionsByTransaction(ctx context.Context, id reconcile.TransactionID) ([]*reconcile.RefundDevolution, error) {
	return v.parent.ListDevolutionsByTransaction(ctx, id)
}
func (v *txView) GetLinkage(ctx context.Context, id reconcile.LinkageID) (*reconcile.OperationLinkage, error) {
	return v.parent.GetLinkage(ctx, id)
}
func (v *txView) FindLinkagesByInfraction(ctx context.Context, id reconcile.InfractionID) ([]*reconcile.OperationLinkage, error) {
	return v.parent.FindLinkagesByInfraction(ctx, id)
}
func (v *txView) FindLinkagesByOriginalOperation(ctx context.Context, id reconcile.OperationID) ([]*reconcile.OperationLinkage, error) {
	return v.parent.FindLinkagesByOriginalOperation(ctx, id)
}
func (v *txView) SumReservedByOriginalOperation(ctx context.Context, id reconcile.OperationID, exclude reconcile.LinkageID) (decimal.Decimal, error) {
	return v.parent.SumReservedByOriginalOperation(ctx, id, exclude)
}
func (v *txView) SaveLinkage(ctx context.Context, l *reconcile.OperationLinkage) error {
	return v.parent.SaveLinkage(ctx, l)
}
func (v *txView) UpdateLinkage(ctx context.Context, l *reconcile.OperationLinkage) error {
	return v.parent.UpdateLinkage(ctx, l)
}
