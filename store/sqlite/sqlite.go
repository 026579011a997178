/*
Package sqlite provides a SQLite-backed implementation of the storage and
ledger interfaces.

PURPOSE:
  Implements reconcile.TxStore and reconcile.Ledger on SQLite. In production,
  the same patterns apply to PostgreSQL - only minor SQL dialect differences.

IDEMPOTENCY ENFORCEMENT:
  The correlation keys carry UNIQUE constraints:
  - refunds.solicitation_id UNIQUE: duplicate intake deliveries collide here
  - devolutions.id PRIMARY KEY: the externally supplied devolution id
  Constraint violations surface as reconcile.ErrDuplicateIdempotencyKey so
  callers can fetch and return the already-persisted record.

KEY TABLES:
  transactions: settled deposits and received devolutions + bookkeeping
  infractions:  dispute cases mirrored from the external workflow
  refunds:      admitted solicitations
  devolutions:  materialized money-returns
  linkages:     reserved ledger capacity (conservation source of truth)
  operations:   local ledger operations
  wallets:      local ledger wallets

AMOUNTS:
  Monetary values are stored as decimal strings, never floats.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, and WAL mode for better concurrency.
  The payout critical section runs through WithTx on top of the engine's
  per-transaction lock.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - reconcile/store.go: interface definitions
  - reconcile/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/refund-engine/reconcile"
)

// Store implements reconcile.TxStore and reconcile.Ledger using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Settled transactions (deposits and received devolutions)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		end_to_end_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		returned TEXT NOT NULL DEFAULT '0',
		description TEXT,
		user_id TEXT NOT NULL,
		operation_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- One settled movement per correlation id and kind
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_e2e_kind
		ON transactions(end_to_end_id, kind);
	CREATE INDEX IF NOT EXISTS idx_transactions_operation
		ON transactions(operation_id);

	-- Dispute cases (lifecycle owned by the external workflow)
	CREATE TABLE IF NOT EXISTS infractions (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL,
		analysis TEXT,
		operation_id TEXT,
		refund_id TEXT,
		refund_linked INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Admitted refunds; solicitation_id is the intake idempotency key
	CREATE TABLE IF NOT EXISTS refunds (
		id TEXT PRIMARY KEY,
		solicitation_id TEXT NOT NULL UNIQUE,
		infraction_id TEXT,
		amount TEXT NOT NULL,
		contested INTEGER NOT NULL DEFAULT 0,
		description TEXT,
		reason TEXT,
		requester_bank TEXT,
		responder_bank TEXT,
		status TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		end_to_end_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		operation_id TEXT,
		linkage_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refunds_transaction
		ON refunds(transaction_id);

	-- Materialized money-returns; id is supplied by the caller and doubles
	-- as the idempotency key
	CREATE TABLE IF NOT EXISTS devolutions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		operation_id TEXT,
		transaction_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT,
		reason TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Rate-limit and conservation queries (hot path)
	CREATE INDEX IF NOT EXISTS idx_devolutions_transaction
		ON devolutions(transaction_id);

	-- Reserved ledger capacity
	CREATE TABLE IF NOT EXISTS linkages (
		id TEXT PRIMARY KEY,
		infraction_id TEXT,
		refund_id TEXT,
		original_operation_id TEXT NOT NULL,
		refund_operation_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_linkages_original_operation
		ON linkages(original_operation_id);
	CREATE INDEX IF NOT EXISTS idx_linkages_infraction
		ON linkages(infraction_id) WHERE infraction_id IS NOT NULL;

	-- Local ledger
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_user_default
		ON wallets(user_id) WHERE is_default = 1;
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

const transactionColumns = `id, end_to_end_id, kind, amount, returned, description, user_id, operation_id, created_at`

func (s *Store) GetTransaction(ctx context.Context, id reconcile.TransactionID) (*reconcile.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, "id = ?", string(id))
}

func (s *Store) GetDepositByEndToEnd(ctx context.Context, e2e reconcile.EndToEndID) (*reconcile.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, "end_to_end_id = ? AND kind = ?", string(e2e), string(reconcile.KindDeposit))
}

func (s *Store) GetDevolutionReceivedByEndToEnd(ctx context.Context, e2e reconcile.EndToEndID) (*reconcile.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, "end_to_end_id = ? AND kind = ?", string(e2e), string(reconcile.KindDevolutionReceived))
}

func getTransaction(ctx context.Context, db execer, where string, args ...any) (*reconcile.Transaction, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE "+where, args...)

	var (
		tx               reconcile.Transaction
		amount, returned string
		description      sql.NullString
		createdAt        string
	)
	err := row.Scan(&tx.ID, &tx.EndToEndID, &tx.Kind, &amount, &returned,
		&description, &tx.UserID, &tx.OperationID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if tx.Returned, err = parseDecimal(returned); err != nil {
		return nil, err
	}
	tx.Description = description.String
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) SaveTransaction(ctx context.Context, tx *reconcile.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveTransaction(ctx, s.db, tx)
}

func saveTransaction(ctx context.Context, db execer, tx *reconcile.Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.EndToEndID, tx.Kind, tx.Amount.String(), tx.Returned.String(),
		nullString(tx.Description), tx.UserID, tx.OperationID,
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return reconcile.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

func (s *Store) UpdateTransaction(ctx context.Context, tx *reconcile.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateTransaction(ctx, s.db, tx)
}

func updateTransaction(ctx context.Context, db execer, tx *reconcile.Transaction) error {
	_, err := db.ExecContext(ctx,
		`UPDATE transactions SET returned = ? WHERE id = ?`,
		tx.Returned.String(), tx.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return nil
}

// =============================================================================
// INFRACTION STORE
// =============================================================================

const infractionColumns = `id, external_id, state, analysis, operation_id, refund_id, refund_linked, created_at, updated_at`

func (s *Store) GetInfractionByExternalID(ctx context.Context, externalID string) (*reconcile.Infraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getInfraction(ctx, s.db, externalID)
}

func getInfraction(ctx context.Context, db execer, externalID string) (*reconcile.Infraction, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+infractionColumns+" FROM infractions WHERE external_id = ?", externalID)

	var (
		inf                  reconcile.Infraction
		analysis             sql.NullString
		operationID          sql.NullString
		refundID             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&inf.ID, &inf.ExternalID, &inf.State, &analysis,
		&operationID, &refundID, &inf.RefundLinked, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan infraction: %w", err)
	}

	inf.Analysis = reconcile.AnalysisResult(analysis.String)
	inf.OperationID = reconcile.OperationID(operationID.String)
	inf.RefundID = reconcile.RefundID(refundID.String)
	if inf.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if inf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &inf, nil
}

func (s *Store) SaveInfraction(ctx context.Context, inf *reconcile.Infraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveInfraction(ctx, s.db, inf)
}

func saveInfraction(ctx context.Context, db execer, inf *reconcile.Infraction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO infractions (`+infractionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inf.ID, inf.ExternalID, inf.State, nullString(string(inf.Analysis)),
		nullString(string(inf.OperationID)), nullString(string(inf.RefundID)),
		inf.RefundLinked, formatTime(inf.CreatedAt), formatTime(inf.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return reconcile.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to save infraction: %w", err)
	}
	return nil
}

func (s *Store) UpdateInfraction(ctx context.Context, inf *reconcile.Infraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateInfraction(ctx, s.db, inf)
}

func updateInfraction(ctx context.Context, db execer, inf *reconcile.Infraction) error {
	_, err := db.ExecContext(ctx, `
		UPDATE infractions
		SET state = ?, analysis = ?, refund_id = ?, refund_linked = ?, updated_at = ?
		WHERE id = ?`,
		inf.State, nullString(string(inf.Analysis)), nullString(string(inf.RefundID)),
		inf.RefundLinked, formatTime(inf.UpdatedAt), inf.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update infraction: %w", err)
	}
	return nil
}

// =============================================================================
// REFUND STORE
// =============================================================================

const refundColumns = `id, solicitation_id, infraction_id, amount, contested, description, reason,
	requester_bank, responder_bank, status, transaction_id, end_to_end_id, kind,
	operation_id, linkage_id, created_at`

func (s *Store) GetRefund(ctx context.Context, id reconcile.RefundID) (*reconcile.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRefund(ctx, s.db, "id = ?", string(id))
}

func (s *Store) GetRefundBySolicitation(ctx context.Context, sid reconcile.SolicitationID) (*reconcile.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRefund(ctx, s.db, "solicitation_id = ?", string(sid))
}

func getRefund(ctx context.Context, db execer, where string, args ...any) (*reconcile.Refund, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+refundColumns+" FROM refunds WHERE "+where, args...)

	var (
		r                      reconcile.Refund
		infractionID           sql.NullString
		amount                 string
		description, reason    sql.NullString
		requester, responder   sql.NullString
		operationID, linkageID sql.NullString
		createdAt              string
	)
	err := row.Scan(&r.ID, &r.SolicitationID, &infractionID, &amount, &r.Contested,
		&description, &reason, &requester, &responder, &r.Status,
		&r.TransactionID, &r.EndToEndID, &r.Kind, &operationID, &linkageID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan refund: %w", err)
	}

	r.InfractionID = reconcile.InfractionID(infractionID.String)
	if r.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	r.Description = description.String
	r.Reason = reconcile.RefundReason(reason.String)
	r.RequesterBank = requester.String
	r.ResponderBank = responder.String
	r.OperationID = reconcile.OperationID(operationID.String)
	r.LinkageID = reconcile.LinkageID(linkageID.String)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) SaveRefund(ctx context.Context, r *reconcile.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveRefund(ctx, s.db, r)
}

func saveRefund(ctx context.Context, db execer, r *reconcile.Refund) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO refunds (`+refundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SolicitationID, nullString(string(r.InfractionID)), r.Amount.String(),
		r.Contested, nullString(r.Description), nullString(string(r.Reason)),
		nullString(r.RequesterBank), nullString(r.ResponderBank), r.Status,
		r.TransactionID, r.EndToEndID, r.Kind,
		nullString(string(r.OperationID)), nullString(string(r.LinkageID)),
		formatTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return reconcile.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to save refund: %w", err)
	}
	return nil
}

// =============================================================================
// DEVOLUTION STORE
// =============================================================================

const devolutionColumns = `id, user_id, operation_id, transaction_id, kind, amount, description, reason, state, created_at, updated_at`

func (s *Store) GetDevolution(ctx context.Context, id reconcile.DevolutionID) (*reconcile.RefundDevolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDevolution(ctx, s.db, id)
}

func getDevolution(ctx context.Context, db execer, id reconcile.DevolutionID) (*reconcile.RefundDevolution, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+devolutionColumns+" FROM devolutions WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query devolution: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	d, err := scanDevolution(rows)
	if err != nil {
		return nil, err
	}
	return d, rows.Err()
}

func scanDevolution(rows *sql.Rows) (*reconcile.RefundDevolution, error) {
	var (
		d                    reconcile.RefundDevolution
		operationID          sql.NullString
		amount               string
		description          sql.NullString
		createdAt, updatedAt string
	)
	err := rows.Scan(&d.ID, &d.UserID, &operationID, &d.TransactionID, &d.Kind,
		&amount, &description, &d.Reason, &d.State, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan devolution: %w", err)
	}

	d.OperationID = reconcile.OperationID(operationID.String)
	if d.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	d.Description = description.String
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) SaveDevolution(ctx context.Context, d *reconcile.RefundDevolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveDevolution(ctx, s.db, d)
}

func saveDevolution(ctx context.Context, db execer, d *reconcile.RefundDevolution) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO devolutions (`+devolutionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, nullString(string(d.OperationID)), d.TransactionID, d.Kind,
		d.Amount.String(), nullString(d.Description), d.Reason, d.State,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return reconcile.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to save devolution: %w", err)
	}
	return nil
}

func (s *Store) UpdateDevolution(ctx context.Context, d *reconcile.RefundDevolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateDevolution(ctx, s.db, d)
}

func updateDevolution(ctx context.Context, db execer, d *reconcile.RefundDevolution) error {
	_, err := db.ExecContext(ctx,
		`UPDATE devolutions SET state = ?, updated_at = ? WHERE id = ?`,
		d.State, formatTime(d.UpdatedAt), d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update devolution: %w", err)
	}
	return nil
}

func (s *Store) CountDevolutionsByTransaction(ctx context.Context, id reconcile.TransactionID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countDevolutions(ctx, s.db, id)
}

func countDevolutions(ctx context.Context, db execer, id reconcile.TransactionID) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devolutions WHERE transaction_id = ?", id,
	).Scan(&count)
	return count, err
}

func (s *Store) ListDevolutionsByTransaction(ctx context.Context, id reconcile.TransactionID) ([]*reconcile.RefundDevolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDevolutions(ctx, s.db, id)
}

func listDevolutions(ctx context.Context, db execer, id reconcile.TransactionID) ([]*reconcile.RefundDevolution, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+devolutionColumns+" FROM devolutions WHERE transaction_id = ? ORDER BY created_at ASC, id ASC", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query devolutions: %w", err)
	}
	defer rows.Close()

	var result []*reconcile.RefundDevolution
	for rows.Next() {
		d, err := scanDevolution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// =============================================================================
// LINKAGE STORE
// =============================================================================

const linkageColumns = `id, infraction_id, refund_id, original_operation_id, refund_operation_id, amount, state, created_at, updated_at`

func (s *Store) GetLinkage(ctx context.Context, id reconcile.LinkageID) (*reconcile.OperationLinkage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return firstLinkage(queryLinkages(ctx, s.db, "id = ?", string(id)))
}

func (s *Store) FindLinkagesByInfraction(ctx context.Context, id reconcile.InfractionID) ([]*reconcile.OperationLinkage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryLinkages(ctx, s.db, "infraction_id = ?", string(id))
}

func (s *Store) FindLinkagesByOriginalOperation(ctx context.Context, id reconcile.OperationID) ([]*reconcile.OperationLinkage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryLinkages(ctx, s.db, "original_operation_id = ?", string(id))
}

func firstLinkage(linkages []*reconcile.OperationLinkage, err error) (*reconcile.OperationLinkage, error) {
	if err != nil || len(linkages) == 0 {
		return nil, err
	}
	return linkages[0], nil
}

func queryLinkages(ctx context.Context, db execer, where string, args ...any) ([]*reconcile.OperationLinkage, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+linkageColumns+" FROM linkages WHERE "+where+" ORDER BY created_at ASC, id ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query linkages: %w", err)
	}
	defer rows.Close()

	var result []*reconcile.OperationLinkage
	for rows.Next() {
		var (
			l                      reconcile.OperationLinkage
			infractionID, refundID sql.NullString
			amount                 string
			createdAt, updatedAt   string
		)
		err := rows.Scan(&l.ID, &infractionID, &refundID, &l.OriginalOperationID,
			&l.RefundOperationID, &amount, &l.State, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan linkage: %w", err)
		}
		l.InfractionID = reconcile.InfractionID(infractionID.String)
		l.RefundID = reconcile.RefundID(refundID.String)
		if l.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		result = append(result, &l)
	}
	return result, rows.Err()
}

func (s *Store) SumReservedByOriginalOperation(ctx context.Context, id reconcile.OperationID, exclude reconcile.LinkageID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumReserved(ctx, s.db, id, exclude)
}

// sumReserved sums decimal strings in Go rather than SQL so precision never
// passes through SQLite's float arithmetic.
func sumReserved(ctx context.Context, db execer, id reconcile.OperationID, exclude reconcile.LinkageID) (decimal.Decimal, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT amount FROM linkages
		WHERE original_operation_id = ? AND state = ? AND id != ?`,
		id, reconcile.LinkageReserved, exclude)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum linkages: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		d, err := parseDecimal(amount)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(d)
	}
	return sum, rows.Err()
}

func (s *Store) SaveLinkage(ctx context.Context, l *reconcile.OperationLinkage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveLinkage(ctx, s.db, l)
}

func saveLinkage(ctx context.Context, db execer, l *reconcile.OperationLinkage) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO linkages (`+linkageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, nullString(string(l.InfractionID)), nullString(string(l.RefundID)),
		l.OriginalOperationID, l.RefundOperationID, l.Amount.String(), l.State,
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save linkage: %w", err)
	}
	return nil
}

func (s *Store) UpdateLinkage(ctx context.Context, l *reconcile.OperationLinkage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateLinkage(ctx, s.db, l)
}

func updateLinkage(ctx context.Context, db execer, l *reconcile.OperationLinkage) error {
	_, err := db.ExecContext(ctx, `
		UPDATE linkages SET refund_id = ?, state = ?, updated_at = ? WHERE id = ?`,
		nullString(string(l.RefundID)), l.State, formatTime(l.UpdatedAt), l.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update linkage: %w", err)
	}
	return nil
}

// =============================================================================
// LEDGER (local)
// =============================================================================

func (s *Store) CreateOperation(ctx context.Context, wallet reconcile.WalletID, amount decimal.Decimal, description string) (*reconcile.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := &reconcile.Operation{
		ID:          reconcile.OperationID(uuid.NewString()),
		WalletID:    wallet,
		Amount:      amount,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (id, wallet_id, amount, description, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		op.ID, op.WalletID, op.Amount.String(), nullString(op.Description),
		formatTime(op.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation: %w", err)
	}
	return op, nil
}

func (s *Store) GetOperation(ctx context.Context, id reconcile.OperationID) (*reconcile.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		op          reconcile.Operation
		amount      string
		description sql.NullString
		createdAt   string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, wallet_id, amount, description, created_at FROM operations WHERE id = ?", id,
	).Scan(&op.ID, &op.WalletID, &amount, &description, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	if op.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	op.Description = description.String
	if op.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &op, nil
}

// DefaultWallet resolves the user's default wallet, creating one on first use.
func (s *Store) DefaultWallet(ctx context.Context, user reconcile.UserID) (*reconcile.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		w         reconcile.Wallet
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, is_default, created_at FROM wallets WHERE user_id = ? AND is_default = 1", user,
	).Scan(&w.ID, &w.UserID, &w.Default, &createdAt)
	if err == nil {
		if w.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		return &w, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}

	w = reconcile.Wallet{
		ID:        reconcile.WalletID(uuid.NewString()),
		UserID:    user,
		Default:   true,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, is_default, created_at)
		VALUES (?, ?, 1, ?)`,
		w.ID, w.UserID, formatTime(w.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &w, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store reconcile.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes all store calls through one *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetTransaction(ctx context.Context, id reconcile.TransactionID) (*reconcile.Transaction, error) {
	return getTransaction(ctx, ts.tx, "id = ?", string(id))
}

func (ts *txStore) GetDepositByEndToEnd(ctx context.Context, e2e reconcile.EndToEndID) (*reconcile.Transaction, error) {
	return getTransaction(ctx, ts.tx, "end_to_end_id = ? AND kind = ?", string(e2e), string(reconcile.KindDeposit))
}

func (ts *txStore) GetDevolutionReceivedByEndToEnd(ctx context.Context, e2e reconcile.EndToEndID) (*reconcile.Transaction, error) {
	return getTransaction(ctx, ts.tx, "end_to_end_id = ? AND kind = ?", string(e2e), string(reconcile.KindDevolutionReceived))
}

func (ts *txStore) SaveTransaction(ctx context.Context, tx *reconcile.Transaction) error {
	return saveTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) UpdateTransaction(ctx context.Context, tx *reconcile.Transaction) error {
	return updateTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) GetInfractionByExternalID(ctx context.Context, externalID string) (*reconcile.Infraction, error) {
	return getInfraction(ctx, ts.tx, externalID)
}

func (ts *txStore) SaveInfraction(ctx context.Context, inf *reconcile.Infraction) error {
	return saveInfraction(ctx, ts.tx, inf)
}

func (ts *txStore) UpdateInfraction(ctx context.Context, inf *reconcile.Infraction) error {
	return updateInfraction(ctx, ts.tx, inf)
}

func (ts *txStore) GetRefund(ctx context.Context, id reconcile.RefundID) (*reconcile.Refund, error) {
	return getRefund(ctx, ts.tx, "id = ?", string(id))
}

func (ts *txStore) GetRefundBySolicitation(ctx context.Context, sid reconcile.SolicitationID) (*reconcile.Refund, error) {
	return getRefund(ctx, ts.tx, "solicitation_id = ?", string(sid))
}

func (ts *txStore) SaveRefund(ctx context.Context, r *reconcile.Refund) error {
	return saveRefund(ctx, ts.tx, r)
}

func (ts *txStore) GetDevolution(ctx context.Context, id reconcile.DevolutionID) (*reconcile.RefundDevolution, error) {
	return getDevolution(ctx, ts.tx, id)
}

func (ts *txStore) SaveDevolution(ctx context.Context, d *reconcile.RefundDevolution) error {
	return saveDevolution(ctx, ts.tx, d)
}

func (ts *txStore) UpdateDevolution(ctx context.Context, d *reconcile.RefundDevolution) error {
	return updateDevolution(ctx, ts.tx, d)
}

func (ts *txStore) CountDevolutionsByTransaction(ctx context.Context, id reconcile.TransactionID) (int, error) {
	return countDevolutions(ctx, ts.tx, id)
}

func (ts *txStore) ListDevolutionsByTransaction(ctx context.Context, id reconcile.TransactionID) ([]*reconcile.RefundDevolution, error) {
	return listDevolutions(ctx, ts.tx, id)
}

func (ts *txStore) GetLinkage(ctx context.Context, id reconcile.LinkageID) (*reconcile.OperationLinkage, error) {
	return firstLinkage(queryLinkages(ctx, ts.tx, "id = ?", string(id)))
}

func (ts *txStore) FindLinkagesByInfraction(ctx context.Context, id reconcile.InfractionID) ([]*reconcile.OperationLinkage, error) {
	return queryLinkages(ctx, ts.tx, "infraction_id = ?", string(id))
}

func (ts *txStore) FindLinkagesByOriginalOperation(ctx context.Context, id reconcile.OperationID) ([]*reconcile.OperationLinkage, error) {
	return queryLinkages(ctx, ts.tx, "original_operation_id = ?", string(id))
}

func (ts *txStore) SumReservedByOriginalOperation(ctx context.Context, id reconcile.OperationID, exclude reconcile.LinkageID) (decimal.Decimal, error) {
	return sumReserved(ctx, ts.tx, id, exclude)
}

func (ts *txStore) SaveLinkage(ctx context.Context, l *reconcile.OperationLinkage) error {
	return saveLinkage(ctx, ts.tx, l)
}

func (ts *txStore) UpdateLinkage(ctx context.Context, l *reconcile.OperationLinkage) error {
	return updateLinkage(ctx, ts.tx, l)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid stored decimal %q: %w", s, err)
	}
	return d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
