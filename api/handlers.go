/*
handlers.go - HTTP API handlers for the refund reconciliation engine

PURPOSE:
  Exposes the reconciliation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Refunds:
    POST   /api/refunds                      Admit a refund solicitation
    GET    /api/refunds/{id}                 Get an admitted refund

  Devolutions:
    POST   /api/devolutions                  Pay out a devolution
    POST   /api/devolutions/{id}/settle      Record the settlement outcome
    GET    /api/devolutions/{id}             Get a devolution

  Transactions:
    GET    /api/transactions/{e2eid}             Transaction + balance summary
    GET    /api/transactions/{e2eid}/devolutions Devolutions cut against it
    POST   /api/transactions                     Seed a settled transaction

  Infractions:
    POST   /api/infractions                  Seed an adjudicated dispute

  Health:
    GET    /api/health

ERROR HANDLING:
  Domain errors map to HTTP status by class:
  - 400: Missing or malformed input
  - 404: Referenced record not found
  - 409: Concurrency and settlement conflicts
  - 422: State preconditions and business limits (overflow, rate, window)
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - reconcile/errors.go: The error taxonomy being mapped here
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/refund-engine/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *reconcile.Engine
	Store  reconcile.TxStore
	Ledger reconcile.Ledger

	resolver *reconcile.TransactionResolver
}

// NewHandler creates a new handler over the engine and its backing store.
func NewHandler(engine *reconcile.Engine, store reconcile.TxStore, ledger reconcile.Ledger) *Handler {
	return &Handler{
		Engine:   engine,
		Store:    store,
		Ledger:   ledger,
		resolver: reconcile.NewTransactionResolver(store),
	}
}

// =============================================================================
// REFUND HANDLERS
// =============================================================================

// AdmitRefund admits an inbound refund solicitation.
// POST /api/refunds
func (h *Handler) AdmitRefund(w http.ResponseWriter, r *http.Request) {
	var req AdmitRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	refund, err := h.Engine.AdmitRefund(r.Context(), reconcile.AdmitRefundInput{
		ID:                   reconcile.RefundID(req.ID),
		InfractionExternalID: req.InfractionID,
		Contested:            req.Contested,
		Amount:               amount,
		Description:          req.Description,
		Reason:               reconcile.RefundReason(req.Reason),
		RequesterBank:        req.RequesterBank,
		ResponderBank:        req.ResponderBank,
		Status:               reconcile.RefundStatus(req.Status),
		TransactionEndToEnd:  reconcile.EndToEndID(req.TransactionRef),
		SolicitationID:       reconcile.SolicitationID(req.SolicitationID),
	})
	if err != nil {
		writeDomainError(w, "Failed to admit refund", err)
		return
	}

	writeJSON(w, http.StatusOK, toRefundDTO(refund))
}

// GetRefund returns an admitted refund.
// GET /api/refunds/{id}
func (h *Handler) GetRefund(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	refund, err := h.Store.GetRefund(r.Context(), reconcile.RefundID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get refund", err)
		return
	}
	if refund == nil {
		writeError(w, http.StatusNotFound, "Refund not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toRefundDTO(refund))
}

// =============================================================================
// DEVOLUTION HANDLERS
// =============================================================================

// PayoutDevolution cuts a devolution against an admitted refund.
// POST /api/devolutions
func (h *Handler) PayoutDevolution(w http.ResponseWriter, r *http.Request) {
	var req PayoutDevolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	dev, err := h.Engine.PayoutDevolution(r.Context(),
		reconcile.DevolutionID(req.ID), reconcile.RefundID(req.RefundID))
	if err != nil {
		writeDomainError(w, "Failed to pay out devolution", err)
		return
	}

	writeJSON(w, http.StatusOK, toDevolutionDTO(dev))
}

// SettleDevolution records the settlement outcome of a pending devolution.
// POST /api/devolutions/{id}/settle
func (h *Handler) SettleDevolution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SettleDevolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	dev, err := h.Engine.SettleDevolution(r.Context(),
		reconcile.DevolutionID(id), reconcile.DevolutionState(req.Outcome))
	if err != nil {
		writeDomainError(w, "Failed to settle devolution", err)
		return
	}

	writeJSON(w, http.StatusOK, toDevolutionDTO(dev))
}

// GetDevolution returns a devolution.
// GET /api/devolutions/{id}
func (h *Handler) GetDevolution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := h.Store.GetDevolution(r.Context(), reconcile.DevolutionID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get devolution", err)
		return
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "Devolution not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toDevolutionDTO(dev))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// GetTransaction returns a settled transaction with its balance summary.
// GET /api/transactions/{e2eid}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	e2e := chi.URLParam(r, "e2eid")

	tx, summary, err := h.Engine.TransactionSummary(r.Context(), reconcile.EndToEndID(e2e))
	if err != nil {
		writeDomainError(w, "Failed to get transaction", err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionDTO(tx, &summary))
}

// ListTransactionDevolutions returns the devolutions cut against a transaction.
// GET /api/transactions/{e2eid}/devolutions
func (h *Handler) ListTransactionDevolutions(w http.ResponseWriter, r *http.Request) {
	e2e := chi.URLParam(r, "e2eid")

	tx, err := h.resolver.Resolve(r.Context(), reconcile.EndToEndID(e2e))
	if err != nil {
		writeDomainError(w, "Failed to resolve transaction", err)
		return
	}

	devs, err := h.Store.ListDevolutionsByTransaction(r.Context(), tx.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list devolutions", err)
		return
	}

	dtos := make([]DevolutionDTO, len(devs))
	for i, d := range devs {
		dtos[i] = toDevolutionDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTransaction seeds a settled transaction so refunds can be raised
// against it.
// POST /api/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.EndToEndID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "id, end_to_end_id and user_id are required", nil)
		return
	}

	kind := reconcile.TransactionKind(req.Kind)
	if kind != reconcile.KindDeposit && kind != reconcile.KindDevolutionReceived {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("kind must be %q or %q", reconcile.KindDeposit, reconcile.KindDevolutionReceived), nil)
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	ctx := r.Context()

	// Record the original movement in the ledger so the conservation checks
	// have an operation to link against.
	wallet, err := h.Ledger.DefaultWallet(ctx, reconcile.UserID(req.UserID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve wallet", err)
		return
	}
	op, err := h.Ledger.CreateOperation(ctx, wallet.ID, amount, req.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record operation", err)
		return
	}

	tx := &reconcile.Transaction{
		ID:          reconcile.TransactionID(req.ID),
		EndToEndID:  reconcile.EndToEndID(req.EndToEndID),
		Kind:        kind,
		Amount:      amount,
		Returned:    decimal.Zero,
		Description: req.Description,
		UserID:      reconcile.UserID(req.UserID),
		OperationID: op.ID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.SaveTransaction(ctx, tx); err != nil {
		if errors.Is(err, reconcile.ErrDuplicateIdempotencyKey) {
			writeError(w, http.StatusConflict, "Transaction already exists", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to save transaction", err)
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionDTO(tx, nil))
}

// =============================================================================
// INFRACTION HANDLERS
// =============================================================================

// CreateInfraction seeds an adjudicated dispute, optionally reserving capacity
// against the disputed transaction.
// POST /api/infractions
func (h *Handler) CreateInfraction(w http.ResponseWriter, r *http.Request) {
	var req CreateInfractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "id and external_id are required", nil)
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	inf := &reconcile.Infraction{
		ID:         reconcile.InfractionID(req.ID),
		ExternalID: req.ExternalID,
		State:      reconcile.InfractionState(req.State),
		Analysis:   reconcile.AnalysisResult(req.Analysis),
		CreatedAt:  now,
	}

	// Resolve collaborators before opening the storage transaction: the
	// ledger and the lookup path must not run inside it.
	var linkage *reconcile.OperationLinkage
	if req.ReservedAmount != "" {
		// The dispute workflow reserved capacity while the case was open;
		// model that as a linkage the eventual refund will take over.
		amount, err := parseAmount(req.ReservedAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid reserved_amount", err)
			return
		}
		tx, err := h.resolver.Resolve(ctx, reconcile.EndToEndID(req.TransactionRef))
		if err != nil {
			writeDomainError(w, "Failed to resolve transaction", err)
			return
		}
		wallet, err := h.Ledger.DefaultWallet(ctx, tx.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to resolve wallet", err)
			return
		}
		op, err := h.Ledger.CreateOperation(ctx, wallet.ID, amount,
			fmt.Sprintf("dispute reservation for infraction %s", inf.ExternalID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to record operation", err)
			return
		}
		inf.OperationID = tx.OperationID
		linkage = &reconcile.OperationLinkage{
			ID:                  reconcile.LinkageID(uuid.NewString()),
			InfractionID:        inf.ID,
			OriginalOperationID: tx.OperationID,
			RefundOperationID:   op.ID,
			Amount:              op.Amount,
			State:               reconcile.LinkageReserved,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
	}

	err := h.Store.WithTx(ctx, func(s reconcile.Store) error {
		if err := s.SaveInfraction(ctx, inf); err != nil {
			return err
		}
		if linkage == nil {
			return nil
		}
		return s.SaveLinkage(ctx, linkage)
	})
	if err != nil {
		if errors.Is(err, reconcile.ErrDuplicateIdempotencyKey) {
			writeError(w, http.StatusConflict, "Infraction already exists", err)
			return
		}
		writeDomainError(w, "Failed to create infraction", err)
		return
	}

	writeJSON(w, http.StatusCreated, toInfractionDTO(inf))
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports liveness.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	return decimal.NewFromString(s)
}

// writeDomainError maps the engine's error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, reconcile.ErrMissingData):
		writeError(w, http.StatusBadRequest, message, err)
	case reconcile.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, reconcile.ErrDuplicateIdempotencyKey),
		errors.Is(err, reconcile.ErrSettlementConflict),
		errors.Is(err, reconcile.ErrConcurrentModification):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, reconcile.ErrInvalidState),
		errors.Is(err, reconcile.ErrInfractionInvalidState),
		reconcile.IsBusinessLimit(err):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
