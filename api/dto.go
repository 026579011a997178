/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Monetary values travel as decimal strings in minor units ("1000", "49.5"
  is rejected upstream by the engine only if non-positive; the wire keeps
  whatever precision the caller sent).

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/refund-engine/reconcile"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// AdmitRefundRequest is the inbound refund solicitation body.
type AdmitRefundRequest struct {
	ID             string `json:"id"`
	InfractionID   string `json:"infraction_id,omitempty"`
	Contested      bool   `json:"contested"`
	Amount         string `json:"amount"`
	Description    string `json:"description,omitempty"`
	Reason         string `json:"reason"`
	RequesterBank  string `json:"requester_bank,omitempty"`
	ResponderBank  string `json:"responder_bank,omitempty"`
	Status         string `json:"status"`
	TransactionRef string `json:"transaction_ref"`
	SolicitationID string `json:"solicitation_id"`
}

// PayoutDevolutionRequest asks for a devolution against an admitted refund.
type PayoutDevolutionRequest struct {
	ID       string `json:"id"`
	RefundID string `json:"refund_id"`
}

// SettleDevolutionRequest carries the settlement outcome.
type SettleDevolutionRequest struct {
	Outcome string `json:"outcome"` // "confirmed" or "failed"
}

// CreateTransactionRequest seeds a settled transaction.
type CreateTransactionRequest struct {
	ID          string `json:"id"`
	EndToEndID  string `json:"end_to_end_id"`
	Kind        string `json:"kind"` // "deposit" or "devolution_received"
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	UserID      string `json:"user_id"`
}

// CreateInfractionRequest seeds an adjudicated dispute. When ReservedAmount is
// set, a dispute-scoped reservation is created against the transaction so a
// later refund reuses it instead of minting a fresh one.
type CreateInfractionRequest struct {
	ID             string `json:"id"`
	ExternalID     string `json:"external_id"`
	State          string `json:"state"`
	Analysis       string `json:"analysis,omitempty"`
	TransactionRef string `json:"transaction_ref,omitempty"`
	ReservedAmount string `json:"reserved_amount,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// RefundDTO is the API view of an admitted refund.
type RefundDTO struct {
	ID             string `json:"id"`
	SolicitationID string `json:"solicitation_id"`
	InfractionID   string `json:"infraction_id,omitempty"`
	Amount         string `json:"amount"`
	Contested      bool   `json:"contested"`
	Description    string `json:"description,omitempty"`
	Reason         string `json:"reason"`
	RequesterBank  string `json:"requester_bank,omitempty"`
	ResponderBank  string `json:"responder_bank,omitempty"`
	Status         string `json:"status"`
	TransactionID  string `json:"transaction_id"`
	EndToEndID     string `json:"end_to_end_id"`
	OperationID    string `json:"operation_id"`
	CreatedAt      string `json:"created_at"`
}

// DevolutionDTO is the API view of a devolution.
type DevolutionDTO struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	OperationID   string `json:"operation_id"`
	Amount        string `json:"amount"`
	Reason        string `json:"reason"`
	State         string `json:"state"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// TransactionDTO is the API view of a settled transaction plus its
// remaining-balance summary.
type TransactionDTO struct {
	ID          string      `json:"id"`
	EndToEndID  string      `json:"end_to_end_id"`
	Kind        string      `json:"kind"`
	Amount      string      `json:"amount"`
	Returned    string      `json:"returned"`
	UserID      string      `json:"user_id"`
	OperationID string      `json:"operation_id"`
	CreatedAt   string      `json:"created_at"`
	Summary     *SummaryDTO `json:"summary,omitempty"`
}

// SummaryDTO exposes the conservation arithmetic as an auditable view.
type SummaryDTO struct {
	Amount    string `json:"amount"`
	Returned  string `json:"returned"`
	Reserved  string `json:"reserved"`
	Remaining string `json:"remaining"`
}

// InfractionDTO is the API view of a seeded infraction.
type InfractionDTO struct {
	ID           string `json:"id"`
	ExternalID   string `json:"external_id"`
	State        string `json:"state"`
	Analysis     string `json:"analysis,omitempty"`
	RefundID     string `json:"refund_id,omitempty"`
	RefundLinked bool   `json:"refund_linked"`
	CreatedAt    string `json:"created_at"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toRefundDTO(r *reconcile.Refund) RefundDTO {
	return RefundDTO{
		ID:             string(r.ID),
		SolicitationID: string(r.SolicitationID),
		InfractionID:   string(r.InfractionID),
		Amount:         r.Amount.String(),
		Contested:      r.Contested,
		Description:    r.Description,
		Reason:         string(r.Reason),
		RequesterBank:  r.RequesterBank,
		ResponderBank:  r.ResponderBank,
		Status:         string(r.Status),
		TransactionID:  string(r.TransactionID),
		EndToEndID:     string(r.EndToEndID),
		OperationID:    string(r.OperationID),
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
	}
}

func toDevolutionDTO(d *reconcile.RefundDevolution) DevolutionDTO {
	dto := DevolutionDTO{
		ID:            string(d.ID),
		TransactionID: string(d.TransactionID),
		OperationID:   string(d.OperationID),
		Amount:        d.Amount.String(),
		Reason:        string(d.Reason),
		State:         string(d.State),
		CreatedAt:     d.CreatedAt.Format(time.RFC3339),
	}
	if !d.UpdatedAt.IsZero() {
		dto.UpdatedAt = d.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

func toTransactionDTO(tx *reconcile.Transaction, s *reconcile.Summary) TransactionDTO {
	dto := TransactionDTO{
		ID:          string(tx.ID),
		EndToEndID:  string(tx.EndToEndID),
		Kind:        string(tx.Kind),
		Amount:      tx.Amount.String(),
		Returned:    tx.Returned.String(),
		UserID:      string(tx.UserID),
		OperationID: string(tx.OperationID),
		CreatedAt:   tx.CreatedAt.Format(time.RFC3339),
	}
	if s != nil {
		dto.Summary = &SummaryDTO{
			Amount:    s.Amount.String(),
			Returned:  s.Returned.String(),
			Reserved:  s.Reserved.String(),
			Remaining: s.Remaining.String(),
		}
	}
	return dto
}

func toInfractionDTO(inf *reconcile.Infraction) InfractionDTO {
	return InfractionDTO{
		ID:           string(inf.ID),
		ExternalID:   inf.ExternalID,
		State:        string(inf.State),
		Analysis:     string(inf.Analysis),
		RefundID:     string(inf.RefundID),
		RefundLinked: inf.RefundLinked,
		CreatedAt:    inf.CreatedAt.Format(time.RFC3339),
	}
}
