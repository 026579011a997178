package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/refund-engine/api"
	"github.com/warp/refund-engine/pubsub"
	"github.com/warp/refund-engine/reconcile"
	"github.com/warp/refund-engine/reconcile/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mem := store.NewMemory()
	engine := reconcile.NewEngine(mem, mem, &pubsub.Memory{}, reconcile.DefaultPolicy())
	handler := api.NewHandler(engine, mem, mem)
	srv := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func seedTransactionHTTP(t *testing.T, srv *httptest.Server, id, e2e, amount string) {
	t.Helper()
	resp, _ := doJSON(t, srv, http.MethodPost, "/api/transactions", api.CreateTransactionRequest{
		ID:         id,
		EndToEndID: e2e,
		Kind:       string(reconcile.KindDeposit),
		Amount:     amount,
		UserID:     "user-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func admitRefundHTTP(t *testing.T, srv *httptest.Server, id, solicitation, e2e, amount string) map[string]any {
	t.Helper()
	resp, body := doJSON(t, srv, http.MethodPost, "/api/refunds", api.AdmitRefundRequest{
		ID:             id,
		Amount:         amount,
		Reason:         string(reconcile.ReasonOperationalFlaw),
		Status:         string(reconcile.RefundOpen),
		TransactionRef: e2e,
		SolicitationID: solicitation,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "admit refund: %v", body)
	return body
}

// =============================================================================
// REFUND ENDPOINTS
// =============================================================================

func TestAPI_AdmitAndFetchRefund(t *testing.T) {
	srv := newTestServer(t)
	seedTransactionHTTP(t, srv, "tx-1", "E2E001", "900")

	body := admitRefundHTTP(t, srv, "ref-1", "sol-1", "E2E001", "100")
	assert.Equal(t, "received", body["status"])
	assert.Equal(t, "tx-1", body["transaction_id"])
	assert.NotEmpty(t, body["operation_id"])

	resp, fetched := doJSON(t, srv, http.MethodGet, "/api/refunds/ref-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sol-1", fetched["solicitation_id"])
}

func TestAPI_AdmitRefundErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	seedTransactionHTTP(t, srv, "tx-1", "E2E001", "900")

	tests := []struct {
		name   string
		req    api.AdmitRefundRequest
		status int
	}{
		{
			"missing fields",
			api.AdmitRefundRequest{Amount: "10", Status: "open"},
			http.StatusBadRequest,
		},
		{
			"unknown transaction",
			api.AdmitRefundRequest{ID: "ref-x", Amount: "10", Reason: "fraud",
				Status: "open", TransactionRef: "E2E404", SolicitationID: "sol-x"},
			http.StatusNotFound,
		},
		{
			"not open",
			api.AdmitRefundRequest{ID: "ref-y", Amount: "10", Reason: "fraud",
				Status: "cancelled", TransactionRef: "E2E001", SolicitationID: "sol-y"},
			http.StatusUnprocessableEntity,
		},
		{
			"malformed amount",
			api.AdmitRefundRequest{ID: "ref-z", Amount: "ten", Reason: "fraud",
				Status: "open", TransactionRef: "E2E001", SolicitationID: "sol-z"},
			http.StatusBadRequest,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, srv, http.MethodPost, "/api/refunds", tc.req)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

// =============================================================================
// DEVOLUTION ENDPOINTS
// =============================================================================

func TestAPI_PayoutAndSettleDevolution(t *testing.T) {
	srv := newTestServer(t)
	seedTransactionHTTP(t, srv, "tx-1", "E2E001", "300")
	admitRefundHTTP(t, srv, "ref-1", "sol-1", "E2E001", "100")

	resp, dev := doJSON(t, srv, http.MethodPost, "/api/devolutions", api.PayoutDevolutionRequest{
		ID: "dev-1", RefundID: "ref-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", dev["state"])
	assert.Equal(t, "100", dev["amount"])

	resp, settled := doJSON(t, srv, http.MethodPost, "/api/devolutions/dev-1/settle",
		api.SettleDevolutionRequest{Outcome: "confirmed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "confirmed", settled["state"])

	// Conflicting outcome after a terminal settlement.
	resp, _ = doJSON(t, srv, http.MethodPost, "/api/devolutions/dev-1/settle",
		api.SettleDevolutionRequest{Outcome: "failed"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_PayoutOverflowMapsTo422(t *testing.T) {
	srv := newTestServer(t)
	seedTransactionHTTP(t, srv, "tx-1", "E2E001", "900")
	admitRefundHTTP(t, srv, "ref-1", "sol-1", "E2E001", "1000")

	resp, body := doJSON(t, srv, http.MethodPost, "/api/devolutions", api.PayoutDevolutionRequest{
		ID: "dev-1", RefundID: "ref-1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.NotEmpty(t, body["details"])
}

func TestAPI_GetDevolutionNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodGet, "/api/devolutions/dev-404", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

func TestAPI_TransactionSummaryAndDevolutions(t *testing.T) {
	srv := newTestServer(t)
	seedTransactionHTTP(t, srv, "tx-1", "E2E001", "300")
	admitRefundHTTP(t, srv, "ref-1", "sol-1", "E2E001", "100")

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/devolutions", api.PayoutDevolutionRequest{
		ID: "dev-1", RefundID: "ref-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, tx := doJSON(t, srv, http.MethodGet, "/api/transactions/E2E001", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "100", tx["returned"])
	summary, ok := tx["summary"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "200", summary["remaining"])

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/transactions/E2E001/devolutions", nil)
	require.NoError(t, err)
	listResp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var list []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "dev-1", list[0]["id"])
}

func TestAPI_SeedTransactionValidation(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/transactions", api.CreateTransactionRequest{
		ID: "tx-1", EndToEndID: "E2E001", Kind: "withdrawal", Amount: "100", UserID: "user-1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodPost, "/api/transactions", api.CreateTransactionRequest{
		Kind: string(reconcile.KindDeposit), Amount: "100",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// INFRACTION ENDPOINTS
// =============================================================================

func TestAPI_InfractionWithReservationDrivesIntake(t *testing.T) {
	// GIVEN: A dispute seeded with a 50 reservation against the deposit
	// WHEN: A refund referencing it is admitted and paid out
	// THEN: The payout realizes the pinned 50, not the refund's 100

	srv := newTestServer(t)
	seedTransactionHTTP(t, srv, "tx-1", "E2E001", "300")

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/infractions", api.CreateInfractionRequest{
		ID:             "inf-1",
		ExternalID:     "ext-1",
		State:          string(reconcile.InfractionClosedConfirmed),
		Analysis:       string(reconcile.AnalysisAgreed),
		TransactionRef: "E2E001",
		ReservedAmount: "50",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, refund := doJSON(t, srv, http.MethodPost, "/api/refunds", api.AdmitRefundRequest{
		ID:             "ref-1",
		InfractionID:   "ext-1",
		Amount:         "100",
		Reason:         string(reconcile.ReasonFraud),
		Status:         string(reconcile.RefundOpen),
		TransactionRef: "E2E001",
		SolicitationID: "sol-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", refund)
	assert.Equal(t, "inf-1", fmt.Sprint(refund["infraction_id"]))

	resp, dev := doJSON(t, srv, http.MethodPost, "/api/devolutions", api.PayoutDevolutionRequest{
		ID: "dev-1", RefundID: "ref-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "50", dev["amount"])
	assert.Equal(t, string(reconcile.DevolutionReasonFraud), dev["reason"])
}

// =============================================================================
// HEALTH
// =============================================================================

func TestAPI_Health(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
