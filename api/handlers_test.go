/*
handlers_test.go - HTTP tests for the fee ledger API

Each test drives the real router over an in-memory store, so status codes,
validation and JSON shapes are checked end to end.
*/
package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/gateway"
	"github.com/warp/fee-ledger/ledger"
	"github.com/warp/fee-ledger/ledger/store"
)

const testSecret = "test-callback-secret"

type testAPI struct {
	t      *testing.T
	router http.Handler
	engine *ledger.Engine
	signer *gateway.Signer
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	eng := ledger.New(store.NewMemory(), ledger.WithGateway(gateway.HostedPage{BaseURL: "http://pay.local"}))
	h := NewHandler(eng, gateway.NewVerifier(testSecret), nil)
	return &testAPI{
		t:      t,
		router: NewRouter(h, RouterOptions{}),
		engine: eng,
		signer: gateway.NewSigner(testSecret),
	}
}

// do sends body as JSON and decodes the response into out when non-nil.
func (a *testAPI) do(method, path string, body any, out any) int {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (a *testAPI) createApprovedInvoice(total int64) InvoiceDTO {
	a.t.Helper()
	var inv InvoiceDTO
	code := a.do("POST", "/api/invoices", CreateInvoiceRequest{
		StudentID:  "stu-1",
		GuardianID: "g-1",
		TermID:     "2026-T1",
		Currency:   "GHS",
		DueDate:    "2026-02-01",
		Items:      []InvoiceItemRequest{{Description: "Tuition", Quantity: 1, UnitPrice: total}},
	}, &inv)
	require.Equal(a.t, http.StatusCreated, code)
	assert.Equal(a.t, "pending_approval", inv.Status)

	code = a.do("POST", "/api/invoices/"+inv.ID+"/approve", nil, &inv)
	require.Equal(a.t, http.StatusOK, code)
	return inv
}

func (a *testAPI) openWallet(funds int64) WalletDTO {
	a.t.Helper()
	var w WalletDTO
	require.Equal(a.t, http.StatusCreated, a.do("POST", "/api/wallets", OpenWalletRequest{OwnerID: "g-1", Currency: "ghs"}, &w))
	if funds > 0 {
		code := a.do("POST", "/api/wallets/credit", WalletTxRequest{
			WalletID: w.ID, Amount: funds, Currency: "GHS", Reference: "seed-" + w.ID,
		}, nil)
		require.Equal(a.t, http.StatusCreated, code)
	}
	return w
}

// =============================================================================
// INVOICES
// =============================================================================

func TestCreateInvoice_Validation(t *testing.T) {
	// GIVEN: a request missing items and with a bad currency
	api := newTestAPI(t)

	// WHEN
	var resp ErrorResponse
	code := api.do("POST", "/api/invoices", CreateInvoiceRequest{
		StudentID:  "stu-1",
		GuardianID: "g-1",
		TermID:     "T1",
		Currency:   "GHANA",
	}, &resp)

	// THEN: 400 with JSON field names
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Fields, "currency")
	assert.Contains(t, resp.Fields, "items")
}

func TestCreateInvoice_UnknownFieldRejected(t *testing.T) {
	api := newTestAPI(t)
	code := api.do("POST", "/api/invoices", map[string]any{"student": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCreateInvoice_ItemAmount(t *testing.T) {
	// GIVEN: items that carry their line amount
	api := newTestAPI(t)
	body := map[string]any{
		"student_id": "stu-1", "guardian_id": "g-1", "term_id": "2026-T1", "currency": "GHS",
		"items": []map[string]any{
			{"description": "Tuition", "quantity": 2, "unit_price": 25000, "amount": 50000},
			{"description": "Books", "quantity": 1, "unit_price": 4000},
		},
	}

	// WHEN
	var inv InvoiceDTO
	code := api.do("POST", "/api/invoices", body, &inv)

	// THEN: accepted, with the missing amount computed
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, int64(54000), inv.Total.Amount)
	require.Len(t, inv.Items, 2)
	assert.Equal(t, int64(50000), inv.Items[0].Amount)
	assert.Equal(t, int64(4000), inv.Items[1].Amount)

	// An amount that disagrees with quantity x unit price is rejected.
	body["items"] = []map[string]any{{"description": "Tuition", "quantity": 2, "unit_price": 25000, "amount": 40000}}
	var resp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, api.do("POST", "/api/invoices", body, &resp))
	assert.Equal(t, "validation", resp.Code)
}

func TestInvoiceLifecycle(t *testing.T) {
	api := newTestAPI(t)
	inv := api.createApprovedInvoice(50000)
	assert.Equal(t, "approved", inv.Status)
	assert.Equal(t, int64(50000), inv.Balance.Amount)
	assert.Equal(t, "500.00 GHS", inv.Total.Formatted)
	assert.Equal(t, "2026-02-01", inv.DueDate)

	// Approving twice is an invalid transition.
	var resp ErrorResponse
	assert.Equal(t, http.StatusConflict, api.do("POST", "/api/invoices/"+inv.ID+"/approve", nil, &resp))
	assert.Equal(t, "invalid_transition", resp.Code)

	var cancelled InvoiceDTO
	assert.Equal(t, http.StatusOK, api.do("POST", "/api/invoices/"+inv.ID+"/cancel", nil, &cancelled))
	assert.Equal(t, "cancelled", cancelled.Status)

	var list []InvoiceDTO
	assert.Equal(t, http.StatusOK, api.do("GET", "/api/guardians/g-1/invoices", nil, &list))
	assert.Len(t, list, 1)
}

func TestGetInvoice_NotFound(t *testing.T) {
	api := newTestAPI(t)
	var resp ErrorResponse
	assert.Equal(t, http.StatusNotFound, api.do("GET", "/api/invoices/inv_missing", nil, &resp))
	assert.Equal(t, "not_found", resp.Code)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestSubmitPayment_PartialThenPaid(t *testing.T) {
	api := newTestAPI(t)
	inv := api.createApprovedInvoice(50000)
	w := api.openWallet(60000)

	var out OutcomeDTO
	code := api.do("POST", "/api/payments", PaymentRequest{
		InvoiceID: inv.ID, Amount: 20000, Currency: "GHS", Method: "wallet", Reference: "pay-1", WalletID: w.ID,
	}, &out)
	require.Equal(t, http.StatusCreated, code)
	assert.False(t, out.Duplicate)
	assert.Equal(t, "partial", out.Invoice.Status)
	assert.Equal(t, int64(30000), out.Invoice.Balance.Amount)
	assert.Equal(t, int64(40000), out.Reconciliation.WalletBalanceAfter.Amount)

	code = api.do("POST", "/api/payments", PaymentRequest{
		InvoiceID: inv.ID, Amount: 30000, Currency: "GHS", Method: "wallet", Reference: "pay-2", WalletID: w.ID,
	}, &out)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "paid", out.Invoice.Status)
	assert.Equal(t, int64(0), out.Invoice.Balance.Amount)

	var rec ReconciliationDTO
	assert.Equal(t, http.StatusOK, api.do("GET", "/api/reconciliations/pay-2", nil, &rec))
	assert.Equal(t, "applied", rec.Status)
	assert.Equal(t, "wallet", rec.Source)
}

func TestSubmitPayment_DuplicateReturns200(t *testing.T) {
	api := newTestAPI(t)
	inv := api.createApprovedInvoice(50000)
	req := PaymentRequest{InvoiceID: inv.ID, Amount: 10000, Currency: "GHS", Method: "cash", Reference: "rcpt-1"}

	var first, second OutcomeDTO
	require.Equal(t, http.StatusCreated, api.do("POST", "/api/payments", req, &first))
	require.Equal(t, http.StatusOK, api.do("POST", "/api/payments", req, &second))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Len(t, second.Invoice.Payments, 1)

	req.Amount = 20000
	var resp ErrorResponse
	assert.Equal(t, http.StatusConflict, api.do("POST", "/api/payments", req, &resp))
	assert.Equal(t, "reference_conflict", resp.Code)
}

func TestSubmitPayment_ErrorStatuses(t *testing.T) {
	api := newTestAPI(t)
	inv := api.createApprovedInvoice(50000)
	w := api.openWallet(10000)

	tests := []struct {
		name string
		req  PaymentRequest
		code int
		err  string
	}{
		{"insufficient funds", PaymentRequest{InvoiceID: inv.ID, Amount: 15000, Currency: "GHS", Method: "wallet", Reference: "p-1", WalletID: w.ID}, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"overpayment", PaymentRequest{InvoiceID: inv.ID, Amount: 60000, Currency: "GHS", Method: "cash", Reference: "p-2"}, http.StatusConflict, "overpayment"},
		{"currency mismatch", PaymentRequest{InvoiceID: inv.ID, Amount: 100, Currency: "KES", Method: "cash", Reference: "p-3"}, http.StatusBadRequest, "currency_mismatch"},
		{"unknown invoice", PaymentRequest{InvoiceID: "inv_nope", Amount: 100, Currency: "GHS", Method: "cash", Reference: "p-4"}, http.StatusNotFound, "not_found"},
		{"wallet id required", PaymentRequest{InvoiceID: inv.ID, Amount: 100, Currency: "GHS", Method: "wallet", Reference: "p-5"}, http.StatusBadRequest, "validation"},
		{"gateway not allowed", PaymentRequest{InvoiceID: inv.ID, Amount: 100, Currency: "GHS", Method: "gateway", Reference: "p-6"}, http.StatusBadRequest, "validation"},
		{"zero amount", PaymentRequest{InvoiceID: inv.ID, Amount: 0, Currency: "GHS", Method: "cash", Reference: "p-7"}, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			assert.Equal(t, tt.code, api.do("POST", "/api/payments", tt.req, &resp))
			assert.Equal(t, tt.err, resp.Code)
		})
	}

	// Nothing above touched the invoice or the wallet.
	var got InvoiceDTO
	api.do("GET", "/api/invoices/"+inv.ID, nil, &got)
	assert.Equal(t, "approved", got.Status)
	assert.Empty(t, got.Payments)

	var wal WalletDTO
	api.do("GET", "/api/wallets/"+w.ID, nil, &wal)
	assert.Equal(t, int64(10000), wal.Balance.Amount)
}

// =============================================================================
// WALLETS
// =============================================================================

func TestWallet_CreditDebitStatement(t *testing.T) {
	api := newTestAPI(t)
	w := api.openWallet(0)

	var res WalletTxResponse
	require.Equal(t, http.StatusCreated, api.do("POST", "/api/wallets/credit", WalletTxRequest{
		WalletID: w.ID, Amount: 10000, Currency: "GHS", Reference: "top-1", Description: "top up",
	}, &res))
	assert.Equal(t, int64(10000), res.Balance.Amount)

	var resp ErrorResponse
	assert.Equal(t, http.StatusUnprocessableEntity, api.do("POST", "/api/wallets/debit", WalletTxRequest{
		WalletID: w.ID, Amount: 15000, Currency: "GHS", Reference: "d-1",
	}, &resp))

	require.Equal(t, http.StatusCreated, api.do("POST", "/api/wallets/debit", WalletTxRequest{
		WalletID: w.ID, Amount: 2500, Currency: "GHS", Reference: "d-2", Description: "books",
	}, &res))
	assert.Equal(t, int64(7500), res.Balance.Amount)

	// Replay.
	require.Equal(t, http.StatusOK, api.do("POST", "/api/wallets/debit", WalletTxRequest{
		WalletID: w.ID, Amount: 2500, Currency: "GHS", Reference: "d-2", Description: "books",
	}, &res))
	assert.True(t, res.Duplicate)

	var wal WalletDTO
	require.Equal(t, http.StatusOK, api.do("GET", "/api/wallets/"+w.ID, nil, &wal))
	assert.Equal(t, int64(7500), wal.Balance.Amount)
	require.Len(t, wal.Statement, 2)
	assert.Equal(t, int64(10000), *wal.Statement[0].BalanceAfter)
	assert.Equal(t, int64(7500), *wal.Statement[1].BalanceAfter)
}

func TestWallet_CreditOverflowRejected(t *testing.T) {
	// GIVEN: a wallet holding the largest representable amount
	api := newTestAPI(t)
	w := api.openWallet(math.MaxInt64)

	// WHEN: one more minor unit is credited
	var resp ErrorResponse
	code := api.do("POST", "/api/wallets/credit", WalletTxRequest{
		WalletID: w.ID, Amount: 1, Currency: "GHS", Reference: "top-one",
	}, &resp)

	// THEN: 400 and the balance did not wrap
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", resp.Code)
	var wal WalletDTO
	require.Equal(t, http.StatusOK, api.do("GET", "/api/wallets/"+w.ID, nil, &wal))
	assert.Equal(t, int64(math.MaxInt64), wal.Balance.Amount)
	assert.Len(t, wal.Statement, 1)
}

// =============================================================================
// GATEWAY
// =============================================================================

func TestGateway_CheckoutAndSignedCallbackTwice(t *testing.T) {
	// GIVEN: a top-up checkout gw-1 for 5000
	api := newTestAPI(t)
	w := api.openWallet(0)

	var co CheckoutDTO
	require.Equal(t, http.StatusCreated, api.do("POST", "/api/gateway/checkout", CheckoutRequest{
		Reference: "gw-1", WalletID: w.ID, Amount: 5000, Currency: "GHS",
	}, &co))
	assert.Equal(t, "pending", co.Status)
	assert.Equal(t, "http://pay.local/checkout/gw-1", co.CheckoutURL)
	assert.NotEmpty(t, co.ExpiresAt)

	// WHEN: the signed success callback is delivered twice
	cb := api.signer.SignCallback(gateway.Callback{Reference: "gw-1", Amount: 5000, Currency: "GHS", Status: "PAID"})
	var first, second OutcomeDTO
	require.Equal(t, http.StatusOK, api.do("POST", "/api/gateway/callback", cb, &first))
	require.Equal(t, http.StatusOK, api.do("POST", "/api/gateway/callback", cb, &second))

	// THEN: credited exactly once
	assert.Equal(t, "applied", first.Reconciliation.Status)
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)

	var wal WalletDTO
	api.do("GET", "/api/wallets/"+w.ID, nil, &wal)
	assert.Equal(t, int64(5000), wal.Balance.Amount)
	assert.Len(t, wal.Statement, 1)
}

func TestGateway_CallbackSignatureFromHeader(t *testing.T) {
	api := newTestAPI(t)
	inv := api.createApprovedInvoice(5000)

	var co CheckoutDTO
	require.Equal(t, http.StatusCreated, api.do("POST", "/api/gateway/checkout", CheckoutRequest{
		InvoiceID: inv.ID, Amount: 5000, Currency: "GHS",
	}, &co))

	cb := gateway.Callback{Reference: co.Reference, Amount: 5000, Currency: "GHS", Status: "SETTLED"}
	sig := api.signer.SignCallback(cb).Signature

	body, _ := json.Marshal(cb)
	req := httptest.NewRequest("POST", "/api/gateway/callback", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sig)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out OutcomeDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "paid", out.Invoice.Status)
	assert.Equal(t, "gateway", out.Payment.Method)
}

func TestGateway_CallbackRejected(t *testing.T) {
	api := newTestAPI(t)
	w := api.openWallet(0)
	require.Equal(t, http.StatusCreated, api.do("POST", "/api/gateway/checkout", CheckoutRequest{
		Reference: "gw-2", WalletID: w.ID, Amount: 5000, Currency: "GHS",
	}, nil))

	// Tampered amount.
	cb := api.signer.SignCallback(gateway.Callback{Reference: "gw-2", Amount: 5000, Currency: "GHS", Status: "PAID"})
	cb.Amount = 500000
	assert.Equal(t, http.StatusUnauthorized, api.do("POST", "/api/gateway/callback", cb, nil))

	// Validly signed but unknown reference.
	unknown := api.signer.SignCallback(gateway.Callback{Reference: "gw-zzz", Amount: 5000, Currency: "GHS", Status: "PAID"})
	assert.Equal(t, http.StatusNotFound, api.do("POST", "/api/gateway/callback", unknown, nil))

	var rec ReconciliationDTO
	api.do("GET", "/api/reconciliations/gw-2", nil, &rec)
	assert.Equal(t, "pending", rec.Status)
}

func TestGateway_CheckoutWithoutProvider(t *testing.T) {
	eng := ledger.New(store.NewMemory())
	router := NewRouter(NewHandler(eng, nil, nil), RouterOptions{})
	api := &testAPI{t: t, router: router, engine: eng}

	w := api.openWallet(0)
	var resp ErrorResponse
	assert.Equal(t, http.StatusBadGateway, api.do("POST", "/api/gateway/checkout", CheckoutRequest{
		WalletID: w.ID, Amount: 100, Currency: "GHS",
	}, &resp))
	assert.Equal(t, "gateway_unavailable", resp.Code)

	assert.Equal(t, http.StatusServiceUnavailable, api.do("POST", "/api/gateway/callback", gateway.Callback{Reference: "x"}, nil))
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, api.do("GET", "/healthz", nil, &body))
	assert.Equal(t, "ok", body["status"])
}
