/*
handlers.go - HTTP API handlers for the fee ledger

PURPOSE:
  Exposes invoices, wallets, payments and the gateway flow via REST API.
  Handles HTTP request/response and JSON, and delegates every rule to the
  ledger engine.

ENDPOINTS:
  Invoices:
    POST   /api/invoices                  Create invoice (pending_approval)
    GET    /api/invoices/{id}             Invoice with derived balance
    POST   /api/invoices/{id}/approve     Approve
    POST   /api/invoices/{id}/cancel      Cancel
    GET    /api/guardians/{id}/invoices   Invoices billed to a guardian

  Payments:
    POST   /api/payments                  Wallet or cash payment

  Wallets:
    POST   /api/wallets                   Open wallet
    GET    /api/wallets/{id}              Balance and statement
    POST   /api/wallets/credit            Credit (top-up, refund)
    POST   /api/wallets/debit             Debit

  Gateway:
    POST   /api/gateway/checkout          Open hosted checkout
    POST   /api/gateway/callback          Signed provider callback
    GET    /api/reconciliations/{ref}     Stored record for a reference

REQUEST FLOW:
  1. Decode and validate the body (validate.go)
  2. Call the engine
  3. Serialize the result, or map the error to a status code

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 401: Gateway callback failed verification
  - 404: Invoice, wallet or reference not found
  - 409: Invalid transition, overpayment, reference reused
  - 422: Insufficient wallet funds
  - 502: Gateway unavailable
  - 503: Optimistic conflicts persisted after retries
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/fee-ledger/gateway"
	"github.com/warp/fee-ledger/ledger"
)

// SignatureHeader may carry the callback signature instead of the body.
const SignatureHeader = "X-Callback-Signature"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *ledger.Engine
	Verifier *gateway.Verifier // nil disables the callback endpoint
	Log      *zap.Logger
	Clock    ledger.Clock

	// Health reports store reachability for /healthz. Optional.
	Health func(ctx context.Context) error

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler around an engine.
func NewHandler(engine *ledger.Engine, verifier *gateway.Verifier, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Engine: engine, Verifier: verifier, Log: log}
}

func (h *Handler) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now().UTC()
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// CreateInvoice creates an invoice in pending_approval.
// POST /api/invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	draft := ledger.InvoiceDraft{
		StudentID:  req.StudentID,
		GuardianID: req.GuardianID,
		TermID:     req.TermID,
		Currency:   ledger.NormalizeCurrency(req.Currency),
	}
	if req.DueDate != "" {
		// Format already checked by the validator.
		draft.DueDate, _ = time.Parse("2006-01-02", req.DueDate)
	}
	for _, it := range req.Items {
		draft.Items = append(draft.Items, ledger.InvoiceItem{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Amount:      it.Amount,
			IsOptional:  it.IsOptional,
		})
	}

	inv, err := h.Engine.Invoices.Create(r.Context(), draft)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv, h.now()))
}

// GetInvoice returns an invoice with derived fields and payments.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.Invoices.Get(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv, h.now()))
}

// ApproveInvoice moves an invoice to approved.
// POST /api/invoices/{id}/approve
func (h *Handler) ApproveInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.Invoices.Approve(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv, h.now()))
}

// CancelInvoice cancels an invoice that has no payments.
// POST /api/invoices/{id}/cancel
func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.Invoices.Cancel(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv, h.now()))
}

// ListGuardianInvoices returns every invoice billed to a guardian.
// GET /api/guardians/{id}/invoices
func (h *Handler) ListGuardianInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.Engine.Invoices.ListByGuardian(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	now := h.now()
	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv, now)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// SubmitPayment applies a wallet or cash payment once per reference.
// A replay returns 200 with duplicate=true and the original result.
// POST /api/payments
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	out, err := h.Engine.Submit(r.Context(), ledger.PaymentRequest{
		InvoiceID: ledger.InvoiceID(req.InvoiceID),
		Amount:    ledger.NewMoney(req.Amount, req.Currency),
		Method:    ledger.PaymentMethod(req.Method),
		Reference: req.Reference,
		WalletID:  ledger.WalletID(req.WalletID),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	status := http.StatusCreated
	if out.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, toOutcomeDTO(out, h.now()))
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// OpenWallet opens an empty wallet.
// POST /api/wallets
func (h *Handler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	var req OpenWalletRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	wal, err := h.Engine.Wallets.Open(r.Context(), req.OwnerID, ledger.NormalizeCurrency(req.Currency))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletDTO(wal))
}

// GetWallet returns the wallet balance and its statement.
// GET /api/wallets/{id}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wal, err := h.Engine.Wallets.Get(r.Context(), ledger.WalletID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wal))
}

// CreditWallet adds funds.
// POST /api/wallets/credit
func (h *Handler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	var req WalletTxRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	res, err := h.Engine.Wallets.Credit(r.Context(), ledger.WalletID(req.WalletID),
		ledger.NewMoney(req.Amount, req.Currency), req.Reference, req.Description)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeWalletTx(w, res)
}

// DebitWallet removes funds; insufficient funds is 422.
// POST /api/wallets/debit
func (h *Handler) DebitWallet(w http.ResponseWriter, r *http.Request) {
	var req WalletTxRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	var related *ledger.InvoiceID
	if req.RelatedInvoiceID != "" {
		id := ledger.InvoiceID(req.RelatedInvoiceID)
		related = &id
	}
	res, err := h.Engine.Wallets.Debit(r.Context(), ledger.WalletID(req.WalletID),
		ledger.NewMoney(req.Amount, req.Currency), req.Reference, related, req.Description)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeWalletTx(w, res)
}

func writeWalletTx(w http.ResponseWriter, res *ledger.TransactionResult) {
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, WalletTxResponse{
		Transaction: toWalletTxDTO(res.Transaction),
		Balance:     toMoneyDTO(res.Wallet.Balance()),
		Duplicate:   res.Duplicate,
	})
}

// =============================================================================
// GATEWAY HANDLERS
// =============================================================================

// BeginCheckout opens a hosted checkout for an invoice or a wallet top-up.
// POST /api/gateway/checkout
func (h *Handler) BeginCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	creq := ledger.CheckoutRequest{
		Reference:   req.Reference,
		Amount:      ledger.NewMoney(req.Amount, req.Currency),
		Description: req.Description,
	}
	if req.InvoiceID != "" {
		id := ledger.InvoiceID(req.InvoiceID)
		creq.InvoiceID = &id
	}
	if req.WalletID != "" {
		id := ledger.WalletID(req.WalletID)
		creq.WalletID = &id
	}

	co, err := h.Engine.BeginCheckout(r.Context(), creq)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	rec := co.Reconciliation
	writeJSON(w, http.StatusCreated, CheckoutDTO{
		Reference:   rec.Reference,
		Status:      string(rec.Status),
		Amount:      toMoneyDTO(rec.Amount),
		CheckoutURL: co.Session.URL,
		ProviderID:  co.Session.ProviderID,
		ExpiresAt:   formatTime(*rec.ExpiresAt),
	})
}

// GatewayCallback verifies and applies a provider callback. Applied,
// duplicate, failed and expired outcomes are all 200 so the provider stops
// redelivering; the body says which one it was.
// POST /api/gateway/callback
func (h *Handler) GatewayCallback(w http.ResponseWriter, r *http.Request) {
	if h.Verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "Gateway callbacks are not configured", nil)
		return
	}

	var cb gateway.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if cb.Signature == "" {
		cb.Signature = r.Header.Get(SignatureHeader)
	}

	ev, err := h.Verifier.Verify(cb)
	if err != nil {
		h.Log.Warn("gateway verification failed",
			zap.String("reference", cb.Reference),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		writeError(w, http.StatusUnauthorized, "Callback verification failed", err)
		return
	}

	out, err := h.Engine.ApplyGatewayEvent(r.Context(), ev)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeDTO(out, h.now()))
}

// GetReconciliation returns the stored record for a reference.
// GET /api/reconciliations/{reference}
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Lookup(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(*rec))
}

// Healthz reports liveness and, when configured, store reachability.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

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

// writeLedgerError maps engine and validation errors to a status code.
// Anything unrecognized is a 500 and is logged.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verrs validator.ValidationErrors
		ve    *ledger.ValidationError
	)
	switch {
	case errors.As(err, &verrs):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "Validation failed",
			Code:   "validation",
			Fields: fieldErrors(verrs),
		})
	case errors.As(err, &ve):
		resp := ErrorResponse{Error: "Validation failed", Code: "validation", Details: ve.Error()}
		if ve.Field != "" {
			resp.Fields = map[string]string{ve.Field: ve.Message}
		}
		if errors.Is(err, ledger.ErrCurrencyMismatch) {
			resp.Code = "currency_mismatch"
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, gateway.ErrVerificationFailed):
		writeError(w, http.StatusUnauthorized, "Callback verification failed", err)
	case ledger.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found", Code: "not_found", Details: err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "Insufficient funds", Code: "insufficient_funds", Details: err.Error()})
	case errors.Is(err, ledger.ErrOverpaymentRejected):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Payment exceeds outstanding balance", Code: "overpayment", Details: err.Error()})
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Invalid status transition", Code: "invalid_transition", Details: err.Error()})
	case errors.Is(err, ledger.ErrReferenceConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Reference already used", Code: "reference_conflict", Details: err.Error()})
	case errors.Is(err, ledger.ErrReferenceExpired):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Reference expired", Code: "reference_expired", Details: err.Error()})
	case errors.Is(err, ledger.ErrConcurrentModification):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "Concurrent modification, try again", Code: "conflict_retry", Details: err.Error()})
	case errors.Is(err, ledger.ErrGatewayUnavailable):
		h.Log.Error("gateway unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "Payment gateway unavailable", Code: "gateway_unavailable", Details: err.Error()})
	default:
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), nil)
	}
}
