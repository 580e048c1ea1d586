/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that drive the engine through the
	behaviors worth showing: partial and full payment, insufficient funds,
	duplicate gateway delivery and overpayment rejection.

AVAILABLE SCENARIOS:

	partial-payment:     invoice 500.00, wallet payment 200.00 -> partial
	full-payment:        second payment 300.00 -> paid, balance 0
	insufficient-funds:  wallet 100.00, debit 150.00 -> rejected, unchanged
	duplicate-callback:  top-up checkout 50.00, callback delivered twice
	overpayment:         600.00 against a 500.00 balance -> rejected

HOW SCENARIOS WORK:
 1. Create the guardian's invoice and wallet through the engine
 2. Run the scenario's steps, recording each result or rejection
 3. Return the final invoices and wallets

	Every load uses fresh identifiers and references, so scenarios can be
	loaded repeatedly and never touch existing data.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "duplicate-callback"}

SEE ALSO:
  - handlers.go: shared helpers
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/warp/fee-ledger/gateway"
	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const scenarioCurrency = "GHS"

var scenarios = []ScenarioDTO{
	{
		ID:          "partial-payment",
		Name:        "Partial Payment",
		Description: "Invoice of 500.00 paid 200.00 from the wallet; balance 300.00, status partial",
	},
	{
		ID:          "full-payment",
		Name:        "Full Payment",
		Description: "Same invoice, second wallet payment of 300.00; balance 0, status paid",
	},
	{
		ID:          "insufficient-funds",
		Name:        "Insufficient Funds",
		Description: "Wallet holds 100.00, a debit of 150.00 is rejected and the balance is unchanged",
	},
	{
		ID:          "duplicate-callback",
		Name:        "Duplicate Gateway Callback",
		Description: "Top-up checkout of 50.00 whose success callback arrives twice; credited once",
	},
	{
		ID:          "overpayment",
		Name:        "Overpayment",
		Description: "Payment of 600.00 against a balance of 500.00 is rejected; invoice unchanged",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario runs a predefined scenario and returns what it produced.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	var def *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			def = &scenarios[i]
		}
	}
	if def == nil {
		writeError(w, http.StatusNotFound, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}

	run := newScenarioRun(h)
	var err error
	switch def.ID {
	case "partial-payment":
		err = run.partialPayment(r.Context(), false)
	case "full-payment":
		err = run.partialPayment(r.Context(), true)
	case "insufficient-funds":
		err = run.insufficientFunds(r.Context())
	case "duplicate-callback":
		err = run.duplicateCallback(r.Context())
	case "overpayment":
		err = run.overpayment(r.Context())
	}
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = def.ID
	h.mu.Unlock()

	res, err := run.result(r.Context(), *def)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// SCENARIO RUN
// =============================================================================

// scenarioRun collects the entities and steps of one load.
type scenarioRun struct {
	h        *Handler
	suffix   string
	guardian string
	invoices []ledger.InvoiceID
	wallets  []ledger.WalletID
	steps    []ScenarioStep
}

func newScenarioRun(h *Handler) *scenarioRun {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return &scenarioRun{h: h, suffix: suffix, guardian: "guardian-" + suffix}
}

func (s *scenarioRun) ref(name string) string { return name + "-" + s.suffix }

// money parses a major-unit amount such as "200.00".
func (s *scenarioRun) money(major string) (ledger.Money, error) {
	return ledger.ParseMajor(major, scenarioCurrency)
}

// step records an expected rejection as a result, not a failure. Any
// other error aborts the scenario.
func (s *scenarioRun) step(action string, err error, result string) error {
	st := ScenarioStep{Action: action, Result: result}
	if err != nil {
		if !ledger.IsClientError(err) {
			return err
		}
		st.Result = "rejected"
		st.Error = err.Error()
	}
	s.steps = append(s.steps, st)
	return nil
}

func (s *scenarioRun) invoice(ctx context.Context, totalMajor string) (*ledger.Invoice, error) {
	e := s.h.Engine
	total, err := s.money(totalMajor)
	if err != nil {
		return nil, err
	}
	tuition := total.Minor * 4 / 5
	inv, err := e.Invoices.Create(ctx, ledger.InvoiceDraft{
		StudentID:  "student-" + s.suffix,
		GuardianID: s.guardian,
		TermID:     "demo-term",
		Currency:   scenarioCurrency,
		Items: []ledger.InvoiceItem{
			{Description: "Tuition", Quantity: 1, UnitPrice: tuition},
			{Description: "Meals", Quantity: 1, UnitPrice: total.Minor - tuition},
		},
	})
	if err != nil {
		return nil, err
	}
	if inv, err = e.Invoices.Approve(ctx, inv.ID); err != nil {
		return nil, err
	}
	s.invoices = append(s.invoices, inv.ID)
	return inv, s.step("create and approve invoice", nil, inv.Total.Format())
}

func (s *scenarioRun) wallet(ctx context.Context, fundsMajor string) (*ledger.Wallet, error) {
	e := s.h.Engine
	funds, err := s.money(fundsMajor)
	if err != nil {
		return nil, err
	}
	w, err := e.Wallets.Open(ctx, s.guardian, scenarioCurrency)
	if err != nil {
		return nil, err
	}
	s.wallets = append(s.wallets, w.ID)
	if funds.IsPositive() {
		res, err := e.Wallets.Credit(ctx, w.ID, funds, s.ref("opening"), "opening balance")
		if err != nil {
			return nil, err
		}
		w = res.Wallet
	}
	return w, s.step("open wallet", nil, w.Balance().Format())
}

func (s *scenarioRun) pay(ctx context.Context, inv ledger.InvoiceID, w ledger.WalletID, amountMajor string, ref string) error {
	amount, err := s.money(amountMajor)
	if err != nil {
		return err
	}
	out, err := s.h.Engine.Submit(ctx, ledger.PaymentRequest{
		InvoiceID: inv,
		Amount:    amount,
		Method:    ledger.MethodWallet,
		Reference: s.ref(ref),
		WalletID:  w,
	})
	action := fmt.Sprintf("wallet payment %s", amount.Format())
	if err != nil {
		return s.step(action, err, "")
	}
	return s.step(action, nil, fmt.Sprintf("%s, balance %s", out.Invoice.Status, out.Invoice.Balance().Format()))
}

func (s *scenarioRun) partialPayment(ctx context.Context, full bool) error {
	inv, err := s.invoice(ctx, "500.00")
	if err != nil {
		return err
	}
	w, err := s.wallet(ctx, "600.00")
	if err != nil {
		return err
	}
	if err := s.pay(ctx, inv.ID, w.ID, "200.00", "pay-1"); err != nil || !full {
		return err
	}
	return s.pay(ctx, inv.ID, w.ID, "300.00", "pay-2")
}

func (s *scenarioRun) insufficientFunds(ctx context.Context) error {
	w, err := s.wallet(ctx, "100.00")
	if err != nil {
		return err
	}
	amount, err := s.money("150.00")
	if err != nil {
		return err
	}
	_, err = s.h.Engine.Wallets.Debit(ctx, w.ID, amount, s.ref("debit-1"), nil, "field trip")
	return s.step("debit "+amount.Format(), err, "debited")
}

func (s *scenarioRun) duplicateCallback(ctx context.Context) error {
	w, err := s.wallet(ctx, "0")
	if err != nil {
		return err
	}
	amount, err := s.money("50.00")
	if err != nil {
		return err
	}
	ref := s.ref("gw-1")
	co, err := s.h.Engine.BeginCheckout(ctx, ledger.CheckoutRequest{
		Reference:   ref,
		WalletID:    &w.ID,
		Amount:      amount,
		Description: "wallet top-up",
	})
	if err != nil {
		return err
	}
	if err := s.step("open checkout", nil, co.Session.URL); err != nil {
		return err
	}

	ev := gateway.Event{Reference: ref, Amount: amount.Minor, Currency: scenarioCurrency, Status: gateway.StatusSucceeded}
	for i := 1; i <= 2; i++ {
		out, err := s.h.Engine.ApplyGatewayEvent(ctx, ev)
		if err != nil {
			return err
		}
		result := string(out.Reconciliation.Status)
		if out.Duplicate {
			result = "duplicate, ignored"
		}
		if err := s.step(fmt.Sprintf("callback delivery %d", i), nil, result); err != nil {
			return err
		}
	}
	return nil
}

func (s *scenarioRun) overpayment(ctx context.Context) error {
	inv, err := s.invoice(ctx, "500.00")
	if err != nil {
		return err
	}
	w, err := s.wallet(ctx, "1000.00")
	if err != nil {
		return err
	}
	return s.pay(ctx, inv.ID, w.ID, "600.00", "pay-1")
}

func (s *scenarioRun) result(ctx context.Context, def ScenarioDTO) (*ScenarioResultDTO, error) {
	res := &ScenarioResultDTO{
		Scenario: def,
		Invoices: []InvoiceDTO{},
		Wallets:  []WalletDTO{},
		Steps:    s.steps,
	}
	now := s.h.now()
	for _, id := range s.invoices {
		inv, err := s.h.Engine.Invoices.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		res.Invoices = append(res.Invoices, toInvoiceDTO(inv, now))
	}
	for _, id := range s.wallets {
		w, err := s.h.Engine.Wallets.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		res.Wallets = append(res.Wallets, toWalletDTO(w))
	}
	return res, nil
}
