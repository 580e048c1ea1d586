/*
reconcile.go - Reconciliation engine

PURPOSE:
  Applies payment events to invoices and wallets exactly once. Every event
  carries a reference; the Reconciliation record for that reference is the
  single authority on whether the event has already taken effect.

FLOWS:
  Submit (wallet or cash payment against an invoice):
    1. Inside one store transaction, look up the record for the reference.
       Known -> return the stored result, nothing changes.
    2. Wallet-funded: debit the wallet. Insufficient funds aborts here and
       the invoice is not touched.
    3. Append the payment to the invoice.
    4. Insert the record as "applied" with the balances after.
    Steps 1-4 commit or roll back together, so a crash cannot leave a debit
    without its payment or a payment without its record.

  BeginCheckout / ApplyGatewayEvent (hosted checkout):
    - BeginCheckout stores a "pending" record with an expiry, then calls the
      provider with no lock held.
    - The callback resolves the record once: applied, failed or expired.
      Wallet top-ups (no invoice) skip the invoice step.
    - A record past its expiry is resolved as expired and the late callback
      is not honored.

  Local business failures (insufficient funds, overpayment, invalid
  transition) are returned and not recorded, so a corrected retry with the
  same reference can still succeed.

LOCKING:
  invoice and wallet keys are taken together, in sorted order, by
  KeyedLocker. Conflicts between processes surface as
  ErrConcurrentModification from the store and the whole unit is retried.

SEE ALSO:
  - invoice.go, wallet.go: the transactional cores used here
  - gateway/: signature verification and normalization
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/fee-ledger/gateway"
)

// =============================================================================
// RECONCILIATION RECORD
// =============================================================================

type ReconciliationStatus string

const (
	ReconPending ReconciliationStatus = "pending"
	ReconApplied ReconciliationStatus = "applied"
	ReconFailed  ReconciliationStatus = "failed"
	ReconExpired ReconciliationStatus = "expired"
)

func (s ReconciliationStatus) Terminal() bool { return s != ReconPending }

// Source is where a payment event came from.
type Source string

const (
	SourceWallet  Source = "wallet"
	SourceCash    Source = "cash"
	SourceGateway Source = "gateway"
)

// Reconciliation is the idempotency record for one reference. It moves out
// of pending at most once.
type Reconciliation struct {
	Reference string
	Source    Source
	InvoiceID *InvoiceID
	WalletID  *WalletID
	Amount    Money
	Status    ReconciliationStatus

	PaymentID           *PaymentID
	WalletTxID          *WalletTxID
	InvoiceBalanceAfter *Money
	WalletBalanceAfter  *Money
	Reason              string

	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outcome is the result of applying (or replaying) a payment event.
type Outcome struct {
	Reconciliation    Reconciliation
	Invoice           *Invoice
	Payment           *Payment
	WalletTransaction *WalletTransaction
	Duplicate         bool

	// recorded is set when this call appended a new payment.
	recorded bool
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the entry point of the ledger. Invoices and Wallets share its
// store, locks and clock.
type Engine struct {
	deps
	Invoices *Invoices
	Wallets  *Wallets

	provider    gateway.Provider
	checkoutTTL time.Duration
}

func New(store Store, opts ...Option) *Engine {
	o := options{
		log:         zap.NewNop(),
		clock:       systemClock,
		retries:     DefaultRetries,
		checkoutTTL: DefaultCheckoutTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.events == nil {
		o.events = NewLogSink(o.log)
	}

	d := deps{
		store:   store,
		locks:   NewKeyedLocker(),
		events:  o.events,
		log:     o.log,
		clock:   o.clock,
		retries: o.retries,
	}
	return &Engine{
		deps:        d,
		Invoices:    &Invoices{deps: d},
		Wallets:     &Wallets{deps: d},
		provider:    o.provider,
		checkoutTTL: o.checkoutTTL,
	}
}

// Lookup returns the stored record for a reference.
func (e *Engine) Lookup(ctx context.Context, reference string) (*Reconciliation, error) {
	return e.store.GetReconciliation(ctx, reference)
}

// =============================================================================
// SUBMIT - Locally initiated payments
// =============================================================================

// PaymentRequest is a wallet or cash payment against an invoice.
type PaymentRequest struct {
	InvoiceID InvoiceID
	Amount    Money
	Method    PaymentMethod
	Reference string
	WalletID  WalletID // required for MethodWallet
}

func (r PaymentRequest) validate() error {
	switch {
	case r.InvoiceID == "":
		return invalid("invoice_id", "is required")
	case r.Reference == "":
		return invalid("reference", "is required")
	case !r.Amount.IsPositive():
		return invalid("amount", "must be positive")
	case !r.Amount.Currency.Valid():
		return invalid("currency", "invalid currency %q", r.Amount.Currency)
	}
	switch r.Method {
	case MethodWallet:
		if r.WalletID == "" {
			return invalid("wallet_id", "is required for wallet payments")
		}
	case MethodCash:
	case MethodGateway:
		return invalid("method", "gateway payments are opened with a checkout")
	default:
		return invalid("method", "unknown payment method %q", r.Method)
	}
	return nil
}

func (r PaymentRequest) source() Source {
	if r.Method == MethodWallet {
		return SourceWallet
	}
	return SourceCash
}

// Submit applies a wallet or cash payment exactly once per reference.
func (e *Engine) Submit(ctx context.Context, req PaymentRequest) (*Outcome, error) {
	req.Amount.Currency = NormalizeCurrency(string(req.Amount.Currency))
	if err := req.validate(); err != nil {
		return nil, err
	}

	keys := []string{invoiceKey(req.InvoiceID)}
	if req.Method == MethodWallet {
		keys = append(keys, walletKey(req.WalletID))
	}
	unlock := e.locks.Lock(keys...)
	var out *Outcome
	err := e.retry(ctx, func() error {
		return e.store.WithTx(ctx, func(tx Store) error {
			o, err := e.submitTx(ctx, tx, req)
			out = o
			return err
		})
	})
	// Sinks run without the entity locks.
	unlock()
	if err != nil {
		e.log.Info("payment rejected",
			zap.String("reference", req.Reference),
			zap.String("invoice_id", string(req.InvoiceID)),
			zap.String("method", string(req.Method)),
			zap.Error(err),
		)
		return nil, err
	}
	if out.recorded {
		e.Invoices.emitPaymentRecorded(ctx, &PaymentResult{Invoice: out.Invoice, Payment: *out.Payment})
	}
	return out, nil
}

func (e *Engine) submitTx(ctx context.Context, tx Store, req PaymentRequest) (*Outcome, error) {
	rec, err := tx.GetReconciliation(ctx, req.Reference)
	switch {
	case err == nil:
		if rec.Source != req.source() || rec.InvoiceID == nil || *rec.InvoiceID != req.InvoiceID || rec.Amount != req.Amount {
			return nil, ErrReferenceConflict
		}
		if rec.Source == SourceWallet && (rec.WalletID == nil || *rec.WalletID != req.WalletID) {
			return nil, ErrReferenceConflict
		}
		return loadOutcome(ctx, tx, rec)
	case !errors.Is(err, ErrReconciliationNotFound):
		return nil, err
	}

	now := e.clock()
	out := &Outcome{}
	rec = &Reconciliation{
		Reference: req.Reference,
		Source:    req.source(),
		InvoiceID: &req.InvoiceID,
		Amount:    req.Amount,
		Status:    ReconApplied,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if req.Method == MethodWallet {
		invoiceID := req.InvoiceID
		debit, err := e.Wallets.debitTx(ctx, tx, req.WalletID, req.Amount, req.Reference, &invoiceID, "invoice payment")
		if err != nil {
			return nil, err
		}
		if debit.Duplicate {
			// A direct debit already used this reference.
			return nil, ErrReferenceConflict
		}
		walletID := req.WalletID
		bal := debit.Wallet.Balance()
		rec.WalletID = &walletID
		rec.WalletTxID = &debit.Transaction.ID
		rec.WalletBalanceAfter = &bal
		out.WalletTransaction = &debit.Transaction
	}

	pay, err := e.Invoices.addPaymentTx(ctx, tx, req.InvoiceID, req.Amount, req.Method, req.Reference)
	if err != nil {
		return nil, err
	}
	if pay.Duplicate && (req.Method == MethodWallet || pay.Payment.Method != req.Method) {
		return nil, ErrReferenceConflict
	}
	bal := pay.Invoice.Balance()
	rec.PaymentID = &pay.Payment.ID
	rec.InvoiceBalanceAfter = &bal
	out.Invoice = pay.Invoice
	out.Payment = &pay.Payment

	if err := tx.InsertReconciliation(ctx, *rec); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			// Another process recorded the reference first; the retry replays it.
			return nil, ErrConcurrentModification
		}
		return nil, err
	}
	out.Reconciliation = *rec
	// A cash payment recorded directly before its reconciliation is adopted
	// but not announced a second time.
	out.Duplicate = pay.Duplicate
	out.recorded = !pay.Duplicate
	return out, nil
}

// =============================================================================
// GATEWAY - Hosted checkout and callbacks
// =============================================================================

// CheckoutRequest opens a hosted checkout. InvoiceID set pays an invoice;
// WalletID alone tops up the wallet. With both set the wallet receives the
// money if the invoice can no longer accept it when the callback arrives.
type CheckoutRequest struct {
	Reference   string
	InvoiceID   *InvoiceID
	WalletID    *WalletID
	Amount      Money
	Description string
}

type Checkout struct {
	Reconciliation Reconciliation
	Session        *gateway.CheckoutSession
}

// BeginCheckout records a pending reference and asks the provider for a
// checkout page. The provider call happens with no lock held.
func (e *Engine) BeginCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if e.provider == nil {
		return nil, fmt.Errorf("%w: no provider configured", ErrGatewayUnavailable)
	}
	req.Amount.Currency = NormalizeCurrency(string(req.Amount.Currency))
	if req.Reference == "" {
		req.Reference = NewReference("gw")
	}
	if err := e.checkCheckoutTarget(ctx, req); err != nil {
		return nil, err
	}

	now := e.clock()
	expires := now.Add(e.checkoutTTL)
	rec := Reconciliation{
		Reference: req.Reference,
		Source:    SourceGateway,
		InvoiceID: req.InvoiceID,
		WalletID:  req.WalletID,
		Amount:    req.Amount,
		Status:    ReconPending,
		ExpiresAt: &expires,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.InsertReconciliation(ctx, rec); err != nil {
		if !errors.Is(err, ErrDuplicateReference) {
			return nil, err
		}
		prior, err := e.store.GetReconciliation(ctx, req.Reference)
		if err != nil {
			return nil, err
		}
		if prior.Status != ReconPending || !sameTarget(*prior, rec) {
			return nil, ErrReferenceConflict
		}
		// Reopening a pending checkout; providers key on the reference.
		rec = *prior
	}

	sess, err := e.provider.CreateCheckout(ctx, gateway.CheckoutRequest{
		Reference:   rec.Reference,
		Amount:      rec.Amount.Minor,
		Currency:    string(rec.Amount.Currency),
		Exponent:    rec.Amount.Currency.Exponent(),
		Description: req.Description,
		ExpiresAt:   *rec.ExpiresAt,
	})
	if err != nil {
		e.log.Error("checkout creation failed",
			zap.String("reference", rec.Reference),
			zap.Error(err),
		)
		rec.Status = ReconFailed
		rec.Reason = "provider: " + err.Error()
		rec.UpdatedAt = e.clock()
		if rerr := e.store.ResolveReconciliation(ctx, rec); rerr != nil && !IsRetryable(rerr) {
			return nil, rerr
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	e.log.Info("checkout opened",
		zap.String("reference", rec.Reference),
		zap.Int64("amount", rec.Amount.Minor),
		zap.Time("expires_at", *rec.ExpiresAt),
	)
	return &Checkout{Reconciliation: rec, Session: sess}, nil
}

// checkCheckoutTarget rejects checkouts that could never be applied. The
// callback re-checks everything; this only catches mistakes early.
func (e *Engine) checkCheckoutTarget(ctx context.Context, req CheckoutRequest) error {
	if !req.Amount.IsPositive() {
		return invalid("amount", "must be positive")
	}
	if !req.Amount.Currency.Valid() {
		return invalid("currency", "invalid currency %q", req.Amount.Currency)
	}
	if req.InvoiceID == nil && req.WalletID == nil {
		return invalid("invoice_id", "invoice_id or wallet_id is required")
	}
	if req.WalletID != nil {
		w, err := e.store.GetWallet(ctx, *req.WalletID)
		if err != nil {
			return err
		}
		if err := checkCurrency("currency", w.Currency, req.Amount); err != nil {
			return err
		}
	}
	if req.InvoiceID != nil {
		inv, err := loadInvoice(ctx, e.store, *req.InvoiceID)
		if err != nil {
			return err
		}
		if err := checkCurrency("currency", inv.Currency, req.Amount); err != nil {
			return err
		}
		if _, ok := NextStatus(inv.Status, EventPayPartial); !ok {
			return &TransitionError{InvoiceID: inv.ID, From: inv.Status, Event: EventPayPartial}
		}
		if bal := inv.Balance(); req.Amount.GreaterThan(bal) {
			return &OverpaymentError{InvoiceID: inv.ID, Balance: bal, Requested: req.Amount}
		}
	}
	return nil
}

// ApplyGatewayEvent resolves the pending record for a verified callback.
// Replays of a resolved reference return the stored outcome with Duplicate
// set. A callback arriving after expiry resolves the record as expired and
// applies nothing.
func (e *Engine) ApplyGatewayEvent(ctx context.Context, ev gateway.Event) (*Outcome, error) {
	rec, err := e.store.GetReconciliation(ctx, ev.Reference)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return loadOutcome(ctx, e.store, rec)
	}
	if rec.Source != SourceGateway {
		return nil, ErrReferenceConflict
	}
	if ev.Amount != rec.Amount.Minor || NormalizeCurrency(ev.Currency) != rec.Amount.Currency {
		e.log.Warn("gateway event does not match checkout",
			zap.String("reference", ev.Reference),
			zap.Int64("expected", rec.Amount.Minor),
			zap.Int64("received", ev.Amount),
			zap.String("currency", ev.Currency),
		)
		return nil, &ValidationError{Field: "amount", Message: "does not match the checkout"}
	}

	var keys []string
	if rec.InvoiceID != nil {
		keys = append(keys, invoiceKey(*rec.InvoiceID))
	}
	if rec.WalletID != nil {
		keys = append(keys, walletKey(*rec.WalletID))
	}
	unlock := e.locks.Lock(keys...)
	var out *Outcome
	err = e.retry(ctx, func() error {
		return e.store.WithTx(ctx, func(tx Store) error {
			o, err := e.applyGatewayTx(ctx, tx, ev)
			out = o
			return err
		})
	})
	unlock()
	if err != nil {
		return nil, err
	}

	r := out.Reconciliation
	if out.Duplicate {
		return out, nil
	}
	switch r.Status {
	case ReconApplied:
		e.log.Info("gateway payment applied",
			zap.String("reference", r.Reference),
			zap.Int64("amount", r.Amount.Minor),
			zap.String("reason", r.Reason),
		)
		if out.recorded {
			e.Invoices.emitPaymentRecorded(ctx, &PaymentResult{Invoice: out.Invoice, Payment: *out.Payment})
		}
	case ReconFailed:
		if ev.Succeeded() {
			// Money was taken but could not be applied anywhere.
			e.log.Error("gateway payment could not be applied",
				zap.String("reference", r.Reference),
				zap.String("reason", r.Reason),
			)
		} else {
			e.log.Info("gateway payment failed", zap.String("reference", r.Reference))
		}
	case ReconExpired:
		e.log.Warn("late gateway callback ignored",
			zap.String("reference", r.Reference),
			zap.String("status", string(ev.Status)),
		)
	}
	return out, nil
}

func (e *Engine) applyGatewayTx(ctx context.Context, tx Store, ev gateway.Event) (*Outcome, error) {
	rec, err := tx.GetReconciliation(ctx, ev.Reference)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return loadOutcome(ctx, tx, rec)
	}

	now := e.clock()
	rec.UpdatedAt = now
	out := &Outcome{}

	switch {
	case rec.ExpiresAt != nil && now.After(*rec.ExpiresAt):
		rec.Status = ReconExpired
		rec.Reason = "callback received after checkout expired"
	case !ev.Succeeded():
		rec.Status = ReconFailed
		rec.Reason = "provider reported failure"
	case rec.InvoiceID != nil:
		if err := e.applyToInvoice(ctx, tx, rec, out); err != nil {
			return nil, err
		}
	default:
		if err := e.creditWallet(ctx, tx, rec, out, "gateway top-up"); err != nil {
			return nil, err
		}
	}

	if err := tx.ResolveReconciliation(ctx, *rec); err != nil {
		return nil, err
	}
	out.Reconciliation = *rec
	return out, nil
}

// applyToInvoice adds the gateway payment to the invoice. When the invoice
// rejects it (paid meanwhile, cancelled, overpaid) the money goes to the
// fallback wallet if there is one, otherwise the record fails with the reason.
func (e *Engine) applyToInvoice(ctx context.Context, tx Store, rec *Reconciliation, out *Outcome) error {
	pay, err := e.Invoices.addPaymentTx(ctx, tx, *rec.InvoiceID, rec.Amount, MethodGateway, rec.Reference)
	if err != nil {
		if !IsClientError(err) {
			return err
		}
		if rec.WalletID != nil {
			rec.Reason = "invoice rejected payment, credited to wallet: " + err.Error()
			return e.creditWallet(ctx, tx, rec, out, "gateway payment not applicable to invoice")
		}
		rec.Status = ReconFailed
		rec.Reason = err.Error()
		return nil
	}
	bal := pay.Invoice.Balance()
	rec.Status = ReconApplied
	rec.PaymentID = &pay.Payment.ID
	rec.InvoiceBalanceAfter = &bal
	out.Invoice = pay.Invoice
	out.Payment = &pay.Payment
	out.recorded = !pay.Duplicate
	return nil
}

func (e *Engine) creditWallet(ctx context.Context, tx Store, rec *Reconciliation, out *Outcome, description string) error {
	credit, err := e.Wallets.creditTx(ctx, tx, *rec.WalletID, rec.Amount, rec.Reference, description)
	if err != nil {
		if !IsClientError(err) {
			return err
		}
		rec.Status = ReconFailed
		rec.Reason = err.Error()
		return nil
	}
	bal := credit.Wallet.Balance()
	rec.Status = ReconApplied
	rec.WalletTxID = &credit.Transaction.ID
	rec.WalletBalanceAfter = &bal
	out.WalletTransaction = &credit.Transaction
	return nil
}

// ExpireStale resolves every pending checkout past its expiry as expired and
// returns how many it resolved. A record resolved concurrently is skipped.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	now := e.clock()
	pending, err := e.store.PendingReconciliations(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec.Status = ReconExpired
		rec.Reason = "checkout expired without callback"
		rec.UpdatedAt = now
		if err := e.store.ResolveReconciliation(ctx, rec); err != nil {
			if IsRetryable(err) {
				continue
			}
			return n, err
		}
		n++
		e.log.Info("checkout expired", zap.String("reference", rec.Reference))
	}
	return n, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// loadOutcome rebuilds the result of an already resolved reference.
func loadOutcome(ctx context.Context, s Store, rec *Reconciliation) (*Outcome, error) {
	out := &Outcome{Reconciliation: *rec, Duplicate: true}
	if rec.PaymentID != nil {
		p, err := s.PaymentByReference(ctx, rec.Reference)
		if err != nil {
			return nil, err
		}
		out.Payment = p
	}
	if rec.InvoiceID != nil {
		inv, err := loadInvoice(ctx, s, *rec.InvoiceID)
		if err != nil {
			return nil, err
		}
		out.Invoice = inv
	}
	if rec.WalletTxID != nil {
		t, err := s.WalletTransactionByReference(ctx, rec.Reference)
		if err != nil {
			return nil, err
		}
		out.WalletTransaction = t
	}
	return out, nil
}

func sameTarget(a, b Reconciliation) bool {
	return a.Source == b.Source &&
		a.Amount == b.Amount &&
		eqPtr(a.InvoiceID, b.InvoiceID) &&
		eqPtr(a.WalletID, b.WalletID)
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
