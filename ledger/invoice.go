/*
invoice.go - Invoice aggregate and its status machine

PURPOSE:
  An Invoice bills one student for one term. It owns its items (fixed once
  approved) and its payments (append-only). Paid amount and balance are
  never stored: they are recomputed from the payments every time.

STATUS MACHINE:

  pending_approval --approve--> approved --pay (balance>0)--> partial
  approved --pay (balance reaches 0)--> paid
  partial  --pay (balance>0)--> partial
  partial  --pay (balance reaches 0)--> paid
  pending_approval/approved --cancel--> cancelled   [terminal]
  paid                                               [terminal]

  The table below is the only source of allowed transitions. Anything not
  in it is rejected with a TransitionError. No event decreases the paid
  amount, so the machine cannot move backward.

INVARIANTS:
  - Paid() == sum(Payments.Amount)
  - Balance() == Total - Paid() and Balance() >= 0
  - Payments[i].Reference unique

SEE ALSO:
  - reconcile.go: the only caller that mixes wallet debits with payments
  - store.go: persistence contract
*/
package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// STATUS
// =============================================================================

type InvoiceStatus string

const (
	StatusPendingApproval InvoiceStatus = "pending_approval"
	StatusApproved        InvoiceStatus = "approved"
	StatusPartial         InvoiceStatus = "partial"
	StatusPaid            InvoiceStatus = "paid"
	StatusCancelled       InvoiceStatus = "cancelled"
)

// Terminal reports whether no further event is accepted.
func (s InvoiceStatus) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

type InvoiceEvent string

const (
	EventApprove    InvoiceEvent = "approve"
	EventPayPartial InvoiceEvent = "pay_partial"
	EventPayInFull  InvoiceEvent = "pay_in_full"
	EventCancel     InvoiceEvent = "cancel"
)

var invoiceTransitions = map[InvoiceStatus]map[InvoiceEvent]InvoiceStatus{
	StatusPendingApproval: {
		EventApprove: StatusApproved,
		EventCancel:  StatusCancelled,
	},
	StatusApproved: {
		EventPayPartial: StatusPartial,
		EventPayInFull:  StatusPaid,
		EventCancel:     StatusCancelled,
	},
	StatusPartial: {
		EventPayPartial: StatusPartial,
		EventPayInFull:  StatusPaid,
	},
}

// NextStatus looks up the transition table.
func NextStatus(from InvoiceStatus, ev InvoiceEvent) (InvoiceStatus, bool) {
	to, ok := invoiceTransitions[from][ev]
	return to, ok
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceItem struct {
	Description string
	Quantity    int64
	UnitPrice   int64 // minor units
	Amount      int64 // Quantity * UnitPrice
	IsOptional  bool
}

// InvoiceDraft is what the enrollment collaborator submits.
type InvoiceDraft struct {
	StudentID  string
	GuardianID string
	TermID     string
	Currency   Currency
	DueDate    time.Time
	Items      []InvoiceItem
}

type Invoice struct {
	ID         InvoiceID
	StudentID  string
	GuardianID string
	TermID     string
	Currency   Currency
	Items      []InvoiceItem
	Total      Money
	Status     InvoiceStatus
	DueDate    time.Time
	CreatedAt  time.Time

	// Version increments on every persisted change and backs optimistic
	// concurrency in the store.
	Version int64

	Payments []Payment
}

// NewInvoice validates a draft and builds an invoice in pending_approval.
func NewInvoice(id InvoiceID, d InvoiceDraft, now time.Time) (*Invoice, error) {
	switch {
	case d.StudentID == "":
		return nil, invalid("student_id", "is required")
	case d.GuardianID == "":
		return nil, invalid("guardian_id", "is required")
	case d.TermID == "":
		return nil, invalid("term_id", "is required")
	case !d.Currency.Valid():
		return nil, invalid("currency", "invalid currency %q", d.Currency)
	case len(d.Items) == 0:
		return nil, invalid("items", "at least one item is required")
	}

	items := make([]InvoiceItem, len(d.Items))
	var total int64
	for i, it := range d.Items {
		if it.Description == "" {
			return nil, invalid("items", "item %d: description is required", i)
		}
		if it.Quantity <= 0 {
			return nil, invalid("items", "item %d: quantity must be positive", i)
		}
		if it.UnitPrice < 0 {
			return nil, invalid("items", "item %d: unit price must not be negative", i)
		}
		amount := it.Quantity * it.UnitPrice
		if it.UnitPrice != 0 && amount/it.UnitPrice != it.Quantity {
			return nil, invalid("items", "item %d: amount overflows", i)
		}
		if it.Amount != 0 && it.Amount != amount {
			return nil, invalid("items", "item %d: amount %d does not equal quantity x unit price %d", i, it.Amount, amount)
		}
		it.Amount = amount
		items[i] = it
		total += amount
		if total < 0 {
			return nil, invalid("items", "total overflows")
		}
	}

	return &Invoice{
		ID:         id,
		StudentID:  d.StudentID,
		GuardianID: d.GuardianID,
		TermID:     d.TermID,
		Currency:   d.Currency,
		Items:      items,
		Total:      Money{Minor: total, Currency: d.Currency},
		Status:     StatusPendingApproval,
		DueDate:    d.DueDate,
		CreatedAt:  now,
		Version:    1,
	}, nil
}

// Paid is the sum of all payments.
func (inv *Invoice) Paid() Money {
	paid := Money{Currency: inv.Currency}
	for _, p := range inv.Payments {
		paid = paid.Add(p.Amount)
	}
	return paid
}

func (inv *Invoice) Balance() Money {
	return inv.Total.Sub(inv.Paid())
}

func (inv *Invoice) IsOverdue(now time.Time) bool {
	return !inv.DueDate.IsZero() && now.After(inv.DueDate) && !inv.Status.Terminal() && inv.Balance().IsPositive()
}

func (inv *Invoice) PaymentByReference(ref string) (Payment, bool) {
	for _, p := range inv.Payments {
		if p.Reference == ref {
			return p, true
		}
	}
	return Payment{}, false
}

func (inv *Invoice) transition(ev InvoiceEvent) error {
	to, ok := NextStatus(inv.Status, ev)
	if !ok {
		return &TransitionError{InvoiceID: inv.ID, From: inv.Status, Event: ev}
	}
	inv.Status = to
	return nil
}

// Approve moves pending_approval to approved. Items and total are fixed from here on.
func (inv *Invoice) Approve() error {
	return inv.transition(EventApprove)
}

// Cancel is only possible before any payment exists.
func (inv *Invoice) Cancel() error {
	if len(inv.Payments) > 0 {
		return &TransitionError{InvoiceID: inv.ID, From: inv.Status, Event: EventCancel}
	}
	return inv.transition(EventCancel)
}

// ApplyPayment validates and appends p, then advances the status.
// The invoice is left untouched when an error is returned.
func (inv *Invoice) ApplyPayment(p Payment) error {
	if !p.Amount.IsPositive() {
		return invalid("amount", "must be positive")
	}
	if err := checkCurrency("currency", inv.Currency, p.Amount); err != nil {
		return err
	}
	if !p.Method.Valid() {
		return invalid("method", "unknown payment method %q", p.Method)
	}
	if p.Reference == "" {
		return invalid("reference", "is required")
	}
	if _, dup := inv.PaymentByReference(p.Reference); dup {
		return ErrDuplicateReference
	}

	ev := EventPayPartial
	balance := inv.Balance()
	if p.Amount.GreaterThan(balance) {
		// Only overpayment once the invoice accepts payments at all.
		if _, ok := NextStatus(inv.Status, ev); !ok {
			return &TransitionError{InvoiceID: inv.ID, From: inv.Status, Event: ev}
		}
		return &OverpaymentError{InvoiceID: inv.ID, Balance: balance, Requested: p.Amount}
	}
	if p.Amount == balance {
		ev = EventPayInFull
	}
	if err := inv.transition(ev); err != nil {
		return err
	}
	inv.Payments = append(inv.Payments, p)
	return nil
}

// =============================================================================
// INVOICE SERVICE - Persisted operations on the aggregate
// =============================================================================

// PaymentResult is returned by AddPayment. Duplicate is set when the
// reference was already recorded and nothing changed.
type PaymentResult struct {
	Invoice   *Invoice
	Payment   Payment
	Duplicate bool
}

// Invoices exposes the invoice operations. Each mutation runs under the
// invoice's lock and inside one store transaction.
type Invoices struct {
	deps
}

func (s *Invoices) Create(ctx context.Context, d InvoiceDraft) (*Invoice, error) {
	d.Currency = NormalizeCurrency(string(d.Currency))
	inv, err := NewInvoice(InvoiceID(newID("inv")), d, s.clock())
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertInvoice(ctx, inv); err != nil {
		return nil, err
	}
	s.log.Info("invoice created",
		zap.String("invoice_id", string(inv.ID)),
		zap.String("student_id", inv.StudentID),
		zap.String("term_id", inv.TermID),
		zap.Int64("total", inv.Total.Minor),
		zap.String("currency", string(inv.Currency)),
	)
	return inv, nil
}

func (s *Invoices) Get(ctx context.Context, id InvoiceID) (*Invoice, error) {
	return loadInvoice(ctx, s.store, id)
}

func (s *Invoices) ListByGuardian(ctx context.Context, guardianID string) ([]*Invoice, error) {
	invs, err := s.store.ListInvoicesByGuardian(ctx, guardianID)
	if err != nil {
		return nil, err
	}
	for _, inv := range invs {
		if inv.Payments, err = s.store.Payments(ctx, inv.ID); err != nil {
			return nil, err
		}
	}
	return invs, nil
}

func (s *Invoices) Approve(ctx context.Context, id InvoiceID) (*Invoice, error) {
	return s.mutate(ctx, id, (*Invoice).Approve)
}

func (s *Invoices) Cancel(ctx context.Context, id InvoiceID) (*Invoice, error) {
	return s.mutate(ctx, id, (*Invoice).Cancel)
}

func (s *Invoices) mutate(ctx context.Context, id InvoiceID, fn func(*Invoice) error) (*Invoice, error) {
	unlock := s.locks.Lock(invoiceKey(id))
	defer unlock()

	var out *Invoice
	err := s.retry(ctx, func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			inv, err := loadInvoice(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := fn(inv); err != nil {
				return err
			}
			if err := tx.UpdateInvoiceStatus(ctx, inv.ID, inv.Version, inv.Status); err != nil {
				return err
			}
			inv.Version++
			out = inv
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("invoice status changed",
		zap.String("invoice_id", string(out.ID)),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

// AddPayment records a cash or gateway payment directly against an invoice.
// Wallet-funded payments must go through Engine.Submit, which debits the
// wallet in the same transaction. A repeated reference returns the original
// payment with Duplicate set.
func (s *Invoices) AddPayment(ctx context.Context, id InvoiceID, amount Money, method PaymentMethod, reference string) (*PaymentResult, error) {
	if method == MethodWallet {
		return nil, invalid("method", "wallet payments must debit the wallet; use Engine.Submit")
	}
	unlock := s.locks.Lock(invoiceKey(id))
	var res *PaymentResult
	err := s.retry(ctx, func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			r, err := s.addPaymentTx(ctx, tx, id, amount, method, reference)
			res = r
			return err
		})
	})
	unlock()
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		s.emitPaymentRecorded(ctx, res)
	}
	return res, nil
}

// addPaymentTx is the transactional core of AddPayment. The caller holds the
// invoice lock and owns tx.
func (s *Invoices) addPaymentTx(ctx context.Context, tx Store, id InvoiceID, amount Money, method PaymentMethod, reference string) (*PaymentResult, error) {
	if reference == "" {
		return nil, invalid("reference", "is required")
	}
	if prior, err := tx.PaymentByReference(ctx, reference); err != nil {
		return nil, err
	} else if prior != nil {
		if prior.InvoiceID != id || prior.Amount != amount {
			return nil, ErrReferenceConflict
		}
		inv, err := loadInvoice(ctx, tx, prior.InvoiceID)
		if err != nil {
			return nil, err
		}
		return &PaymentResult{Invoice: inv, Payment: *prior, Duplicate: true}, nil
	}

	inv, err := loadInvoice(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	p := Payment{
		ID:         PaymentID(newID("pay")),
		InvoiceID:  id,
		Amount:     amount,
		Method:     method,
		Reference:  reference,
		RecordedAt: s.clock(),
	}
	if err := inv.ApplyPayment(p); err != nil {
		return nil, err
	}
	if err := tx.AppendPayment(ctx, p); err != nil {
		return nil, err
	}
	if err := tx.UpdateInvoiceStatus(ctx, inv.ID, inv.Version, inv.Status); err != nil {
		return nil, err
	}
	inv.Version++
	return &PaymentResult{Invoice: inv, Payment: p}, nil
}

func (s *Invoices) emitPaymentRecorded(ctx context.Context, res *PaymentResult) {
	inv := res.Invoice
	s.events.PaymentRecorded(ctx, PaymentRecorded{
		InvoiceID:  inv.ID,
		GuardianID: inv.GuardianID,
		StudentID:  inv.StudentID,
		PaymentID:  res.Payment.ID,
		Reference:  res.Payment.Reference,
		Method:     res.Payment.Method,
		Amount:     res.Payment.Amount,
		Balance:    inv.Balance(),
		Status:     inv.Status,
		RecordedAt: res.Payment.RecordedAt,
	})
}

func loadInvoice(ctx context.Context, s Store, id InvoiceID) (*Invoice, error) {
	inv, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Payments, err = s.Payments(ctx, id); err != nil {
		return nil, err
	}
	return inv, nil
}

func invoiceKey(id InvoiceID) string { return "invoice:" + string(id) }
