// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one RWMutex. Records are
// stored and returned by value so callers never share memory with the store.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	invoices     map[ledger.InvoiceID]ledger.Invoice
	payments     map[ledger.InvoiceID][]ledger.Payment
	paymentRefs  map[string]ledger.Payment
	wallets      map[ledger.WalletID]ledger.Wallet
	walletTxs    map[ledger.WalletID][]ledger.WalletTransaction
	walletTxRefs map[string]ledger.WalletTransaction
	recons       map[string]ledger.Reconciliation
}

func newState() *state {
	return &state{
		invoices:     make(map[ledger.InvoiceID]ledger.Invoice),
		payments:     make(map[ledger.InvoiceID][]ledger.Payment),
		paymentRefs:  make(map[string]ledger.Payment),
		wallets:      make(map[ledger.WalletID]ledger.Wallet),
		walletTxs:    make(map[ledger.WalletID][]ledger.WalletTransaction),
		walletTxRefs: make(map[string]ledger.WalletTransaction),
		recons:       make(map[string]ledger.Reconciliation),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ ledger.Store = (*Memory)(nil)

func (m *Memory) read(fn func(s *state) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.st)
}

func (m *Memory) write(fn func(s *state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func (m *Memory) InsertInvoice(_ context.Context, inv *ledger.Invoice) error {
	return m.write(func(s *state) error { return s.insertInvoice(inv) })
}

func (m *Memory) GetInvoice(_ context.Context, id ledger.InvoiceID) (inv *ledger.Invoice, err error) {
	err = m.read(func(s *state) error { inv, err = s.getInvoice(id); return err })
	return inv, err
}

func (m *Memory) ListInvoicesByGuardian(_ context.Context, guardianID string) (out []*ledger.Invoice, err error) {
	err = m.read(func(s *state) error { out = s.listInvoicesByGuardian(guardianID); return nil })
	return out, err
}

func (m *Memory) UpdateInvoiceStatus(_ context.Context, id ledger.InvoiceID, expectedVersion int64, status ledger.InvoiceStatus) error {
	return m.write(func(s *state) error { return s.updateInvoiceStatus(id, expectedVersion, status) })
}

func (m *Memory) AppendPayment(_ context.Context, p ledger.Payment) error {
	return m.write(func(s *state) error { return s.appendPayment(p) })
}

func (m *Memory) Payments(_ context.Context, invoiceID ledger.InvoiceID) (out []ledger.Payment, err error) {
	err = m.read(func(s *state) error { out = s.paymentsOf(invoiceID); return nil })
	return out, err
}

func (m *Memory) PaymentByReference(_ context.Context, reference string) (p *ledger.Payment, err error) {
	err = m.read(func(s *state) error { p = s.paymentByReference(reference); return nil })
	return p, err
}

func (m *Memory) InsertWallet(_ context.Context, w *ledger.Wallet) error {
	return m.write(func(s *state) error { return s.insertWallet(w) })
}

func (m *Memory) GetWallet(_ context.Context, id ledger.WalletID) (w *ledger.Wallet, err error) {
	err = m.read(func(s *state) error { w, err = s.getWallet(id); return err })
	return w, err
}

func (m *Memory) TouchWallet(_ context.Context, id ledger.WalletID, expectedVersion int64) error {
	return m.write(func(s *state) error { return s.touchWallet(id, expectedVersion) })
}

func (m *Memory) AppendWalletTransaction(_ context.Context, t ledger.WalletTransaction) error {
	return m.write(func(s *state) error { return s.appendWalletTransaction(t) })
}

func (m *Memory) WalletTransactions(_ context.Context, walletID ledger.WalletID) (out []ledger.WalletTransaction, err error) {
	err = m.read(func(s *state) error { out = s.walletTransactionsOf(walletID); return nil })
	return out, err
}

func (m *Memory) WalletTransactionByReference(_ context.Context, reference string) (t *ledger.WalletTransaction, err error) {
	err = m.read(func(s *state) error { t = s.walletTransactionByReference(reference); return nil })
	return t, err
}

func (m *Memory) InsertReconciliation(_ context.Context, rec ledger.Reconciliation) error {
	return m.write(func(s *state) error { return s.insertReconciliation(rec) })
}

func (m *Memory) GetReconciliation(_ context.Context, reference string) (rec *ledger.Reconciliation, err error) {
	err = m.read(func(s *state) error { rec, err = s.getReconciliation(reference); return err })
	return rec, err
}

func (m *Memory) ResolveReconciliation(_ context.Context, rec ledger.Reconciliation) error {
	return m.write(func(s *state) error { return s.resolveReconciliation(rec) })
}

func (m *Memory) PendingReconciliations(_ context.Context, expiredBefore time.Time) (out []ledger.Reconciliation, err error) {
	err = m.read(func(s *state) error { out = s.pendingReconciliations(expiredBefore); return nil })
	return out, err
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The store stays write-locked for the duration of fn.
func (m *Memory) WithTx(ctx context.Context, fn func(tx ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// =============================================================================
// TABLE OPERATIONS - Callers hold the lock
// =============================================================================

func (s *state) insertInvoice(inv *ledger.Invoice) error {
	if _, ok := s.invoices[inv.ID]; ok {
		return ledger.ErrDuplicateReference
	}
	row := *inv
	row.Items = append([]ledger.InvoiceItem(nil), inv.Items...)
	row.Payments = nil
	s.invoices[inv.ID] = row
	return nil
}

func (s *state) getInvoice(id ledger.InvoiceID) (*ledger.Invoice, error) {
	row, ok := s.invoices[id]
	if !ok {
		return nil, ledger.ErrInvoiceNotFound
	}
	row.Items = append([]ledger.InvoiceItem(nil), row.Items...)
	return &row, nil
}

func (s *state) listInvoicesByGuardian(guardianID string) []*ledger.Invoice {
	var out []*ledger.Invoice
	for id, row := range s.invoices {
		if row.GuardianID == guardianID {
			inv, _ := s.getInvoice(id)
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *state) updateInvoiceStatus(id ledger.InvoiceID, expectedVersion int64, status ledger.InvoiceStatus) error {
	row, ok := s.invoices[id]
	if !ok {
		return ledger.ErrInvoiceNotFound
	}
	if row.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	row.Status = status
	row.Version++
	s.invoices[id] = row
	return nil
}

func (s *state) appendPayment(p ledger.Payment) error {
	if _, ok := s.invoices[p.InvoiceID]; !ok {
		return ledger.ErrInvoiceNotFound
	}
	if _, ok := s.paymentRefs[p.Reference]; ok {
		return ledger.ErrDuplicateReference
	}
	s.payments[p.InvoiceID] = append(s.payments[p.InvoiceID], p)
	s.paymentRefs[p.Reference] = p
	return nil
}

func (s *state) paymentsOf(invoiceID ledger.InvoiceID) []ledger.Payment {
	return append([]ledger.Payment(nil), s.payments[invoiceID]...)
}

func (s *state) paymentByReference(reference string) *ledger.Payment {
	p, ok := s.paymentRefs[reference]
	if !ok {
		return nil
	}
	return &p
}

func (s *state) insertWallet(w *ledger.Wallet) error {
	if _, ok := s.wallets[w.ID]; ok {
		return ledger.ErrDuplicateReference
	}
	row := *w
	row.Transactions = nil
	s.wallets[w.ID] = row
	return nil
}

func (s *state) getWallet(id ledger.WalletID) (*ledger.Wallet, error) {
	row, ok := s.wallets[id]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	return &row, nil
}

func (s *state) touchWallet(id ledger.WalletID, expectedVersion int64) error {
	row, ok := s.wallets[id]
	if !ok {
		return ledger.ErrWalletNotFound
	}
	if row.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	row.Version++
	s.wallets[id] = row
	return nil
}

func (s *state) appendWalletTransaction(t ledger.WalletTransaction) error {
	if _, ok := s.wallets[t.WalletID]; !ok {
		return ledger.ErrWalletNotFound
	}
	if _, ok := s.walletTxRefs[t.Reference]; ok {
		return ledger.ErrDuplicateReference
	}
	s.walletTxs[t.WalletID] = append(s.walletTxs[t.WalletID], t)
	s.walletTxRefs[t.Reference] = t
	return nil
}

func (s *state) walletTransactionsOf(walletID ledger.WalletID) []ledger.WalletTransaction {
	return append([]ledger.WalletTransaction(nil), s.walletTxs[walletID]...)
}

func (s *state) walletTransactionByReference(reference string) *ledger.WalletTransaction {
	t, ok := s.walletTxRefs[reference]
	if !ok {
		return nil
	}
	return &t
}

func (s *state) insertReconciliation(rec ledger.Reconciliation) error {
	if _, ok := s.recons[rec.Reference]; ok {
		return ledger.ErrDuplicateReference
	}
	s.recons[rec.Reference] = rec
	return nil
}

func (s *state) getReconciliation(reference string) (*ledger.Reconciliation, error) {
	rec, ok := s.recons[reference]
	if !ok {
		return nil, ledger.ErrReconciliationNotFound
	}
	return &rec, nil
}

func (s *state) resolveReconciliation(rec ledger.Reconciliation) error {
	cur, ok := s.recons[rec.Reference]
	if !ok {
		return ledger.ErrReconciliationNotFound
	}
	if cur.Status != ledger.ReconPending {
		return ledger.ErrConcurrentModification
	}
	// Identity columns never change.
	rec.Source, rec.InvoiceID, rec.WalletID, rec.Amount = cur.Source, cur.InvoiceID, cur.WalletID, cur.Amount
	rec.ExpiresAt, rec.CreatedAt = cur.ExpiresAt, cur.CreatedAt
	s.recons[rec.Reference] = rec
	return nil
}

func (s *state) pendingReconciliations(expiredBefore time.Time) []ledger.Reconciliation {
	var out []ledger.Reconciliation
	for _, rec := range s.recons {
		if rec.Status == ledger.ReconPending && rec.ExpiresAt != nil && rec.ExpiresAt.Before(expiredBefore) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = append([]ledger.Payment(nil), v...)
	}
	for k, v := range s.paymentRefs {
		c.paymentRefs[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.walletTxs {
		c.walletTxs[k] = append([]ledger.WalletTransaction(nil), v...)
	}
	for k, v := range s.walletTxRefs {
		c.walletTxRefs[k] = v
	}
	for k, v := range s.recons {
		c.recons[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// txView runs against the state while the parent's write lock is held.
type txView struct {
	st *state
}

func (v *txView) InsertInvoice(_ context.Context, inv *ledger.Invoice) error {
	return v.st.insertInvoice(inv)
}

func (v *txView) GetInvoice(_ context.Context, id ledger.InvoiceID) (*ledger.Invoice, error) {
	return v.st.getInvoice(id)
}

func (v *txView) ListInvoicesByGuardian(_ context.Context, guardianID string) ([]*ledger.Invoice, error) {
	return v.st.listInvoicesByGuardian(guardianID), nil
}

func (v *txView) UpdateInvoiceStatus(_ context.Context, id ledger.InvoiceID, expectedVersion int64, status ledger.InvoiceStatus) error {
	return v.st.updateInvoiceStatus(id, expectedVersion, status)
}

func (v *txView) AppendPayment(_ context.Context, p ledger.Payment) error {
	return v.st.appendPayment(p)
}

func (v *txView) Payments(_ context.Context, invoiceID ledger.InvoiceID) ([]ledger.Payment, error) {
	return v.st.paymentsOf(invoiceID), nil
}

func (v *txView) PaymentByReference(_ context.Context, reference string) (*ledger.Payment, error) {
	return v.st.paymentByReference(reference), nil
}

func (v *txView) InsertWallet(_ context.Context, w *ledger.Wallet) error {
	return v.st.insertWallet(w)
}

func (v *txView) GetWallet(_ context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return v.st.getWallet(id)
}

func (v *txView) TouchWallet(_ context.Context, id ledger.WalletID, expectedVersion int64) error {
	return v.st.touchWallet(id, expectedVersion)
}

func (v *txView) AppendWalletTransaction(_ context.Context, t ledger.WalletTransaction) error {
	return v.st.appendWalletTransaction(t)
}

func (v *txView) WalletTransactions(_ context.Context, walletID ledger.WalletID) ([]ledger.WalletTransaction, error) {
	return v.st.walletTransactionsOf(walletID), nil
}

func (v *txView) WalletTransactionByReference(_ context.Context, reference string) (*ledger.WalletTransaction, error) {
	return v.st.walletTransactionByReference(reference), nil
}

func (v *txView) InsertReconciliation(_ context.Context, rec ledger.Reconciliation) error {
	return v.st.insertReconciliation(rec)
}

func (v *txView) GetReconciliation(_ context.Context, reference string) (*ledger.Reconciliation, error) {
	return v.st.getReconciliation(reference)
}

func (v *txView) ResolveReconciliation(_ context.Context, rec ledger.Reconciliation) error {
	return v.st.resolveReconciliation(rec)
}

func (v *txView) PendingReconciliations(_ context.Context, expiredBefore time.Time) ([]ledger.Reconciliation, error) {
	return v.st.pendingReconciliations(expiredBefore), nil
}

// WithTx on a view joins the enclosing transaction.
func (v *txView) WithTx(_ context.Context, fn func(tx ledger.Store) error) error {
	return fn(v)
}
