// Package storetest holds the behavioural checks every ledger.Store must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func ghs(minor int64) ledger.Money { return ledger.NewMoney(minor, "GHS") }

func invoice(id, guardian string, at time.Time) *ledger.Invoice {
	return &ledger.Invoice{
		ID:         ledger.InvoiceID(id),
		StudentID:  "stu-1",
		GuardianID: guardian,
		TermID:     "2026-T1",
		Currency:   "GHS",
		Items: []ledger.InvoiceItem{
			{Description: "Tuition", Quantity: 1, UnitPrice: 45000, Amount: 45000},
			{Description: "Bus", Quantity: 1, UnitPrice: 5000, Amount: 5000, IsOptional: true},
		},
		Total:     ghs(50000),
		Status:    ledger.StatusApproved,
		DueDate:   at.Add(30 * 24 * time.Hour),
		CreatedAt: at,
		Version:   1,
	}
}

// Run exercises newStore against the ledger.Store contract. Each subtest
// gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	ctx := context.Background()

	t.Run("invoice round trip", func(t *testing.T) {
		s := newStore(t)
		in := invoice("inv_1", "g-1", t0)
		require.NoError(t, s.InsertInvoice(ctx, in))

		got, err := s.GetInvoice(ctx, "inv_1")
		require.NoError(t, err)
		assert.Equal(t, in.Items, got.Items)
		assert.Equal(t, in.Total, got.Total)
		assert.Equal(t, ledger.StatusApproved, got.Status)
		assert.True(t, in.DueDate.Equal(got.DueDate))
		assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, int64(1), got.Version)

		_, err = s.GetInvoice(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrInvoiceNotFound)
	})

	t.Run("list by guardian in creation order", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertInvoice(ctx, invoice("inv_b", "g-1", t0.Add(time.Hour))))
		require.NoError(t, s.InsertInvoice(ctx, invoice("inv_a", "g-1", t0)))
		require.NoError(t, s.InsertInvoice(ctx, invoice("inv_c", "g-2", t0)))

		list, err := s.ListInvoicesByGuardian(ctx, "g-1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, ledger.InvoiceID("inv_a"), list[0].ID)
		assert.Equal(t, ledger.InvoiceID("inv_b"), list[1].ID)
	})

	t.Run("invoice status compare and swap", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertInvoice(ctx, invoice("inv_1", "g-1", t0)))

		require.NoError(t, s.UpdateInvoiceStatus(ctx, "inv_1", 1, ledger.StatusPartial))
		err := s.UpdateInvoiceStatus(ctx, "inv_1", 1, ledger.StatusPaid)
		assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

		got, err := s.GetInvoice(ctx, "inv_1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPartial, got.Status)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("payments append only with unique reference", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertInvoice(ctx, invoice("inv_1", "g-1", t0)))

		p1 := ledger.Payment{ID: "pay_1", InvoiceID: "inv_1", Amount: ghs(20000), Method: ledger.MethodCash, Reference: "r-1", RecordedAt: t0}
		p2 := ledger.Payment{ID: "pay_2", InvoiceID: "inv_1", Amount: ghs(10000), Method: ledger.MethodWallet, Reference: "r-2", RecordedAt: t0}
		require.NoError(t, s.AppendPayment(ctx, p1))
		require.NoError(t, s.AppendPayment(ctx, p2))

		dup := p1
		dup.ID = "pay_3"
		assert.ErrorIs(t, s.AppendPayment(ctx, dup), ledger.ErrDuplicateReference)

		list, err := s.Payments(ctx, "inv_1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, ledger.PaymentID("pay_1"), list[0].ID)
		assert.Equal(t, ledger.PaymentID("pay_2"), list[1].ID)

		got, err := s.PaymentByReference(ctx, "r-2")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, ghs(10000), got.Amount)

		none, err := s.PaymentByReference(ctx, "r-unknown")
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("wallet and transactions", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertWallet(ctx, &ledger.Wallet{ID: "wal_1", OwnerID: "g-1", Currency: "GHS", CreatedAt: t0, Version: 1}))

		inv := ledger.InvoiceID("inv_9")
		require.NoError(t, s.AppendWalletTransaction(ctx, ledger.WalletTransaction{
			ID: "wtx_1", WalletID: "wal_1", Type: ledger.WalletCredit, Amount: ghs(10000),
			Reference: "top-1", Description: "top up", CreatedAt: t0,
		}))
		require.NoError(t, s.AppendWalletTransaction(ctx, ledger.WalletTransaction{
			ID: "wtx_2", WalletID: "wal_1", Type: ledger.WalletDebit, Amount: ghs(4000),
			Reference: "pay-1", RelatedInvoiceID: &inv, Description: "invoice payment", CreatedAt: t0,
		}))
		err := s.AppendWalletTransaction(ctx, ledger.WalletTransaction{
			ID: "wtx_3", WalletID: "wal_1", Type: ledger.WalletCredit, Amount: ghs(1),
			Reference: "top-1", CreatedAt: t0,
		})
		assert.ErrorIs(t, err, ledger.ErrDuplicateReference)

		txs, err := s.WalletTransactions(ctx, "wal_1")
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, ledger.WalletDebit, txs[1].Type)
		require.NotNil(t, txs[1].RelatedInvoiceID)
		assert.Equal(t, inv, *txs[1].RelatedInvoiceID)

		got, err := s.WalletTransactionByReference(ctx, "pay-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, ledger.WalletTxID("wtx_2"), got.ID)

		require.NoError(t, s.TouchWallet(ctx, "wal_1", 1))
		assert.ErrorIs(t, s.TouchWallet(ctx, "wal_1", 1), ledger.ErrConcurrentModification)

		w, err := s.GetWallet(ctx, "wal_1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), w.Version)

		_, err = s.GetWallet(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
	})

	t.Run("reconciliation resolves once", func(t *testing.T) {
		s := newStore(t)
		expires := t0.Add(30 * time.Minute)
		wal := ledger.WalletID("wal_1")
		rec := ledger.Reconciliation{
			Reference: "gw-1",
			Source:    ledger.SourceGateway,
			WalletID:  &wal,
			Amount:    ghs(5000),
			Status:    ledger.ReconPending,
			ExpiresAt: &expires,
			CreatedAt: t0,
			UpdatedAt: t0,
		}
		require.NoError(t, s.InsertReconciliation(ctx, rec))
		assert.ErrorIs(t, s.InsertReconciliation(ctx, rec), ledger.ErrDuplicateReference)

		txID := ledger.WalletTxID("wtx_1")
		bal := ghs(5000)
		done := rec
		done.Status = ledger.ReconApplied
		done.WalletTxID = &txID
		done.WalletBalanceAfter = &bal
		done.UpdatedAt = t0.Add(time.Minute)
		require.NoError(t, s.ResolveReconciliation(ctx, done))

		again := rec
		again.Status = ledger.ReconExpired
		assert.ErrorIs(t, s.ResolveReconciliation(ctx, again), ledger.ErrConcurrentModification)

		got, err := s.GetReconciliation(ctx, "gw-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.ReconApplied, got.Status)
		require.NotNil(t, got.WalletTxID)
		assert.Equal(t, txID, *got.WalletTxID)
		require.NotNil(t, got.WalletBalanceAfter)
		assert.Equal(t, bal, *got.WalletBalanceAfter)
		assert.Nil(t, got.InvoiceID)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, expires.Equal(*got.ExpiresAt))

		_, err = s.GetReconciliation(ctx, "nope")
		assert.ErrorIs(t, err, ledger.ErrReconciliationNotFound)
		assert.ErrorIs(t, s.ResolveReconciliation(ctx, ledger.Reconciliation{Reference: "nope", Status: ledger.ReconFailed}), ledger.ErrReconciliationNotFound)
	})

	t.Run("pending reconciliations past expiry", func(t *testing.T) {
		s := newStore(t)
		for i, ref := range []string{"gw-a", "gw-b", "gw-c"} {
			exp := t0.Add(time.Duration(i) * time.Hour)
			require.NoError(t, s.InsertReconciliation(ctx, ledger.Reconciliation{
				Reference: ref, Source: ledger.SourceGateway, Amount: ghs(100),
				Status: ledger.ReconPending, ExpiresAt: &exp, CreatedAt: t0, UpdatedAt: t0,
			}))
		}
		require.NoError(t, s.InsertReconciliation(ctx, ledger.Reconciliation{
			Reference: "cash-1", Source: ledger.SourceCash, Amount: ghs(100),
			Status: ledger.ReconApplied, CreatedAt: t0, UpdatedAt: t0,
		}))

		list, err := s.PendingReconciliations(ctx, t0.Add(90*time.Minute))
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "gw-a", list[0].Reference)
		assert.Equal(t, "gw-b", list[1].Reference)
	})

	t.Run("transaction rolls back on error", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertInvoice(ctx, invoice("inv_1", "g-1", t0)))

		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx ledger.Store) error {
			require.NoError(t, tx.AppendPayment(ctx, ledger.Payment{
				ID: "pay_1", InvoiceID: "inv_1", Amount: ghs(100), Method: ledger.MethodCash, Reference: "r-1", RecordedAt: t0,
			}))
			require.NoError(t, tx.UpdateInvoiceStatus(ctx, "inv_1", 1, ledger.StatusPartial))

			seen, err := tx.PaymentByReference(ctx, "r-1")
			require.NoError(t, err)
			require.NotNil(t, seen)
			return boom
		})
		assert.ErrorIs(t, err, boom)

		p, err := s.PaymentByReference(ctx, "r-1")
		require.NoError(t, err)
		assert.Nil(t, p)
		inv, err := s.GetInvoice(ctx, "inv_1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusApproved, inv.Status)
		assert.Equal(t, int64(1), inv.Version)
	})

	t.Run("transaction commits", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertInvoice(ctx, invoice("inv_1", "g-1", t0)))

		err := s.WithTx(ctx, func(tx ledger.Store) error {
			return tx.WithTx(ctx, func(inner ledger.Store) error {
				return inner.AppendPayment(ctx, ledger.Payment{
					ID: "pay_1", InvoiceID: "inv_1", Amount: ghs(100), Method: ledger.MethodCash, Reference: "r-1", RecordedAt: t0,
				})
			})
		})
		require.NoError(t, err)

		list, err := s.Payments(ctx, "inv_1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}
