/*
wallet.go - Prepaid wallet ledger

PURPOSE:
  A guardian's prepaid balance. Top-ups credit the wallet, invoice payments
  debit it. The balance is the sum of the wallet's transactions (credits
  positive, debits negative) and is recomputed on every read.

INVARIANTS:
  - Balance() == sum(credits) - sum(debits)
  - Balance() >= 0 after every committed transaction
  - WalletTransaction.Reference is unique; replaying a reference returns the
    original transaction and changes nothing

ATOMICITY:
  Credit and Debit each hold the wallet lock and run inside one store
  transaction: read log, check sufficiency (debit), append, bump version.
  A concurrent writer in another process loses the version check and the
  whole unit is retried.

SEE ALSO:
  - reconcile.go: wallet-funded invoice payments and gateway top-ups
*/
package ledger

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

type Wallet struct {
	ID        WalletID
	OwnerID   string
	Currency  Currency
	CreatedAt time.Time
	Version   int64

	Transactions []WalletTransaction
}

func (w *Wallet) Balance() Money {
	bal := Money{Currency: w.Currency}
	for _, t := range w.Transactions {
		bal = bal.Add(t.Signed())
	}
	return bal
}

func (w *Wallet) TransactionByReference(ref string) (WalletTransaction, bool) {
	for _, t := range w.Transactions {
		if t.Reference == ref {
			return t, true
		}
	}
	return WalletTransaction{}, false
}

// apply validates t against the current log and appends it.
func (w *Wallet) apply(t WalletTransaction) error {
	if !t.Amount.IsPositive() {
		return invalid("amount", "must be positive")
	}
	if err := checkCurrency("currency", w.Currency, t.Amount); err != nil {
		return err
	}
	if t.Reference == "" {
		return invalid("reference", "is required")
	}
	if _, dup := w.TransactionByReference(t.Reference); dup {
		return ErrDuplicateReference
	}
	switch bal := w.Balance(); t.Type {
	case WalletDebit:
		if t.Amount.GreaterThan(bal) {
			return &InsufficientFundsError{WalletID: w.ID, Available: bal, Requested: t.Amount}
		}
	case WalletCredit:
		if bal.Minor > math.MaxInt64-t.Amount.Minor {
			return invalid("amount", "credit would overflow the wallet balance")
		}
	}
	w.Transactions = append(w.Transactions, t)
	return nil
}

// StatementLine is one wallet transaction with the balance after it.
type StatementLine struct {
	WalletTransaction
	BalanceAfter Money
}

// Statement returns the log with running balances, oldest first.
func (w *Wallet) Statement() []StatementLine {
	lines := make([]StatementLine, len(w.Transactions))
	bal := Money{Currency: w.Currency}
	for i, t := range w.Transactions {
		bal = bal.Add(t.Signed())
		lines[i] = StatementLine{WalletTransaction: t, BalanceAfter: bal}
	}
	return lines
}

// =============================================================================
// WALLET SERVICE
// =============================================================================

// TransactionResult is returned by Credit and Debit. Duplicate is set when
// the reference was already recorded and nothing changed.
type TransactionResult struct {
	Wallet      *Wallet
	Transaction WalletTransaction
	Duplicate   bool
}

type Wallets struct {
	deps
}

// Open creates an empty wallet for a guardian.
func (s *Wallets) Open(ctx context.Context, ownerID string, currency Currency) (*Wallet, error) {
	currency = NormalizeCurrency(string(currency))
	if ownerID == "" {
		return nil, invalid("owner_id", "is required")
	}
	if !currency.Valid() {
		return nil, invalid("currency", "invalid currency %q", currency)
	}
	w := &Wallet{
		ID:        WalletID(newID("wal")),
		OwnerID:   ownerID,
		Currency:  currency,
		CreatedAt: s.clock(),
		Version:   1,
	}
	if err := s.store.InsertWallet(ctx, w); err != nil {
		return nil, err
	}
	s.log.Info("wallet opened",
		zap.String("wallet_id", string(w.ID)),
		zap.String("owner_id", ownerID),
		zap.String("currency", string(currency)),
	)
	return w, nil
}

func (s *Wallets) Get(ctx context.Context, id WalletID) (*Wallet, error) {
	return loadWallet(ctx, s.store, id)
}

// BalanceOf recomputes the balance from the transaction log.
func (s *Wallets) BalanceOf(ctx context.Context, id WalletID) (Money, error) {
	w, err := loadWallet(ctx, s.store, id)
	if err != nil {
		return Money{}, err
	}
	return w.Balance(), nil
}

func (s *Wallets) Credit(ctx context.Context, id WalletID, amount Money, reference, description string) (*TransactionResult, error) {
	return s.mutate(ctx, id, func(tx Store) (*TransactionResult, error) {
		return s.creditTx(ctx, tx, id, amount, reference, description)
	})
}

func (s *Wallets) Debit(ctx context.Context, id WalletID, amount Money, reference string, relatedInvoice *InvoiceID, description string) (*TransactionResult, error) {
	return s.mutate(ctx, id, func(tx Store) (*TransactionResult, error) {
		return s.debitTx(ctx, tx, id, amount, reference, relatedInvoice, description)
	})
}

func (s *Wallets) mutate(ctx context.Context, id WalletID, fn func(tx Store) (*TransactionResult, error)) (*TransactionResult, error) {
	unlock := s.locks.Lock(walletKey(id))
	defer unlock()

	var res *TransactionResult
	err := s.retry(ctx, func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			r, err := fn(tx)
			res = r
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		s.log.Info("wallet transaction recorded",
			zap.String("wallet_id", string(id)),
			zap.String("type", string(res.Transaction.Type)),
			zap.Int64("amount", res.Transaction.Amount.Minor),
			zap.String("reference", res.Transaction.Reference),
			zap.Int64("balance", res.Wallet.Balance().Minor),
		)
	}
	return res, nil
}

func (s *Wallets) creditTx(ctx context.Context, tx Store, id WalletID, amount Money, reference, description string) (*TransactionResult, error) {
	return s.appendTx(ctx, tx, WalletTransaction{
		WalletID:    id,
		Type:        WalletCredit,
		Amount:      amount,
		Reference:   reference,
		Description: description,
	})
}

func (s *Wallets) debitTx(ctx context.Context, tx Store, id WalletID, amount Money, reference string, relatedInvoice *InvoiceID, description string) (*TransactionResult, error) {
	return s.appendTx(ctx, tx, WalletTransaction{
		WalletID:         id,
		Type:             WalletDebit,
		Amount:           amount,
		Reference:        reference,
		RelatedInvoiceID: relatedInvoice,
		Description:      description,
	})
}

// appendTx is the transactional core of Credit and Debit. The caller holds
// the wallet lock and owns tx.
func (s *Wallets) appendTx(ctx context.Context, tx Store, t WalletTransaction) (*TransactionResult, error) {
	if t.Reference == "" {
		return nil, invalid("reference", "is required")
	}
	if prior, err := tx.WalletTransactionByReference(ctx, t.Reference); err != nil {
		return nil, err
	} else if prior != nil {
		if prior.WalletID != t.WalletID || prior.Type != t.Type || prior.Amount != t.Amount {
			return nil, ErrReferenceConflict
		}
		w, err := loadWallet(ctx, tx, prior.WalletID)
		if err != nil {
			return nil, err
		}
		return &TransactionResult{Wallet: w, Transaction: *prior, Duplicate: true}, nil
	}

	w, err := loadWallet(ctx, tx, t.WalletID)
	if err != nil {
		return nil, err
	}
	t.ID = WalletTxID(newID("wtx"))
	t.CreatedAt = s.clock()
	if err := w.apply(t); err != nil {
		return nil, err
	}
	if err := tx.AppendWalletTransaction(ctx, t); err != nil {
		return nil, err
	}
	if err := tx.TouchWallet(ctx, w.ID, w.Version); err != nil {
		return nil, err
	}
	w.Version++
	return &TransactionResult{Wallet: w, Transaction: t}, nil
}

func loadWallet(ctx context.Context, s Store, id WalletID) (*Wallet, error) {
	w, err := s.GetWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Transactions, err = s.WalletTransactions(ctx, id); err != nil {
		return nil, err
	}
	return w, nil
}

func walletKey(id WalletID) string { return "wallet:" + string(id) }
