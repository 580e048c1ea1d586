/*
store.go - Persistence contract for the ledger

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Implementations: ledger/store (in-memory, tests and demos) and
  store/sqlstore (SQLite / PostgreSQL via sqlx).

APPEND-ONLY CONTRACT:
  Payments and wallet transactions have Append methods only. There is no
  Update or Delete for them. Balances are never persisted.

MUTABLE ROWS:
  Invoice status and the wallet/invoice version counters are the only
  updated columns. Every update is a compare-and-swap on Version:

    UPDATE invoices SET status = ?, version = version + 1
    WHERE id = ? AND version = ?

  zero rows affected -> ErrConcurrentModification.

  Reconciliation records move out of "pending" exactly once; resolving a
  record that is no longer pending also yields ErrConcurrentModification.

UNIQUENESS:
  Payment.Reference, WalletTransaction.Reference and Reconciliation.Reference
  are unique per table. Violations surface as ErrDuplicateReference.

TRANSACTIONS:
  WithTx runs fn against a transactional view. fn returning an error rolls
  back every write made through the view. Calling WithTx on a view runs fn
  in the enclosing transaction.

SEE ALSO:
  - ledger/store/memory.go
  - store/sqlstore/sqlstore.go
*/
package ledger

import (
	"context"
	"time"
)

type Store interface {
	// Invoices. GetInvoice returns the invoice without payments.
	InsertInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	ListInvoicesByGuardian(ctx context.Context, guardianID string) ([]*Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id InvoiceID, expectedVersion int64, status InvoiceStatus) error

	// Payments (append-only), ordered by RecordedAt.
	AppendPayment(ctx context.Context, p Payment) error
	Payments(ctx context.Context, invoiceID InvoiceID) ([]Payment, error)
	// PaymentByReference returns nil, nil when the reference is unknown.
	PaymentByReference(ctx context.Context, reference string) (*Payment, error)

	// Wallets. GetWallet returns the account without transactions.
	InsertWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id WalletID) (*Wallet, error)
	TouchWallet(ctx context.Context, id WalletID, expectedVersion int64) error

	// Wallet transactions (append-only), ordered by CreatedAt.
	AppendWalletTransaction(ctx context.Context, tx WalletTransaction) error
	WalletTransactions(ctx context.Context, walletID WalletID) ([]WalletTransaction, error)
	// WalletTransactionByReference returns nil, nil when the reference is unknown.
	WalletTransactionByReference(ctx context.Context, reference string) (*WalletTransaction, error)

	// Reconciliation (idempotency) records.
	InsertReconciliation(ctx context.Context, rec Reconciliation) error
	GetReconciliation(ctx context.Context, reference string) (*Reconciliation, error)
	ResolveReconciliation(ctx context.Context, rec Reconciliation) error
	// PendingReconciliations lists pending records whose ExpiresAt is before t.
	PendingReconciliations(ctx context.Context, expiredBefore time.Time) ([]Reconciliation, error)

	WithTx(ctx context.Context, fn func(tx Store) error) error
}
