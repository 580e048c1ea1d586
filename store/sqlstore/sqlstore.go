/*
Package sqlstore provides a SQL implementation of ledger.Store.

PURPOSE:
  Persists invoices, payments, wallets, wallet transactions and
  reconciliation records through sqlx. Two drivers are supported:
  "sqlite3" (mattn/go-sqlite3) and "postgres" (lib/pq). Queries are written
  with ? placeholders and rebound per driver.

APPEND-ONLY ENFORCEMENT:
  - payments and wallet_transactions are only ever INSERTed
  - invoices: status and version are the only updated columns
  - wallets: version is the only updated column
  - reconciliations: updated once, from pending to a terminal status

KEY TABLES:
  invoices:            one row per invoice, items as JSON
  payments:            append-only, reference UNIQUE
  wallets:             one row per wallet
  wallet_transactions: append-only, reference UNIQUE
  reconciliations:     idempotency records, reference PRIMARY KEY

TIMES:
  Stored as fixed-width UTC TEXT so string order equals time order on both
  drivers.

SQLITE:
  Opened with WAL and a single connection. ":memory:" databases are per
  connection, and one writer at a time is all SQLite allows anyway.

USAGE:
  st, err := sqlstore.Open("sqlite3", "./data/fees.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()
  engine := ledger.New(st)

MIGRATION:
  Schema is auto-migrated on Open().

SEE ALSO:
  - ledger/store.go: interface contract
  - ledger/store/memory.go: in-memory implementation
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/warp/fee-ledger/ledger"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// timeLayout is fixed width so TEXT comparison orders correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store.
type Store struct {
	queries
	db *sqlx.DB
}

var _ ledger.Store = (*Store)(nil)

// Open connects and migrates. For sqlite3, dsn is a file path or ":memory:".
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL"
		}
	case DriverPostgres:
	default:
		return nil, errors.Errorf("unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	s := &Store{queries: queries{ext: db}, db: db}
	if err := s.migrate(driver); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrating database")
	}
	return s, nil
}

// New opens a SQLite database at path.
func New(path string) (*Store, error) {
	return Open(DriverSQLite, path)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the health check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(driver string) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	schema := strings.ReplaceAll(`
	CREATE TABLE IF NOT EXISTS invoices (
		seq {{serial}},
		id TEXT NOT NULL UNIQUE,
		student_id TEXT NOT NULL,
		guardian_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		items_json TEXT NOT NULL,
		total BIGINT NOT NULL,
		status TEXT NOT NULL,
		due_date TEXT,
		created_at TEXT NOT NULL,
		version BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_guardian
		ON invoices(guardian_id, created_at);

	CREATE TABLE IF NOT EXISTS payments (
		seq {{serial}},
		id TEXT NOT NULL UNIQUE,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		amount BIGINT NOT NULL CHECK (amount > 0),
		currency TEXT NOT NULL,
		method TEXT NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_invoice
		ON payments(invoice_id);

	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL,
		version BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallet_transactions (
		seq {{serial}},
		id TEXT NOT NULL UNIQUE,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		tx_type TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		currency TEXT NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		related_invoice_id TEXT,
		description TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_wallet
		ON wallet_transactions(wallet_id);

	CREATE TABLE IF NOT EXISTS reconciliations (
		reference TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		invoice_id TEXT,
		wallet_id TEXT,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_id TEXT,
		wallet_tx_id TEXT,
		invoice_balance_after BIGINT,
		wallet_balance_after BIGINT,
		reason TEXT NOT NULL,
		expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliations_pending
		ON reconciliations(status, expires_at);
	`, "{{serial}}", serial)

	// lib/pq runs multi-statement strings without parameters; so does sqlite3.
	_, err := s.db.Exec(schema)
	return err
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txStore{queries: queries{ext: tx}}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

// txStore runs every query on the open transaction.
type txStore struct {
	queries
}

// WithTx on a transactional view joins the enclosing transaction.
func (t *txStore) WithTx(_ context.Context, fn func(tx ledger.Store) error) error {
	return fn(t)
}

// =============================================================================
// QUERIES - Shared by Store and txStore
// =============================================================================

type queries struct {
	ext sqlx.ExtContext
}

func (q queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
}

func (q queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q queries) sel(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

// casUpdate runs an UPDATE guarded by a version or status predicate and
// reports ErrConcurrentModification when no row matched.
func (q queries) casUpdate(ctx context.Context, what string, query string, args ...any) error {
	res, err := q.exec(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, what)
	}
	if n == 0 {
		return ledger.ErrConcurrentModification
	}
	return nil
}

// ===== INVOICES =====

type invoiceRow struct {
	Seq        int64          `db:"seq"`
	ID         string         `db:"id"`
	StudentID  string         `db:"student_id"`
	GuardianID string         `db:"guardian_id"`
	TermID     string         `db:"term_id"`
	Currency   string         `db:"currency"`
	ItemsJSON  string         `db:"items_json"`
	Total      int64          `db:"total"`
	Status     string         `db:"status"`
	DueDate    sql.NullString `db:"due_date"`
	CreatedAt  string         `db:"created_at"`
	Version    int64          `db:"version"`
}

type itemJSON struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Amount      int64  `json:"amount"`
	IsOptional  bool   `json:"is_optional,omitempty"`
}

func (r invoiceRow) toInvoice() (*ledger.Invoice, error) {
	var items []itemJSON
	if err := json.Unmarshal([]byte(r.ItemsJSON), &items); err != nil {
		return nil, errors.Wrapf(err, "decoding items of invoice %s", r.ID)
	}
	inv := &ledger.Invoice{
		ID:         ledger.InvoiceID(r.ID),
		StudentID:  r.StudentID,
		GuardianID: r.GuardianID,
		TermID:     r.TermID,
		Currency:   ledger.Currency(r.Currency),
		Items:      make([]ledger.InvoiceItem, len(items)),
		Total:      ledger.Money{Minor: r.Total, Currency: ledger.Currency(r.Currency)},
		Status:     ledger.InvoiceStatus(r.Status),
		DueDate:    parseNullTime(r.DueDate),
		CreatedAt:  parseTime(r.CreatedAt),
		Version:    r.Version,
	}
	for i, it := range items {
		inv.Items[i] = ledger.InvoiceItem(it)
	}
	return inv, nil
}

func (q queries) InsertInvoice(ctx context.Context, inv *ledger.Invoice) error {
	items := make([]itemJSON, len(inv.Items))
	for i, it := range inv.Items {
		items[i] = itemJSON(it)
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return errors.Wrap(err, "encoding invoice items")
	}
	_, err = q.exec(ctx, `
		INSERT INTO invoices
		(id, student_id, guardian_id, term_id, currency, items_json, total, status, due_date, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.StudentID, inv.GuardianID, inv.TermID, inv.Currency,
		string(itemsJSON), inv.Total.Minor, inv.Status, nullTime(inv.DueDate),
		formatTime(inv.CreatedAt), inv.Version,
	)
	return insertErr(err, "inserting invoice")
}

func (q queries) GetInvoice(ctx context.Context, id ledger.InvoiceID) (*ledger.Invoice, error) {
	var row invoiceRow
	err := q.get(ctx, &row, `SELECT * FROM invoices WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading invoice")
	}
	return row.toInvoice()
}

func (q queries) ListInvoicesByGuardian(ctx context.Context, guardianID string) ([]*ledger.Invoice, error) {
	var rows []invoiceRow
	if err := q.sel(ctx, &rows, `SELECT * FROM invoices WHERE guardian_id = ? ORDER BY created_at, seq`, guardianID); err != nil {
		return nil, errors.Wrap(err, "listing invoices")
	}
	out := make([]*ledger.Invoice, 0, len(rows))
	for _, r := range rows {
		inv, err := r.toInvoice()
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

func (q queries) UpdateInvoiceStatus(ctx context.Context, id ledger.InvoiceID, expectedVersion int64, status ledger.InvoiceStatus) error {
	return q.casUpdate(ctx, "updating invoice status",
		`UPDATE invoices SET status = ?, version = version + 1 WHERE id = ? AND version = ?`,
		status, id, expectedVersion,
	)
}

// ===== PAYMENTS =====

type paymentRow struct {
	Seq        int64  `db:"seq"`
	ID         string `db:"id"`
	InvoiceID  string `db:"invoice_id"`
	Amount     int64  `db:"amount"`
	Currency   string `db:"currency"`
	Method     string `db:"method"`
	Reference  string `db:"reference"`
	RecordedAt string `db:"recorded_at"`
}

func (r paymentRow) toPayment() ledger.Payment {
	return ledger.Payment{
		ID:         ledger.PaymentID(r.ID),
		InvoiceID:  ledger.InvoiceID(r.InvoiceID),
		Amount:     ledger.Money{Minor: r.Amount, Currency: ledger.Currency(r.Currency)},
		Method:     ledger.PaymentMethod(r.Method),
		Reference:  r.Reference,
		RecordedAt: parseTime(r.RecordedAt),
	}
}

func (q queries) AppendPayment(ctx context.Context, p ledger.Payment) error {
	_, err := q.exec(ctx, `
		INSERT INTO payments (id, invoice_id, amount, currency, method, reference, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.InvoiceID, p.Amount.Minor, p.Amount.Currency, p.Method, p.Reference, formatTime(p.RecordedAt),
	)
	return insertErr(err, "appending payment")
}

func (q queries) Payments(ctx context.Context, invoiceID ledger.InvoiceID) ([]ledger.Payment, error) {
	var rows []paymentRow
	if err := q.sel(ctx, &rows, `SELECT * FROM payments WHERE invoice_id = ? ORDER BY seq`, invoiceID); err != nil {
		return nil, errors.Wrap(err, "loading payments")
	}
	out := make([]ledger.Payment, len(rows))
	for i, r := range rows {
		out[i] = r.toPayment()
	}
	return out, nil
}

func (q queries) PaymentByReference(ctx context.Context, reference string) (*ledger.Payment, error) {
	var row paymentRow
	err := q.get(ctx, &row, `SELECT * FROM payments WHERE reference = ?`, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading payment")
	}
	p := row.toPayment()
	return &p, nil
}

// ===== WALLETS =====

type walletRow struct {
	ID        string `db:"id"`
	OwnerID   string `db:"owner_id"`
	Currency  string `db:"currency"`
	CreatedAt string `db:"created_at"`
	Version   int64  `db:"version"`
}

func (q queries) InsertWallet(ctx context.Context, w *ledger.Wallet) error {
	_, err := q.exec(ctx, `
		INSERT INTO wallets (id, owner_id, currency, created_at, version)
		VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.OwnerID, w.Currency, formatTime(w.CreatedAt), w.Version,
	)
	return insertErr(err, "inserting wallet")
}

func (q queries) GetWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	var row walletRow
	err := q.get(ctx, &row, `SELECT * FROM wallets WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrWalletNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading wallet")
	}
	return &ledger.Wallet{
		ID:        ledger.WalletID(row.ID),
		OwnerID:   row.OwnerID,
		Currency:  ledger.Currency(row.Currency),
		CreatedAt: parseTime(row.CreatedAt),
		Version:   row.Version,
	}, nil
}

func (q queries) TouchWallet(ctx context.Context, id ledger.WalletID, expectedVersion int64) error {
	return q.casUpdate(ctx, "updating wallet version",
		`UPDATE wallets SET version = version + 1 WHERE id = ? AND version = ?`,
		id, expectedVersion,
	)
}

// ===== WALLET TRANSACTIONS =====

type walletTxRow struct {
	Seq              int64          `db:"seq"`
	ID               string         `db:"id"`
	WalletID         string         `db:"wallet_id"`
	Type             string         `db:"tx_type"`
	Amount           int64          `db:"amount"`
	Currency         string         `db:"currency"`
	Reference        string         `db:"reference"`
	RelatedInvoiceID sql.NullString `db:"related_invoice_id"`
	Description      string         `db:"description"`
	CreatedAt        string         `db:"created_at"`
}

func (r walletTxRow) toTransaction() ledger.WalletTransaction {
	t := ledger.WalletTransaction{
		ID:          ledger.WalletTxID(r.ID),
		WalletID:    ledger.WalletID(r.WalletID),
		Type:        ledger.WalletTxType(r.Type),
		Amount:      ledger.Money{Minor: r.Amount, Currency: ledger.Currency(r.Currency)},
		Reference:   r.Reference,
		Description: r.Description,
		CreatedAt:   parseTime(r.CreatedAt),
	}
	if r.RelatedInvoiceID.Valid {
		id := ledger.InvoiceID(r.RelatedInvoiceID.String)
		t.RelatedInvoiceID = &id
	}
	return t
}

func (q queries) AppendWalletTransaction(ctx context.Context, t ledger.WalletTransaction) error {
	var related sql.NullString
	if t.RelatedInvoiceID != nil {
		related = sql.NullString{String: string(*t.RelatedInvoiceID), Valid: true}
	}
	_, err := q.exec(ctx, `
		INSERT INTO wallet_transactions
		(id, wallet_id, tx_type, amount, currency, reference, related_invoice_id, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WalletID, t.Type, t.Amount.Minor, t.Amount.Currency, t.Reference, related,
		t.Description, formatTime(t.CreatedAt),
	)
	return insertErr(err, "appending wallet transaction")
}

func (q queries) WalletTransactions(ctx context.Context, walletID ledger.WalletID) ([]ledger.WalletTransaction, error) {
	var rows []walletTxRow
	if err := q.sel(ctx, &rows, `SELECT * FROM wallet_transactions WHERE wallet_id = ? ORDER BY seq`, walletID); err != nil {
		return nil, errors.Wrap(err, "loading wallet transactions")
	}
	out := make([]ledger.WalletTransaction, len(rows))
	for i, r := range rows {
		out[i] = r.toTransaction()
	}
	return out, nil
}

func (q queries) WalletTransactionByReference(ctx context.Context, reference string) (*ledger.WalletTransaction, error) {
	var row walletTxRow
	err := q.get(ctx, &row, `SELECT * FROM wallet_transactions WHERE reference = ?`, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading wallet transaction")
	}
	t := row.toTransaction()
	return &t, nil
}

// ===== RECONCILIATIONS =====

type reconRow struct {
	Reference           string         `db:"reference"`
	Source              string         `db:"source"`
	InvoiceID           sql.NullString `db:"invoice_id"`
	WalletID            sql.NullString `db:"wallet_id"`
	Amount              int64          `db:"amount"`
	Currency            string         `db:"currency"`
	Status              string         `db:"status"`
	PaymentID           sql.NullString `db:"payment_id"`
	WalletTxID          sql.NullString `db:"wallet_tx_id"`
	InvoiceBalanceAfter sql.NullInt64  `db:"invoice_balance_after"`
	WalletBalanceAfter  sql.NullInt64  `db:"wallet_balance_after"`
	Reason              string         `db:"reason"`
	ExpiresAt           sql.NullString `db:"expires_at"`
	CreatedAt           string         `db:"created_at"`
	UpdatedAt           string         `db:"updated_at"`
}

func fromReconciliation(rec ledger.Reconciliation) reconRow {
	r := reconRow{
		Reference:           rec.Reference,
		Source:              string(rec.Source),
		InvoiceID:           nullID(rec.InvoiceID),
		WalletID:            nullID(rec.WalletID),
		Amount:              rec.Amount.Minor,
		Currency:            string(rec.Amount.Currency),
		Status:              string(rec.Status),
		PaymentID:           nullID(rec.PaymentID),
		WalletTxID:          nullID(rec.WalletTxID),
		InvoiceBalanceAfter: nullMinor(rec.InvoiceBalanceAfter),
		WalletBalanceAfter:  nullMinor(rec.WalletBalanceAfter),
		Reason:              rec.Reason,
		CreatedAt:           formatTime(rec.CreatedAt),
		UpdatedAt:           formatTime(rec.UpdatedAt),
	}
	if rec.ExpiresAt != nil {
		r.ExpiresAt = nullTime(*rec.ExpiresAt)
	}
	return r
}

func (r reconRow) toReconciliation() ledger.Reconciliation {
	cur := ledger.Currency(r.Currency)
	rec := ledger.Reconciliation{
		Reference:           r.Reference,
		Source:              ledger.Source(r.Source),
		InvoiceID:           idPtr[ledger.InvoiceID](r.InvoiceID),
		WalletID:            idPtr[ledger.WalletID](r.WalletID),
		Amount:              ledger.Money{Minor: r.Amount, Currency: cur},
		Status:              ledger.ReconciliationStatus(r.Status),
		PaymentID:           idPtr[ledger.PaymentID](r.PaymentID),
		WalletTxID:          idPtr[ledger.WalletTxID](r.WalletTxID),
		InvoiceBalanceAfter: moneyPtr(r.InvoiceBalanceAfter, cur),
		WalletBalanceAfter:  moneyPtr(r.WalletBalanceAfter, cur),
		Reason:              r.Reason,
		CreatedAt:           parseTime(r.CreatedAt),
		UpdatedAt:           parseTime(r.UpdatedAt),
	}
	if r.ExpiresAt.Valid {
		t := parseTime(r.ExpiresAt.String)
		rec.ExpiresAt = &t
	}
	return rec
}

func (q queries) InsertReconciliation(ctx context.Context, rec ledger.Reconciliation) error {
	r := fromReconciliation(rec)
	_, err := q.exec(ctx, `
		INSERT INTO reconciliations
		(reference, source, invoice_id, wallet_id, amount, currency, status, payment_id, wallet_tx_id,
		 invoice_balance_after, wallet_balance_after, reason, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Reference, r.Source, r.InvoiceID, r.WalletID, r.Amount, r.Currency, r.Status, r.PaymentID, r.WalletTxID,
		r.InvoiceBalanceAfter, r.WalletBalanceAfter, r.Reason, r.ExpiresAt, r.CreatedAt, r.UpdatedAt,
	)
	return insertErr(err, "inserting reconciliation")
}

func (q queries) GetReconciliation(ctx context.Context, reference string) (*ledger.Reconciliation, error) {
	var row reconRow
	err := q.get(ctx, &row, `SELECT * FROM reconciliations WHERE reference = ?`, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrReconciliationNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading reconciliation")
	}
	rec := row.toReconciliation()
	return &rec, nil
}

// ResolveReconciliation moves a pending record to its terminal status.
// Identity columns are left as inserted.
func (q queries) ResolveReconciliation(ctx context.Context, rec ledger.Reconciliation) error {
	r := fromReconciliation(rec)
	err := q.casUpdate(ctx, "resolving reconciliation", `
		UPDATE reconciliations
		SET status = ?, payment_id = ?, wallet_tx_id = ?, invoice_balance_after = ?,
		    wallet_balance_after = ?, reason = ?, updated_at = ?
		WHERE reference = ? AND status = ?`,
		r.Status, r.PaymentID, r.WalletTxID, r.InvoiceBalanceAfter,
		r.WalletBalanceAfter, r.Reason, r.UpdatedAt,
		r.Reference, ledger.ReconPending,
	)
	if errors.Is(err, ledger.ErrConcurrentModification) {
		// Distinguish a missing record from one that is already resolved.
		if _, gerr := q.GetReconciliation(ctx, rec.Reference); gerr != nil {
			return gerr
		}
	}
	return err
}

func (q queries) PendingReconciliations(ctx context.Context, expiredBefore time.Time) ([]ledger.Reconciliation, error) {
	var rows []reconRow
	err := q.sel(ctx, &rows, `
		SELECT * FROM reconciliations
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY reference`,
		ledger.ReconPending, formatTime(expiredBefore),
	)
	if err != nil {
		return nil, errors.Wrap(err, "listing pending reconciliations")
	}
	out := make([]ledger.Reconciliation, len(rows))
	for i, r := range rows {
		out[i] = r.toReconciliation()
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return parseTime(s.String)
}

func nullID[T ~string](id *T) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func idPtr[T ~string](s sql.NullString) *T {
	if !s.Valid {
		return nil
	}
	id := T(s.String)
	return &id
}

func nullMinor(m *ledger.Money) sql.NullInt64 {
	if m == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: m.Minor, Valid: true}
}

func moneyPtr(n sql.NullInt64, cur ledger.Currency) *ledger.Money {
	if !n.Valid {
		return nil
	}
	return &ledger.Money{Minor: n.Int64, Currency: cur}
}

// insertErr maps unique violations to ErrDuplicateReference and wraps the rest.
func insertErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateReference
	}
	return errors.Wrap(err, what)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
