package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
	"github.com/warp/fee-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []ledger.PaymentRecorded
}

func (s *recordingSink) PaymentRecorded(_ context.Context, ev ledger.PaymentRecorded) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type harness struct {
	eng   *ledger.Engine
	store ledger.Store
	clock *testClock
	sink  *recordingSink
}

func newHarness(t *testing.T, st ledger.Store, opts ...ledger.Option) *harness {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	h := &harness{store: st, clock: newTestClock(), sink: &recordingSink{}}
	opts = append([]ledger.Option{
		ledger.WithClock(h.clock.Now),
		ledger.WithEventSink(h.sink),
	}, opts...)
	h.eng = ledger.New(st, opts...)
	return h
}

func ghs(minor int64) ledger.Money { return ledger.NewMoney(minor, "GHS") }

// approvedInvoice creates and approves an invoice with a single item.
func (h *harness) approvedInvoice(t *testing.T, total int64) *ledger.Invoice {
	t.Helper()
	ctx := context.Background()
	inv, err := h.eng.Invoices.Create(ctx, ledger.InvoiceDraft{
		StudentID:  "stu-1",
		GuardianID: "g-1",
		TermID:     "2026-T1",
		Currency:   "GHS",
		Items:      []ledger.InvoiceItem{{Description: "Tuition", Quantity: 1, UnitPrice: total}},
	})
	require.NoError(t, err)
	inv, err = h.eng.Invoices.Approve(ctx, inv.ID)
	require.NoError(t, err)
	return inv
}

// fundedWallet opens a wallet and credits it when amount > 0.
func (h *harness) fundedWallet(t *testing.T, amount int64) *ledger.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := h.eng.Wallets.Open(ctx, "g-1", "GHS")
	require.NoError(t, err)
	if amount > 0 {
		_, err = h.eng.Wallets.Credit(ctx, w.ID, ghs(amount), ledger.NewReference("seed"), "opening balance")
		require.NoError(t, err)
	}
	return w
}

func (h *harness) invoice(t *testing.T, id ledger.InvoiceID) *ledger.Invoice {
	t.Helper()
	inv, err := h.eng.Invoices.Get(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func (h *harness) balance(t *testing.T, id ledger.WalletID) int64 {
	t.Helper()
	bal, err := h.eng.Wallets.BalanceOf(context.Background(), id)
	require.NoError(t, err)
	return bal.Minor
}

// checkInvoice asserts the derived-balance invariants against the log.
func (h *harness) checkInvoice(t *testing.T, id ledger.InvoiceID) {
	t.Helper()
	inv := h.invoice(t, id)
	var sum int64
	for _, p := range inv.Payments {
		sum += p.Amount.Minor
	}
	assert.Equal(t, sum, inv.Paid().Minor, "paid == sum(payments)")
	assert.Equal(t, inv.Total.Minor-sum, inv.Balance().Minor, "balance == total - paid")
	assert.GreaterOrEqual(t, inv.Balance().Minor, int64(0), "balance >= 0")
}

// checkWallet asserts balance == credits - debits >= 0.
func (h *harness) checkWallet(t *testing.T, id ledger.WalletID) {
	t.Helper()
	w, err := h.eng.Wallets.Get(context.Background(), id)
	require.NoError(t, err)
	var credits, debits int64
	for _, tx := range w.Transactions {
		if tx.Type == ledger.WalletCredit {
			credits += tx.Amount.Minor
		} else {
			debits += tx.Amount.Minor
		}
	}
	assert.Equal(t, credits-debits, w.Balance().Minor)
	assert.GreaterOrEqual(t, w.Balance().Minor, int64(0))
}

// conflictStore fails the first n version checks with
// ErrConcurrentModification, as a writer in another process would.
type conflictStore struct {
	ledger.Store
	mu        *sync.Mutex
	remaining *int
}

func newConflictStore(inner ledger.Store, n int) *conflictStore {
	return &conflictStore{Store: inner, mu: &sync.Mutex{}, remaining: &n}
}

// arm makes the next n version checks fail.
func (c *conflictStore) arm(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.remaining = n
}

func (c *conflictStore) conflict() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if *c.remaining > 0 {
		*c.remaining--
		return true
	}
	return false
}

func (c *conflictStore) UpdateInvoiceStatus(ctx context.Context, id ledger.InvoiceID, v int64, s ledger.InvoiceStatus) error {
	if c.conflict() {
		return ledger.ErrConcurrentModification
	}
	return c.Store.UpdateInvoiceStatus(ctx, id, v, s)
}

func (c *conflictStore) WithTx(ctx context.Context, fn func(tx ledger.Store) error) error {
	return c.Store.WithTx(ctx, func(tx ledger.Store) error {
		return fn(&conflictStore{Store: tx, mu: c.mu, remaining: c.remaining})
	})
}
