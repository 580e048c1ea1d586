package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type InvoiceID string
type PaymentID string
type WalletID string
type WalletTxID string

// newID returns a prefixed random identifier, e.g. "inv_3f2a...".
func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewReference returns a fresh reference for callers that do not bring
// their own idempotency key.
func NewReference(prefix string) string {
	return newID(prefix)
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

// =============================================================================
// PAYMENT - Append-only record of money applied to an invoice
// =============================================================================

type PaymentMethod string

const (
	MethodWallet  PaymentMethod = "wallet"
	MethodCash    PaymentMethod = "cash"
	MethodGateway PaymentMethod = "gateway"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodWallet, MethodCash, MethodGateway:
		return true
	}
	return false
}

type Payment struct {
	ID         PaymentID
	InvoiceID  InvoiceID
	Amount     Money
	Method     PaymentMethod
	Reference  string
	RecordedAt time.Time
}

// =============================================================================
// WALLET TRANSACTION - Append-only record of a wallet balance change
// =============================================================================

type WalletTxType string

const (
	WalletCredit WalletTxType = "credit"
	WalletDebit  WalletTxType = "debit"
)

type WalletTransaction struct {
	ID               WalletTxID
	WalletID         WalletID
	Type             WalletTxType
	Amount           Money // always positive; Type carries the sign
	Reference        string
	RelatedInvoiceID *InvoiceID
	Description      string
	CreatedAt        time.Time
}

// Signed returns the transaction's effect on the balance.
func (t WalletTransaction) Signed() Money {
	if t.Type == WalletDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// =============================================================================
// EVENTS - Emitted after commit for external collaborators
// =============================================================================

// PaymentRecorded is emitted once per newly appended payment. Duplicate
// submissions do not emit.
type PaymentRecorded struct {
	InvoiceID  InvoiceID
	GuardianID string
	StudentID  string
	PaymentID  PaymentID
	Reference  string
	Method     PaymentMethod
	Amount     Money
	Balance    Money
	Status     InvoiceStatus
	RecordedAt time.Time
}

// EventSink receives ledger events. Implementations must not block for long;
// notification delivery belongs to the collaborator behind the sink.
type EventSink interface {
	PaymentRecorded(ctx context.Context, ev PaymentRecorded)
}
