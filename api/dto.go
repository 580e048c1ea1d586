/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Always integer minor units plus a currency code. Responses add a
  formatted major-unit string ("500.00 GHS") for display only.

VALIDATION:
  Request types carry validator tags; see validate.go. Domain rules
  (currency match, overpayment, sufficiency) are checked by the ledger.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type InvoiceItemRequest struct {
	Description string `json:"description" validate:"required,notblank"`
	Quantity    int64  `json:"quantity" validate:"required,gt=0"`
	UnitPrice   int64  `json:"unit_price" validate:"gte=0"`
	Amount      int64  `json:"amount" validate:"gte=0"`
	IsOptional  bool   `json:"is_optional"`
}

type CreateInvoiceRequest struct {
	StudentID  string               `json:"student_id" validate:"required,notblank"`
	GuardianID string               `json:"guardian_id" validate:"required,notblank"`
	TermID     string               `json:"term_id" validate:"required,notblank"`
	Currency   string               `json:"currency" validate:"required,len=3,alpha"`
	DueDate    string               `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Items      []InvoiceItemRequest `json:"items" validate:"required,min=1,dive"`
}

type PaymentRequest struct {
	InvoiceID string `json:"invoice_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Currency  string `json:"currency" validate:"required,len=3,alpha"`
	Method    string `json:"method" validate:"required,oneof=wallet cash"`
	Reference string `json:"reference" validate:"required,notblank,max=128"`
	WalletID  string `json:"wallet_id" validate:"required_if=Method wallet"`
}

type OpenWalletRequest struct {
	OwnerID  string `json:"owner_id" validate:"required,notblank"`
	Currency string `json:"currency" validate:"required,len=3,alpha"`
}

type WalletTxRequest struct {
	WalletID         string `json:"wallet_id" validate:"required"`
	Amount           int64  `json:"amount" validate:"required,gt=0"`
	Currency         string `json:"currency" validate:"required,len=3,alpha"`
	Reference        string `json:"reference" validate:"required,notblank,max=128"`
	Description      string `json:"description" validate:"max=256"`
	RelatedInvoiceID string `json:"related_invoice_id"`
}

type CheckoutRequest struct {
	Reference   string `json:"reference" validate:"max=128"`
	InvoiceID   string `json:"invoice_id" validate:"required_without=WalletID"`
	WalletID    string `json:"wallet_id"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3,alpha"`
	Description string `json:"description" validate:"max=256"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type MoneyDTO struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Formatted string `json:"formatted"`
}

type InvoiceItemDTO struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Amount      int64  `json:"amount"`
	IsOptional  bool   `json:"is_optional,omitempty"`
}

type PaymentDTO struct {
	ID         string   `json:"id"`
	InvoiceID  string   `json:"invoice_id"`
	Amount     MoneyDTO `json:"amount"`
	Method     string   `json:"method"`
	Reference  string   `json:"reference"`
	RecordedAt string   `json:"recorded_at"`
}

type InvoiceDTO struct {
	ID         string           `json:"id"`
	StudentID  string           `json:"student_id"`
	GuardianID string           `json:"guardian_id"`
	TermID     string           `json:"term_id"`
	Status     string           `json:"status"`
	Items      []InvoiceItemDTO `json:"items"`
	Total      MoneyDTO         `json:"total"`
	Paid       MoneyDTO         `json:"paid"`
	Balance    MoneyDTO         `json:"balance"`
	DueDate    string           `json:"due_date,omitempty"`
	Overdue    bool             `json:"overdue"`
	Payments   []PaymentDTO     `json:"payments"`
	CreatedAt  string           `json:"created_at"`
}

type WalletTransactionDTO struct {
	ID               string   `json:"id"`
	WalletID         string   `json:"wallet_id"`
	Type             string   `json:"type"`
	Amount           MoneyDTO `json:"amount"`
	Reference        string   `json:"reference"`
	RelatedInvoiceID string   `json:"related_invoice_id,omitempty"`
	Description      string   `json:"description,omitempty"`
	CreatedAt        string   `json:"created_at"`
	BalanceAfter     *int64   `json:"balance_after,omitempty"`
}

type WalletDTO struct {
	ID        string                 `json:"id"`
	OwnerID   string                 `json:"owner_id"`
	Balance   MoneyDTO               `json:"balance"`
	Statement []WalletTransactionDTO `json:"statement"`
	CreatedAt string                 `json:"created_at"`
}

type WalletTxResponse struct {
	Transaction WalletTransactionDTO `json:"transaction"`
	Balance     MoneyDTO             `json:"balance"`
	Duplicate   bool                 `json:"duplicate"`
}

type ReconciliationDTO struct {
	Reference           string    `json:"reference"`
	Source              string    `json:"source"`
	Status              string    `json:"status"`
	InvoiceID           string    `json:"invoice_id,omitempty"`
	WalletID            string    `json:"wallet_id,omitempty"`
	Amount              MoneyDTO  `json:"amount"`
	PaymentID           string    `json:"payment_id,omitempty"`
	WalletTxID          string    `json:"wallet_tx_id,omitempty"`
	InvoiceBalanceAfter *MoneyDTO `json:"invoice_balance_after,omitempty"`
	WalletBalanceAfter  *MoneyDTO `json:"wallet_balance_after,omitempty"`
	Reason              string    `json:"reason,omitempty"`
	ExpiresAt           string    `json:"expires_at,omitempty"`
	CreatedAt           string    `json:"created_at"`
	UpdatedAt           string    `json:"updated_at"`
}

// OutcomeDTO is the response to payments and gateway callbacks.
type OutcomeDTO struct {
	Reconciliation    ReconciliationDTO     `json:"reconciliation"`
	Invoice           *InvoiceDTO           `json:"invoice,omitempty"`
	Payment           *PaymentDTO           `json:"payment,omitempty"`
	WalletTransaction *WalletTransactionDTO `json:"wallet_transaction,omitempty"`
	Duplicate         bool                  `json:"duplicate"`
}

type CheckoutDTO struct {
	Reference   string   `json:"reference"`
	Status      string   `json:"status"`
	Amount      MoneyDTO `json:"amount"`
	CheckoutURL string   `json:"checkout_url"`
	ProviderID  string   `json:"provider_id,omitempty"`
	ExpiresAt   string   `json:"expires_at"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioResultDTO summarizes what a loaded scenario produced.
type ScenarioResultDTO struct {
	Scenario ScenarioDTO    `json:"scenario"`
	Invoices []InvoiceDTO   `json:"invoices"`
	Wallets  []WalletDTO    `json:"wallets"`
	Steps    []ScenarioStep `json:"steps"`
}

type ScenarioStep struct {
	Action string `json:"action"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toMoneyDTO(m ledger.Money) MoneyDTO {
	return MoneyDTO{Amount: m.Minor, Currency: string(m.Currency), Formatted: m.Format()}
}

func toMoneyPtr(m *ledger.Money) *MoneyDTO {
	if m == nil {
		return nil
	}
	d := toMoneyDTO(*m)
	return &d
}

func toPaymentDTO(p ledger.Payment) PaymentDTO {
	return PaymentDTO{
		ID:         string(p.ID),
		InvoiceID:  string(p.InvoiceID),
		Amount:     toMoneyDTO(p.Amount),
		Method:     string(p.Method),
		Reference:  p.Reference,
		RecordedAt: formatTime(p.RecordedAt),
	}
}

func toInvoiceDTO(inv *ledger.Invoice, now time.Time) InvoiceDTO {
	items := make([]InvoiceItemDTO, len(inv.Items))
	for i, it := range inv.Items {
		items[i] = InvoiceItemDTO{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Amount:      it.Amount,
			IsOptional:  it.IsOptional,
		}
	}
	payments := make([]PaymentDTO, len(inv.Payments))
	for i, p := range inv.Payments {
		payments[i] = toPaymentDTO(p)
	}
	dto := InvoiceDTO{
		ID:         string(inv.ID),
		StudentID:  inv.StudentID,
		GuardianID: inv.GuardianID,
		TermID:     inv.TermID,
		Status:     string(inv.Status),
		Items:      items,
		Total:      toMoneyDTO(inv.Total),
		Paid:       toMoneyDTO(inv.Paid()),
		Balance:    toMoneyDTO(inv.Balance()),
		Overdue:    inv.IsOverdue(now),
		Payments:   payments,
		CreatedAt:  formatTime(inv.CreatedAt),
	}
	if !inv.DueDate.IsZero() {
		dto.DueDate = inv.DueDate.Format("2006-01-02")
	}
	return dto
}

func toWalletTxDTO(t ledger.WalletTransaction) WalletTransactionDTO {
	dto := WalletTransactionDTO{
		ID:          string(t.ID),
		WalletID:    string(t.WalletID),
		Type:        string(t.Type),
		Amount:      toMoneyDTO(t.Amount),
		Reference:   t.Reference,
		Description: t.Description,
		CreatedAt:   formatTime(t.CreatedAt),
	}
	if t.RelatedInvoiceID != nil {
		dto.RelatedInvoiceID = string(*t.RelatedInvoiceID)
	}
	return dto
}

func toWalletDTO(w *ledger.Wallet) WalletDTO {
	lines := w.Statement()
	stmt := make([]WalletTransactionDTO, len(lines))
	for i, l := range lines {
		stmt[i] = toWalletTxDTO(l.WalletTransaction)
		bal := l.BalanceAfter.Minor
		stmt[i].BalanceAfter = &bal
	}
	return WalletDTO{
		ID:        string(w.ID),
		OwnerID:   w.OwnerID,
		Balance:   toMoneyDTO(w.Balance()),
		Statement: stmt,
		CreatedAt: formatTime(w.CreatedAt),
	}
}

func toReconciliationDTO(r ledger.Reconciliation) ReconciliationDTO {
	dto := ReconciliationDTO{
		Reference:           r.Reference,
		Source:              string(r.Source),
		Status:              string(r.Status),
		Amount:              toMoneyDTO(r.Amount),
		InvoiceBalanceAfter: toMoneyPtr(r.InvoiceBalanceAfter),
		WalletBalanceAfter:  toMoneyPtr(r.WalletBalanceAfter),
		Reason:              r.Reason,
		CreatedAt:           formatTime(r.CreatedAt),
		UpdatedAt:           formatTime(r.UpdatedAt),
	}
	if r.InvoiceID != nil {
		dto.InvoiceID = string(*r.InvoiceID)
	}
	if r.WalletID != nil {
		dto.WalletID = string(*r.WalletID)
	}
	if r.PaymentID != nil {
		dto.PaymentID = string(*r.PaymentID)
	}
	if r.WalletTxID != nil {
		dto.WalletTxID = string(*r.WalletTxID)
	}
	if r.ExpiresAt != nil {
		dto.ExpiresAt = formatTime(*r.ExpiresAt)
	}
	return dto
}

func toOutcomeDTO(o *ledger.Outcome, now time.Time) OutcomeDTO {
	dto := OutcomeDTO{
		Reconciliation: toReconciliationDTO(o.Reconciliation),
		Duplicate:      o.Duplicate,
	}
	if o.Invoice != nil {
		inv := toInvoiceDTO(o.Invoice, now)
		dto.Invoice = &inv
	}
	if o.Payment != nil {
		p := toPaymentDTO(*o.Payment)
		dto.Payment = &p
	}
	if o.WalletTransaction != nil {
		t := toWalletTxDTO(*o.WalletTransaction)
		dto.WalletTransaction = &t
	}
	return dto
}
