/*
Package ledger implements the fee invoice and prepaid-wallet ledger.

PURPOSE:
  Tracks what a guardian owes (invoices), what has been paid (payments by
  wallet debit, cash entry or payment gateway) and the guardian's prepaid
  wallet balance. Every balance is derived from an append-only log; nothing
  is kept as an independently mutated counter.

KEY CONCEPTS IN THIS FILE (money.go):
  - Money: an integer amount of minor currency units with a currency code
  - Currency: ISO-4217 code plus its minor-unit exponent

DESIGN PRINCIPLES:
  1. Integer arithmetic only: 500.00 GHS is Money{Minor: 50000, Currency: "GHS"}
  2. No implicit currency: arithmetic across currencies is a caller bug
  3. Formatting is for display only and goes through decimal.Decimal

USAGE:
  fee := ledger.NewMoney(50000, "GHS")
  fee.Format()                       // "500.00 GHS"
  m, err := ledger.ParseMajor("12.5", "GHS") // Money{1250, "GHS"}

SEE ALSO:
  - invoice.go: Invoice aggregate
  - wallet.go: Wallet ledger
  - reconcile.go: Reconciliation engine
*/
package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCY
// =============================================================================

// Currency is an upper-case ISO-4217 code.
type Currency string

// minorExponents lists currencies whose minor unit is not 1/100.
var minorExponents = map[Currency]int32{
	"JPY": 0,
	"KRW": 0,
	"UGX": 0,
	"RWF": 0,
	"XOF": 0,
	"XAF": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(code)))
}

// Valid reports whether c looks like an ISO-4217 code.
func (c Currency) Valid() bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Exponent returns the number of decimal places of the currency's minor unit.
func (c Currency) Exponent() int32 {
	if e, ok := minorExponents[c]; ok {
		return e
	}
	return 2
}

// =============================================================================
// MONEY
// =============================================================================

// Money is an amount in minor currency units.
type Money struct {
	Minor    int64    `json:"amount"`
	Currency Currency `json:"currency"`
}

func NewMoney(minor int64, currency string) Money {
	return Money{Minor: minor, Currency: NormalizeCurrency(currency)}
}

var (
	minMinor = decimal.NewFromInt(math.MinInt64)
	maxMinor = decimal.NewFromInt(math.MaxInt64)
)

// ParseMajor converts a major-unit decimal string ("12.50") into Money.
// Amounts with more precision than the currency's minor unit are rejected
// rather than rounded.
func ParseMajor(s string, currency string) (Money, error) {
	cur := NormalizeCurrency(currency)
	if !cur.Valid() {
		return Money{}, &ValidationError{Field: "currency", Message: fmt.Sprintf("invalid currency %q", currency)}
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, &ValidationError{Field: "amount", Message: fmt.Sprintf("invalid amount %q", s)}
	}
	scaled := d.Shift(cur.Exponent())
	if !scaled.Equal(scaled.Truncate(0)) {
		return Money{}, &ValidationError{Field: "amount", Message: fmt.Sprintf("amount %q has sub-minor-unit precision", s)}
	}
	if scaled.LessThan(minMinor) || scaled.GreaterThan(maxMinor) {
		return Money{}, &ValidationError{Field: "amount", Message: fmt.Sprintf("amount %q is out of range", s)}
	}
	return Money{Minor: scaled.IntPart(), Currency: cur}, nil
}

func (m Money) Zero() Money { return Money{Currency: m.Currency} }
func (m Money) IsZero() bool { return m.Minor == 0 }
func (m Money) IsPositive() bool { return m.Minor > 0 }
func (m Money) IsNegative() bool { return m.Minor < 0 }
func (m Money) Neg() Money { return Money{Minor: -m.Minor, Currency: m.Currency} }
func (m Money) Add(o Money) Money { return Money{Minor: m.Minor + o.Minor, Currency: m.Currency} }
func (m Money) Sub(o Money) Money { return Money{Minor: m.Minor - o.Minor, Currency: m.Currency} }
func (m Money) SameCurrency(o Money) bool { return m.Currency == o.Currency }

// GreaterThan compares amounts. Callers check currencies first.
func (m Money) GreaterThan(o Money) bool { return m.Minor > o.Minor }

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Minor, -m.Currency.Exponent())
}

// Format renders the amount for display, e.g. "500.00 GHS".
func (m Money) Format() string {
	return m.Decimal().StringFixed(m.Currency.Exponent()) + " " + string(m.Currency)
}

func (m Money) String() string { return m.Format() }

// checkCurrency returns ErrCurrencyMismatch wrapped in a ValidationError.
func checkCurrency(field string, want Currency, got Money) error {
	if got.Currency != want {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("currency %s does not match %s", got.Currency, want),
			Err:     ErrCurrencyMismatch,
		}
	}
	return nil
}
