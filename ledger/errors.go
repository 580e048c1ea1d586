/*
errors.go - Centralized error types for the ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure path of the ledger returns one of these; nothing panics.

ERROR CATEGORIES:
  1. Validation    - malformed input, rejected before any side effect
  2. Business rule - insufficient funds, overpayment, invalid transition
  3. Concurrency   - optimistic-lock conflicts, retried by the engine
  4. Lookup        - missing invoices, wallets, references

DUPLICATE REFERENCES:
  ErrDuplicateReference is what the Store returns when a unique reference
  already exists. The services above the Store never surface it to callers:
  a duplicate is turned into a successful no-op carrying the original result.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) {
      var ife *ledger.InsufficientFundsError
      errors.As(err, &ife) // ife.Available, ife.Requested
  }

SEE ALSO:
  - api/handlers.go: maps these errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateReference is returned by stores when a payment, wallet
	// transaction or reconciliation with the same reference already exists.
	ErrDuplicateReference = errors.New("duplicate reference")

	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrOverpaymentRejected = errors.New("payment exceeds outstanding balance")
	ErrInvalidTransition   = errors.New("invalid status transition")

	// ErrConcurrentModification is returned when an optimistic version check
	// fails. The reconciliation engine retries it a bounded number of times.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrInvoiceNotFound        = errors.New("invoice not found")
	ErrWalletNotFound         = errors.New("wallet not found")
	ErrReconciliationNotFound = errors.New("reference not found")

	// ErrReferenceExpired is returned when a gateway reference timed out
	// before its callback arrived. Expired references are never honored.
	ErrReferenceExpired = errors.New("reference expired")

	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrReferenceConflict is returned when a known reference is submitted
	// again with a different target, amount or method.
	ErrReferenceConflict = errors.New("reference already used for a different payment")

	// ErrGatewayUnavailable is returned when no provider is configured or
	// the provider could not open a checkout.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes malformed input on a single field.
type ValidationError struct {
	Field   string
	Message string
	Err     error // optional, more specific cause (e.g. ErrCurrencyMismatch)
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientFundsError provides details about a wallet shortfall.
type InsufficientFundsError struct {
	WalletID  WalletID
	Available Money
	Requested Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in wallet %s: available %s, requested %s",
		e.WalletID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// OverpaymentError provides details about a rejected overpayment.
type OverpaymentError struct {
	InvoiceID InvoiceID
	Balance   Money
	Requested Money
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment of %s exceeds balance %s on invoice %s",
		e.Requested, e.Balance, e.InvoiceID)
}

func (e *OverpaymentError) Unwrap() error { return ErrOverpaymentRejected }

// TransitionError describes a rejected status-machine event.
type TransitionError struct {
	InvoiceID InvoiceID
	From      InvoiceStatus
	Event     InvoiceEvent
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invoice %s: cannot %s from %s", e.InvoiceID, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the caller's input or a
// business rule, as opposed to an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrOverpaymentRejected) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrReferenceExpired) ||
		errors.Is(err, ErrReferenceConflict)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrReconciliationNotFound)
}
