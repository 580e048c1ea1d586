/*
gateway.go - Boundary to the external payment provider

PURPOSE:
  Inbound: verify checkout-completion callbacks and normalize them into an
  Event. Outbound: open hosted checkouts through a Provider.

  This package knows nothing about invoices or wallets. It hands verified
  events to the reconciliation engine and never applies them itself.

CALLBACK SIGNATURE:
  hex(HMAC-SHA256(secret, "reference|amount|currency|status"))

  amount is the integer minor-unit value, currency the upper-case code and
  status the provider's raw status string, exactly as received.

SEE ALSO:
  - ledger/reconcile.go: ApplyGatewayEvent, BeginCheckout
  - client.go: HTTP provider
*/
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrVerificationFailed marks a callback that is malformed or whose
// signature does not match. Such events are logged and dropped.
var ErrVerificationFailed = errors.New("gateway verification failed")

// VerificationError carries the reason a callback was rejected.
type VerificationError struct {
	Reference string
	Reason    string
}

func (e *VerificationError) Error() string {
	if e.Reference == "" {
		return fmt.Sprintf("gateway verification failed: %s", e.Reason)
	}
	return fmt.Sprintf("gateway verification failed for %s: %s", e.Reference, e.Reason)
}

func (e *VerificationError) Unwrap() error { return ErrVerificationFailed }

func rejected(ref, format string, args ...any) error {
	return &VerificationError{Reference: ref, Reason: fmt.Sprintf(format, args...)}
}

// =============================================================================
// EVENTS
// =============================================================================

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// providerStatuses maps the provider's status vocabulary onto Status.
// Anything not listed fails verification.
var providerStatuses = map[string]Status{
	"PAID":      StatusSucceeded,
	"SETTLED":   StatusSucceeded,
	"SUCCESS":   StatusSucceeded,
	"SUCCEEDED": StatusSucceeded,
	"COMPLETED": StatusSucceeded,
	"FAILED":    StatusFailed,
	"FAILURE":   StatusFailed,
	"DECLINED":  StatusFailed,
	"CANCELLED": StatusFailed,
	"EXPIRED":   StatusFailed,
}

// NormalizeStatus maps a raw provider status. ok is false for unknown values.
func NormalizeStatus(raw string) (Status, bool) {
	s, ok := providerStatuses[strings.ToUpper(strings.TrimSpace(raw))]
	return s, ok
}

// Callback is the inbound body as the provider posts it.
type Callback struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	Signature string `json:"signature"`
}

// Event is a verified, normalized callback.
type Event struct {
	Reference string
	Amount    int64
	Currency  string
	Status    Status
}

func (e Event) Succeeded() bool { return e.Status == StatusSucceeded }

// =============================================================================
// SIGNATURES
// =============================================================================

// Signer produces callback signatures. The provider side of the contract;
// used by tests and demo data.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer { return &Signer{secret: []byte(secret)} }

func (s *Signer) Sign(reference string, amount int64, currency, status string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical(reference, amount, currency, status)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignCallback fills cb.Signature.
func (s *Signer) SignCallback(cb Callback) Callback {
	cb.Signature = s.Sign(cb.Reference, cb.Amount, cb.Currency, cb.Status)
	return cb
}

func canonical(reference string, amount int64, currency, status string) string {
	return strings.Join([]string{reference, strconv.FormatInt(amount, 10), currency, status}, "|")
}

// Verifier checks callbacks against the shared secret.
type Verifier struct {
	signer *Signer
}

func NewVerifier(secret string) *Verifier { return &Verifier{signer: NewSigner(secret)} }

// Verify validates shape and signature and returns the normalized event.
// Every failure wraps ErrVerificationFailed.
func (v *Verifier) Verify(cb Callback) (Event, error) {
	if len(v.signer.secret) == 0 {
		return Event{}, rejected(cb.Reference, "no gateway secret configured")
	}
	if cb.Reference == "" {
		return Event{}, rejected("", "missing reference")
	}
	if cb.Amount <= 0 {
		return Event{}, rejected(cb.Reference, "amount must be positive")
	}
	if cb.Currency == "" {
		return Event{}, rejected(cb.Reference, "missing currency")
	}
	if cb.Signature == "" {
		return Event{}, rejected(cb.Reference, "missing signature")
	}

	got, err := hex.DecodeString(cb.Signature)
	if err != nil {
		return Event{}, rejected(cb.Reference, "signature is not hex")
	}
	want, _ := hex.DecodeString(v.signer.Sign(cb.Reference, cb.Amount, cb.Currency, cb.Status))
	if !hmac.Equal(got, want) {
		return Event{}, rejected(cb.Reference, "signature mismatch")
	}

	status, ok := NormalizeStatus(cb.Status)
	if !ok {
		return Event{}, rejected(cb.Reference, "unknown status %q", cb.Status)
	}
	return Event{
		Reference: cb.Reference,
		Amount:    cb.Amount,
		Currency:  strings.ToUpper(cb.Currency),
		Status:    status,
	}, nil
}

// =============================================================================
// CHECKOUT
// =============================================================================

type CheckoutRequest struct {
	Reference   string
	Amount      int64 // minor units
	Currency    string
	Exponent    int32 // minor-unit digits of Currency
	Description string
	ExpiresAt   time.Time
}

type CheckoutSession struct {
	Reference  string    `json:"reference"`
	ProviderID string    `json:"provider_id"`
	URL        string    `json:"checkout_url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Provider opens hosted checkouts. Implementations make network calls and
// must never be invoked while a ledger lock is held.
type Provider interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

func (f ProviderFunc) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	return f(ctx, req)
}
