package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func signed(ref string, amount int64, status string) Callback {
	return NewSigner(secret).SignCallback(Callback{
		Reference: ref,
		Amount:    amount,
		Currency:  "GHS",
		Status:    status,
	})
}

func TestVerify_ValidCallback(t *testing.T) {
	v := NewVerifier(secret)

	ev, err := v.Verify(signed("gw-1", 5000, "PAID"))
	require.NoError(t, err)
	assert.Equal(t, Event{Reference: "gw-1", Amount: 5000, Currency: "GHS", Status: StatusSucceeded}, ev)
	assert.True(t, ev.Succeeded())
}

func TestVerify_FailedStatus(t *testing.T) {
	ev, err := NewVerifier(secret).Verify(signed("gw-2", 5000, "expired"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, ev.Status)
	assert.False(t, ev.Succeeded())
}

func TestVerify_Rejections(t *testing.T) {
	good := signed("gw-1", 5000, "PAID")

	tamperedAmount := good
	tamperedAmount.Amount = 50000

	tamperedStatus := good
	tamperedStatus.Status = "FAILED"

	badHex := good
	badHex.Signature = "zz"

	noSig := good
	noSig.Signature = ""

	noRef := signed("", 5000, "PAID")

	tests := []struct {
		name string
		cb   Callback
	}{
		{"amount changed after signing", tamperedAmount},
		{"status changed after signing", tamperedStatus},
		{"signature not hex", badHex},
		{"missing signature", noSig},
		{"missing reference", noRef},
		{"zero amount", signed("gw-3", 0, "PAID")},
		{"unknown status", signed("gw-4", 100, "WHATEVER")},
		{"other secret", NewSigner("other").SignCallback(Callback{Reference: "gw-5", Amount: 1, Currency: "GHS", Status: "PAID"})},
	}

	v := NewVerifier(secret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.cb)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrVerificationFailed))
		})
	}
}

func TestVerify_NoSecretRejectsEverything(t *testing.T) {
	_, err := NewVerifier("").Verify(signed("gw-1", 5000, "PAID"))
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestNormalizeStatus(t *testing.T) {
	s, ok := NormalizeStatus(" completed ")
	assert.True(t, ok)
	assert.Equal(t, StatusSucceeded, s)

	s, ok = NormalizeStatus("declined")
	assert.True(t, ok)
	assert.Equal(t, StatusFailed, s)

	_, ok = NormalizeStatus("pending")
	assert.False(t, ok)
}

func TestClient_CreateCheckout(t *testing.T) {
	expiry := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/invoices", r.URL.Path)
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key-123", user)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gw-9", body["external_id"])
		assert.Equal(t, "125.5", body["amount"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "prov_1",
			"invoice_url": "https://pay.example/prov_1",
			"expiry_date": expiry,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "key-123", time.Second, nil)
	sess, err := c.CreateCheckout(context.Background(), CheckoutRequest{
		Reference: "gw-9",
		Amount:    12550,
		Currency:  "GHS",
		Exponent:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, "prov_1", sess.ProviderID)
	assert.Equal(t, "https://pay.example/prov_1", sess.URL)
	assert.True(t, expiry.Equal(sess.ExpiresAt))
}

func TestClient_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k", time.Second, nil).CreateCheckout(context.Background(), CheckoutRequest{Reference: "gw-1", Amount: 1, Currency: "GHS"})
	assert.Error(t, err)
}

func TestHostedPage(t *testing.T) {
	sess, err := HostedPage{BaseURL: "http://localhost:8080/"}.CreateCheckout(context.Background(), CheckoutRequest{Reference: "gw-1"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/checkout/gw-1", sess.URL)
}
