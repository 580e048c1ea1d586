package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultTimeout = 10 * time.Second

// Client is the HTTP Provider. The provider takes amounts in major units
// and authenticates with the API key as the basic-auth user.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type createCheckoutBody struct {
	ExternalID  string          `json:"external_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	DurationSec int64           `json:"invoice_duration,omitempty"`
}

type createCheckoutResponse struct {
	ID         string    `json:"id"`
	InvoiceURL string    `json:"invoice_url"`
	ExpiryDate time.Time `json:"expiry_date"`
}

func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	body := createCheckoutBody{
		ExternalID:  req.Reference,
		Amount:      decimal.New(req.Amount, -req.Exponent),
		Currency:    req.Currency,
		Description: req.Description,
	}
	if !req.ExpiresAt.IsZero() {
		body.DurationSec = int64(time.Until(req.ExpiresAt).Seconds())
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode checkout request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/invoices", bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, "build checkout request")
	}
	httpReq.SetBasicAuth(c.apiKey, "")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.log.Warn("checkout rejected by provider",
			zap.String("reference", req.Reference),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("create checkout: provider returned %s", resp.Status)
	}

	var out createCheckoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode checkout response")
	}
	if out.ID == "" {
		return nil, errors.New("create checkout: empty provider id")
	}
	expires := out.ExpiryDate
	if expires.IsZero() {
		expires = req.ExpiresAt
	}
	return &CheckoutSession{
		Reference:  req.Reference,
		ProviderID: out.ID,
		URL:        out.InvoiceURL,
		ExpiresAt:  expires,
	}, nil
}

// HostedPage is a Provider for local runs without a provider account. It
// returns a URL under baseURL and makes no network call.
type HostedPage struct {
	BaseURL string
}

func (h HostedPage) CreateCheckout(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	return &CheckoutSession{
		Reference:  req.Reference,
		ProviderID: "local_" + req.Reference,
		URL:        strings.TrimRight(h.BaseURL, "/") + "/checkout/" + req.Reference,
		ExpiresAt:  req.ExpiresAt,
	}, nil
}
