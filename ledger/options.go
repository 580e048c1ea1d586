package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/fee-ledger/gateway"
)

const (
	DefaultRetries     = 3
	DefaultCheckoutTTL = 30 * time.Minute
)

// deps is shared by Invoices, Wallets and Engine so that all three use the
// same locks, store and clock.
type deps struct {
	store   Store
	locks   *KeyedLocker
	events  EventSink
	log     *zap.Logger
	clock   Clock
	retries int
}

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. Each attempt re-reads state inside fn.
func (d *deps) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		d.log.Warn("optimistic conflict, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return err
}

// =============================================================================
// OPTIONS
// =============================================================================

type options struct {
	log         *zap.Logger
	clock       Clock
	events      EventSink
	retries     int
	provider    gateway.Provider
	checkoutTTL time.Duration
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

func WithClock(c Clock) Option { return func(o *options) { o.clock = c } }

// WithEventSink sets the receiver of PaymentRecorded events.
func WithEventSink(s EventSink) Option { return func(o *options) { o.events = s } }

// WithRetries bounds optimistic-conflict retries. Negative values mean zero.
func WithRetries(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.retries = n
	}
}

// WithGateway sets the provider used to open hosted checkouts.
func WithGateway(p gateway.Provider) Option { return func(o *options) { o.provider = p } }

func WithCheckoutTTL(d time.Duration) Option { return func(o *options) { o.checkoutTTL = d } }
