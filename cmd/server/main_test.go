package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/fee-ledger/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:         "TEST",
		Port:        0,
		DBDriver:    "sqlite3",
		DBDSN:       ":memory:",
		Retries:     3,
		CheckoutTTL: 30 * time.Minute,
		ExpirySpec:  "@every 1m",
	}
}

func TestNewApp_InvalidExpiryScheduleFailsBeforeServing(t *testing.T) {
	// GIVEN: a configuration with an unparseable expiry schedule
	cfg := testConfig()
	cfg.ExpirySpec = "every now and then"

	// WHEN
	a, err := newApp(cfg, zap.NewNop())

	// THEN: nothing was built to serve
	assert.Error(t, err)
	assert.Nil(t, a)
}

func TestNewApp_WiresComponents(t *testing.T) {
	cfg := testConfig()
	cfg.GatewaySecret = "secret"

	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.store.Close()

	assert.NotNil(t, a.sched)
	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewApp_NoExpirySchedule(t *testing.T) {
	cfg := testConfig()
	cfg.ExpirySpec = ""

	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.store.Close()

	assert.Nil(t, a.sched)
}
