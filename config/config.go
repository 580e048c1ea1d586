/*
config.go - Runtime configuration

PURPOSE:
  Loads settings from defaults, an optional .env file and the process
  environment, in that order of precedence (lowest first).

ENVIRONMENT:
  ENV selects the profile: DEV (default), TEST, PROD. It is also the
  variable prefix, so in PROD the HTTP port is read from PROD_HTTP_PORT.
  config/.env.<env> is loaded when present.

KEYS:
  app.env, http.port, db.driver, db.dsn, ledger.retries,
  gateway.secret, gateway.base_url, gateway.api_key, gateway.checkout_ttl,
  gateway.timeout, scheduler.expiry_spec, cors.allowed_origins,
  rollbar.token

SEE ALSO:
  - cmd/server/main.go: flags that override these values
*/
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/warp/fee-ledger/ledger"
	"github.com/warp/fee-ledger/store/sqlstore"
)

type Config struct {
	Env  string
	Port int

	DBDriver string
	DBDSN    string

	Retries int

	GatewaySecret  string
	GatewayBaseURL string
	GatewayAPIKey  string
	CheckoutTTL    time.Duration
	GatewayTimeout time.Duration

	// ExpirySpec is a cron expression for the pending-checkout sweep.
	// Empty disables the sweep.
	ExpirySpec string

	AllowedOrigins []string
	RollbarToken   string
}

// IsProduction reports whether the PROD profile is active.
func (c *Config) IsProduction() bool { return c.Env == "PROD" }

func defaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("http.port", 8080)
	v.SetDefault("db.driver", sqlstore.DriverSQLite)
	v.SetDefault("db.dsn", "fee-ledger.db")
	v.SetDefault("ledger.retries", ledger.DefaultRetries)
	v.SetDefault("gateway.secret", "")
	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.checkout_ttl", ledger.DefaultCheckoutTTL)
	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("scheduler.expiry_spec", "@every 1m")
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("rollbar.token", "")
}

// Load reads the configuration for the profile named by ENV. dir is where
// .env.<env> files live; empty means ./config.
func Load(dir string) (*Config, error) {
	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}
	if dir == "" {
		dir = "config"
	}

	// A missing .env file is fine; a broken one is not.
	dotEnv := filepath.Join(dir, ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnv); err == nil {
		if err := godotenv.Load(dotEnv); err != nil {
			return nil, errors.Wrapf(err, "config.godotenv(%s)", dotEnv)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "config.stat(%s)", dotEnv)
	}

	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	c := &Config{
		Env:            env,
		Port:           v.GetInt("http.port"),
		DBDriver:       v.GetString("db.driver"),
		DBDSN:          v.GetString("db.dsn"),
		Retries:        v.GetInt("ledger.retries"),
		GatewaySecret:  v.GetString("gateway.secret"),
		GatewayBaseURL: v.GetString("gateway.base_url"),
		GatewayAPIKey:  v.GetString("gateway.api_key"),
		CheckoutTTL:    v.GetDuration("gateway.checkout_ttl"),
		GatewayTimeout: v.GetDuration("gateway.timeout"),
		ExpirySpec:     v.GetString("scheduler.expiry_spec"),
		AllowedOrigins: v.GetStringSlice("cors.allowed_origins"),
		RollbarToken:   v.GetString("rollbar.token"),
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
	default:
		return errors.Errorf("config: unsupported db.driver %q", c.DBDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("config: invalid http.port %d", c.Port)
	}
	if c.Retries < 0 {
		return errors.Errorf("config: ledger.retries must not be negative")
	}
	if c.CheckoutTTL <= 0 {
		return errors.Errorf("config: gateway.checkout_ttl must be positive")
	}
	if c.IsProduction() && c.GatewaySecret == "" {
		return errors.New("config: gateway.secret is required in PROD")
	}
	return nil
}
