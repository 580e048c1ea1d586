/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the fee ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config/), then apply command-line flags
  2. Build the zap logger (with Rollbar reporting when configured)
  3. Open the SQL store (SQLite or PostgreSQL)
  4. Build the gateway provider, the engine and the API handler
  5. Run the HTTP server and the checkout expiry scheduler together

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides http.port)
  -db      Database DSN (overrides db.dsn)
           For SQLite use ":memory:" for an in-memory database

GATEWAY:
  With gateway.base_url and gateway.api_key set, checkouts are created
  with the provider's API. Otherwise a local hosted-page provider is used,
  which makes no network call.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, waiting for a running sweep
  4. Close database connection

EXAMPLES:
  ./server -db="./data/fees.db"
  ./server -db=":memory:" -port=3000
  ENV=PROD PROD_DB_DRIVER=postgres PROD_DB_DSN="postgres://..." ./server

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/fee-ledger/api"
	"github.com/warp/fee-ledger/config"
	"github.com/warp/fee-ledger/gateway"
	"github.com/warp/fee-ledger/ledger"
	"github.com/warp/fee-ledger/logging"
	"github.com/warp/fee-ledger/store/sqlstore"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dsn := flag.String("db", cfg.DBDSN, "Database DSN (SQLite path or PostgreSQL URL)")
	flag.Parse()
	cfg.Port, cfg.DBDSN = *port, *dsn

	logger, flush, err := logging.New(logging.Options{
		Env:          cfg.Env,
		Production:   cfg.IsProduction(),
		RollbarToken: cfg.RollbarToken,
		CodeVersion:  version,
	})
	if err != nil {
		return err
	}
	defer flush()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.serve(ctx)
}

// app holds the wired components. Nothing runs until serve.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *sqlstore.Store
	server *http.Server
	sched  *api.ExpiryScheduler
}

// newApp builds every component, including the scheduler, so that a bad
// configuration fails before the server starts listening.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	// Initialize store
	store, err := sqlstore.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	var provider gateway.Provider
	if cfg.GatewayBaseURL != "" && cfg.GatewayAPIKey != "" {
		provider = gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout, logger.Named("gateway"))
	} else {
		logger.Warn("no gateway provider configured, using local hosted page")
		provider = gateway.HostedPage{BaseURL: fmt.Sprintf("http://localhost:%d", cfg.Port)}
	}

	engine := ledger.New(store,
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithRetries(cfg.Retries),
		ledger.WithGateway(provider),
		ledger.WithCheckoutTTL(cfg.CheckoutTTL),
	)

	var sched *api.ExpiryScheduler
	if cfg.ExpirySpec != "" {
		if sched, err = api.NewExpiryScheduler(engine, cfg.ExpirySpec, logger.Named("scheduler")); err != nil {
			store.Close()
			return nil, err
		}
	}

	var verifier *gateway.Verifier
	if cfg.GatewaySecret != "" {
		verifier = gateway.NewVerifier(cfg.GatewaySecret)
	} else {
		logger.Warn("gateway.secret not set, callback endpoint disabled")
	}

	handler := api.NewHandler(engine, verifier, logger.Named("api"))
	handler.Health = store.Ping

	return &app{
		cfg:   cfg,
		log:   logger,
		store: store,
		sched: sched,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.AllowedOrigins}),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}, nil
}

// serve runs the server and the scheduler until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server starting",
			zap.Int("port", a.cfg.Port),
			zap.String("env", a.cfg.Env),
			zap.String("db_driver", a.cfg.DBDriver),
			zap.String("version", version),
		)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if a.sched != nil {
		a.sched.Start()
		g.Go(func() error {
			<-gctx.Done()
			<-a.sched.Stop().Done()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("server stopped")
	return nil
}
