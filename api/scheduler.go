/*
scheduler.go - Pending checkout expiry sweep

PURPOSE:
  Periodically resolves gateway checkouts whose expiry passed without a
  callback. A callback arriving for such a reference afterwards finds a
  terminal record and is not honored.

DESIGN:
  - robfig/cron drives the sweep with a standard cron spec or "@every 1m"
  - Overlapping runs are skipped; a panic in one run does not stop the next
  - The engine is safe against callbacks racing the sweep: each record
    leaves pending at most once

USAGE:
  s, err := NewExpiryScheduler(engine, "@every 1m", log)
  s.Start()
  // ... later
  <-s.Stop().Done()

SEE ALSO:
  - ledger/reconcile.go: Engine.ExpireStale
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/fee-ledger/ledger"
)

// ExpiryScheduler runs Engine.ExpireStale on a cron schedule.
type ExpiryScheduler struct {
	engine *ledger.Engine
	log    *zap.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	lastRun time.Time
	expired int
}

// NewExpiryScheduler validates spec and prepares the job. Nothing runs
// until Start.
func NewExpiryScheduler(engine *ledger.Engine, spec string, log *zap.Logger) (*ExpiryScheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log.Sugar()}
	s := &ExpiryScheduler{
		engine: engine,
		log:    log,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunNow(context.Background()) }); err != nil {
		return nil, errors.Wrapf(err, "scheduler: invalid spec %q", spec)
	}
	return s, nil
}

func (s *ExpiryScheduler) Start() {
	s.cron.Start()
	s.log.Info("expiry scheduler started")
}

// Stop halts scheduling. The returned context is done once a running sweep
// has finished.
func (s *ExpiryScheduler) Stop() context.Context {
	s.log.Info("expiry scheduler stopping")
	return s.cron.Stop()
}

// RunNow performs one sweep and returns how many checkouts expired.
func (s *ExpiryScheduler) RunNow(ctx context.Context) int {
	n, err := s.engine.ExpireStale(ctx)
	if err != nil {
		s.log.Error("checkout expiry sweep failed", zap.Int("expired", n), zap.Error(err))
	} else if n > 0 {
		s.log.Info("checkout expiry sweep", zap.Int("expired", n))
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.expired += n
	s.mu.Unlock()
	return n
}

// Stats returns the time of the last sweep and the total expired so far.
func (s *ExpiryScheduler) Stats() (time.Time, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.expired
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
