/*
logging.go - Structured logger construction

PURPOSE:
  Builds the zap logger shared by the engine, the HTTP layer and the
  scheduler. PROD gets JSON output at Info; every other profile gets the
  console encoder at Debug.

ERROR REPORTING:
  With a Rollbar token configured, entries at Error and above are also sent
  to Rollbar through a zap core tee. Fields travel as the item's custom data.

SEE ALSO:
  - config/config.go: app.env, rollbar.token
*/
package logging

import (
	"github.com/rollbar/rollbar-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Env          string
	Production   bool
	RollbarToken string
	CodeVersion  string
}

// New builds a logger. The returned func flushes buffered entries and
// pending Rollbar items; call it before exit.
func New(o Options) (*zap.Logger, func(), error) {
	var cfg zap.Config
	if o.Production {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}

	flush := func() { _ = log.Sync() }
	if o.RollbarToken == "" {
		return log, flush, nil
	}

	rollbar.SetToken(o.RollbarToken)
	rollbar.SetEnvironment(o.Env)
	rollbar.SetCodeVersion(o.CodeVersion)
	log = log.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, NewRollbarCore(zapcore.ErrorLevel, rollbarReporter{}))
	}))
	return log, func() {
		_ = log.Sync()
		rollbar.Wait()
	}, nil
}

// =============================================================================
// ROLLBAR CORE
// =============================================================================

// Reporter receives one log entry. The default sends it to Rollbar.
type Reporter interface {
	Report(level zapcore.Level, msg string, data map[string]any)
}

type rollbarReporter struct{}

func (rollbarReporter) Report(level zapcore.Level, msg string, data map[string]any) {
	switch {
	case level >= zapcore.DPanicLevel:
		rollbar.Critical(msg, data)
	default:
		rollbar.Error(msg, data)
	}
}

// RollbarCore is a zapcore.Core forwarding entries at or above its level
// to a Reporter.
type RollbarCore struct {
	zapcore.LevelEnabler
	reporter Reporter
	fields   []zapcore.Field
}

func NewRollbarCore(level zapcore.LevelEnabler, r Reporter) *RollbarCore {
	return &RollbarCore{LevelEnabler: level, reporter: r}
}

func (c *RollbarCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &RollbarCore{LevelEnabler: c.LevelEnabler, reporter: c.reporter, fields: merged}
}

func (c *RollbarCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *RollbarCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	if ent.LoggerName != "" {
		enc.Fields["logger"] = ent.LoggerName
	}
	c.reporter.Report(ent.Level, ent.Message, enc.Fields)
	return nil
}

func (c *RollbarCore) Sync() error { return nil }
