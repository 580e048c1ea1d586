package logging

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type report struct {
	level zapcore.Level
	msg   string
	data  map[string]any
}

type captureReporter struct {
	mu      sync.Mutex
	reports []report
}

func (c *captureReporter) Report(level zapcore.Level, msg string, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, report{level, msg, data})
}

func TestRollbarCore_ForwardsErrorsOnly(t *testing.T) {
	rep := &captureReporter{}
	log := zap.New(NewRollbarCore(zapcore.ErrorLevel, rep)).With(zap.String("component", "engine"))

	log.Info("checkout opened", zap.String("reference", "gw-1"))
	log.Warn("late gateway callback ignored")
	log.Error("gateway payment could not be applied",
		zap.String("reference", "gw-2"),
		zap.Error(errors.New("invoice cancelled")),
	)

	require.Len(t, rep.reports, 1)
	got := rep.reports[0]
	assert.Equal(t, zapcore.ErrorLevel, got.level)
	assert.Equal(t, "gateway payment could not be applied", got.msg)
	assert.Equal(t, "gw-2", got.data["reference"])
	assert.Equal(t, "engine", got.data["component"])
	assert.Equal(t, "invoice cancelled", got.data["error"])
}

func TestNew_WithoutRollbar(t *testing.T) {
	log, flush, err := New(Options{Env: "TEST"})
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
	flush()

	log, flush, err = New(Options{Env: "PROD", Production: true})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	flush()
}
