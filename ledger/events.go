package ledger

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes PaymentRecorded events to the log. It is the default sink
// when no collaborator subscribes.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) PaymentRecorded(_ context.Context, ev PaymentRecorded) {
	s.log.Info("payment recorded",
		zap.String("invoice_id", string(ev.InvoiceID)),
		zap.String("guardian_id", ev.GuardianID),
		zap.String("payment_id", string(ev.PaymentID)),
		zap.String("reference", ev.Reference),
		zap.String("method", string(ev.Method)),
		zap.String("amount", ev.Amount.Format()),
		zap.String("balance", ev.Balance.Format()),
		zap.String("status", string(ev.Status)),
	)
}
