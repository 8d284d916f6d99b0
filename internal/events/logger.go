package events

import (
	"go.uber.org/zap"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
	"github.com/wesleyorama2/smtpload/internal/loadtest/metrics"
	"github.com/wesleyorama2/smtpload/internal/logging"
)

// Logger writes lifecycle events to a zap logger. Progress is not logged.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a logging sink.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

// Emit implements Sink.
func (l *Logger) Emit(ev loadtest.Event) {
	log := l.logger.With(zap.String("runId", ev.RunID))

	switch ev.Type {
	case loadtest.EventError:
		if rec, ok := ev.Data.(metrics.ErrorRecord); ok {
			log.Debug("send failed",
				logging.Recipient(rec.Recipient),
				zap.Int("worker", rec.Worker),
				zap.String("error", rec.Message))
		}
	case loadtest.EventProgress:
	default:
		fields := []zap.Field{zap.String("event", string(ev.Type))}
		if s, ok := ev.State(); ok {
			fields = append(fields,
				zap.String("mode", string(s.Mode)),
				zap.Int64("attempted", s.TotalAttempted),
				zap.Int64("succeeded", s.Succeeded),
				zap.Int64("failed", s.Failed))
		}
		log.Info("run "+string(ev.Type), fields...)
	}
}
