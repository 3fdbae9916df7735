package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/searchcrawler/internal/progress"
)

// LogSink writes each event as a structured log line. Page events go out at
// debug level, everything else at info; INDEX_FAILED is a warning.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StagePageDone:
			level = zapcore.DebugLevel
		case progress.StageIndexFailed, progress.StageRenderFallback:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "Progress event")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.String("session_id", evt.SessionID),
			zap.String("stage", string(evt.Stage)),
			zap.String("site", evt.Site),
			zap.String("url", evt.URL),
			zap.String("outcome", evt.Outcome),
			zap.String("failure_kind", evt.FailureKind),
			zap.Int64("bytes", evt.Bytes),
			zap.String("status_class", string(evt.StatusClass)),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
