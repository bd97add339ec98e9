// Package sinks contains Sink implementations for the progress hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/llmrank/mindshare-crawler/internal/progress"
)

// LogSink emits structured logs for the batch event stream. Useful during
// development or audits where a durable store is unavailable.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageUnitDone:
			s.logger.Info("unit done",
				zap.String("batch_id", evt.BatchID),
				zap.String("provider", evt.ProviderID),
				zap.String("domain", evt.Domain),
				zap.String("prompt_id", evt.PromptID),
				zap.String("outcome", string(evt.Outcome)),
				zap.String("error_kind", string(evt.ErrorKind)),
				zap.Int("attempts", evt.Attempts),
				zap.Duration("dur", evt.Dur),
			)
		default:
			s.logger.Info("batch milestone",
				zap.String("batch_id", evt.BatchID),
				zap.String("stage", string(evt.Stage)),
				zap.String("status", string(evt.BatchStatus)),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
