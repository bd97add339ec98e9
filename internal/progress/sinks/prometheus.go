package sinks

import (
	"context"

	"github.com/llmrank/mindshare-crawler/internal/metrics"
	"github.com/llmrank/mindshare-crawler/internal/progress"
)

// PrometheusSink forwards unit outcomes from the event stream into the
// shared collectors so dashboards see the same stream the logs do.
type PrometheusSink struct{}

// NewPrometheusSink initializes the shared collectors and returns the sink.
func NewPrometheusSink() *PrometheusSink {
	metrics.Init()
	return &PrometheusSink{}
}

// Consume updates the collectors from the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Stage != progress.StageUnitDone {
			continue
		}
		metrics.ObserveUnit(evt.ProviderID, string(evt.Outcome))
		if evt.ErrorKind != "" {
			metrics.ObserveProviderError(evt.ProviderID, string(evt.ErrorKind))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
