// Package progress defines the event stream emitted while a batch executes.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageBatchStart Stage = "BATCH_START"
	StageBatchState Stage = "BATCH_STATE"
	StageBatchDone  Stage = "BATCH_DONE"
	StageUnitDone   Stage = "UNIT_DONE"
)

// Event captures a single milestone of batch execution. Unit events carry
// the unit's natural key and terminal outcome; batch events carry the
// lifecycle state.
type Event struct {
	// BatchID identifies the owning batch.
	BatchID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// ProviderID, Domain and PromptID scope unit events to one work unit.
	ProviderID string
	Domain     string
	PromptID   string
	// Outcome is the terminal disposition for UNIT_DONE events.
	Outcome crawl.Outcome
	// ErrorKind classifies the final failure for failed units.
	ErrorKind crawl.Kind
	// Attempts counts provider calls made for the unit, including retries.
	Attempts int
	// BatchStatus carries the lifecycle state for BATCH_STATE events.
	BatchStatus crawl.BatchStatus
	// Dur captures unit latency or total batch duration.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.BatchID == "" {
		return errors.New("batch id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchStart, StageBatchDone:
	case StageBatchState:
		if e.BatchStatus == "" {
			return errors.New("batch state event requires status")
		}
	case StageUnitDone:
		if e.ProviderID == "" || e.Domain == "" || e.PromptID == "" {
			return errors.New("unit event requires provider, domain and prompt")
		}
		if e.Outcome == "" {
			return errors.New("unit event requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
