// Package breaker implements per-provider circuit breakers that isolate a
// misbehaving provider without blocking the rest of the batch.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/llmrank/mindshare-crawler/internal/metrics"
)

// State is the breaker position for one provider.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Allow while a provider's breaker rejects traffic.
var ErrOpen = errors.New("circuit breaker open")

// Config tunes the failure window and recovery probing.
type Config struct {
	// Window is the trailing interval over which failure rate is computed.
	Window time.Duration
	// MinSamples is the minimum number of failures inside the window before
	// the breaker may open.
	MinSamples int
	// FailureRate opens the breaker once the windowed failure fraction
	// reaches it.
	FailureRate float64
	// Cooldown is how long an open breaker rejects before probing.
	Cooldown time.Duration
	// HalfOpenProbes is how many consecutive probe successes close the
	// breaker again.
	HalfOpenProbes int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.FailureRate <= 0 {
		c.FailureRate = 0.5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 2
	}
	return c
}

// Snapshot is the externally visible breaker state for one provider.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenSince           time.Time `json:"open_since,omitzero"`
	RecentErrorRate     float64   `json:"recent_error_rate"`
}

type sample struct {
	at time.Time
	ok bool
}

// providerState is mutated only through its own mutex, preserving the
// single-writer invariant per provider: no cross-provider lock contention.
type providerState struct {
	mu             sync.Mutex
	state          State
	window         []sample
	consecFailures int
	openedAt       time.Time
	probeInFlight  bool
	probeSuccesses int
}

// Breaker holds one state machine per provider id.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	states map[string]*providerState
}

// New constructs a Breaker. The now function defaults to time.Now and exists
// so deadline transitions can be tested without sleeping.
func New(cfg Config, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		cfg:    cfg.withDefaults(),
		now:    now,
		states: make(map[string]*providerState),
	}
}

// Allow decides whether a unit for the provider may proceed. While open it
// returns ErrOpen until the cooldown elapses; then the breaker goes
// half-open and admits one probe at a time.
func (b *Breaker) Allow(providerID string) error {
	s := b.stateFor(providerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(s.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.transition(providerID, s, StateHalfOpen)
		s.probeSuccesses = 0
		s.probeInFlight = true
		return nil
	case StateHalfOpen:
		if s.probeInFlight {
			return ErrOpen
		}
		s.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// Release returns an unused probe slot. Callers that pass Allow but bail
// out before invoking (drain, limiter error, missing credential) must call
// this, otherwise a half-open provider stays wedged waiting on a probe that
// will never report.
func (b *Breaker) Release(providerID string) {
	s := b.stateFor(providerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateHalfOpen {
		s.probeInFlight = false
	}
}

// ReportSuccess records a successful call outcome.
func (b *Breaker) ReportSuccess(providerID string) {
	s := b.stateFor(providerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecFailures = 0
	switch s.state {
	case StateHalfOpen:
		s.probeInFlight = false
		s.probeSuccesses++
		if s.probeSuccesses >= b.cfg.HalfOpenProbes {
			b.transition(providerID, s, StateClosed)
			s.window = s.window[:0]
		}
	default:
		s.window = b.record(s.window, true)
	}
}

// ReportFailure records a failed call outcome and may open the breaker.
func (b *Breaker) ReportFailure(providerID string) {
	s := b.stateFor(providerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecFailures++
	switch s.state {
	case StateHalfOpen:
		// A failed probe reopens and restarts the cooldown.
		s.probeInFlight = false
		b.transition(providerID, s, StateOpen)
		s.openedAt = b.now()
	case StateClosed:
		s.window = b.record(s.window, false)
		failures, total := b.tally(s.window)
		if failures >= b.cfg.MinSamples && float64(failures)/float64(total) >= b.cfg.FailureRate {
			b.transition(providerID, s, StateOpen)
			s.openedAt = b.now()
		}
	}
}

// Snapshot returns the current state for the admin surface.
func (b *Breaker) Snapshot(providerID string) Snapshot {
	s := b.stateFor(providerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:               s.state,
		ConsecutiveFailures: s.consecFailures,
	}
	if s.state != StateClosed {
		snap.OpenSince = s.openedAt
	}
	if failures, total := b.tally(s.window); total > 0 {
		snap.RecentErrorRate = float64(failures) / float64(total)
	}
	return snap
}

func (b *Breaker) stateFor(providerID string) *providerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[providerID]
	if !ok {
		s = &providerState{state: StateClosed}
		b.states[providerID] = s
	}
	return s
}

// record appends a sample and prunes everything older than the window.
func (b *Breaker) record(window []sample, ok bool) []sample {
	now := b.now()
	window = append(window, sample{at: now, ok: ok})
	cutoff := now.Add(-b.cfg.Window)
	idx := 0
	for idx < len(window) && window[idx].at.Before(cutoff) {
		idx++
	}
	return window[idx:]
}

func (b *Breaker) tally(window []sample) (failures, total int) {
	cutoff := b.now().Add(-b.cfg.Window)
	for _, s := range window {
		if s.at.Before(cutoff) {
			continue
		}
		total++
		if !s.ok {
			failures++
		}
	}
	return failures, total
}

// transition updates the state and publishes the breaker gauge.
func (b *Breaker) transition(providerID string, s *providerState, to State) {
	s.state = to
	var v float64
	switch to {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	metrics.SetBreakerState(providerID, v)
}
