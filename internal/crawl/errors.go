package crawl

import (
	"errors"
	"fmt"
)

// Kind classifies a failed provider call. Adapters assign exactly one kind
// to every non-success outcome; retry policy and the circuit breaker branch
// on it.
type Kind string

// Failure kinds in the provider-call taxonomy.
const (
	KindRateLimited  Kind = "rate_limited"
	KindServerError  Kind = "server_error"
	KindAuthError    Kind = "auth_error"
	KindMalformed    Kind = "malformed_response"
	KindTimeout      Kind = "timeout"
	KindPersistence  Kind = "persistence_error"
	KindConfig       Kind = "configuration_error"
)

// Sentinel errors checked by the orchestrator.
var (
	// ErrNoActiveProviders aborts batch initialization: no provider has a
	// usable credential.
	ErrNoActiveProviders = errors.New("no active providers configured")

	// ErrPersistenceUnavailable escalates a batch after the result writer's
	// own retry budget is exhausted.
	ErrPersistenceUnavailable = errors.New("persistence layer unavailable")
)

// CallError wraps one failed provider invocation with its classified kind.
type CallError struct {
	Kind       Kind
	ProviderID string
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.ProviderID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.ProviderID, e.Kind)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Retryable reports whether this kind of failure may be re-attempted at all.
// Malformed responses get at most one retry; the attempt ceiling is applied
// by the RetryPolicy.
func (e *CallError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindServerError, KindTimeout, KindMalformed:
		return true
	default:
		return false
	}
}

// ClassifyCall extracts the Kind from an error returned by an adapter,
// falling back to server_error for unclassified failures.
func ClassifyCall(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindServerError
}
