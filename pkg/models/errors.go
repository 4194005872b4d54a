package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors forming the closed error taxonomy. Components classify
// failures with errors.Is against these; wrapping preserves context.
var (
	// ErrRateLimited indicates the rate limiter denied the operation before
	// the forge was contacted. Transient; retry after the hint if present.
	ErrRateLimited = errors.New("rate limited")

	// ErrForgeUnavailable indicates a network failure or 5xx from the forge
	// after in-client retries were exhausted.
	ErrForgeUnavailable = errors.New("forge unavailable")

	// ErrLLMUnavailable indicates the provider was down or timed out.
	ErrLLMUnavailable = errors.New("llm unavailable")

	// ErrConflict indicates a lost claim race or an already-set label.
	// Handled locally by the claim flow, never surfaced.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInstruction indicates issue content failed validation.
	ErrInvalidInstruction = errors.New("invalid instruction")

	// ErrAgentError indicates the agent reported an internal failure.
	ErrAgentError = errors.New("agent error")

	// ErrCancelled indicates cancellation by the supervisor or a timeout.
	ErrCancelled = errors.New("cancelled")

	// ErrFatal indicates a programmer error or invariant violation. Logged
	// at the supervisor boundary; never retried.
	ErrFatal = errors.New("fatal")

	// ErrEscalated signals that an executing agent handed the pipeline back
	// for coordinator re-routing. Control flow, not a failure: the dispatcher
	// intercepts it and never records it against the attempt budget.
	ErrEscalated = errors.New("escalated to coordinator")
)

// RateLimitError carries the denial reason and an optional retry hint.
type RateLimitError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: %s (retry after %s)", e.Reason, e.RetryAfter)
	}
	return "rate limited: " + e.Reason
}

// Unwrap makes errors.Is(err, ErrRateLimited) succeed.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Retryable reports whether the pipeline should count the failure against
// max_attempts and retry, as opposed to abandoning immediately.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrLLMUnavailable),
		errors.Is(err, ErrAgentError),
		errors.Is(err, ErrForgeUnavailable),
		errors.Is(err, ErrRateLimited):
		return true
	}
	return false
}
