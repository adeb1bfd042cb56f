package controller

import (
	"errors"

	"github.com/McKhanster/autoninja-sub001/runtime/model"
	"github.com/McKhanster/autoninja-sub001/runtime/ratelimit"
)

var (
	// ErrMalformedOutput reports an endpoint answer, or a planner proposal,
	// that failed structured parsing.
	ErrMalformedOutput = errors.New("controller: malformed output")
	// ErrThrottled reports that the endpoint kept throttling after the
	// configured number of widened retries.
	ErrThrottled = errors.New("controller: throttled by endpoint")
	// ErrToolFailed reports a tool executor failure.
	ErrToolFailed = errors.New("controller: tool failed")
	// ErrCancelled reports that the run was cancelled. It is joined with the
	// context error.
	ErrCancelled = errors.New("controller: cancelled")
	// ErrTurnLimit reports an interaction that exceeded its model call
	// budget.
	ErrTurnLimit = errors.New("controller: model call limit reached")
	// ErrRunBusy reports a second concurrent interaction for the same run.
	ErrRunBusy = errors.New("controller: run already has an interaction in flight")
)

// Retryable reports whether a stage may be retried after err: malformed
// output, throttling, tool failures, an exhausted rate limit budget and
// retryable provider failures.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) {
		return false
	}
	if errors.Is(err, ErrMalformedOutput) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrToolFailed) ||
		errors.Is(err, ratelimit.ErrDeadlineExceeded) {
		return true
	}
	if pe, ok := model.AsProviderError(err); ok {
		return pe.Retryable
	}
	return false
}
