package fetch

import (
	"errors"
	"fmt"

	"quantumdesk/internal/market"
)

// Kind classifies a fetch failure surfaced to the orchestrator.
type Kind int

const (
	KindRateLimited Kind = iota
	KindExhausted
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindExhausted:
		return "exhausted"
	default:
		return "fatal"
	}
}

var (
	// ErrRateLimited matches failures to obtain a token within the maximum wait.
	ErrRateLimited = errors.New("fetch: rate limited")
	// ErrExhausted matches transient failures that outlasted the retry budget.
	ErrExhausted = errors.New("fetch: retries exhausted")
	// ErrFatal matches non-retryable connector failures.
	ErrFatal = errors.New("fetch: fatal connector error")
	// ErrUnknownVenue is returned for venues without a registered connector.
	ErrUnknownVenue = errors.New("fetch: unknown venue")
)

// Error is the error type returned by Layer.Get.
type Error struct {
	Kind     Kind
	Venue    market.Venue
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.Venue, e.Kind)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrExhausted:
		return e.Kind == KindExhausted
	case ErrFatal:
		return e.Kind == KindFatal
	}
	return false
}
