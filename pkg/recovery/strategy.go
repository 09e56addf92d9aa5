package recovery

import (
	"context"
	"time"
)

// StrategyType tags a fallback strategy. The type determines the degradation
// tag reported when the strategy serves a response.
type StrategyType string

const (
	// TypeCache serves a previously cached successful response.
	TypeCache StrategyType = "cache"
	// TypeSynthetic generates a representative placeholder payload.
	TypeSynthetic StrategyType = "synthetic"
	// TypeAlternative calls an alternative source for the same data.
	TypeAlternative StrategyType = "alternative"
	// TypeDefault produces a minimal default-shape response.
	TypeDefault StrategyType = "default"
)

// Degradation tags reported on a Result, derived from the winning strategy's
// type. A primary success is "none"; full exhaustion is "full".
const (
	DegradationNone    = "none"
	DegradationPartial = "partial"
	DegradationFull    = "full"
)

// degradationTag maps a strategy type to the Result tag it yields on success.
func degradationTag(t StrategyType) string {
	switch t {
	case TypeCache:
		return DegradationNone
	case TypeSynthetic, TypeAlternative:
		return DegradationPartial
	default:
		return DegradationFull
	}
}

// Request carries the request identity a strategy may need: the cache key is
// derived from Method and URL, and the synthetic generator pattern-matches
// the URL path.
type Request struct {
	Method string
	URL    string
}

// Outcome is what a strategy reports back. Actions are appended to the
// recovery trace when the outcome wins.
type Outcome struct {
	Success bool
	Data    any
	Actions []string
}

// Strategy is one entry in the fallback chain. Lower Priority runs first.
// Attempt receives the primary failure and the request identity; it must
// return a failed Outcome (or an error) rather than fabricating data it
// cannot produce. A zero Timeout falls back to the manager's FallbackTimeout.
type Strategy struct {
	Name     string
	Type     StrategyType
	Priority int
	Timeout  time.Duration
	Attempt  func(ctx context.Context, primaryErr error, req Request) (Outcome, error)
}
