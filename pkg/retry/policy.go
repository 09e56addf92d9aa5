package retry

import (
	"time"

	"httpshield/pkg/failure"
)

// Operation is the unit of work re-invoked across attempts.
type Operation func() (any, error)

// Attempt describes one failed try, passed to the OnRetry callback.
type Attempt struct {
	// Number is the 1-based attempt that just failed
	Number int
	// Delay is the backoff that will be waited before the next attempt
	Delay time.Duration
	// Err is the error that triggered the retry
	Err error
	// Timestamp is when the attempt failed
	Timestamp time.Time
	// StatusCode is the extracted HTTP status, 0 when none
	StatusCode int
	// Kind is the failure classification
	Kind failure.Kind
}

// Policy controls retry behavior. Zero values are replaced by the documented
// defaults via DefaultPolicy.
type Policy struct {
	// Enabled gates the whole retry layer; disabled means one attempt
	Enabled bool
	// MaxAttempts is the total invocation bound, first try included
	MaxAttempts int
	// BaseDelay seeds the exponential backoff
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff
	MaxDelay time.Duration
	// BackoffMultiplier is the exponential growth factor
	BackoffMultiplier float64
	// EnableJitter spreads delays by ±JitterFactor
	EnableJitter bool
	// JitterFactor is the relative jitter amplitude
	JitterFactor float64
	// RetryableStatusCodes is the set of HTTP statuses worth retrying
	RetryableStatusCodes map[int]bool
	// RetryOnNetworkError retries transport-level failures
	RetryOnNetworkError bool
	// RetryOnTimeout retries aborted or timed-out calls
	RetryOnTimeout bool

	// ShouldRetry, when set, overrides every built-in eligibility rule
	ShouldRetry func(err error, attempt int) bool
	// ComputeDelay, when set, replaces the backoff computation entirely
	ComputeDelay func(attempt int, err error) time.Duration

	// OnRetry is invoked synchronously before each backoff wait
	OnRetry func(attempt Attempt)
	// OnMaxAttemptsReached is invoked synchronously after exhaustion
	OnMaxAttemptsReached func(err error, attempts int)
}

// DefaultPolicy returns the documented retry defaults.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:           true,
		MaxAttempts:       3,
		BaseDelay:         1000 * time.Millisecond,
		MaxDelay:          30000 * time.Millisecond,
		BackoffMultiplier: 2,
		EnableJitter:      true,
		JitterFactor:      0.1,
		RetryableStatusCodes: map[int]bool{
			408: true,
			429: true,
			500: true,
			502: true,
			503: true,
			504: true,
		},
		RetryOnNetworkError: true,
		RetryOnTimeout:      true,
	}
}

// Override carries per-call policy changes. Nil fields inherit the manager's
// stored policy; precedence is per-call > manager default.
type Override struct {
	Enabled              *bool
	MaxAttempts          *int
	BaseDelay            *time.Duration
	MaxDelay             *time.Duration
	BackoffMultiplier    *float64
	EnableJitter         *bool
	JitterFactor         *float64
	RetryableStatusCodes map[int]bool
	RetryOnNetworkError  *bool
	RetryOnTimeout       *bool
	ShouldRetry          func(err error, attempt int) bool
	ComputeDelay         func(attempt int, err error) time.Duration
	OnRetry              func(attempt Attempt)
	OnMaxAttemptsReached func(err error, attempts int)
}

// merge applies an override on top of a base policy, field by field.
func merge(base Policy, override *Override) Policy {
	if override == nil {
		return base
	}

	out := base
	if override.Enabled != nil {
		out.Enabled = *override.Enabled
	}
	if override.MaxAttempts != nil {
		out.MaxAttempts = *override.MaxAttempts
	}
	if override.BaseDelay != nil {
		out.BaseDelay = *override.BaseDelay
	}
	if override.MaxDelay != nil {
		out.MaxDelay = *override.MaxDelay
	}
	if override.BackoffMultiplier != nil {
		out.BackoffMultiplier = *override.BackoffMultiplier
	}
	if override.EnableJitter != nil {
		out.EnableJitter = *override.EnableJitter
	}
	if override.JitterFactor != nil {
		out.JitterFactor = *override.JitterFactor
	}
	if override.RetryableStatusCodes != nil {
		out.RetryableStatusCodes = override.RetryableStatusCodes
	}
	if override.RetryOnNetworkError != nil {
		out.RetryOnNetworkError = *override.RetryOnNetworkError
	}
	if override.RetryOnTimeout != nil {
		out.RetryOnTimeout = *override.RetryOnTimeout
	}
	if override.ShouldRetry != nil {
		out.ShouldRetry = override.ShouldRetry
	}
	if override.ComputeDelay != nil {
		out.ComputeDelay = override.ComputeDelay
	}
	if override.OnRetry != nil {
		out.OnRetry = override.OnRetry
	}
	if override.OnMaxAttemptsReached != nil {
		out.OnMaxAttemptsReached = override.OnMaxAttemptsReached
	}

	return out
}
