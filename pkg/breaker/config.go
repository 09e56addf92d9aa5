package breaker

import (
	"time"
)

// Config holds circuit breaker configuration for one circuit id. Per-circuit
// configs are the defaults merged with stored per-id overrides; a per-call
// override merges on top of that (per-call > per-identifier > default).
type Config struct {
	// Enabled gates the breaker; disabled circuits pass everything through
	Enabled bool
	// FailureThreshold is the absolute failure count that opens the circuit
	FailureThreshold int
	// FailureThresholdPercentage opens the circuit when the failure rate
	// reaches this percentage of requests in the window
	FailureThresholdPercentage float64
	// RequestVolumeThreshold is the minimum number of requests in the window
	// before either failure threshold is considered
	RequestVolumeThreshold int
	// TimeoutDuration bounds each call made through the breaker (0 = none)
	TimeoutDuration time.Duration
	// ResetTimeoutDuration is the cool-down before an open circuit admits probes
	ResetTimeoutDuration time.Duration
	// HalfOpenMaxAttempts caps probe calls while half-open
	HalfOpenMaxAttempts int
	// ResponseTimeThreshold converts a slow success into a recorded failure
	// (0 = disabled)
	ResponseTimeThreshold time.Duration
}

// DefaultConfig returns the documented breaker defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                    true,
		FailureThreshold:           5,
		FailureThresholdPercentage: 50,
		RequestVolumeThreshold:     10,
		TimeoutDuration:            10 * time.Second,
		ResetTimeoutDuration:       30 * time.Second,
		HalfOpenMaxAttempts:        3,
	}
}

// Override carries partial config changes. Nil fields inherit the base;
// later partial updates merge over existing config, last write wins per field.
type Override struct {
	Enabled                    *bool
	FailureThreshold           *int
	FailureThresholdPercentage *float64
	RequestVolumeThreshold     *int
	TimeoutDuration            *time.Duration
	ResetTimeoutDuration       *time.Duration
	HalfOpenMaxAttempts        *int
	ResponseTimeThreshold      *time.Duration
}

// merge applies an override on top of a base config, field by field.
func merge(base Config, override *Override) Config {
	if override == nil {
		return base
	}

	out := base
	if override.Enabled != nil {
		out.Enabled = *override.Enabled
	}
	if override.FailureThreshold != nil {
		out.FailureThreshold = *override.FailureThreshold
	}
	if override.FailureThresholdPercentage != nil {
		out.FailureThresholdPercentage = *override.FailureThresholdPercentage
	}
	if override.RequestVolumeThreshold != nil {
		out.RequestVolumeThreshold = *override.RequestVolumeThreshold
	}
	if override.TimeoutDuration != nil {
		out.TimeoutDuration = *override.TimeoutDuration
	}
	if override.ResetTimeoutDuration != nil {
		out.ResetTimeoutDuration = *override.ResetTimeoutDuration
	}
	if override.HalfOpenMaxAttempts != nil {
		out.HalfOpenMaxAttempts = *override.HalfOpenMaxAttempts
	}
	if override.ResponseTimeThreshold != nil {
		out.ResponseTimeThreshold = *override.ResponseTimeThreshold
	}

	return out
}

// probeQuota is the effective half-open probe budget: min(configured, 3).
func probeQuota(cfg Config) int {
	quota := cfg.HalfOpenMaxAttempts
	if quota <= 0 || quota > 3 {
		quota = 3
	}
	return quota
}
