package recovery

import (
	"time"
)

// Config holds recovery behavior shared by all endpoints. A per-call override
// merges on top for that call only.
type Config struct {
	// Enabled gates the whole manager; disabled, the unit of work runs bare
	Enabled bool
	// EnableFallbacks gates the strategy chain after a primary failure
	EnableFallbacks bool
	// CacheResponses stores successful primary responses for the cache strategy
	CacheResponses bool
	// CacheTTL bounds how long a cached response may be served
	CacheTTL time.Duration
	// FallbackTimeout bounds strategies that do not set their own Timeout
	FallbackTimeout time.Duration
}

// DefaultConfig returns the documented recovery defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		EnableFallbacks: true,
		CacheResponses:  true,
		CacheTTL:        5 * time.Minute,
		FallbackTimeout: 5 * time.Second,
	}
}

// Override carries partial config changes. Nil fields inherit the base.
type Override struct {
	Enabled         *bool
	EnableFallbacks *bool
	CacheResponses  *bool
	CacheTTL        *time.Duration
	FallbackTimeout *time.Duration
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
	if override.EnableFallbacks != nil {
		out.EnableFallbacks = *override.EnableFallbacks
	}
	if override.CacheResponses != nil {
		out.CacheResponses = *override.CacheResponses
	}
	if override.CacheTTL != nil {
		out.CacheTTL = *override.CacheTTL
	}
	if override.FallbackTimeout != nil {
		out.FallbackTimeout = *override.FallbackTimeout
	}

	return out
}
