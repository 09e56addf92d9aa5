package metrics

import (
	"time"
)

// Collector defines the interface for collecting resilience metrics.
// Implementations can export to various backends (Prometheus, StatsD, etc.).
type Collector interface {
	// Request outcomes
	RecordRequest(endpoint string, success bool, duration time.Duration)

	// Retry layer
	RecordRetry(endpoint string, attempt int, delay time.Duration)
	RecordRetryExhausted(endpoint string)

	// Circuit breaker
	RecordCircuitState(circuit string, state CircuitState)
	RecordCircuitRejection(circuit string)

	// Timeout intelligence
	RecordTimeoutSample(endpoint string, duration time.Duration, timedOut bool)
	RecordComputedTimeout(endpoint string, timeout time.Duration)

	// Error recovery
	RecordFallback(endpoint string, strategy string, success bool)
	RecordDegradation(endpoint string, level string)

	// Connection pooling
	RecordConnection(host string, reused bool, multiplexed bool)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is rejecting requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is probing for recovery.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is a no-op implementation of Collector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

// RecordRequest does nothing.
func (NoOpCollector) RecordRequest(endpoint string, success bool, duration time.Duration) {}

// RecordRetry does nothing.
func (NoOpCollector) RecordRetry(endpoint string, attempt int, delay time.Duration) {}

// RecordRetryExhausted does nothing.
func (NoOpCollector) RecordRetryExhausted(endpoint string) {}

// RecordCircuitState does nothing.
func (NoOpCollector) RecordCircuitState(circuit string, state CircuitState) {}

// RecordCircuitRejection does nothing.
func (NoOpCollector) RecordCircuitRejection(circuit string) {}

// RecordTimeoutSample does nothing.
func (NoOpCollector) RecordTimeoutSample(endpoint string, duration time.Duration, timedOut bool) {}

// RecordComputedTimeout does nothing.
func (NoOpCollector) RecordComputedTimeout(endpoint string, timeout time.Duration) {}

// RecordFallback does nothing.
func (NoOpCollector) RecordFallback(endpoint string, strategy string, success bool) {}

// RecordDegradation does nothing.
func (NoOpCollector) RecordDegradation(endpoint string, level string) {}

// RecordConnection does nothing.
func (NoOpCollector) RecordConnection(host string, reused bool, multiplexed bool) {}
