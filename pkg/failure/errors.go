// Package failure defines the error taxonomy shared by the resilience
// managers: transport failures, timeouts, status-code failures, circuit
// rejections, and fallback exhaustion. Classification drives retry
// eligibility, breaker accounting, and recovery statistics.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Common resilience errors.
var (
	// ErrTimeout is returned when a call exceeded its bound
	ErrTimeout = errors.New("httpshield: operation timeout")

	// ErrCircuitOpen is the base error for circuit breaker rejections
	ErrCircuitOpen = errors.New("httpshield: circuit breaker open")

	// ErrFallbackExhausted marks that every recovery strategy failed; the
	// original primary error is always what surfaces to the caller
	ErrFallbackExhausted = errors.New("httpshield: all fallback strategies failed")
)

// Kind classifies a failure for retry decisions and statistics.
type Kind string

const (
	// KindNetwork means no response was received (DNS, dial, reset)
	KindNetwork Kind = "network"
	// KindTimeout means the call exceeded its bound
	KindTimeout Kind = "timeout"
	// KindStatus means a response arrived but its status code is a failure
	KindStatus Kind = "status_code"
	// KindCircuit means the breaker rejected the call without invoking it
	KindCircuit Kind = "circuit_open"
	// KindCustom is everything else
	KindCustom Kind = "custom"
)

// StatusError is a response whose status code the protocol treats as a
// failure. Body carries at most the beginning of the response payload.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("httpshield: HTTP %d", e.Code)
	}
	return fmt.Sprintf("httpshield: HTTP %d: %s", e.Code, e.Body)
}

// StatusCode extracts an HTTP status code from err, if it carries one.
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// networkErrorMarkers are low-level connection failure substrings used when
// the error does not implement net.Error.
var networkErrorMarkers = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"EOF",
	"dial tcp",
}

// IsTimeout reports whether err indicates the call exceeded its bound.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// IsCircuitOpen reports whether err is a circuit breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsNetwork reports whether err is a transport-level failure for which no
// response was ever received.
func IsNetwork(err error) bool {
	if err == nil || IsTimeout(err) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := err.Error()
	for _, marker := range networkErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Classify returns the Kind of err. Timeouts are checked before network
// errors so that a timed-out dial counts as a timeout.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindCustom
	case IsCircuitOpen(err):
		return KindCircuit
	case IsTimeout(err):
		return KindTimeout
	default:
		if _, ok := StatusCode(err); ok {
			return KindStatus
		}
		if IsNetwork(err) {
			return KindNetwork
		}
		return KindCustom
	}
}
