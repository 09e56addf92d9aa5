// Package retry executes units of work under an exponential-backoff retry
// policy. Failures are classified (status code, network, timeout, custom)
// to decide eligibility; exhaustion re-raises the last error unwrapped so
// callers see the same taxonomy as without retry.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"httpshield/pkg/failure"
	"httpshield/pkg/logging"
	"httpshield/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stats holds cumulative retry counters.
type Stats struct {
	TotalRequests       int64
	RetriedRequests     int64
	TotalAttempts       int64
	SuccessesAfterRetry int64
	ExhaustedRequests   int64
	CumulativeDelay     time.Duration

	RetriesByStatusCode map[int]int64
	RetriesByErrorKind  map[failure.Kind]int64
}

// Manager runs operations under a retry policy.
type Manager struct {
	mu     sync.Mutex
	policy Policy
	stats  Stats

	logger    *logging.Logger
	collector metrics.Collector
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithCollector sets the manager's metrics collector.
func WithCollector(collector metrics.Collector) Option {
	return func(m *Manager) { m.collector = collector }
}

// NewManager creates a retry manager with the given default policy.
func NewManager(policy Policy, opts ...Option) *Manager {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}

	m := &Manager{
		policy: policy,
		stats: Stats{
			RetriesByStatusCode: make(map[int]int64),
			RetriesByErrorKind:  make(map[failure.Kind]int64),
		},
		logger:    logging.Global().Named("retry"),
		collector: metrics.NoOpCollector{},
	}
	for _, o := range opts {
		o(m)
	}

	return m
}

// Execute re-invokes op until it succeeds or the attempt bound is reached.
// requestID groups log entries and metrics; when empty one is generated.
// The override, if non-nil, is merged over the manager's stored policy for
// this call only. On exhaustion the last error is returned unwrapped.
func (m *Manager) Execute(ctx context.Context, requestID string, op Operation, override *Override) (any, error) {
	policy := merge(m.currentPolicy(), override)

	if requestID == "" {
		requestID = uuid.NewString()
	}

	m.mu.Lock()
	m.stats.TotalRequests++
	m.mu.Unlock()

	if !policy.Enabled {
		m.mu.Lock()
		m.stats.TotalAttempts++
		m.mu.Unlock()

		return op()
	}

	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		m.mu.Lock()
		m.stats.TotalAttempts++
		m.mu.Unlock()

		result, err := op()
		if err == nil {
			if attempt > 1 {
				m.mu.Lock()
				m.stats.SuccessesAfterRetry++
				m.mu.Unlock()

				m.logger.Debug("request succeeded after retry",
					zap.String("request_id", requestID),
					zap.Int("attempt", attempt),
				)
			}

			return result, nil
		}

		lastErr = err

		// Non-retryable failures propagate immediately on first occurrence.
		if !m.shouldRetry(policy, err, attempt) {
			return nil, err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		delay := m.nextDelay(policy, attempt, err)
		kind := failure.Classify(err)
		statusCode, _ := failure.StatusCode(err)

		m.recordRetry(requestID, attempt, statusCode, kind, delay)

		if policy.OnRetry != nil {
			policy.OnRetry(Attempt{
				Number:     attempt,
				Delay:      delay,
				Err:        err,
				Timestamp:  time.Now(),
				StatusCode: statusCode,
				Kind:       kind,
			})
		}

		m.logger.Debug("retrying request",
			zap.String("request_id", requestID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error_kind", string(kind)),
			zap.Error(err),
		)

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.stats.ExhaustedRequests++
	m.mu.Unlock()

	m.collector.RecordRetryExhausted(requestID)

	if policy.OnMaxAttemptsReached != nil {
		policy.OnMaxAttemptsReached(lastErr, policy.MaxAttempts)
	}

	m.logger.Warn("retry attempts exhausted",
		zap.String("request_id", requestID),
		zap.Int("max_attempts", policy.MaxAttempts),
		zap.Error(lastErr),
	)

	return nil, lastErr
}

// shouldRetry applies the eligibility rules in order: custom predicate,
// retryable status set, timeouts, network errors.
func (m *Manager) shouldRetry(policy Policy, err error, attempt int) bool {
	if policy.ShouldRetry != nil {
		return policy.ShouldRetry(err, attempt)
	}

	if code, ok := failure.StatusCode(err); ok {
		return policy.RetryableStatusCodes[code]
	}

	if policy.RetryOnTimeout && failure.IsTimeout(err) {
		return true
	}

	if policy.RetryOnNetworkError && failure.IsNetwork(err) {
		return true
	}

	return false
}

// nextDelay computes min(maxDelay, baseDelay * multiplier^(attempt-1)), then
// spreads it by a uniform offset in ±delay*jitterFactor, floored at zero and
// rounded to whole milliseconds. A custom ComputeDelay replaces all of it.
func (m *Manager) nextDelay(policy Policy, attempt int, err error) time.Duration {
	if policy.ComputeDelay != nil {
		return policy.ComputeDelay(attempt, err)
	}

	delay := float64(policy.BaseDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt-1))
	if ceiling := float64(policy.MaxDelay); delay > ceiling {
		delay = ceiling
	}

	if policy.EnableJitter && policy.JitterFactor > 0 {
		offset := delay * policy.JitterFactor * (rand.Float64()*2 - 1)
		delay += offset
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(math.Round(delay/float64(time.Millisecond))) * time.Millisecond
}

func (m *Manager) recordRetry(requestID string, attempt, statusCode int, kind failure.Kind, delay time.Duration) {
	m.mu.Lock()
	m.stats.RetriedRequests++
	m.stats.CumulativeDelay += delay
	if statusCode != 0 {
		m.stats.RetriesByStatusCode[statusCode]++
	}
	m.stats.RetriesByErrorKind[kind]++
	m.mu.Unlock()

	m.collector.RecordRetry(requestID, attempt, delay)
}

func (m *Manager) currentPolicy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.policy
}

// UpdatePolicy replaces the manager's stored default policy.
func (m *Manager) UpdatePolicy(policy Policy) {
	m.mu.Lock()
	m.policy = policy
	m.mu.Unlock()
}

// Stats returns a snapshot of cumulative retry counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.stats
	out.RetriesByStatusCode = make(map[int]int64, len(m.stats.RetriesByStatusCode))
	for k, v := range m.stats.RetriesByStatusCode {
		out.RetriesByStatusCode[k] = v
	}
	out.RetriesByErrorKind = make(map[failure.Kind]int64, len(m.stats.RetriesByErrorKind))
	for k, v := range m.stats.RetriesByErrorKind {
		out.RetriesByErrorKind[k] = v
	}

	return out
}

// ResetStats zeroes the cumulative counters.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = Stats{
		RetriesByStatusCode: make(map[int]int64),
		RetriesByErrorKind:  make(map[failure.Kind]int64),
	}
}

// sleep waits for d, respecting context cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
