// Package breaker implements a three-state circuit breaker (closed, open,
// half-open) keyed by a caller-supplied circuit id, typically
// "METHOD:baseURL". A circuit opens once request volume and failure
// thresholds are met, fails fast while open, and probes recovery through a
// bounded half-open budget. Sustained latency alone can open a circuit via
// the response-time threshold.
package breaker

import (
	"context"
	"sync"
	"time"

	"httpshield/pkg/failure"
	"httpshield/pkg/logging"
	"httpshield/pkg/metrics"

	"go.uber.org/zap"
)

// Manager owns one circuit record per circuit id, created lazily on first
// use.
type Manager struct {
	mu        sync.RWMutex
	circuits  map[string]*circuit
	defaults  Config
	overrides map[string]*Override

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

// NewManager creates a circuit breaker manager with the given default config.
func NewManager(defaults Config, opts ...Option) *Manager {
	m := &Manager{
		circuits:  make(map[string]*circuit),
		defaults:  defaults,
		overrides: make(map[string]*Override),
		logger:    logging.Global().Named("breaker"),
		collector: metrics.NoOpCollector{},
	}
	for _, o := range opts {
		o(m)
	}

	return m
}

// getOrCreate returns the circuit for id, creating it lazily with the
// per-identifier config (defaults merged with stored overrides).
func (m *Manager) getOrCreate(id string) *circuit {
	m.mu.RLock()
	c, exists := m.circuits[id]
	m.mu.RUnlock()

	if exists {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, exists = m.circuits[id]; exists {
		return c
	}

	c = newCircuit(id, merge(m.defaults, m.overrides[id]))
	m.circuits[id] = c

	return c
}

// Execute runs op through the circuit identified by circuitID. While open,
// the call fails immediately with a CircuitOpenError without invoking op.
// The override, if non-nil, merges over the circuit's stored config for this
// call only.
func (m *Manager) Execute(ctx context.Context, circuitID string, op func() (any, error), override *Override) (any, error) {
	c := m.getOrCreate(circuitID)
	cfg := merge(m.circuitConfig(c), override)

	if !cfg.Enabled {
		return op()
	}

	if err := m.admit(c, cfg); err != nil {
		m.collector.RecordCircuitRejection(circuitID)
		return nil, err
	}

	start := time.Now()
	result, err := m.invoke(ctx, cfg, op)
	elapsed := time.Since(start)

	m.recordOutcome(c, cfg, err, elapsed)

	return result, err
}

func (m *Manager) circuitConfig(c *circuit) Config {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.config
}

// admit decides whether a call may proceed. OPEN circuits are checked lazily
// for an elapsed cool-down before rejecting; half-open probe admission is
// counted under the circuit lock so concurrent probes never exceed the cap.
func (m *Manager) admit(c *circuit, cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOpen {
		// Lazy OPEN -> HALF_OPEN: the reset timer may not have fired yet
		// (or was never armed under total silence).
		if !c.forced && !c.openedAt.IsZero() && time.Since(c.openedAt) >= cfg.ResetTimeoutDuration {
			m.toHalfOpenLocked(c)
		} else {
			c.rejections++
			return &CircuitOpenError{CircuitID: c.id, State: c.state}
		}
	}

	if c.state == StateHalfOpen {
		capacity := cfg.HalfOpenMaxAttempts
		if capacity <= 0 {
			capacity = probeQuota(cfg)
		}
		if c.halfOpenAttempts >= capacity {
			c.rejections++
			return &CircuitOpenError{CircuitID: c.id, State: c.state}
		}
		c.halfOpenAttempts++
	}

	return nil
}

// invoke runs op, racing it against the per-call timeout when configured.
// On timeout the outstanding call is abandoned and a timeout error
// propagates.
func (m *Manager) invoke(ctx context.Context, cfg Config, op func() (any, error)) (any, error) {
	if cfg.TimeoutDuration <= 0 {
		return op()
	}

	type outcome struct {
		result any
		err    error
	}

	done := make(chan outcome, 1)
	go func() {
		result, err := op()
		done <- outcome{result, err}
	}()

	timer := time.NewTimer(cfg.TimeoutDuration)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.result, o.err
	case <-timer.C:
		return nil, failure.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// recordOutcome applies one call's result to the circuit state machine.
// A slow success (beyond ResponseTimeThreshold) is recorded as a failure
// even though the caller still receives the successful result.
func (m *Manager) recordOutcome(c *circuit, cfg Config, err error, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	failed := err != nil
	if !failed && cfg.ResponseTimeThreshold > 0 && elapsed > cfg.ResponseTimeThreshold {
		m.logger.Debug("slow success recorded as failure",
			zap.String("circuit", c.id),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", cfg.ResponseTimeThreshold),
		)
		failed = true
	}

	c.totalRequests++
	c.lifetimeRequests++
	if failed {
		c.failureCount++
		c.lifetimeFailures++
		c.lastFailureTime = now
	} else {
		c.successCount++
		c.lifetimeSuccesses++
		c.lastSuccessTime = now
		c.appendResponseTime(elapsed)
	}

	switch c.state {
	case StateClosed:
		if failed && m.shouldOpenLocked(c, cfg) {
			m.toOpenLocked(c, cfg)
		}
	case StateHalfOpen:
		if failed {
			m.toOpenLocked(c, cfg)
			break
		}

		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= 1 && c.halfOpenAttempts >= probeQuota(cfg) {
			m.toClosedLocked(c)
		}
	case StateOpen:
		// A call admitted before the circuit opened; counted, no transition.
	}
}

// shouldOpenLocked applies the trip condition: the volume threshold must be
// met, then either the absolute or the percentage failure threshold trips.
func (m *Manager) shouldOpenLocked(c *circuit, cfg Config) bool {
	if c.totalRequests < cfg.RequestVolumeThreshold {
		return false
	}

	if cfg.FailureThreshold > 0 && c.failureCount >= cfg.FailureThreshold {
		return true
	}

	if cfg.FailureThresholdPercentage > 0 && c.totalRequests > 0 {
		rate := float64(c.failureCount) / float64(c.totalRequests) * 100
		if rate >= cfg.FailureThresholdPercentage {
			return true
		}
	}

	return false
}

// toOpenLocked transitions to OPEN, stamps openedAt, and arms the reset
// timer. Caller must hold c.mu.
func (m *Manager) toOpenLocked(c *circuit, cfg Config) {
	from := c.state
	c.state = StateOpen
	c.openedAt = time.Now()
	c.halfOpenAttempts = 0
	c.halfOpenSuccesses = 0
	c.resetWindow()
	c.recordTransition(from, StateOpen)

	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	c.resetTimer = time.AfterFunc(cfg.ResetTimeoutDuration, func() {
		m.tryHalfOpen(c)
	})

	m.logger.Warn("circuit opened",
		zap.String("circuit", c.id),
		zap.String("from", string(from)),
		zap.Duration("reset_timeout", cfg.ResetTimeoutDuration),
	)
	m.collector.RecordCircuitState(c.id, metrics.CircuitOpen)
}

// tryHalfOpen is the timer-driven OPEN -> HALF_OPEN path.
func (m *Manager) tryHalfOpen(c *circuit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOpen && !c.forced {
		m.toHalfOpenLocked(c)
	}
}

// toHalfOpenLocked transitions OPEN -> HALF_OPEN. Caller must hold c.mu.
func (m *Manager) toHalfOpenLocked(c *circuit) {
	c.state = StateHalfOpen
	c.halfOpenAttempts = 0
	c.halfOpenSuccesses = 0
	c.recordTransition(StateOpen, StateHalfOpen)

	m.logger.Info("circuit half-open, probing recovery", zap.String("circuit", c.id))
	m.collector.RecordCircuitState(c.id, metrics.CircuitHalfOpen)
}

// toClosedLocked transitions to CLOSED and resets failure counters. Caller
// must hold c.mu.
func (m *Manager) toClosedLocked(c *circuit) {
	from := c.state
	c.state = StateClosed
	c.openedAt = time.Time{}
	c.forced = false
	c.halfOpenAttempts = 0
	c.halfOpenSuccesses = 0
	c.resetWindow()
	c.recordTransition(from, StateClosed)

	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}

	m.logger.Info("circuit closed", zap.String("circuit", c.id), zap.String("from", string(from)))
	m.collector.RecordCircuitState(c.id, metrics.CircuitClosed)
}

// ForceOpen opens a circuit administratively, bypassing transition rules.
// The circuit stays open (no reset timer) until ForceClose or Reset.
func (m *Manager) ForceOpen(circuitID string) {
	c := m.getOrCreate(circuitID)

	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.state
	c.state = StateOpen
	c.openedAt = time.Now()
	c.forced = true
	c.resetWindow()
	c.recordTransition(from, StateOpen)

	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}

	m.logger.Warn("circuit force-opened", zap.String("circuit", circuitID))
	m.collector.RecordCircuitState(circuitID, metrics.CircuitOpen)
}

// ForceClose closes a circuit administratively, bypassing transition rules
// and cancelling any pending reset timer.
func (m *Manager) ForceClose(circuitID string) {
	c := m.getOrCreate(circuitID)

	c.mu.Lock()
	defer c.mu.Unlock()

	m.toClosedLocked(c)
	m.logger.Warn("circuit force-closed", zap.String("circuit", circuitID))
}

// State returns the current state of a circuit; unseen ids report closed.
func (m *Manager) State(circuitID string) State {
	m.mu.RLock()
	c, exists := m.circuits[circuitID]
	m.mu.RUnlock()

	if !exists {
		return StateClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Snapshot returns a projection of one circuit's record.
func (m *Manager) Snapshot(circuitID string) (Snapshot, bool) {
	m.mu.RLock()
	c, exists := m.circuits[circuitID]
	m.mu.RUnlock()

	if !exists {
		return Snapshot{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshotLocked(), true
}

// Snapshots returns projections of every known circuit.
func (m *Manager) Snapshots() map[string]Snapshot {
	m.mu.RLock()
	ids := make([]*circuit, 0, len(m.circuits))
	for _, c := range m.circuits {
		ids = append(ids, c)
	}
	m.mu.RUnlock()

	out := make(map[string]Snapshot, len(ids))
	for _, c := range ids {
		c.mu.Lock()
		out[c.id] = c.snapshotLocked()
		c.mu.Unlock()
	}

	return out
}

// UpdateConfig merges a partial override over the stored config for one
// circuit id. Existing circuits adopt the merged config immediately.
func (m *Manager) UpdateConfig(circuitID string, override *Override) {
	if override == nil {
		return
	}

	m.mu.Lock()
	stored := m.overrides[circuitID]
	if stored == nil {
		stored = &Override{}
		m.overrides[circuitID] = stored
	}
	mergeOverrides(stored, override)
	c := m.circuits[circuitID]
	merged := merge(m.defaults, stored)
	m.mu.Unlock()

	if c != nil {
		c.mu.Lock()
		c.config = merged
		c.mu.Unlock()
	}
}

// mergeOverrides folds src into dst, last write wins per field.
func mergeOverrides(dst, src *Override) {
	if src.Enabled != nil {
		dst.Enabled = src.Enabled
	}
	if src.FailureThreshold != nil {
		dst.FailureThreshold = src.FailureThreshold
	}
	if src.FailureThresholdPercentage != nil {
		dst.FailureThresholdPercentage = src.FailureThresholdPercentage
	}
	if src.RequestVolumeThreshold != nil {
		dst.RequestVolumeThreshold = src.RequestVolumeThreshold
	}
	if src.TimeoutDuration != nil {
		dst.TimeoutDuration = src.TimeoutDuration
	}
	if src.ResetTimeoutDuration != nil {
		dst.ResetTimeoutDuration = src.ResetTimeoutDuration
	}
	if src.HalfOpenMaxAttempts != nil {
		dst.HalfOpenMaxAttempts = src.HalfOpenMaxAttempts
	}
	if src.ResponseTimeThreshold != nil {
		dst.ResponseTimeThreshold = src.ResponseTimeThreshold
	}
}

// Reset clears one circuit's record entirely; the next use recreates it
// closed with its stored per-identifier config.
func (m *Manager) Reset(circuitID string) {
	m.mu.Lock()
	c, exists := m.circuits[circuitID]
	delete(m.circuits, circuitID)
	m.mu.Unlock()

	if exists {
		c.mu.Lock()
		if c.resetTimer != nil {
			c.resetTimer.Stop()
		}
		c.mu.Unlock()

		m.logger.Info("circuit reset", zap.String("circuit", circuitID))
	}
}

// Destroy cancels all pending timers and drops every circuit record. The
// manager remains usable afterwards.
func (m *Manager) Destroy() {
	m.mu.Lock()
	old := m.circuits
	m.circuits = make(map[string]*circuit)
	m.mu.Unlock()

	for _, c := range old {
		c.mu.Lock()
		if c.resetTimer != nil {
			c.resetTimer.Stop()
		}
		c.mu.Unlock()
	}
}
