// Package recovery implements the outermost resilience layer: when a call
// fails despite retries and circuit breaking, a priority-ordered chain of
// fallback strategies (cache, synthetic data, default shape) tries to mask
// the failure, and a per-endpoint degradation level tracks health. If every
// strategy fails, the original primary error surfaces unmodified.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"httpshield/pkg/cache"
	"httpshield/pkg/failure"
	"httpshield/pkg/logging"
	"httpshield/pkg/metrics"

	"go.uber.org/zap"
)

// ErrOffline is the primary error reported when an endpoint's degradation
// level is offline and the unit of work was skipped entirely.
var ErrOffline = errors.New("recovery: endpoint offline, primary skipped")

// Recovery trace entries appended to Result.Actions in execution order.
const (
	actionPrimarySuccess     = "primary-success"
	actionPrimaryFailed      = "primary-failed"
	actionPrimarySkipped     = "primary-skipped-offline"
	actionAttemptingFallback = "attempting-fallbacks"
	actionFallbackSuccess    = "fallback-success"
	actionFallbackExhausted  = "fallback-exhausted"
)

// Result is what Execute returns alongside the error. Actions is the ordered
// trace of every recovery step taken, for observability.
type Result struct {
	Success          bool
	Data             any
	Source           string
	FallbackUsed     bool
	DegradationLevel string
	Actions          []string
}

// Stats are cumulative counters across all endpoints.
type Stats struct {
	TotalExecutions   int64
	PrimarySuccesses  int64
	PrimaryFailures   int64
	PrimarySkipped    int64
	FallbackSuccesses int64
	Exhaustions       int64
	FailuresByKind    map[failure.Kind]int64
}

// Manager owns the strategy chain, the per-endpoint degradation levels, and
// the response cache. Endpoint state is created lazily at LevelFull.
type Manager struct {
	mu         sync.RWMutex
	defaults   Config
	strategies []Strategy
	levels     map[string]Level
	stats      Stats

	store     cache.Store
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

// WithStore replaces the response cache backend. The cache fallback strategy
// reads through whatever store is configured here.
func WithStore(store cache.Store) Option {
	return func(m *Manager) { m.store = store }
}

// NewManager creates a recovery manager with the built-in cache, synthetic,
// and default strategies registered. Register replaces built-ins by name.
func NewManager(defaults Config, opts ...Option) *Manager {
	m := &Manager{
		defaults:  defaults,
		levels:    make(map[string]Level),
		stats:     Stats{FailuresByKind: make(map[failure.Kind]int64)},
		store:     cache.NewMemoryStore(cache.DefaultMemoryStoreConfig()),
		logger:    logging.Global().Named("recovery"),
		collector: metrics.NoOpCollector{},
	}
	for _, o := range opts {
		o(m)
	}

	m.strategies = []Strategy{
		cacheStrategy(m.store),
		syntheticStrategy(),
		defaultStrategy(),
	}
	m.sortStrategies()

	return m
}

// Register adds a strategy to the chain, replacing any existing strategy with
// the same name. Pass a replacement to override a built-in.
func (m *Manager) Register(s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.strategies {
		if m.strategies[i].Name == s.Name {
			m.strategies[i] = s
			m.sortStrategiesLocked()
			return
		}
	}
	m.strategies = append(m.strategies, s)
	m.sortStrategiesLocked()
}

// Unregister removes a strategy by name. Removing the built-ins is allowed;
// an empty chain means every failure exhausts immediately.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.strategies {
		if m.strategies[i].Name == name {
			m.strategies = append(m.strategies[:i], m.strategies[i+1:]...)
			return
		}
	}
}

func (m *Manager) sortStrategies() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sortStrategiesLocked()
}

// sortStrategiesLocked orders by ascending priority; registration order
// breaks ties. Caller must hold m.mu.
func (m *Manager) sortStrategiesLocked() {
	sort.SliceStable(m.strategies, func(i, j int) bool {
		return m.strategies[i].Priority < m.strategies[j].Priority
	})
}

// Execute runs op for endpointID under recovery. On primary success the
// response is cached and the endpoint's degradation level advances one step
// toward full. On primary failure the strategy chain runs in priority order;
// the first success wins and is labeled with its source. If every strategy
// fails, the original primary error is returned, never a new kind.
//
// Endpoints at LevelOffline skip the primary entirely and go straight to
// fallback.
func (m *Manager) Execute(ctx context.Context, endpointID string, op func() (any, error), req Request, override *Override) (Result, error) {
	cfg := m.config(override)

	if !cfg.Enabled {
		data, err := op()
		if err != nil {
			return Result{DegradationLevel: DegradationFull}, err
		}
		return Result{
			Success:          true,
			Data:             data,
			Source:           "primary",
			DegradationLevel: DegradationNone,
		}, nil
	}

	m.mu.Lock()
	m.stats.TotalExecutions++
	level := m.levelLocked(endpointID)
	m.mu.Unlock()

	var actions []string
	var primaryErr error

	if level == LevelOffline {
		actions = append(actions, actionPrimarySkipped)
		primaryErr = ErrOffline

		m.mu.Lock()
		m.stats.PrimarySkipped++
		m.mu.Unlock()

		m.logger.Debug("endpoint offline, skipping primary", zap.String("endpoint", endpointID))
	} else {
		data, err := op()
		if err == nil {
			m.onPrimarySuccess(ctx, endpointID, cfg, req, data)
			return Result{
				Success:          true,
				Data:             data,
				Source:           "primary",
				DegradationLevel: DegradationNone,
				Actions:          append(actions, actionPrimarySuccess),
			}, nil
		}

		primaryErr = err
		actions = append(actions, actionPrimaryFailed)
		m.onPrimaryFailure(endpointID, err)
	}

	if !cfg.EnableFallbacks {
		return Result{DegradationLevel: DegradationFull, Actions: actions}, primaryErr
	}

	actions = append(actions, actionAttemptingFallback)

	for _, s := range m.chain() {
		outcome, err := m.runStrategy(ctx, s, cfg, primaryErr, req)
		if err != nil || !outcome.Success {
			if err != nil {
				m.logger.Debug("fallback strategy failed",
					zap.String("endpoint", endpointID),
					zap.String("strategy", s.Name),
					zap.Error(err),
				)
			}
			m.collector.RecordFallback(endpointID, s.Name, false)
			actions = append(actions, fmt.Sprintf("strategy-failed:%s", s.Name))
			continue
		}

		m.collector.RecordFallback(endpointID, s.Name, true)
		m.mu.Lock()
		m.stats.FallbackSuccesses++
		m.mu.Unlock()

		actions = append(actions, outcome.Actions...)
		actions = append(actions, actionFallbackSuccess)

		m.logger.Info("fallback served",
			zap.String("endpoint", endpointID),
			zap.String("strategy", s.Name),
			zap.Error(primaryErr),
		)

		return Result{
			Success:          true,
			Data:             outcome.Data,
			Source:           s.Name,
			FallbackUsed:     true,
			DegradationLevel: degradationTag(s.Type),
			Actions:          actions,
		}, nil
	}

	actions = append(actions, actionFallbackExhausted)

	m.mu.Lock()
	m.stats.Exhaustions++
	m.mu.Unlock()

	m.logger.Warn("recovery exhausted, re-raising primary error",
		zap.String("endpoint", endpointID),
		zap.Error(primaryErr),
		zap.Error(failure.ErrFallbackExhausted),
	)

	return Result{
		DegradationLevel: DegradationFull,
		Actions:          actions,
	}, primaryErr
}

// onPrimarySuccess caches the response and advances the degradation level.
func (m *Manager) onPrimarySuccess(ctx context.Context, endpointID string, cfg Config, req Request, data any) {
	if cfg.CacheResponses && req.Method != "" && req.URL != "" {
		key := cache.Key(req.Method, req.URL)
		if err := m.store.Set(ctx, key, data, cfg.CacheTTL); err != nil {
			m.logger.Debug("response cache write failed",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}

	m.mu.Lock()
	m.stats.PrimarySuccesses++
	prev := m.levelLocked(endpointID)
	next := stepUp(prev)
	m.levels[endpointID] = next
	m.mu.Unlock()

	if next != prev {
		m.logger.Info("endpoint recovering",
			zap.String("endpoint", endpointID),
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
		)
		m.collector.RecordDegradation(endpointID, next.String())
	}
}

// onPrimaryFailure records the failure by kind and degrades the endpoint one
// step toward offline.
func (m *Manager) onPrimaryFailure(endpointID string, err error) {
	kind := failure.Classify(err)

	m.mu.Lock()
	m.stats.PrimaryFailures++
	m.stats.FailuresByKind[kind]++
	prev := m.levelLocked(endpointID)
	next := stepDown(prev)
	m.levels[endpointID] = next
	m.mu.Unlock()

	if next != prev {
		m.logger.Warn("endpoint degrading",
			zap.String("endpoint", endpointID),
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
			zap.String("kind", string(kind)),
		)
		m.collector.RecordDegradation(endpointID, next.String())
	}
}

// runStrategy races one strategy against its timeout. A panicking strategy is
// caught and reported as a failed attempt; it never masks the primary error.
func (m *Manager) runStrategy(ctx context.Context, s Strategy, cfg Config, primaryErr error, req Request) (Outcome, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = cfg.FallbackTimeout
	}

	type attempt struct {
		outcome Outcome
		err     error
	}

	done := make(chan attempt, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attempt{err: fmt.Errorf("recovery: strategy %s panicked: %v", s.Name, r)}
			}
		}()
		outcome, err := s.Attempt(ctx, primaryErr, req)
		done <- attempt{outcome, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case a := <-done:
		return a.outcome, a.err
	case <-timer.C:
		return Outcome{}, failure.ErrTimeout
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// chain returns a snapshot of the strategy slice for lock-free iteration.
func (m *Manager) chain() []Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Strategy, len(m.strategies))
	copy(out, m.strategies)
	return out
}

func (m *Manager) config(override *Override) Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return merge(m.defaults, override)
}

// levelLocked reads an endpoint's level; unseen endpoints are healthy.
// Caller must hold m.mu.
func (m *Manager) levelLocked(endpointID string) Level {
	if level, ok := m.levels[endpointID]; ok {
		return level
	}
	return LevelFull
}

// Level returns the tracked degradation level for an endpoint.
func (m *Manager) Level(endpointID string) Level {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.levelLocked(endpointID)
}

// ForceLevel sets an endpoint's degradation level administratively, bypassing
// the one-step transition rule.
func (m *Manager) ForceLevel(endpointID string, level Level) {
	m.mu.Lock()
	m.levels[endpointID] = level
	m.mu.Unlock()

	m.logger.Warn("degradation level force-set",
		zap.String("endpoint", endpointID),
		zap.String("level", level.String()),
	)
	m.collector.RecordDegradation(endpointID, level.String())
}

// Levels returns a copy of every tracked endpoint level.
func (m *Manager) Levels() map[string]Level {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Level, len(m.levels))
	for id, level := range m.levels {
		out[id] = level
	}
	return out
}

// Stats returns a copy of the cumulative counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.stats
	out.FailuresByKind = make(map[failure.Kind]int64, len(m.stats.FailuresByKind))
	for k, v := range m.stats.FailuresByKind {
		out.FailuresByKind[k] = v
	}
	return out
}

// ResetStats zeroes the counters and forgets tracked endpoint levels.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = Stats{FailuresByKind: make(map[failure.Kind]int64)}
	m.levels = make(map[string]Level)
}

// ClearCache drops every cached response.
func (m *Manager) ClearCache(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// UpdateConfig merges a partial override over the stored defaults,
// last write wins per field.
func (m *Manager) UpdateConfig(override *Override) {
	if override == nil {
		return
	}

	m.mu.Lock()
	m.defaults = merge(m.defaults, override)
	m.mu.Unlock()
}
