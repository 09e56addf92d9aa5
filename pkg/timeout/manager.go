// Package timeout computes per-endpoint timeouts by blending endpoint-shape
// pattern matching with percentiles learned from response-time history.
// Every completed call is reported back so estimates keep improving.
package timeout

import (
	"sync"
	"time"

	"httpshield/pkg/logging"
	"httpshield/pkg/metrics"

	"go.uber.org/zap"
)

// Config controls timeout computation and learning.
type Config struct {
	// Enabled gates the whole manager; disabled returns inputs unchanged
	Enabled bool
	// BaseTimeout applies when the caller supplies no timeout
	BaseTimeout time.Duration
	// MinTimeout and MaxTimeout clamp every computed value
	MinTimeout time.Duration
	MaxTimeout time.Duration
	// EnablePatternMatching consults the endpoint-shape table
	EnablePatternMatching bool
	// EnableAdaptive blends learned percentiles into the estimate
	EnableAdaptive bool
	// EnableLearning records response times; adaptive mode requires it
	EnableLearning bool
	// TimeoutMultiplier scales the learned p95 into a timeout
	TimeoutMultiplier float64
	// MinSamples is how many samples an endpoint needs before adaptive
	// estimates apply
	MinSamples int
	// ConfidenceThreshold is the confidence at which the adaptive value is
	// used outright instead of blended
	ConfidenceThreshold float64
	// WindowSize bounds the rolling response-time window per endpoint
	WindowSize int
	// OptimizationInterval is the minimum spacing between recomputations of
	// an endpoint's cached effective timeout
	OptimizationInterval time.Duration
	// MinSamplesForOptimization gates the periodic recomputation
	MinSamplesForOptimization int
	// Patterns is the ordered endpoint-shape table; nil uses DefaultPatterns
	Patterns []Pattern
}

// DefaultConfig returns the documented timeout intelligence defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		BaseTimeout:               30 * time.Second,
		MinTimeout:                1 * time.Second,
		MaxTimeout:                120 * time.Second,
		EnablePatternMatching:     true,
		EnableAdaptive:            true,
		EnableLearning:            true,
		TimeoutMultiplier:         2.5,
		MinSamples:                5,
		ConfidenceThreshold:       0.7,
		WindowSize:                100,
		OptimizationInterval:      30 * time.Second,
		MinSamplesForOptimization: 10,
	}
}

// Override carries per-call config changes for a single Timeout computation.
type Override struct {
	BaseTimeout         *time.Duration
	MinTimeout          *time.Duration
	MaxTimeout          *time.Duration
	TimeoutMultiplier   *float64
	ConfidenceThreshold *float64
}

func mergeConfig(base Config, override *Override) Config {
	if override == nil {
		return base
	}

	out := base
	if override.BaseTimeout != nil {
		out.BaseTimeout = *override.BaseTimeout
	}
	if override.MinTimeout != nil {
		out.MinTimeout = *override.MinTimeout
	}
	if override.MaxTimeout != nil {
		out.MaxTimeout = *override.MaxTimeout
	}
	if override.TimeoutMultiplier != nil {
		out.TimeoutMultiplier = *override.TimeoutMultiplier
	}
	if override.ConfidenceThreshold != nil {
		out.ConfidenceThreshold = *override.ConfidenceThreshold
	}

	return out
}

// Manager owns the per-endpoint response-time records and computes bounded
// timeout values.
type Manager struct {
	mu        sync.Mutex
	config    Config
	endpoints map[string]*endpointRecord

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

// NewManager creates a timeout manager with the given configuration.
func NewManager(config Config, opts ...Option) *Manager {
	if config.Patterns == nil {
		config.Patterns = DefaultPatterns()
	}
	if config.WindowSize <= 0 {
		config.WindowSize = DefaultConfig().WindowSize
	}
	if config.TimeoutMultiplier <= 0 {
		config.TimeoutMultiplier = DefaultConfig().TimeoutMultiplier
	}

	m := &Manager{
		config:    config,
		endpoints: make(map[string]*endpointRecord),
		logger:    logging.Global().Named("timeout"),
		collector: metrics.NoOpCollector{},
	}
	for _, o := range opts {
		o(m)
	}

	return m
}

// Timeout returns the bounded timeout for one (method, url) call.
// userTimeout, when positive, is the caller's preference and seeds the
// computation. The call is a pure read: identical arguments with no
// intervening RecordResponseTime return the same value.
func (m *Manager) Timeout(method, rawURL string, userTimeout time.Duration, override *Override) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := mergeConfig(m.config, override)

	if !cfg.Enabled {
		if userTimeout > 0 {
			return userTimeout
		}
		return cfg.BaseTimeout
	}

	value := cfg.BaseTimeout
	if userTimeout > 0 {
		value = userTimeout
	}

	key := endpointKey(method, rawURL)

	if cfg.EnablePatternMatching {
		if p, ok := matchPattern(cfg.Patterns, method, pathOf(rawURL)); ok {
			value = p.Timeout()
		}
	}

	if cfg.EnableAdaptive && cfg.EnableLearning {
		if rec, ok := m.endpoints[key]; ok && len(rec.samples) >= cfg.MinSamples {
			adaptive := time.Duration(float64(rec.percentile(0.95)) * cfg.TimeoutMultiplier)
			confidence := m.confidence(rec)

			if cfg.ConfidenceThreshold > 0 && confidence >= cfg.ConfidenceThreshold {
				value = adaptive
			} else if cfg.ConfidenceThreshold > 0 {
				weight := confidence / cfg.ConfidenceThreshold
				value = time.Duration(float64(adaptive)*weight + float64(value)*(1-weight))
			}
		}
	}

	return clamp(value, cfg.MinTimeout, cfg.MaxTimeout)
}

// confidence scores how much the learned history can be trusted: sample
// volume, penalized by timeout rate, boosted by stable latency spread.
func (m *Manager) confidence(rec *endpointRecord) float64 {
	confidence := float64(len(rec.samples)) / 50
	if confidence > 1 {
		confidence = 1
	}

	rate := rec.timeoutRate()
	switch {
	case rate > 0.10:
		confidence *= 0.5
	case rate > 0.05:
		confidence *= 0.8
	}

	lo, hi := rec.minMax()
	if avg := rec.average(); avg > 0 && float64(hi-lo) < 0.5*float64(avg) {
		confidence *= 1.2
	}
	if confidence > 1 {
		confidence = 1
	}

	return confidence
}

// RecordResponseTime reports one completed call. Successful timings feed the
// rolling window; a timeout only increments the timeout counter. When enough
// samples have accumulated and the optimization interval has elapsed, the
// endpoint's cached effective timeout is recomputed.
func (m *Manager) RecordResponseTime(method, rawURL string, elapsed time.Duration, timedOut bool) {
	key := endpointKey(method, rawURL)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.config.EnableLearning {
		return
	}

	rec, ok := m.endpoints[key]
	if !ok {
		rec = &endpointRecord{}
		m.endpoints[key] = rec
	}

	if timedOut {
		rec.recordTimeout()
	} else {
		rec.record(elapsed, m.config.WindowSize)
	}

	m.collector.RecordTimeoutSample(key, elapsed, timedOut)

	m.maybeOptimizeLocked(key, rec)
}

// maybeOptimizeLocked recomputes the cached effective timeout when due.
// The cached value only moves if the change exceeds 20% (hysteresis).
func (m *Manager) maybeOptimizeLocked(key string, rec *endpointRecord) {
	cfg := m.config
	if len(rec.samples) < cfg.MinSamplesForOptimization {
		return
	}
	if !rec.lastOptimized.IsZero() && time.Since(rec.lastOptimized) < cfg.OptimizationInterval {
		return
	}

	recommended := time.Duration(float64(rec.percentile(0.95)) * cfg.TimeoutMultiplier)

	rate := rec.timeoutRate()
	switch {
	case rate > 0.05:
		recommended = time.Duration(float64(recommended) * 1.5)
	case rate == 0 && len(rec.samples) >= cfg.MinSamplesForOptimization*2:
		recommended = time.Duration(float64(recommended) * 0.9)
	}

	recommended = clamp(recommended, cfg.MinTimeout, cfg.MaxTimeout)
	rec.lastOptimized = time.Now()

	current := rec.effectiveTimeout
	if current > 0 {
		change := float64(recommended-current) / float64(current)
		if change < 0 {
			change = -change
		}
		if change <= 0.20 {
			return
		}
	}

	rec.effectiveTimeout = recommended
	m.collector.RecordComputedTimeout(key, recommended)
	m.logger.Debug("effective timeout recomputed",
		zap.String("endpoint", key),
		zap.Duration("timeout", recommended),
		zap.Float64("timeout_rate", rate),
	)
}

// EffectiveTimeout returns the cached optimized timeout for an endpoint,
// or false when none has been computed yet.
func (m *Manager) EffectiveTimeout(method, rawURL string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.endpoints[endpointKey(method, rawURL)]
	if !ok || rec.effectiveTimeout == 0 {
		return 0, false
	}
	return rec.effectiveTimeout, true
}

// Stats returns the projection of one endpoint's learned record.
func (m *Manager) Stats(method, rawURL string) (EndpointStats, bool) {
	key := endpointKey(method, rawURL)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.endpoints[key]
	if !ok {
		return EndpointStats{}, false
	}
	return rec.stats(key), true
}

// AllStats returns projections for every learned endpoint.
func (m *Manager) AllStats() map[string]EndpointStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]EndpointStats, len(m.endpoints))
	for key, rec := range m.endpoints {
		out[key] = rec.stats(key)
	}
	return out
}

// UpdateConfig replaces the manager configuration. Learned records survive.
func (m *Manager) UpdateConfig(config Config) {
	if config.Patterns == nil {
		config.Patterns = DefaultPatterns()
	}
	if config.WindowSize <= 0 {
		config.WindowSize = DefaultConfig().WindowSize
	}

	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
}

// ResetStats drops every learned record.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	m.endpoints = make(map[string]*endpointRecord)
	m.mu.Unlock()
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if lo > 0 && d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}

// pathOf extracts the URL path for pattern matching.
func pathOf(rawURL string) string {
	key := endpointKey("GET", rawURL)
	return key[len("GET:"):]
}
