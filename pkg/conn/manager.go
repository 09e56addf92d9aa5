// Package conn owns pooled HTTP transport handles, one per (protocol, host)
// pair. Secure endpoints are first configured for a multiplexed (HTTP/2)
// transport; if the runtime refuses, the handle silently degrades to the
// pooled single-stream transport.
package conn

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"httpshield/pkg/logging"
	"httpshield/pkg/metrics"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/sync/singleflight"
)

// Agent is a pooled transport handle for one (protocol, host) pair.
type Agent struct {
	Transport *http.Transport

	Scheme      string
	Host        string
	Multiplexed bool
	CreatedAt   time.Time
}

// Config controls how pooled transports are built.
type Config struct {
	// MaxIdleConns bounds idle connections across all hosts
	MaxIdleConns int
	// MaxIdleConnsPerHost bounds idle connections kept per host
	MaxIdleConnsPerHost int
	// MaxConnsPerHost bounds total connections per host (0 = unlimited)
	MaxConnsPerHost int
	// IdleConnTimeout is how long an idle connection stays pooled
	IdleConnTimeout time.Duration
	// KeepAlive is the TCP keep-alive probe interval
	KeepAlive time.Duration
	// TLSHandshakeTimeout bounds the TLS handshake
	TLSHandshakeTimeout time.Duration
	// RequestTimeout is the default per-request bound reported by
	// GetTransportConfig when the timeout manager supplies nothing better
	RequestTimeout time.Duration
	// DisableCompression turns off transparent gzip
	DisableCompression bool
	// MaxResponseBytes caps response body reads (0 = unlimited)
	MaxResponseBytes int64
	// EnableMultiplexing attempts HTTP/2 for https hosts
	EnableMultiplexing bool
	// TLSClientConfig is applied to secure transports
	TLSClientConfig *tls.Config
}

// DefaultConfig returns production defaults for the connection pool.
func DefaultConfig() Config {
	return Config{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     0,
		IdleConnTimeout:     90 * time.Second,
		KeepAlive:           30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		RequestTimeout:      30 * time.Second,
		MaxResponseBytes:    10 << 20,
		EnableMultiplexing:  true,
	}
}

// TransportConfig is everything a caller needs to issue a request through
// the pool: the agent, the default timeout, and keep-alive headers.
type TransportConfig struct {
	Agent            *Agent
	Timeout          time.Duration
	Compression      bool
	MaxResponseBytes int64
	Headers          map[string]string
}

// Stats is a snapshot of pool usage counters.
type Stats struct {
	Lookups     int64
	Hits        int64
	Misses      int64
	Multiplexed int64
	ActiveHosts int
}

// Manager caches one Agent per (protocol, host) pair.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	config Config

	lookups     int64
	hits        int64
	misses      int64
	multiplexed int64

	sf        singleflight.Group
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

// NewManager creates a connection manager with the given configuration.
func NewManager(config Config, opts ...Option) *Manager {
	m := &Manager{
		agents:    make(map[string]*Agent),
		config:    config,
		logger:    logging.Global().Named("conn"),
		collector: metrics.NoOpCollector{},
	}
	for _, o := range opts {
		o(m)
	}

	return m
}

// GetAgent returns the pooled transport handle for the URL's (protocol, host)
// pair, building it on first use. Concurrent first lookups for the same pair
// are collapsed to a single build.
func (m *Manager) GetAgent(rawURL string) (*Agent, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("conn: invalid url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("conn: url %q missing scheme or host", rawURL)
	}

	key := u.Scheme + "://" + u.Host

	m.mu.Lock()
	m.lookups++
	agent, exists := m.agents[key]
	if exists {
		m.hits++
	} else {
		m.misses++
	}
	m.mu.Unlock()

	if exists {
		m.collector.RecordConnection(u.Host, true, agent.Multiplexed)
		return agent, nil
	}

	built, err, _ := m.sf.Do(key, func() (any, error) {
		m.mu.RLock()
		existing, ok := m.agents[key]
		m.mu.RUnlock()
		if ok {
			return existing, nil
		}

		a := m.buildAgent(u.Scheme, u.Host)

		m.mu.Lock()
		m.agents[key] = a
		if a.Multiplexed {
			m.multiplexed++
		}
		m.mu.Unlock()

		m.logger.Debug("built transport handle",
			zap.String("scheme", u.Scheme),
			zap.String("host", u.Host),
			zap.Bool("multiplexed", a.Multiplexed),
		)

		return a, nil
	})
	if err != nil {
		return nil, err
	}

	agent = built.(*Agent)
	m.collector.RecordConnection(u.Host, false, agent.Multiplexed)

	return agent, nil
}

// buildAgent constructs the transport for one (protocol, host) pair. For
// secure hosts it attempts HTTP/2 configuration; refusal degrades to the
// plain pooled transport and is never surfaced as an error.
func (m *Manager) buildAgent(scheme, host string) *Agent {
	cfg := m.currentConfig()

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.TLSHandshakeTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		DisableCompression:  cfg.DisableCompression,
		TLSClientConfig:     cfg.TLSClientConfig,
	}

	multiplexed := false
	if scheme == "https" && cfg.EnableMultiplexing {
		if err := http2.ConfigureTransport(transport); err != nil {
			m.logger.Debug("http2 unavailable, using pooled http/1.1 transport",
				zap.String("host", host),
				zap.Error(err),
			)
		} else {
			multiplexed = true
		}
	}

	return &Agent{
		Transport:   transport,
		Scheme:      scheme,
		Host:        host,
		Multiplexed: multiplexed,
		CreatedAt:   time.Now(),
	}
}

func (m *Manager) currentConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.config
}

// GetTransportConfig resolves the agent for baseURL and packages it with the
// pool's request defaults and keep-alive headers.
func (m *Manager) GetTransportConfig(baseURL string) (TransportConfig, error) {
	agent, err := m.GetAgent(baseURL)
	if err != nil {
		return TransportConfig{}, err
	}

	cfg := m.currentConfig()

	return TransportConfig{
		Agent:            agent,
		Timeout:          cfg.RequestTimeout,
		Compression:      !cfg.DisableCompression,
		MaxResponseBytes: cfg.MaxResponseBytes,
		Headers: map[string]string{
			"Connection": "keep-alive",
		},
	}, nil
}

// UpdateConfig replaces the pool configuration, closes idle connections on
// the old handles, and clears the cache so future lookups rebuild. In-flight
// requests on old handles run to completion.
func (m *Manager) UpdateConfig(config Config) {
	m.mu.Lock()
	old := m.agents
	m.agents = make(map[string]*Agent)
	m.config = config
	m.mu.Unlock()

	for _, agent := range old {
		agent.Transport.CloseIdleConnections()
	}

	m.logger.Info("connection pool config updated, handles rebuilt",
		zap.Int("dropped_handles", len(old)),
	)
}

// Stats returns a snapshot of pool usage.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Lookups:     m.lookups,
		Hits:        m.hits,
		Misses:      m.misses,
		Multiplexed: m.multiplexed,
		ActiveHosts: len(m.agents),
	}
}

// ResetStats zeroes the usage counters without touching pooled handles.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lookups, m.hits, m.misses, m.multiplexed = 0, 0, 0, 0
}

// Destroy releases all pooled handles. The manager remains usable: the next
// GetAgent rebuilds from the current configuration.
func (m *Manager) Destroy() {
	m.mu.Lock()
	old := m.agents
	m.agents = make(map[string]*Agent)
	m.lookups, m.hits, m.misses, m.multiplexed = 0, 0, 0, 0
	m.mu.Unlock()

	for _, agent := range old {
		agent.Transport.CloseIdleConnections()
	}

	m.logger.Info("connection pool destroyed", zap.Int("released_handles", len(old)))
}
