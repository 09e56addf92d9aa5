package prometheus

import (
	"time"

	"httpshield/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements metrics.Collector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Request outcomes
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	// Retry layer
	retries        *prometheus.CounterVec
	retryDelay     *prometheus.HistogramVec
	retryExhausted *prometheus.CounterVec

	// Circuit breaker
	circuitState      *prometheus.GaugeVec
	circuitOpens      *prometheus.CounterVec
	circuitRejections *prometheus.CounterVec

	// Timeout intelligence
	timeoutSamples  *prometheus.CounterVec
	computedTimeout *prometheus.GaugeVec

	// Error recovery
	fallbacks   *prometheus.CounterVec
	degradation *prometheus.GaugeVec

	// Connection pooling
	connections *prometheus.CounterVec
}

// degradationGaugeValue maps a degradation level to a stable numeric scale
// for dashboards (3=full service, 0=offline).
func degradationGaugeValue(level string) float64 {
	switch level {
	case "full":
		return 3
	case "degraded":
		return 2
	case "minimal":
		return 1
	default:
		return 0
	}
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	pc := &PrometheusCollector{
		namespace: namespace,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total requests per endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request latency per endpoint",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total retry attempts per endpoint",
			},
			[]string{"endpoint"},
		),
		retryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_delay_seconds",
				Help:      "Backoff delay waited before retry attempts",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"endpoint"},
		),
		retryExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_exhausted_total",
				Help:      "Requests that ran out of retry attempts",
			},
			[]string{"endpoint"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"circuit"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total circuit breaker open transitions",
			},
			[]string{"circuit"},
		),
		circuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_rejections_total",
				Help:      "Requests rejected while the circuit was open",
			},
			[]string{"circuit"},
		),
		timeoutSamples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeout_samples_total",
				Help:      "Response-time samples recorded per endpoint and kind",
			},
			[]string{"endpoint", "kind"},
		),
		computedTimeout: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "computed_timeout_seconds",
				Help:      "Current effective timeout per endpoint",
			},
			[]string{"endpoint"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallbacks_total",
				Help:      "Fallback strategy attempts per endpoint, strategy and outcome",
			},
			[]string{"endpoint", "strategy", "outcome"},
		),
		degradation: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "degradation_level",
				Help:      "Current degradation level per endpoint (3=full, 2=degraded, 1=minimal, 0=offline)",
			},
			[]string{"endpoint"},
		),
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Transport handle lookups per host, reuse and multiplexing",
			},
			[]string{"host", "reused", "multiplexed"},
		),
	}

	return pc
}

// Register registers all collectors with the given registry.
func (pc *PrometheusCollector) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		pc.requests,
		pc.requestLatency,
		pc.retries,
		pc.retryDelay,
		pc.retryExhausted,
		pc.circuitState,
		pc.circuitOpens,
		pc.circuitRejections,
		pc.timeoutSamples,
		pc.computedTimeout,
		pc.fallbacks,
		pc.degradation,
		pc.connections,
	}

	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister registers all collectors with the default registry.
func (pc *PrometheusCollector) MustRegister() {
	prometheus.MustRegister(
		pc.requests,
		pc.requestLatency,
		pc.retries,
		pc.retryDelay,
		pc.retryExhausted,
		pc.circuitState,
		pc.circuitOpens,
		pc.circuitRejections,
		pc.timeoutSamples,
		pc.computedTimeout,
		pc.fallbacks,
		pc.degradation,
		pc.connections,
	)
}

// RecordRequest records a request outcome.
func (pc *PrometheusCollector) RecordRequest(endpoint string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	pc.requests.WithLabelValues(endpoint, outcome).Inc()
	pc.requestLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordRetry records a retry attempt.
func (pc *PrometheusCollector) RecordRetry(endpoint string, attempt int, delay time.Duration) {
	pc.retries.WithLabelValues(endpoint).Inc()
	pc.retryDelay.WithLabelValues(endpoint).Observe(delay.Seconds())
}

// RecordRetryExhausted records a request that ran out of attempts.
func (pc *PrometheusCollector) RecordRetryExhausted(endpoint string) {
	pc.retryExhausted.WithLabelValues(endpoint).Inc()
}

// RecordCircuitState records a circuit breaker state change.
func (pc *PrometheusCollector) RecordCircuitState(circuit string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(circuit).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(circuit).Inc()
	}
}

// RecordCircuitRejection records a fast-fail rejection.
func (pc *PrometheusCollector) RecordCircuitRejection(circuit string) {
	pc.circuitRejections.WithLabelValues(circuit).Inc()
}

// RecordTimeoutSample records a learned response-time sample.
func (pc *PrometheusCollector) RecordTimeoutSample(endpoint string, duration time.Duration, timedOut bool) {
	kind := "completed"
	if timedOut {
		kind = "timeout"
	}
	pc.timeoutSamples.WithLabelValues(endpoint, kind).Inc()
}

// RecordComputedTimeout records the effective timeout for an endpoint.
func (pc *PrometheusCollector) RecordComputedTimeout(endpoint string, timeout time.Duration) {
	pc.computedTimeout.WithLabelValues(endpoint).Set(timeout.Seconds())
}

// RecordFallback records a fallback strategy attempt.
func (pc *PrometheusCollector) RecordFallback(endpoint string, strategy string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	pc.fallbacks.WithLabelValues(endpoint, strategy, outcome).Inc()
}

// RecordDegradation records the degradation level of an endpoint.
func (pc *PrometheusCollector) RecordDegradation(endpoint string, level string) {
	pc.degradation.WithLabelValues(endpoint).Set(degradationGaugeValue(level))
}

// RecordConnection records a transport handle lookup.
func (pc *PrometheusCollector) RecordConnection(host string, reused bool, multiplexed bool) {
	pc.connections.WithLabelValues(host, boolLabel(reused), boolLabel(multiplexed)).Inc()
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
