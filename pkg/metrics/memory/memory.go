package memory

import (
	"sync"
	"time"

	"httpshield/pkg/metrics"
)

// MemoryCollector implements metrics.Collector for in-memory inspection and
// testing.
type MemoryCollector struct {
	mu sync.RWMutex

	endpointMetrics map[string]*EndpointMetrics
	circuitMetrics  map[string]*CircuitMetrics
	hostMetrics     map[string]*HostMetrics
}

// EndpointMetrics holds metrics for a single endpoint id.
type EndpointMetrics struct {
	Requests  int64
	Successes int64
	Failures  int64

	Retries        int64
	RetryDelay     time.Duration
	RetryExhausted int64

	TimeoutSamples   int64
	Timeouts         int64
	ComputedTimeout  time.Duration
	RequestDurations []time.Duration

	FallbacksByStrategy map[string]int64
	FallbackFailures    int64
	DegradationLevel    string
}

// CircuitMetrics holds metrics for a single circuit id.
type CircuitMetrics struct {
	State      metrics.CircuitState
	Opens      int64
	Rejections int64
}

// HostMetrics holds connection pooling metrics for a single host.
type HostMetrics struct {
	Lookups     int64
	Reused      int64
	Multiplexed int64
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		endpointMetrics: make(map[string]*EndpointMetrics),
		circuitMetrics:  make(map[string]*CircuitMetrics),
		hostMetrics:     make(map[string]*HostMetrics),
	}
}

func (mc *MemoryCollector) endpoint(endpoint string) *EndpointMetrics {
	if _, exists := mc.endpointMetrics[endpoint]; !exists {
		mc.endpointMetrics[endpoint] = &EndpointMetrics{
			FallbacksByStrategy: make(map[string]int64),
		}
	}
	return mc.endpointMetrics[endpoint]
}

func (mc *MemoryCollector) circuit(circuit string) *CircuitMetrics {
	if _, exists := mc.circuitMetrics[circuit]; !exists {
		mc.circuitMetrics[circuit] = &CircuitMetrics{}
	}
	return mc.circuitMetrics[circuit]
}

func (mc *MemoryCollector) host(host string) *HostMetrics {
	if _, exists := mc.hostMetrics[host]; !exists {
		mc.hostMetrics[host] = &HostMetrics{}
	}
	return mc.hostMetrics[host]
}

// RecordRequest records a request outcome.
func (mc *MemoryCollector) RecordRequest(endpoint string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	em := mc.endpoint(endpoint)
	em.Requests++
	if success {
		em.Successes++
	} else {
		em.Failures++
	}
	em.RequestDurations = append(em.RequestDurations, duration)
}

// RecordRetry records a retry attempt and the delay waited before it.
func (mc *MemoryCollector) RecordRetry(endpoint string, attempt int, delay time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	em := mc.endpoint(endpoint)
	em.Retries++
	em.RetryDelay += delay
}

// RecordRetryExhausted records that a request ran out of attempts.
func (mc *MemoryCollector) RecordRetryExhausted(endpoint string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.endpoint(endpoint).RetryExhausted++
}

// RecordCircuitState records a circuit breaker state change.
func (mc *MemoryCollector) RecordCircuitState(circuit string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	cm := mc.circuit(circuit)
	cm.State = state
	if state == metrics.CircuitOpen {
		cm.Opens++
	}
}

// RecordCircuitRejection records a fast-fail rejection.
func (mc *MemoryCollector) RecordCircuitRejection(circuit string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.circuit(circuit).Rejections++
}

// RecordTimeoutSample records a learned response-time sample.
func (mc *MemoryCollector) RecordTimeoutSample(endpoint string, duration time.Duration, timedOut bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	em := mc.endpoint(endpoint)
	em.TimeoutSamples++
	if timedOut {
		em.Timeouts++
	}
}

// RecordComputedTimeout records the effective timeout for an endpoint.
func (mc *MemoryCollector) RecordComputedTimeout(endpoint string, timeout time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.endpoint(endpoint).ComputedTimeout = timeout
}

// RecordFallback records a fallback strategy attempt.
func (mc *MemoryCollector) RecordFallback(endpoint string, strategy string, success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	em := mc.endpoint(endpoint)
	if success {
		em.FallbacksByStrategy[strategy]++
	} else {
		em.FallbackFailures++
	}
}

// RecordDegradation records the current degradation level of an endpoint.
func (mc *MemoryCollector) RecordDegradation(endpoint string, level string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.endpoint(endpoint).DegradationLevel = level
}

// RecordConnection records a transport handle lookup.
func (mc *MemoryCollector) RecordConnection(host string, reused bool, multiplexed bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	hm := mc.host(host)
	hm.Lookups++
	if reused {
		hm.Reused++
	}
	if multiplexed {
		hm.Multiplexed++
	}
}

// Endpoint returns a copy of the metrics for the given endpoint id.
func (mc *MemoryCollector) Endpoint(endpoint string) EndpointMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	em, exists := mc.endpointMetrics[endpoint]
	if !exists {
		return EndpointMetrics{}
	}

	out := *em
	out.FallbacksByStrategy = make(map[string]int64, len(em.FallbacksByStrategy))
	for k, v := range em.FallbacksByStrategy {
		out.FallbacksByStrategy[k] = v
	}
	out.RequestDurations = append([]time.Duration(nil), em.RequestDurations...)

	return out
}

// Circuit returns a copy of the metrics for the given circuit id.
func (mc *MemoryCollector) Circuit(circuit string) CircuitMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	cm, exists := mc.circuitMetrics[circuit]
	if !exists {
		return CircuitMetrics{}
	}
	return *cm
}

// Host returns a copy of the metrics for the given host.
func (mc *MemoryCollector) Host(host string) HostMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	hm, exists := mc.hostMetrics[host]
	if !exists {
		return HostMetrics{}
	}
	return *hm
}

// Reset drops all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.endpointMetrics = make(map[string]*EndpointMetrics)
	mc.circuitMetrics = make(map[string]*CircuitMetrics)
	mc.hostMetrics = make(map[string]*HostMetrics)
}
