package breaker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"httpshield/pkg/failure"
)

// State represents circuit breaker state.
type State string

const (
	// StateClosed passes calls through and observes outcomes.
	StateClosed State = "closed"
	// StateOpen fails fast without invoking the unit of work.
	StateOpen State = "open"
	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen State = "half-open"
)

// CircuitOpenError is the distinguishable rejection raised when a circuit is
// open or out of half-open probe budget. It is raised locally, without
// invoking the unit of work.
type CircuitOpenError struct {
	CircuitID string
	State     State
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("httpshield: circuit breaker open: circuit %q is %s", e.CircuitID, e.State)
}

// Unwrap ties the error into the shared failure taxonomy.
func (e *CircuitOpenError) Unwrap() error {
	return failure.ErrCircuitOpen
}

// responseTimeHistoryLimit bounds the retained per-circuit latency samples.
const responseTimeHistoryLimit = 100

// circuit is the record for one circuit id. All mutation happens under mu,
// owned exclusively by the manager.
type circuit struct {
	mu sync.Mutex

	id     string
	config Config

	state           State
	failureCount    int
	successCount    int
	totalRequests   int
	lastFailureTime time.Time
	lastSuccessTime time.Time
	openedAt        time.Time
	forced          bool

	halfOpenAttempts  int
	halfOpenSuccesses int

	transitions   map[string]int64
	responseTimes []time.Duration

	lifetimeRequests  int64
	lifetimeFailures  int64
	lifetimeSuccesses int64
	rejections        int64

	resetTimer *time.Timer
}

func newCircuit(id string, config Config) *circuit {
	return &circuit{
		id:          id,
		config:      config,
		state:       StateClosed,
		transitions: make(map[string]int64),
	}
}

// recordTransition bumps the counter for one transition kind, e.g.
// "closed->open".
func (c *circuit) recordTransition(from, to State) {
	c.transitions[string(from)+"->"+string(to)]++
}

// resetWindow clears the measurement window counters so the invariant
// totalRequests == failureCount + successCount holds per window.
func (c *circuit) resetWindow() {
	c.failureCount = 0
	c.successCount = 0
	c.totalRequests = 0
}

// appendResponseTime retains a bounded latency history, oldest evicted first.
func (c *circuit) appendResponseTime(d time.Duration) {
	c.responseTimes = append(c.responseTimes, d)
	if len(c.responseTimes) > responseTimeHistoryLimit {
		c.responseTimes = c.responseTimes[len(c.responseTimes)-responseTimeHistoryLimit:]
	}
}

// Snapshot is a point-in-time projection of one circuit's record.
type Snapshot struct {
	CircuitID string
	State     State

	FailureCount  int
	SuccessCount  int
	TotalRequests int

	LastFailureTime  time.Time
	LastSuccessTime  time.Time
	OpenedAt         time.Time
	HalfOpenAttempts int

	Transitions map[string]int64

	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	Availability float64
	Rejections   int64
}

// snapshotLocked builds a Snapshot; caller must hold c.mu.
func (c *circuit) snapshotLocked() Snapshot {
	transitions := make(map[string]int64, len(c.transitions))
	for k, v := range c.transitions {
		transitions[k] = v
	}

	snap := Snapshot{
		CircuitID:        c.id,
		State:            c.state,
		FailureCount:     c.failureCount,
		SuccessCount:     c.successCount,
		TotalRequests:    c.totalRequests,
		LastFailureTime:  c.lastFailureTime,
		LastSuccessTime:  c.lastSuccessTime,
		OpenedAt:         c.openedAt,
		HalfOpenAttempts: c.halfOpenAttempts,
		Transitions:      transitions,
		P50:              percentile(c.responseTimes, 0.50),
		P95:              percentile(c.responseTimes, 0.95),
		P99:              percentile(c.responseTimes, 0.99),
		Rejections:       c.rejections,
	}

	if c.lifetimeRequests > 0 {
		snap.Availability = float64(c.lifetimeSuccesses) / float64(c.lifetimeRequests) * 100
	} else {
		snap.Availability = 100
	}

	return snap
}

// percentile sorts a copy of the bounded sample buffer; acceptable at this
// scale (≤100 samples per circuit).
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}

	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
