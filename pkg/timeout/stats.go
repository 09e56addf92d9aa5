package timeout

import (
	"sort"
	"time"
)

// Trend indicates how an endpoint's latency is moving.
type Trend string

const (
	// TrendImproving means recent samples are faster than the prior window.
	TrendImproving Trend = "improving"
	// TrendDegrading means recent samples are slower than the prior window.
	TrendDegrading Trend = "degrading"
	// TrendStable means no meaningful change, or not enough samples.
	TrendStable Trend = "stable"
)

// trendWindow is how many samples each side of the trend comparison uses.
const trendWindow = 20

// trendDeadband is the relative change below which the trend reads stable.
const trendDeadband = 0.10

// endpointRecord holds the learned response-time history for one endpoint.
// Successful timings feed the rolling window; timeouts only bump the
// counter.
type endpointRecord struct {
	samples []time.Duration

	successCount int64
	timeoutCount int64

	lastUpdated time.Time

	effectiveTimeout time.Duration
	lastOptimized    time.Time
}

// EndpointStats is the read-only projection of one endpoint's record.
type EndpointStats struct {
	EndpointID string

	SampleCount  int
	SuccessCount int64
	TimeoutCount int64
	TimeoutRate  float64

	Average time.Duration
	Median  time.Duration
	P95     time.Duration
	P99     time.Duration
	Min     time.Duration
	Max     time.Duration

	EffectiveTimeout time.Duration
	Trend            Trend
	LastUpdated      time.Time
}

// record appends a successful timing, evicting the oldest past the window.
func (r *endpointRecord) record(d time.Duration, windowSize int) {
	r.samples = append(r.samples, d)
	if len(r.samples) > windowSize {
		r.samples = r.samples[len(r.samples)-windowSize:]
	}
	r.successCount++
	r.lastUpdated = time.Now()
}

// recordTimeout bumps the timeout counter without touching the time window.
func (r *endpointRecord) recordTimeout() {
	r.timeoutCount++
	r.lastUpdated = time.Now()
}

func (r *endpointRecord) timeoutRate() float64 {
	total := r.successCount + r.timeoutCount
	if total == 0 {
		return 0
	}
	return float64(r.timeoutCount) / float64(total)
}

func (r *endpointRecord) average() time.Duration {
	if len(r.samples) == 0 {
		return 0
	}

	var sum time.Duration
	for _, s := range r.samples {
		sum += s
	}
	return sum / time.Duration(len(r.samples))
}

func (r *endpointRecord) minMax() (time.Duration, time.Duration) {
	if len(r.samples) == 0 {
		return 0, 0
	}

	lo, hi := r.samples[0], r.samples[0]
	for _, s := range r.samples[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return lo, hi
}

// percentile sorts a copy of the bounded window; fine at this scale.
func (r *endpointRecord) percentile(p float64) time.Duration {
	if len(r.samples) == 0 {
		return 0
	}

	sorted := append([]time.Duration(nil), r.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// trend compares the average of the last 20 samples against the prior 20.
func (r *endpointRecord) trend() Trend {
	if len(r.samples) < trendWindow*2 {
		return TrendStable
	}

	recent := r.samples[len(r.samples)-trendWindow:]
	prior := r.samples[len(r.samples)-trendWindow*2 : len(r.samples)-trendWindow]

	avg := func(xs []time.Duration) float64 {
		var sum time.Duration
		for _, x := range xs {
			sum += x
		}
		return float64(sum) / float64(len(xs))
	}

	recentAvg, priorAvg := avg(recent), avg(prior)
	if priorAvg == 0 {
		return TrendStable
	}

	change := (recentAvg - priorAvg) / priorAvg
	switch {
	case change <= -trendDeadband:
		return TrendImproving
	case change >= trendDeadband:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// stats builds the read-only projection.
func (r *endpointRecord) stats(id string) EndpointStats {
	lo, hi := r.minMax()

	return EndpointStats{
		Min:              lo,
		Max:              hi,
		EndpointID:       id,
		SampleCount:      len(r.samples),
		SuccessCount:     r.successCount,
		TimeoutCount:     r.timeoutCount,
		TimeoutRate:      r.timeoutRate(),
		Average:          r.average(),
		Median:           r.percentile(0.50),
		P95:              r.percentile(0.95),
		P99:              r.percentile(0.99),
		EffectiveTimeout: r.effectiveTimeout,
		Trend:            r.trend(),
		LastUpdated:      r.lastUpdated,
	}
}
