package perfsim

import (
	"math"
	"sync"
	"time"
)

// DefaultTailDivergenceThreshold is the P99/P50 ratio above which a duration
// distribution counts as heavy-tailed.
const DefaultTailDivergenceThreshold = 10.0

// TailDivergenceTracker watches run durations for a heavy tail by comparing
// the tail (P99) with the median (P50).
//
// When runs behave, durations cluster and P99 stays within a small multiple of
// P50. When a few runs stall (a hung connector, a hot tenant, lock convoys on
// the case database) the tail pulls away and the average stops describing the
// workload. A ratio above the threshold is reported as an anomaly and logged as
// a break-glass event by the stress tests.
//
//	tracker := NewTailDivergenceTracker(1000)
//	tracker.Record(120 * time.Millisecond)
//	tracker.Record(9 * time.Second) // stalled run
//	if tracker.IsHeavyTailed() { ... }
type TailDivergenceTracker struct {
	mu          sync.Mutex
	samples     []time.Duration // ring buffer of recent durations
	maxSamples  int
	writeIndex  int
	sampleCount int64 // monotonic

	threshold float64
}

// NewTailDivergenceTracker creates a tracker keeping the last maxSamples
// durations (default 1000).
func NewTailDivergenceTracker(maxSamples int) *TailDivergenceTracker {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &TailDivergenceTracker{
		samples:    make([]time.Duration, maxSamples),
		maxSamples: maxSamples,
		threshold:  DefaultTailDivergenceThreshold,
	}
}

// Record adds a duration sample.
func (t *TailDivergenceTracker) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples[t.writeIndex] = d
	t.writeIndex = (t.writeIndex + 1) % t.maxSamples
	t.sampleCount++
}

func (t *TailDivergenceTracker) snapshot() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := int(min(t.sampleCount, int64(t.maxSamples)))
	return append([]time.Duration(nil), t.samples[:n]...)
}

// TailDivergenceRatio returns P99/P50, or 1 when P50 is zero.
func (t *TailDivergenceTracker) TailDivergenceRatio() float64 {
	return tailRatio(CalculateStatistics(t.snapshot()))
}

func tailRatio(s Statistics) float64 {
	if s.P50 <= 0 {
		return 1
	}
	return float64(s.P99) / float64(s.P50)
}

// IsHeavyTailed reports whether P99/P50 exceeds the threshold.
func (t *TailDivergenceTracker) IsHeavyTailed() bool {
	return t.TailDivergenceRatio() > t.threshold
}

// ParetoIndex estimates the Pareto α of the duration distribution from its
// quantile ratio: P99/P50 = (0.01/0.50)^(-1/α). Returns 0 when the tail does
// not exceed the median. α ≤ 2 means infinite variance.
func (t *TailDivergenceTracker) ParetoIndex() float64 {
	return paretoIndex(tailRatio(CalculateStatistics(t.snapshot())))
}

func paretoIndex(ratio float64) float64 {
	if ratio <= 1 {
		return 0
	}
	return math.Log(0.50/0.01) / math.Log(ratio)
}

// TailStats is a snapshot of the tracked distribution.
type TailStats struct {
	SampleCount         int64         `json:"sampleCount" yaml:"sampleCount"`
	Mean                time.Duration `json:"mean" yaml:"mean"`
	P50                 time.Duration `json:"p50" yaml:"p50"`
	P99                 time.Duration `json:"p99" yaml:"p99"`
	TailDivergenceRatio float64       `json:"tailDivergenceRatio" yaml:"tailDivergenceRatio"`
	ParetoIndex         float64       `json:"paretoIndex" yaml:"paretoIndex"`
	HeavyTailed         bool          `json:"heavyTailed" yaml:"heavyTailed"`
}

// GetStats returns statistics about the tracked durations.
func (t *TailDivergenceTracker) GetStats() TailStats {
	s := CalculateStatistics(t.snapshot())
	ratio := tailRatio(s)

	t.mu.Lock()
	count := t.sampleCount
	t.mu.Unlock()

	return TailStats{
		SampleCount:         count,
		Mean:                s.Mean,
		P50:                 s.P50,
		P99:                 s.P99,
		TailDivergenceRatio: ratio,
		ParetoIndex:         paretoIndex(ratio),
		HeavyTailed:         ratio > t.threshold,
	}
}

// AnomalyKind classifies an anomaly that warrants a break-glass entry.
type AnomalyKind string

const (
	AnomalyTailDivergence AnomalyKind = "tail_divergence" // P99/P50 of run durations above threshold
	AnomalyRepeatedDenial AnomalyKind = "repeated_denial" // a request denied again after its retry
	AnomalyDenialStreak   AnomalyKind = "denial_streak"   // a client denied many times in a row
)

// Anomaly is one detected statistical or behavioral anomaly.
type Anomaly struct {
	Kind    AnomalyKind `json:"kind" yaml:"kind"`
	Subject string      `json:"subject" yaml:"subject"` // request, run or client the anomaly concerns
	Detail  string      `json:"detail" yaml:"detail"`
	At      time.Time   `json:"at" yaml:"at"`
}

// breakGlass logs a break-glass audit entry for a.
func (t *auditTrail) breakGlass(a Anomaly) {
	t.record(a.Subject, AuditBreakGlass, a.At, "%s: %s", a.Kind, a.Detail)
}
