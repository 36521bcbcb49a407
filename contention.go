package perfsim

import (
	"math"
)

// ContentionModel applies the Universal Scalability Law to run slots:
//
//	C(N) = λN / (1 + α(N-1) + βN(N-1))
//
// Where:
//   - α (alpha): contention between runs sharing connectors and the database
//   - β (beta): coherency cost (cross-run coordination, audit fan-in)
//   - N: runs in flight at once
//
// The scheduler uses Factor to stretch a run's connector latency by the load
// the other runs in its wave put on shared resources.
type ContentionModel struct {
	Alpha float64
	Beta  float64
}

// DefaultContentionModel returns coefficients fitted on the platform's
// connector tier.
func DefaultContentionModel() ContentionModel {
	return ContentionModel{Alpha: 0.05, Beta: 0.001}
}

// Factor returns the slowdown 1 + α(N-1) + βN(N-1) that N concurrent runs
// impose on each other. Factor(1) = 1.
func (m ContentionModel) Factor(n int) float64 {
	if n <= 1 {
		return 1
	}
	N := float64(n)
	return 1 + m.Alpha*(N-1) + m.Beta*N*(N-1)
}

// Throughput estimates aggregate throughput of n concurrent runs given the
// serial throughput lambda.
func (m ContentionModel) Throughput(n int, lambda float64) float64 {
	if n <= 0 {
		return 0
	}
	return lambda * float64(n) / m.Factor(n)
}

// PeakConcurrency returns N_peak = sqrt((1-α)/β), the concurrency beyond
// which adding runs lowers aggregate throughput. +Inf when β ≤ 0.
func (m ContentionModel) PeakConcurrency() float64 {
	if m.Beta <= 0 {
		return math.Inf(1)
	}
	if m.Alpha >= 1 {
		return 0
	}
	return math.Sqrt((1 - m.Alpha) / m.Beta)
}

// IsRetrograde reports whether n concurrent runs sit past the throughput peak.
func (m ContentionModel) IsRetrograde(n int) bool {
	peak := m.PeakConcurrency()
	if math.IsInf(peak, 1) {
		return false
	}
	return float64(n) >= peak
}
