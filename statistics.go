package perfsim

import (
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Statistics contains percentile data for a set of durations.
type Statistics struct {
	Count  int           `json:"count" yaml:"count"`
	Mean   time.Duration `json:"mean" yaml:"mean"`
	Stddev time.Duration `json:"stddev" yaml:"stddev"`
	Min    time.Duration `json:"min" yaml:"min"`
	P50    time.Duration `json:"p50" yaml:"p50"`
	P95    time.Duration `json:"p95" yaml:"p95"`
	P99    time.Duration `json:"p99" yaml:"p99"`
	Max    time.Duration `json:"max" yaml:"max"`
}

// CalculateStatistics computes mean, population standard deviation and
// nearest-rank percentiles of samples. Empty input yields zero Statistics.
func CalculateStatistics(samples []time.Duration) Statistics {
	if len(samples) == 0 {
		return Statistics{}
	}

	sorted := durationsToNanos(samples)
	slices.Sort(sorted)

	return Statistics{
		Count:  len(sorted),
		Mean:   nanos(stat.Mean(sorted, nil)),
		Stddev: nanos(stat.PopStdDev(sorted, nil)),
		Min:    nanos(sorted[0]),
		P50:    nanos(NearestRank(sorted, 0.50)),
		P95:    nanos(NearestRank(sorted, 0.95)),
		P99:    nanos(NearestRank(sorted, 0.99)),
		Max:    nanos(sorted[len(sorted)-1]),
	}
}

// NearestRank returns the p-quantile of ascending data by the nearest-rank
// method: the element at index ceil(p·n) − 1, clamped to the slice.
func NearestRank(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	return stat.Quantile(min(max(p, 0), 1), stat.Empirical, sorted, nil)
}

// durationsToNanos converts to float64 nanoseconds, exact below 2^53ns (~104 days).
func durationsToNanos(ds []time.Duration) []float64 {
	out := make([]float64, len(ds))
	for i, d := range ds {
		out[i] = float64(d)
	}
	return out
}

func nanos(ns float64) time.Duration {
	return time.Duration(math.Round(ns))
}
