package perfsim

import (
	"fmt"
	"math"
	"testing"
	"time"
)

// AssertionConfig contains thresholds for simulation properties.
type AssertionConfig struct {
	// Maximum acceptable P95 run duration
	MaxP95RunTime time.Duration

	// Minimum detection throughput (items per second)
	MinThroughput float64

	// Maximum P99/P50 ratio of run durations
	MaxTailDivergence float64
}

// DefaultAssertionConfig returns conservative thresholds for simulated mode.
func DefaultAssertionConfig() AssertionConfig {
	return AssertionConfig{
		MaxP95RunTime:     time.Minute,
		MinThroughput:     100,
		MaxTailDivergence: DefaultTailDivergenceThreshold,
	}
}

// AssertFailureInvariants verifies the failure suite covered every failure
// type and that each one resolved to its fixed outcome: expected status,
// audited, stable, no orphan records.
func AssertFailureInvariants(t *testing.T, results []FailureSimulationResult) {
	t.Helper()

	if len(results) != len(FailureTypes) {
		t.Fatalf("Expected %d failure results, got %d", len(FailureTypes), len(results))
	}

	seen := make(map[FailureType]bool)
	for _, r := range results {
		seen[r.FailureType] = true
		if msg := FailureInvariantViolation(r); msg != "" {
			t.Errorf("%s (detail: %s)", msg, r.ErrorDetail)
			continue
		}
		t.Logf("✓ %-17s → %-9s audited, stable, 0 orphans", r.FailureType, r.RunStatus)
	}
	for _, ft := range FailureTypes {
		if !seen[ft] {
			t.Errorf("Failure type %s was not exercised", ft)
		}
	}
}

// AssertDisjointSlices verifies runs cover [0, population) with contiguous,
// non-overlapping subject ranges in submission order.
func AssertDisjointSlices(t *testing.T, runs []RunMetrics, population int) {
	t.Helper()

	next := 0
	for _, r := range runs {
		if r.SubjectStart != next {
			t.Errorf("Run %s starts at subject %d, expected %d (gap or overlap)", r.RunID, r.SubjectStart, next)
		}
		if r.SubjectEnd < r.SubjectStart {
			t.Errorf("Run %s has inverted range [%d, %d)", r.RunID, r.SubjectStart, r.SubjectEnd)
		}
		next = r.SubjectEnd
	}
	if next != population {
		t.Errorf("Runs cover %d subjects, expected %d", next, population)
	}
}

// AssertQueueOrdering verifies the queue log has one non-negative entry per
// run in submission order and that waits never shrink from one wave to the
// next.
func AssertQueueOrdering(t *testing.T, result *ParallelResult) {
	t.Helper()

	if len(result.QueueLog) != len(result.Runs) {
		t.Fatalf("Expected %d queue entries, got %d", len(result.Runs), len(result.QueueLog))
	}

	waveMin := map[int]time.Duration{}
	waveMax := map[int]time.Duration{}
	for i, e := range result.QueueLog {
		if e.RunID != result.Runs[i].RunID {
			t.Errorf("Queue entry %d is %s, expected %s", i, e.RunID, result.Runs[i].RunID)
		}
		if e.QueueWait < 0 {
			t.Errorf("Run %s has negative queue wait %s", e.RunID, e.QueueWait)
		}
		if cur, ok := waveMin[e.Wave]; !ok || e.QueueWait < cur {
			waveMin[e.Wave] = e.QueueWait
		}
		waveMax[e.Wave] = max(waveMax[e.Wave], e.QueueWait)
	}
	for w := 1; ; w++ {
		lo, ok := waveMin[w]
		if !ok {
			break
		}
		if lo < waveMax[w-1] {
			t.Errorf("Wave %d minimum wait %s below wave %d maximum %s", w, lo, w-1, waveMax[w-1])
		}
	}
}

// AssertGovernanceCoverage verifies every run logged all three pre-checks and
// at least one audit entry.
func AssertGovernanceCoverage(t *testing.T, result *ParallelResult) {
	t.Helper()

	checks := map[string]int{}
	for _, g := range result.GovernanceLog {
		checks[g.RunID]++
	}
	audited := map[string]bool{}
	for _, a := range result.AuditLog {
		audited[a.RunID] = true
	}

	if len(result.GovernanceLog) < 3*len(result.Runs) {
		t.Errorf("Expected at least %d governance entries, got %d", 3*len(result.Runs), len(result.GovernanceLog))
	}
	for _, r := range result.Runs {
		if checks[r.RunID] != len(PreCheckOrder) {
			t.Errorf("Run %s logged %d pre-checks, expected %d", r.RunID, checks[r.RunID], len(PreCheckOrder))
		}
		if !audited[r.RunID] {
			t.Errorf("Run %s has no audit entry", r.RunID)
		}
	}
}

// AssertSummaryBounds verifies P95 lies within [min, max] of run durations
// and that no field is NaN or negative.
func AssertSummaryBounds(t *testing.T, runs []RunMetrics, s MetricsSummary) {
	t.Helper()

	if len(runs) == 0 {
		if s != (MetricsSummary{}) {
			t.Errorf("Expected zero summary for no runs, got %+v", s)
		}
		return
	}

	lo := runs[0].Duration
	for _, r := range runs {
		lo = min(lo, r.Duration)
	}
	if s.P95RunTime < lo || s.P95RunTime > s.MaxRunTime {
		t.Errorf("P95 %s outside [%s, %s]", s.P95RunTime, lo, s.MaxRunTime)
	}
	for name, v := range map[string]float64{
		"AverageEvidencePerRun":      s.AverageEvidencePerRun,
		"DetectionThroughput":        s.DetectionThroughput,
		"DBWriteOpsPerSecond":        s.DBWriteOpsPerSecond,
		"SpecialCategoryTriggerRate": s.SpecialCategoryTriggerRate,
	} {
		if math.IsNaN(v) || v < 0 {
			t.Errorf("%s = %v, expected a non-negative number", name, v)
		}
	}
}

// AssertPerformance checks a summary against cfg thresholds.
func AssertPerformance(t *testing.T, s MetricsSummary, tail TailStats, cfg AssertionConfig) {
	t.Helper()

	if s.P95RunTime > cfg.MaxP95RunTime {
		t.Errorf("P95 run time too high: %s (max: %s)", s.P95RunTime, cfg.MaxP95RunTime)
	}
	if s.DetectionThroughput < cfg.MinThroughput {
		t.Errorf("Detection throughput too low: %.1f items/s (min: %.1f)", s.DetectionThroughput, cfg.MinThroughput)
	}
	if tail.SampleCount > 0 && tail.TailDivergenceRatio > cfg.MaxTailDivergence {
		t.Errorf("Run durations heavy-tailed: P99/P50 = %.1f (max: %.1f)", tail.TailDivergenceRatio, cfg.MaxTailDivergence)
	}
}

// PrintAnalysis logs a readable breakdown of a simulation report.
func PrintAnalysis(t *testing.T, report *SimulationReport) {
	t.Helper()

	s := report.Summary
	t.Logf("=== Simulation Analysis ===")
	t.Logf("Dataset: %d persons, %d evidence items (%d special-category subjects)",
		report.Dataset.TotalPersons, report.Dataset.TotalEvidenceItems, report.Dataset.SpecialCategorySubjects)
	t.Logf("Runs: %d completed, %d partial, %d failed", s.CompletedRuns, s.PartialRuns, s.FailedRuns)
	t.Logf("Run time: avg %s, p95 %s, max %s", s.AverageRunTime, s.P95RunTime, s.MaxRunTime)
	t.Logf("Queue wait: avg %s, p99 %s", s.AverageQueueWait, s.QueueWait.P99)
	t.Logf("Throughput: %.0f items/s, %.0f DB writes/s", s.DetectionThroughput, s.DBWriteOpsPerSecond)
	t.Logf("Special-category trigger rate: %s", formatPercent(s.SpecialCategoryTriggerRate))
	if v := report.Verdict(); len(v) > 0 {
		t.Logf("Verdict: %d problem(s)", len(v))
		for _, msg := range v {
			t.Logf("  - %s", msg)
		}
	}
}

func formatPercent(f float64) string {
	return fmt.Sprintf("%.2f%%", f*100)
}
