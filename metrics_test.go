package perfsim

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticRuns(n int) []RunMetrics {
	runs := make([]RunMetrics, n)
	for i := range runs {
		d := time.Duration(i+1) * time.Second
		runs[i] = RunMetrics{
			RunID:                     fmt.Sprintf("run-%03d", i+1),
			Status:                    StatusCompleted,
			Duration:                  d,
			DetectionTime:             d / 2,
			ExportTime:                d / 4,
			QueueWait:                 time.Duration(i) * 10 * time.Millisecond,
			EvidenceCount:             1000,
			DBWriteOps:                1010,
			SpecialCategoryDetections: 10,
		}
	}
	return runs
}

func TestComputeMetricsSummary_Empty(t *testing.T) {
	assert.Equal(t, MetricsSummary{}, ComputeMetricsSummary(nil))
	AssertSummaryBounds(t, nil, ComputeMetricsSummary(nil))
}

func TestComputeMetricsSummary(t *testing.T) {
	runs := syntheticRuns(20)
	runs[3].Status = StatusFailed
	runs[4].Status = StatusPartialCompleted

	s := ComputeMetricsSummary(runs)
	AssertSummaryBounds(t, runs, s)

	assert.Equal(t, 20, s.Runs)
	assert.Equal(t, 18, s.CompletedRuns)
	assert.Equal(t, 1, s.PartialRuns)
	assert.Equal(t, 1, s.FailedRuns)

	assert.Equal(t, 10500*time.Millisecond, s.AverageRunTime)
	assert.Equal(t, 19*time.Second, s.P95RunTime, "nearest rank: index ceil(0.95·20) − 1")
	assert.Equal(t, 20*time.Second, s.MaxRunTime)

	assert.Equal(t, 20_000, s.TotalEvidence)
	assert.Equal(t, 1000.0, s.AverageEvidencePerRun)

	// Detection time totals 105s
	assert.InDelta(t, 20_000.0/105, s.DetectionThroughput, 1e-9)
	assert.InDelta(t, 20*1010.0/210, s.DBWriteOpsPerSecond, 1e-9)
	assert.Equal(t, 10500*time.Millisecond/4, s.AverageExportTime)

	assert.Equal(t, 95*time.Millisecond, s.AverageQueueWait)
	assert.Equal(t, 190*time.Millisecond, s.QueueWait.Max)
	assert.Equal(t, 200, s.SpecialCategoryDetections)
	assert.InDelta(t, 0.01, s.SpecialCategoryTriggerRate, 1e-12)
}

func TestComputeMetricsSummary_P95BelowAverage(t *testing.T) {
	// One stalled run drags the mean above the nearest-rank P95
	runs := make([]RunMetrics, 20)
	for i := range runs {
		runs[i] = RunMetrics{RunID: fmt.Sprintf("run-%03d", i+1), Status: StatusCompleted, Duration: time.Second}
	}
	runs[19].Duration = time.Hour

	s := ComputeMetricsSummary(runs)
	AssertSummaryBounds(t, runs, s)
	assert.Equal(t, time.Second, s.P95RunTime)
	assert.Equal(t, 180950*time.Millisecond, s.AverageRunTime)
	assert.Less(t, s.P95RunTime, s.AverageRunTime)
	assert.Equal(t, time.Hour, s.MaxRunTime)
}

func TestComputeMetricsSummary_ZeroTimes(t *testing.T) {
	runs := []RunMetrics{{RunID: "run-001", Status: StatusFailed}}

	s := ComputeMetricsSummary(runs)
	AssertSummaryBounds(t, runs, s)
	assert.Zero(t, s.DetectionThroughput, "no detection time means zero throughput, not NaN")
	assert.Zero(t, s.DBWriteOpsPerSecond)
	assert.Zero(t, s.SpecialCategoryTriggerRate)
}

func TestComputeMetricsSummary_FromSimulation(t *testing.T) {
	cfg := smallConfig(500, DensityMedium, 10)
	ds := generate(t, cfg)
	s := newTestScheduler(t, DefaultGovernanceConfig(), nil)

	res, err := s.RunParallelSimulation(context.Background(), cfg, ds.Subjects)
	require.NoError(t, err)

	sum := ComputeMetricsSummary(res.Runs)
	AssertSummaryBounds(t, res.Runs, sum)
	AssertPerformance(t, sum, TailStats{}, DefaultAssertionConfig())

	assert.Equal(t, ds.TotalEvidenceItems, sum.TotalEvidence)
	assert.Equal(t, ds.SpecialCategoryItems, sum.SpecialCategoryDetections)
}
