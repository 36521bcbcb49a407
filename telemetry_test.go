package perfsim

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetry_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel, err := NewTelemetry(reg)
	require.NoError(t, err)

	runs := syntheticRuns(3)
	runs[2].Status = StatusFailed
	report := &SimulationReport{
		Runs:    runs,
		Summary: ComputeMetricsSummary(runs),
		Failures: []FailureSimulationResult{
			{FailureType: FailureTimeout, RunStatus: StatusFailed},
			{FailureType: FailureSlowPersistence, RunStatus: StatusCompleted},
		},
	}
	tel.Observe(report)

	assert.Equal(t, 2.0, testutil.ToFloat64(tel.RunsTotal.WithLabelValues(string(StatusCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.RunsTotal.WithLabelValues(string(StatusFailed))))
	assert.Equal(t, 3000.0, testutil.ToFloat64(tel.EvidenceItems))
	assert.Equal(t, 30.0, testutil.ToFloat64(tel.SpecialCategoryDetections))
	assert.Equal(t, report.Summary.P95RunTime.Seconds(), testutil.ToFloat64(tel.P95RunDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.FailureInjections.WithLabelValues("timeout", "FAILED")))

	err = testutil.CollectAndCompare(tel.RunDuration, strings.NewReader(`
# HELP perfsim_run_duration_seconds Modeled run duration
# TYPE perfsim_run_duration_seconds histogram
perfsim_run_duration_seconds_bucket{le="0.01"} 0
perfsim_run_duration_seconds_bucket{le="0.02"} 0
perfsim_run_duration_seconds_bucket{le="0.04"} 0
perfsim_run_duration_seconds_bucket{le="0.08"} 0
perfsim_run_duration_seconds_bucket{le="0.16"} 0
perfsim_run_duration_seconds_bucket{le="0.32"} 0
perfsim_run_duration_seconds_bucket{le="0.64"} 0
perfsim_run_duration_seconds_bucket{le="1.28"} 1
perfsim_run_duration_seconds_bucket{le="2.56"} 2
perfsim_run_duration_seconds_bucket{le="5.12"} 3
perfsim_run_duration_seconds_bucket{le="10.24"} 3
perfsim_run_duration_seconds_bucket{le="20.48"} 3
perfsim_run_duration_seconds_bucket{le="40.96"} 3
perfsim_run_duration_seconds_bucket{le="81.92"} 3
perfsim_run_duration_seconds_bucket{le="+Inf"} 3
perfsim_run_duration_seconds_sum 6
perfsim_run_duration_seconds_count 3
`))
	assert.NoError(t, err)

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestTelemetry_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewTelemetry(reg)
	require.NoError(t, err)
	second, err := NewTelemetry(reg)
	require.NoError(t, err)

	assert.Same(t, first.RunsTotal, second.RunsTotal)

	second.EvidenceItems.Add(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(first.EvidenceItems))
}

func TestTelemetry_ObserveNil(t *testing.T) {
	tel, err := NewTelemetry(prometheus.NewRegistry())
	require.NoError(t, err)
	assert.NotPanics(t, func() { tel.Observe(nil) })
}
