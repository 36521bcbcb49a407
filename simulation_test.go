package perfsim

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRunPerformanceSimulation(t *testing.T) {
	cfg := smallConfig(500, DensityMedium, 5)
	res, err := RunPerformanceSimulation(context.Background(), cfg, SimulationOptions{})
	require.NoError(t, err)

	PrintAnalysis(t, res)
	AssertDisjointSlices(t, res.Runs, 500)
	AssertQueueOrdering(t, res.Parallel)
	AssertGovernanceCoverage(t, res.Parallel)
	AssertSummaryBounds(t, res.Runs, res.Summary)
	AssertPerformance(t, res.Summary, TailStats{}, DefaultAssertionConfig())

	assert.Equal(t, 12_500, res.Dataset.TotalEvidenceItems)
	assert.Equal(t, 5, res.Summary.CompletedRuns)
	assert.Equal(t, 5, res.Enterprise.CompletedRuns)
	assert.Equal(t, 15, res.Enterprise.GovernanceChecks)
	assert.Equal(t, res.Summary.TotalEvidence, res.Enterprise.TotalRecordsProcessed)
	assert.Nil(t, res.Concurrency)
	assert.Nil(t, res.Security)
	assert.Empty(t, res.Failures)
	assert.True(t, res.Passed())
}

func TestRunPerformanceSimulation_FullSuite(t *testing.T) {
	var audited int
	reg := prometheus.NewRegistry()

	cfg := smallConfig(200, DensityLow, 4)
	res, err := RunPerformanceSimulation(context.Background(), cfg, SimulationOptions{
		FailureSuite:          true,
		ConcurrencyRequests:   25,
		SecurityRequests:      500,
		SecurityWindowSeconds: 5,
		Registerer:            reg,
		Audit:                 AuditSinkFunc(func(AuditEntry) { audited++ }),
		Logger:                NewLogger(&bytes.Buffer{}, slog.LevelDebug),
	})
	require.NoError(t, err)
	PrintAnalysis(t, res)

	AssertFailureInvariants(t, res.Failures)
	require.NotNil(t, res.Concurrency)
	require.NotNil(t, res.Security)
	assert.True(t, res.Concurrency.Passed, res.Concurrency.Failures)
	assert.True(t, res.Security.Passed, res.Security.Failures)
	assert.Empty(t, res.Verdict())
	assert.True(t, res.Passed())

	assert.Positive(t, audited, "every part of the suite writes to the audit sink")

	// Collectors registered by the run are reused, so this reads its values
	tel, err := NewTelemetry(reg)
	require.NoError(t, err)
	assert.Equal(t, 4.0, testutil.ToFloat64(tel.RunsTotal.WithLabelValues(string(StatusCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.FailureInjections.WithLabelValues(string(FailureExportCrash), string(StatusFailed))))
}

func TestRunPerformanceSimulation_SameSeedSameResult(t *testing.T) {
	cfg := smallConfig(300, DensityMedium, 6)

	a, err := RunPerformanceSimulation(context.Background(), cfg, SimulationOptions{ConcurrencyRequests: 10})
	require.NoError(t, err)
	b, err := RunPerformanceSimulation(context.Background(), cfg, SimulationOptions{ConcurrencyRequests: 10})
	require.NoError(t, err)

	assert.Equal(t, a.Runs, b.Runs)
	assert.Equal(t, a.Summary, b.Summary)
	assert.Equal(t, a.Enterprise, b.Enterprise)
	assert.Equal(t, a.Concurrency, b.Concurrency)
	assert.Equal(t, a.Parallel.QueueLog, b.Parallel.QueueLog)

	cfg.Seed++
	c, err := RunPerformanceSimulation(context.Background(), cfg, SimulationOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, a.Parallel.QueueLog, c.Parallel.QueueLog)
}

func TestRunPerformanceSimulation_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ParallelRuns = 30

	res, err := RunPerformanceSimulation(context.Background(), cfg, SimulationOptions{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	gov := DefaultGovernanceConfig()
	gov.MaxConcurrentRuns = 0
	_, err = RunPerformanceSimulation(context.Background(), DefaultConfig(), SimulationOptions{Governance: &gov})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunPerformanceSimulation_Governance(t *testing.T) {
	gov := DefaultGovernanceConfig()
	gov.MaxEvidenceItemsPerRun = 50
	gov.MaxConcurrentRuns = 2

	cfg := smallConfig(100, DensityLow, 4)
	res, err := RunPerformanceSimulation(context.Background(), cfg, SimulationOptions{Governance: &gov})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Summary.PartialRuns)
	assert.Equal(t, 4, res.Enterprise.CompletedRuns)
	assert.Equal(t, 200, res.Summary.TotalEvidence)
	assert.Equal(t, 1, res.Parallel.QueueLog[3].Wave)
}

func TestSimulationReport_Encoding(t *testing.T) {
	cfg := smallConfig(50, DensityLow, 2)
	res, err := RunPerformanceSimulation(context.Background(), cfg, SimulationOptions{SecurityRequests: 100, SecurityWindowSeconds: 1})
	require.NoError(t, err)

	data, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "summary")
	assert.Contains(t, decoded, "enterprise")
	assert.Contains(t, decoded, "security")
	assert.NotContains(t, decoded, "Parallel")
	assert.NotContains(t, decoded, "concurrency", "skipped suites are omitted")

	out, err := yaml.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(out), "totalPersons: 50")
}

func TestSimulationReport_Verdict(t *testing.T) {
	r := &SimulationReport{
		Failures: []FailureSimulationResult{{FailureType: FailureTimeout, Injected: true, RunStatus: StatusCompleted}},
		Concurrency: &ConcurrencyTestResult{
			Failures: []string{"rate limiting never triggered"},
		},
		Security: &SecurityLoadResult{},
	}

	v := r.Verdict()
	assert.Len(t, v, 2)
	assert.Contains(t, v, "concurrency: rate limiting never triggered")
	assert.False(t, r.Passed())
}
