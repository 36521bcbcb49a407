package perfsim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SimulationOptions selects the optional parts of RunPerformanceSimulation.
type SimulationOptions struct {
	Governance *GovernanceConfig // nil uses DefaultGovernanceConfig

	LatencyMin time.Duration // connector latency range, zero uses the scheduler default
	LatencyMax time.Duration
	Detector   Detector // real-mode detector, nil uses NewPatternDetector
	Workers    int

	FailureSuite          bool
	ConcurrencyRequests   int // 0 skips the concurrency test
	EvidenceCeiling       int // per-run evidence cap in the concurrency test
	SecurityRequests      int // 0 skips the security load test
	SecurityWindowSeconds float64

	Registerer prometheus.Registerer // nil skips telemetry export
	Audit      AuditSink
	Logger     *slog.Logger
}

// SimulationReport is everything one simulation produced.
type SimulationReport struct {
	Config      PerformanceConfig         `json:"config" yaml:"config"`
	Dataset     *Dataset                  `json:"dataset" yaml:"dataset"`
	Parallel    *ParallelResult           `json:"-" yaml:"-"`
	Runs        []RunMetrics              `json:"runs" yaml:"runs"`
	Summary     MetricsSummary            `json:"summary" yaml:"summary"`
	Enterprise  EnterpriseSummary         `json:"enterprise" yaml:"enterprise"`
	Failures    []FailureSimulationResult `json:"failures,omitempty" yaml:"failures,omitempty"`
	Concurrency *ConcurrencyTestResult    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Security    *SecurityLoadResult       `json:"security,omitempty" yaml:"security,omitempty"`
	WallTime    time.Duration             `json:"wallTime" yaml:"wallTime"`
}

// Verdict lists everything that failed in the report; empty means passed.
func (r *SimulationReport) Verdict() []string {
	var out []string
	for _, f := range r.Failures {
		if msg := FailureInvariantViolation(f); msg != "" {
			out = append(out, msg)
		}
	}
	if r.Concurrency != nil {
		for _, f := range r.Concurrency.Failures {
			out = append(out, "concurrency: "+f)
		}
	}
	if r.Security != nil {
		for _, f := range r.Security.Failures {
			out = append(out, "security: "+f)
		}
	}
	return out
}

// Passed reports whether every enabled check passed.
func (r *SimulationReport) Passed() bool {
	return len(r.Verdict()) == 0
}

// FailureInvariantViolation describes how f breaks the failure-injection
// contract, or returns "" when it holds.
func FailureInvariantViolation(f FailureSimulationResult) string {
	want, known := ExpectedFailureStatus[f.FailureType]
	switch {
	case !known:
		return fmt.Sprintf("failure %s: unknown failure type", f.FailureType)
	case !f.Injected:
		return fmt.Sprintf("failure %s: not injected", f.FailureType)
	case f.RunStatus != want:
		return fmt.Sprintf("failure %s: run status %s, want %s", f.FailureType, f.RunStatus, want)
	case !f.AuditEventWritten:
		return fmt.Sprintf("failure %s: no audit event", f.FailureType)
	case !f.SystemStable:
		return fmt.Sprintf("failure %s: system unstable", f.FailureType)
	case f.OrphanRecords != 0:
		return fmt.Sprintf("failure %s: %d orphan records", f.FailureType, f.OrphanRecords)
	}
	return ""
}

// RunPerformanceSimulation generates the dataset for cfg, schedules its runs,
// runs the enabled failure and stress suites and summarises the result. An
// invalid cfg fails before anything is generated.
func RunPerformanceSimulation(ctx context.Context, cfg PerformanceConfig, opts SimulationOptions) (*SimulationReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	gov := DefaultGovernanceConfig()
	if opts.Governance != nil {
		gov = *opts.Governance
	}
	if err := gov.Validate(); err != nil {
		return nil, err
	}

	logger := loggerOrDiscard(opts.Logger).With("component", "simulation")
	start := time.Now()

	ds, err := GenerateScalableDataset(cfg, WithDatasetLogger(opts.Logger))
	if err != nil {
		return nil, fmt.Errorf("failed to generate dataset: %w", err)
	}

	schedOpts := DefaultSchedulerOptions()
	schedOpts.LatencyMin, schedOpts.LatencyMax = opts.LatencyMin, opts.LatencyMax
	schedOpts.Detector = opts.Detector
	if opts.Workers > 0 {
		schedOpts.Workers = opts.Workers
	}
	schedOpts.Audit = opts.Audit
	schedOpts.Logger = opts.Logger

	sched, err := NewScheduler(gov, schedOpts)
	if err != nil {
		return nil, err
	}
	parallel, err := sched.RunParallelSimulation(ctx, cfg, ds.Subjects)
	if err != nil {
		return nil, fmt.Errorf("parallel simulation failed: %w", err)
	}

	report := &SimulationReport{
		Config:   cfg,
		Dataset:  ds,
		Parallel: parallel,
		Runs:     parallel.Runs,
	}

	if opts.FailureSuite {
		report.Failures, err = RunFailureSimulationSuite(ctx, cfg.Seed,
			WithFailureLogger(opts.Logger), WithFailureAuditSink(opts.Audit))
		if err != nil {
			return nil, err
		}
	}

	stressOpts := []StressOption{WithStressLogger(opts.Logger), WithStressAuditSink(opts.Audit)}
	if opts.ConcurrencyRequests > 0 {
		report.Concurrency, err = RunConcurrencyTest(ctx, opts.ConcurrencyRequests, opts.EvidenceCeiling, cfg.Seed, stressOpts...)
		if err != nil {
			return nil, err
		}
	}
	if opts.SecurityRequests > 0 {
		window := opts.SecurityWindowSeconds
		if window <= 0 {
			window = 10
		}
		report.Security, err = RunSecurityUnderLoadTest(ctx, opts.SecurityRequests, window, cfg.Seed, stressOpts...)
		if err != nil {
			return nil, err
		}
	}

	snapshot := NewSnapshot(report.Runs)
	report.Summary = snapshot.Summary
	report.Enterprise = BuildEnterpriseDemoSummary(snapshot)
	report.WallTime = time.Since(start)

	if opts.Registerer != nil {
		tel, err := NewTelemetry(opts.Registerer)
		if err != nil {
			return nil, err
		}
		tel.Observe(report)
	}

	logger.Info("simulation finished",
		"persons", ds.TotalPersons,
		"evidence", ds.TotalEvidenceItems,
		"runs", len(report.Runs),
		"p95", report.Summary.P95RunTime,
		"throughput", report.Summary.DetectionThroughput,
		"passed", report.Passed(),
		"wall_time", report.WallTime)
	return report, nil
}
