package perfsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// FailureType is one of the injectable failure classes.
type FailureType string

const (
	FailureExternalService FailureType = "external_service" // upstream detection API answers 5xx
	FailureTimeout         FailureType = "timeout"          // run exceeds its deadline
	FailureSlowPersistence FailureType = "slow_persistence" // database writes stall
	FailureExportCrash     FailureType = "export_crash"     // export generation panics
)

// FailureTypes lists every injectable failure in suite order.
var FailureTypes = []FailureType{
	FailureExternalService,
	FailureTimeout,
	FailureSlowPersistence,
	FailureExportCrash,
}

// Delay added to database writes by FailureSlowPersistence.
const slowPersistenceDelay = 2 * time.Second

// ErrUnknownFailureType is returned for a failure type outside FailureTypes.
var ErrUnknownFailureType = errors.New("unknown failure type")

// FailureSimulationResult is the observed outcome of one injected failure.
type FailureSimulationResult struct {
	FailureType       FailureType `json:"failureType" yaml:"failureType"`
	Injected          bool        `json:"injected" yaml:"injected"`
	RunStatus         RunStatus   `json:"runStatus,omitempty" yaml:"runStatus,omitempty"`
	AuditEventWritten bool        `json:"auditEventWritten" yaml:"auditEventWritten"`
	SystemStable      bool        `json:"systemStable" yaml:"systemStable"`
	OrphanRecords     int         `json:"orphanRecords" yaml:"orphanRecords"`
	ErrorDetail       string      `json:"errorDetail,omitempty" yaml:"errorDetail,omitempty"`
}

// ExpectedFailureStatus is the run status each failure type must resolve to.
var ExpectedFailureStatus = map[FailureType]RunStatus{
	FailureExternalService: StatusFailed,
	FailureTimeout:         StatusFailed,
	FailureSlowPersistence: StatusCompleted,
	FailureExportCrash:     StatusFailed,
}

// FailureOption tunes SimulateFailure and RunFailureSimulationSuite.
type FailureOption func(*failureOptions)

type failureOptions struct {
	logger *slog.Logger
	audit  AuditSink
}

// WithFailureLogger sets the logger used by the injected runs.
func WithFailureLogger(l *slog.Logger) FailureOption {
	return func(o *failureOptions) { o.logger = l }
}

// WithFailureAuditSink forwards the injected runs' audit entries to sink.
func WithFailureAuditSink(sink AuditSink) FailureOption {
	return func(o *failureOptions) { o.audit = sink }
}

// RunFailureSimulationSuite injects every failure type once.
// It always returns len(FailureTypes) results unless setup fails.
func RunFailureSimulationSuite(ctx context.Context, seed int64, opts ...FailureOption) ([]FailureSimulationResult, error) {
	results := make([]FailureSimulationResult, 0, len(FailureTypes))
	for _, ft := range FailureTypes {
		r, err := SimulateFailure(ctx, ft, seed, opts...)
		if err != nil {
			return results, fmt.Errorf("failure suite: %s: %w", ft, err)
		}
		results = append(results, r)
	}
	return results, nil
}

// SimulateFailure arms ft on a fresh scheduler, runs one faulty run and one
// clean follow-up run, and reports what happened. The returned error covers
// unknown failure types and harness setup only; the injected failure itself
// is reported in the result.
func SimulateFailure(ctx context.Context, ft FailureType, seed int64, opts ...FailureOption) (FailureSimulationResult, error) {
	res := FailureSimulationResult{FailureType: ft}
	if _, ok := ExpectedFailureStatus[ft]; !ok {
		res.ErrorDetail = fmt.Sprintf("unknown failure type: %s", ft)
		return res, fmt.Errorf("%w: %q", ErrUnknownFailureType, ft)
	}

	var o failureOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := loggerOrDiscard(o.logger).With("component", "failure", "failure_type", string(ft))

	cfg := failureConfig(seed)
	ds, err := GenerateScalableDataset(cfg)
	if err != nil {
		return res, err
	}

	schedOpts := DefaultSchedulerOptions()
	schedOpts.Logger = o.logger
	schedOpts.Audit = o.audit
	schedOpts.SubmitInterval = time.Second
	sched, err := NewScheduler(DefaultGovernanceConfig(), schedOpts)
	if err != nil {
		return res, err
	}

	plan := &faultPlan{kind: ft}
	if ft == FailureExternalService {
		plan.detector = NewCircuitBreakerDetector("upstream-detection", unavailableUpstream, o.logger)
	}
	sched.fault = plan
	res.Injected = true

	faulty, err := sched.RunParallelSimulation(ctx, cfg, ds.Subjects)
	if err != nil {
		return res, err
	}
	run := faulty.Runs[0]
	res.RunStatus = run.Status
	res.ErrorDetail = run.ErrorDetail
	res.AuditEventWritten = hasTerminalAudit(faulty.AuditLog, run.RunID)

	followUp, err := sched.RunParallelSimulation(ctx, cfg, ds.Subjects)
	res.OrphanRecords = sched.OrphanRecords()
	res.SystemStable = err == nil &&
		followUp.Runs[0].Status == StatusCompleted &&
		res.OrphanRecords == 0

	logger.Info("failure injected",
		"status", res.RunStatus,
		"audited", res.AuditEventWritten,
		"stable", res.SystemStable,
		"orphans", res.OrphanRecords)
	return res, nil
}

// failureConfig is the small single-run workload failures are injected into.
func failureConfig(seed int64) PerformanceConfig {
	return PerformanceConfig{
		PersonCount:          20,
		DatasetSize:          DatasetSizeCustom,
		EvidenceDensity:      DensityLow,
		SpecialCategoryRatio: 0.2,
		ParallelRuns:         1,
		DetectionMode:        ModeSimulated,
		Seed:                 seed,
		TenantCount:          1,
	}
}

var unavailableUpstream = DetectorFunc(func(ctx context.Context, _ string) ([]DetectedElement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &UpstreamError{Service: "detection-api", StatusCode: http.StatusServiceUnavailable}
})

func hasTerminalAudit(log []AuditEntry, runID string) bool {
	for _, e := range log {
		if e.RunID != runID {
			continue
		}
		switch e.Event {
		case AuditRunCompleted, AuditRunPartial, AuditRunFailed:
			return true
		}
	}
	return false
}
