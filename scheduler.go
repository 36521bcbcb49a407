package perfsim

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"
)

// Connector latency range used for queue-wait modelling when none is configured.
const (
	defaultLatencyMin = 20 * time.Millisecond
	defaultLatencyMax = 250 * time.Millisecond
)

// Modeled run costs.
const (
	exportBaseCost     = 40 * time.Millisecond
	exportPerItemCost  = 200 * time.Microsecond
	runBaseMemoryBytes = 2 << 20
	runFixedDBWrites   = 3 // run row, start audit row, end audit row

	// DefaultRunTimeout is the modeled deadline of one run.
	DefaultRunTimeout = 5 * time.Minute
)

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	StatusCompleted        RunStatus = "COMPLETED"
	StatusPartialCompleted RunStatus = "PARTIAL_COMPLETED"
	StatusFailed           RunStatus = "FAILED"
)

// RunMetrics describes one simulated run. It is written only while the run
// executes.
type RunMetrics struct {
	RunID     string        `json:"runId" yaml:"runId"`
	Tenant    string        `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	Mode      DetectionMode `json:"mode" yaml:"mode"`
	StartedAt time.Time     `json:"startedAt" yaml:"startedAt"`
	EndedAt   time.Time     `json:"endedAt" yaml:"endedAt"`
	Duration  time.Duration `json:"duration" yaml:"duration"`

	SubjectStart int `json:"subjectStart" yaml:"subjectStart"` // inclusive
	SubjectEnd   int `json:"subjectEnd" yaml:"subjectEnd"`     // exclusive

	AssignedEvidence          int           `json:"assignedEvidence" yaml:"assignedEvidence"`
	EvidenceCount             int           `json:"evidenceCount" yaml:"evidenceCount"`
	DetectionTime             time.Duration `json:"detectionTime" yaml:"detectionTime"`
	ExportTime                time.Duration `json:"exportTime" yaml:"exportTime"`
	DBWriteOps                int           `json:"dbWriteOps" yaml:"dbWriteOps"`
	DBWriteTime               time.Duration `json:"dbWriteTime" yaml:"dbWriteTime"`
	QueueWait                 time.Duration `json:"queueWait" yaml:"queueWait"`
	MemoryBytes               int64         `json:"memoryBytes" yaml:"memoryBytes"`
	SpecialCategoryDetections int           `json:"specialCategoryDetections" yaml:"specialCategoryDetections"`
	BatchesProcessed          int           `json:"batchesProcessed" yaml:"batchesProcessed"`
	TotalBatches              int           `json:"totalBatches" yaml:"totalBatches"`

	Status      RunStatus  `json:"status" yaml:"status"`
	ErrorDetail string     `json:"errorDetail,omitempty" yaml:"errorDetail,omitempty"`
	DenyReason  ReasonCode `json:"denyReason,omitempty" yaml:"denyReason,omitempty"`
}

// QueueLogEntry is the admission decision for one run, in submission order.
type QueueLogEntry struct {
	RunID     string        `json:"runId" yaml:"runId"`
	Wave      int           `json:"wave" yaml:"wave"`
	Slot      int           `json:"slot" yaml:"slot"`
	QueueWait time.Duration `json:"queueWait" yaml:"queueWait"`
}

// ParallelResult is the output of RunParallelSimulation.
type ParallelResult struct {
	Runs          []RunMetrics         `json:"runs" yaml:"runs"`
	QueueLog      []QueueLogEntry      `json:"queueLog" yaml:"queueLog"`
	GovernanceLog []GovernanceLogEntry `json:"governanceLog" yaml:"governanceLog"`
	AuditLog      []AuditEntry         `json:"auditLog" yaml:"auditLog"`
	TotalDuration time.Duration        `json:"totalDuration" yaml:"totalDuration"` // modeled makespan
	Denied        int                  `json:"denied" yaml:"denied"`
}

// SchedulerOptions configures a Scheduler. Identity fields (User, Role,
// Justification) are used as given; start from DefaultSchedulerOptions.
type SchedulerOptions struct {
	LatencyMin time.Duration
	LatencyMax time.Duration

	BatchSize int // detection batch size
	Workers   int // real-mode detector fan-out

	Detector Detector    // real mode; defaults to NewPatternDetector
	Roles    RoleChecker // defaults to DefaultRoleChecker

	User          string
	Role          Role
	Justification string

	SubmitInterval time.Duration // spacing of submissions on the simulated clock
	RunTimeout     time.Duration
	Epoch          time.Time

	Audit  AuditSink
	Logger *slog.Logger
}

// DefaultSchedulerOptions returns options for a scheduled platform-operator run.
func DefaultSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		LatencyMin:    defaultLatencyMin,
		LatencyMax:    defaultLatencyMax,
		BatchSize:     DefaultDetectionBatchSize,
		Workers:       4,
		User:          "perfsim",
		Role:          RoleAdmin,
		Justification: "Scheduled load validation of the detection pipeline",
		RunTimeout:    DefaultRunTimeout,
		Epoch:         simEpoch,
	}
}

// Scheduler models runs competing for the governance concurrency cap.
// A Scheduler is not safe for concurrent use.
type Scheduler struct {
	gov      GovernanceConfig
	opts     SchedulerOptions
	limiter  *RateLimiter
	store    *recordStore
	trail    *auditTrail
	detector Detector
	logger   *slog.Logger

	submitted int
	fault     *faultPlan
}

// faultPlan is a failure armed for the next run only.
type faultPlan struct {
	kind     FailureType
	detector Detector // replaces the detector for external_service
}

// NewScheduler validates gov and opts and returns a scheduler.
func NewScheduler(gov GovernanceConfig, opts SchedulerOptions) (*Scheduler, error) {
	if err := gov.Validate(); err != nil {
		return nil, err
	}

	def := DefaultSchedulerOptions()
	if opts.LatencyMin == 0 && opts.LatencyMax == 0 {
		opts.LatencyMin, opts.LatencyMax = def.LatencyMin, def.LatencyMax
	}
	if opts.LatencyMin < 0 || opts.LatencyMax < opts.LatencyMin {
		return nil, &ConfigError{Field: "connectorLatency", Reason: fmt.Sprintf("invalid range [%s, %s]", opts.LatencyMin, opts.LatencyMax)}
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = def.RunTimeout
	}
	if opts.Epoch.IsZero() {
		opts.Epoch = def.Epoch
	}
	if opts.Roles == nil {
		opts.Roles = DefaultRoleChecker
	}

	logger := loggerOrDiscard(opts.Logger).With("component", "scheduler")
	detector := opts.Detector
	if detector == nil {
		detector = NewPatternDetector()
	}

	return &Scheduler{
		gov:      gov,
		opts:     opts,
		limiter:  NewRateLimiter(gov),
		store:    newRecordStore(),
		trail:    &auditTrail{sink: opts.Audit},
		detector: NewCircuitBreakerDetector("detector", detector, logger),
		logger:   logger,
	}, nil
}

// SliceForRun returns run i's share of subjects: [i*n/runs, (i+1)*n/runs).
// Slices of different runs are disjoint and together cover every subject.
func SliceForRun(subjects []Subject, i, runs int) (start, end int) {
	n := len(subjects)
	return i * n / runs, (i + 1) * n / runs
}

// RunParallelSimulation schedules cfg.ParallelRuns runs over subjects and
// returns per-run metrics plus the queue, governance and audit logs produced
// by this call. Governance denials are reported in the runs, not as errors.
func (s *Scheduler) RunParallelSimulation(ctx context.Context, cfg PerformanceConfig, subjects []Subject) (*ParallelResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(subjects) < cfg.ParallelRuns {
		return nil, &ConfigError{Field: "subjects", Reason: fmt.Sprintf("%d subjects for %d runs", len(subjects), cfg.ParallelRuns)}
	}

	ac := NewAdmissionController(s.gov.MaxConcurrentRuns, s.opts.LatencyMin, s.opts.LatencyMax, cfg.Seed)
	if m := DefaultContentionModel(); m.IsRetrograde(ac.InFlight(cfg.ParallelRuns)) {
		s.logger.Warn("concurrency cap is past the contention peak",
			"in_flight", ac.InFlight(cfg.ParallelRuns),
			"peak", m.PeakConcurrency())
	}

	govMark, auditMark := len(s.trail.governance), len(s.trail.audit)
	res := &ParallelResult{}

	for i := 0; i < cfg.ParallelRuns; i++ {
		if err := ctx.Err(); err != nil {
			s.collect(res, govMark, auditMark)
			return res, fmt.Errorf("parallel simulation interrupted after %d runs: %w", i, err)
		}

		adm := ac.Admit(i)
		req := RunRequest{
			RunID:         s.nextRunID(),
			User:          s.opts.User,
			Role:          s.opts.Role,
			Justification: s.opts.Justification,
			At:            s.opts.Epoch.Add(time.Duration(i) * s.opts.SubmitInterval),
		}
		start, end := SliceForRun(subjects, i, cfg.ParallelRuns)

		out := s.execute(ctx, req, cfg, subjects[start:end], adm)
		out.metrics.SubjectStart, out.metrics.SubjectEnd = start, end

		res.Runs = append(res.Runs, out.metrics)
		res.QueueLog = append(res.QueueLog, QueueLogEntry{
			RunID:     req.RunID,
			Wave:      adm.Wave,
			Slot:      adm.Slot,
			QueueWait: adm.QueueWait,
		})
		if out.metrics.DenyReason != "" {
			res.Denied++
		}
		res.TotalDuration = max(res.TotalDuration, out.metrics.QueueWait+out.metrics.Duration)
	}

	s.collect(res, govMark, auditMark)
	s.logger.Info("parallel simulation finished",
		"runs", len(res.Runs),
		"denied", res.Denied,
		"makespan", res.TotalDuration,
		"admission", ac.GetStatistics())
	return res, nil
}

// nextRunID numbers runs per scheduler, so IDs stay unique across calls and
// identical across schedulers fed the same calls.
func (s *Scheduler) nextRunID() string {
	s.submitted++
	return fmt.Sprintf("run-%03d", s.submitted)
}

func (s *Scheduler) collect(res *ParallelResult, govMark, auditMark int) {
	res.GovernanceLog = append([]GovernanceLogEntry(nil), s.trail.governance[govMark:]...)
	res.AuditLog = append([]AuditEntry(nil), s.trail.audit[auditMark:]...)
}

// GovernanceLog returns every governance entry the scheduler has written.
func (s *Scheduler) GovernanceLog() []GovernanceLogEntry {
	return append([]GovernanceLogEntry(nil), s.trail.governance...)
}

// AuditLog returns every audit entry the scheduler has written.
func (s *Scheduler) AuditLog() []AuditEntry {
	return append([]AuditEntry(nil), s.trail.audit...)
}

// OrphanRecords counts persisted rows left outside any finished transaction.
func (s *Scheduler) OrphanRecords() int {
	return s.store.orphans()
}

// runOutcome is what execute reports besides the metrics.
type runOutcome struct {
	metrics RunMetrics
	leaked  int // evidence items of another tenant seen by the run
}

// preCheck evaluates role, justification and rate limit in that order. Every
// check is evaluated and logged; the first denial is returned.
func (s *Scheduler) preCheck(req RunRequest) (Decision, bool) {
	decisions := []Decision{
		s.opts.Roles.CheckRole(req.Role),
		CheckJustificationLength(s.gov, req.Justification),
		s.limiter.Check(req),
	}
	var denied *Decision
	for i := range decisions {
		s.trail.check(req.RunID, decisions[i], req.At)
		if !decisions[i].Allowed && denied == nil {
			denied = &decisions[i]
		}
	}
	if denied != nil {
		return *denied, false
	}
	return allow(CheckRateLimit), true
}

// execute runs one admitted request over subjects. It never returns an error:
// every failure ends as a FAILED run with an audit entry.
func (s *Scheduler) execute(ctx context.Context, req RunRequest, cfg PerformanceConfig, subjects []Subject, adm Admission) runOutcome {
	fault := s.fault
	s.fault = nil

	m := RunMetrics{
		RunID:     req.RunID,
		Tenant:    req.Tenant,
		Mode:      cfg.DetectionMode,
		QueueWait: adm.QueueWait,
		StartedAt: req.At.Add(adm.QueueWait),
	}
	m.EndedAt = m.StartedAt
	out := runOutcome{}

	if d, ok := s.preCheck(req); !ok {
		m.Status = StatusFailed
		m.DenyReason = d.Reason
		m.ErrorDetail = fmt.Sprintf("governance denied at %s check: %s", d.Check, d.Reason)
		s.trail.record(req.RunID, AuditRunDenied, req.At, "%s", m.ErrorDetail)
		s.logger.Debug("run denied", "run", req.RunID, "check", d.Check, "reason", d.Reason)
		out.metrics = m
		return out
	}

	if fault != nil {
		s.trail.record(req.RunID, AuditFailureInjected, m.StartedAt, "injected %s", fault.kind)
	}
	s.trail.record(req.RunID, AuditRunStarted, m.StartedAt,
		"%d subjects, %s detection, queued %s", len(subjects), m.Mode, adm.QueueWait)

	tx := s.store.begin(req.RunID)
	defer tx.rollback()

	err := s.process(ctx, cfg, subjects, fault, tx, &m, &out)
	m.Duration = m.DetectionTime + m.DBWriteTime + m.ExportTime
	m.EndedAt = m.StartedAt.Add(m.Duration)

	switch {
	case err != nil:
		tx.rollback()
		m.Status = StatusFailed
		m.ErrorDetail = err.Error()
		s.trail.record(req.RunID, AuditRunFailed, m.EndedAt, "%s", m.ErrorDetail)
		s.logger.Warn("run failed", "run", req.RunID, "error", err)
	case m.EvidenceCount < m.AssignedEvidence:
		tx.commit()
		m.Status = StatusPartialCompleted
		s.trail.record(req.RunID, AuditRunPartial, m.EndedAt,
			"truncated to %d of %d items by max evidence per run", m.EvidenceCount, m.AssignedEvidence)
	default:
		tx.commit()
		m.Status = StatusCompleted
		s.trail.record(req.RunID, AuditRunCompleted, m.EndedAt, "%d items, %d special-category", m.EvidenceCount, m.SpecialCategoryDetections)
	}

	s.logger.Debug("run finished",
		"run", req.RunID,
		"status", m.Status,
		"items", m.EvidenceCount,
		"duration", m.Duration,
		"queue_wait", m.QueueWait)

	out.metrics = m
	return out
}

// process is the body of a run: detection, persistence and export.
func (s *Scheduler) process(ctx context.Context, cfg PerformanceConfig, subjects []Subject, fault *faultPlan, tx *txn, m *RunMetrics, out *runOutcome) error {
	per := EvidencePerPerson(cfg.EvidenceDensity)
	m.AssignedEvidence = len(subjects) * per
	m.TotalBatches = ceilDiv(m.AssignedEvidence, s.opts.BatchSize)

	mode := cfg.DetectionMode
	if mode == ModeReal && !s.gov.AllowContentScanning {
		mode = ModeSimulated
		s.logger.Info("content scanning disabled by governance, using simulated detection", "run", m.RunID)
	}
	detector := s.detector
	if fault != nil && fault.kind == FailureExternalService {
		mode, detector = ModeReal, fault.detector
	}
	m.Mode = mode

	runner := &DetectionRunner{
		Mode:                mode,
		Detector:            detector,
		BatchSize:           s.opts.BatchSize,
		Workers:             s.opts.Workers,
		MaxContentScanBytes: s.gov.MaxContentScanBytes,
		ProviderAllowed:     s.gov.providerAllowed,
		Logger:              s.opts.Logger,
	}

	var sizeBytes int64
	batches := limitItems(EvidenceBatches(subjects, cfg.EvidenceDensity, cfg.Seed, s.opts.BatchSize), s.gov.MaxEvidenceItemsPerRun,
		func(it EvidenceItem) {
			sizeBytes += int64(it.SizeBytes)
			if m.Tenant != "" && it.Tenant != m.Tenant {
				out.leaked++
			}
		})

	rng := NewRand(DeriveSeed(cfg.Seed, "detection", subjectsKey(subjects)))
	det, err := runner.RunBatches(ctx, batches, rng)
	if det != nil {
		m.EvidenceCount = det.TotalItems
		m.DetectionTime = det.TotalTime
		m.SpecialCategoryDetections = det.SpecialCategoryCount
		m.BatchesProcessed = len(det.Batches)
	}
	m.MemoryBytes = runBaseMemoryBytes + sizeBytes
	if err != nil {
		return fmt.Errorf("detection: %w", err)
	}

	if fault != nil && fault.kind == FailureTimeout {
		// The upstream connector hangs past the run deadline.
		m.DetectionTime += s.opts.RunTimeout
	}
	if m.DetectionTime > s.opts.RunTimeout {
		return fmt.Errorf("run exceeded %s deadline after %s: %w", s.opts.RunTimeout, m.DetectionTime, context.DeadlineExceeded)
	}

	m.DBWriteOps = m.EvidenceCount + m.SpecialCategoryDetections + runFixedDBWrites
	if fault != nil && fault.kind == FailureSlowPersistence {
		s.store.writeDelay = slowPersistenceDelay
		defer func() { s.store.writeDelay = 0 }()
	}
	m.DBWriteTime = tx.stage(m.DBWriteOps)

	m.ExportTime, err = s.export(m.EvidenceCount, fault)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}

// errExportPanic marks an export stage that panicked.
var errExportPanic = errors.New("export generation panicked")

// export models export generation. A panic in the stage is recovered into an error.
func (s *Scheduler) export(items int, fault *faultPlan) (d time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = 0, fmt.Errorf("%w: %v", errExportPanic, r)
		}
	}()
	if fault != nil && fault.kind == FailureExportCrash {
		panic("export renderer crashed")
	}
	return exportBaseCost + time.Duration(items)*exportPerItemCost, nil
}

// limitItems passes through at most limit items from batches, calling visit
// for each item passed.
func limitItems(batches iter.Seq[[]EvidenceItem], limit int, visit func(EvidenceItem)) iter.Seq[[]EvidenceItem] {
	return func(yield func([]EvidenceItem) bool) {
		taken := 0
		for batch := range batches {
			if limit > 0 && taken+len(batch) > limit {
				batch = batch[:limit-taken]
			}
			if len(batch) == 0 {
				return
			}
			for _, it := range batch {
				visit(it)
			}
			taken += len(batch)
			if !yield(batch) {
				return
			}
			if limit > 0 && taken >= limit {
				return
			}
		}
	}
}

// subjectsKey identifies a slice by its first subject so a run's detection
// stream depends on which subjects it covers, not on submission order.
func subjectsKey(subjects []Subject) int {
	if len(subjects) == 0 {
		return -1
	}
	return subjects[0].Index
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
