package perfsim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Simulated clock of the concurrency test.
const (
	concurrencyRequestSpacing = 100 * time.Millisecond
	concurrencyRetryBackoff   = time.Second
	concurrencyRefillPerSec   = 1.0
	concurrencyTenants        = 2
	subjectsPerRequest        = 4
)

// Security load test parameters.
const (
	securityClients         = 5
	securityHotShare        = 0.5 // share of traffic from the hot client
	securityRatePerSecond   = 5
	securityBurst           = 10
	securityStreakThreshold = 5 // consecutive denials that trigger break-glass
)

// StressOption tunes RunConcurrencyTest and RunSecurityUnderLoadTest.
type StressOption func(*stressOptions)

type stressOptions struct {
	logger    *slog.Logger
	audit     AuditSink
	directory func([]Subject) SubjectDirectory
}

// WithStressLogger sets the logger used by the stress tests.
func WithStressLogger(l *slog.Logger) StressOption {
	return func(o *stressOptions) { o.logger = l }
}

// WithStressAuditSink forwards every audit entry the stress tests write to sink.
func WithStressAuditSink(sink AuditSink) StressOption {
	return func(o *stressOptions) { o.audit = sink }
}

// WithSubjectDirectory replaces the tenant-scoped subject lookup of the
// security load test. newDir receives the test's population.
func WithSubjectDirectory(newDir func([]Subject) SubjectDirectory) StressOption {
	return func(o *stressOptions) { o.directory = newDir }
}

func buildStressOptions(opts []StressOption) stressOptions {
	o := stressOptions{
		directory: func(s []Subject) SubjectDirectory { return NewTenantDirectory(s) },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ConcurrencyTestResult is the verdict of RunConcurrencyTest and its supporting counts.
type ConcurrencyTestResult struct {
	Requests           int          `json:"requests" yaml:"requests"`
	Attempts           int          `json:"attempts" yaml:"attempts"`
	CompletedRuns      int          `json:"completedRuns" yaml:"completedRuns"`
	FailedRuns         int          `json:"failedRuns" yaml:"failedRuns"`
	PartialRuns        int          `json:"partialRuns" yaml:"partialRuns"` // counted in CompletedRuns too
	RateLimitTriggered int          `json:"rateLimitTriggered" yaml:"rateLimitTriggered"`
	Retries            int          `json:"retries" yaml:"retries"`
	RetriesSucceeded   int          `json:"retriesSucceeded" yaml:"retriesSucceeded"`
	GovernanceChecks   int          `json:"governanceChecks" yaml:"governanceChecks"`
	AuditedRequests    int          `json:"auditedRequests" yaml:"auditedRequests"`
	BlockedRequests    int          `json:"blockedRequests" yaml:"blockedRequests"`
	CrossTenantLeaks   int          `json:"crossTenantLeaks" yaml:"crossTenantLeaks"`
	Anomalies          []Anomaly    `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
	BreakGlassEvents   int          `json:"breakGlassEvents" yaml:"breakGlassEvents"`
	Tail               TailStats    `json:"tail" yaml:"tail"`
	Runs               []RunMetrics `json:"-" yaml:"-"`
	Passed             bool         `json:"passed" yaml:"passed"`
	Failures           []string     `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// runAttempt is one submission of a request on the simulated clock.
type runAttempt struct {
	request int
	retry   bool
	at      time.Time
}

// RunConcurrencyTest submits n run requests alternating across two tenants
// against one scheduler. Requests arrive 100ms apart on a simulated clock and
// each tenant's operator has a token bucket of burst max(1, min(10, n/2))
// refilling at one run per second, so a burst of n requests is rate limited.
// A rate-limited request is retried once after a 1s backoff. evidenceCeiling
// (if positive) caps evidence per run.
//
// Verdict errors (the harness could not run) are returned as errors; failed
// assertions are listed in the result.
func RunConcurrencyTest(ctx context.Context, n, evidenceCeiling int, seed int64, opts ...StressOption) (*ConcurrencyTestResult, error) {
	if n < 1 {
		return nil, &ConfigError{Field: "requests", Reason: fmt.Sprintf("must be positive, got %d", n)}
	}
	o := buildStressOptions(opts)
	logger := loggerOrDiscard(o.logger).With("component", "concurrency_test")

	cfg := PerformanceConfig{
		PersonCount:          max(n*subjectsPerRequest, concurrencyTenants*subjectsPerRequest),
		DatasetSize:          DatasetSizeCustom,
		EvidenceDensity:      DensityLow,
		SpecialCategoryRatio: 0.1,
		ParallelRuns:         1,
		DetectionMode:        ModeSimulated,
		Seed:                 seed,
		TenantCount:          concurrencyTenants,
	}
	ds, err := GenerateScalableDataset(cfg)
	if err != nil {
		return nil, err
	}

	gov := DefaultGovernanceConfig()
	gov.RateLimitPerSecond = concurrencyRefillPerSec
	gov.RateLimitBurst = max(1, min(10, n/2))
	if evidenceCeiling > 0 {
		gov.MaxEvidenceItemsPerRun = evidenceCeiling
	}

	schedOpts := DefaultSchedulerOptions()
	schedOpts.Role = RoleInvestigator
	schedOpts.Justification = "Concurrency validation of case processing under burst load"
	schedOpts.Logger = o.logger
	schedOpts.Audit = o.audit
	sched, err := NewScheduler(gov, schedOpts)
	if err != nil {
		return nil, err
	}

	pools := tenantPools(ds.Subjects)
	perTenant := make([]int, concurrencyTenants) // requests per tenant
	for i := 0; i < n; i++ {
		perTenant[i%concurrencyTenants]++
	}

	ac := NewAdmissionController(gov.MaxConcurrentRuns, schedOpts.LatencyMin, schedOpts.LatencyMax, seed)
	tracker := NewTailDivergenceTracker(n)
	res := &ConcurrencyTestResult{Requests: n}

	final := make([]RunStatus, n)
	denials := make([]int, n)
	var retries []runAttempt

	submit := func(a runAttempt) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		tenant := a.request % concurrencyTenants
		pool := pools[TenantName(tenant)]
		start, end := SliceForRun(pool, a.request/concurrencyTenants, perTenant[tenant])

		req := RunRequest{
			RunID:         requestRunID(a),
			Tenant:        TenantName(tenant),
			User:          "operator-" + TenantName(tenant),
			Role:          schedOpts.Role,
			Justification: schedOpts.Justification,
			At:            a.at,
		}
		if a.retry {
			sched.trail.record(req.RunID, AuditRequestRetried, a.at, "retry of %s after %s", requestRunID(runAttempt{request: a.request}), concurrencyRetryBackoff)
		}

		out := sched.execute(ctx, req, cfg, pool[start:end], ac.Admit(res.Attempts))
		res.Attempts++
		res.Runs = append(res.Runs, out.metrics)
		res.CrossTenantLeaks += out.leaked
		final[a.request] = out.metrics.Status

		switch out.metrics.DenyReason {
		case "":
			tracker.Record(out.metrics.Duration)
			if a.retry {
				res.RetriesSucceeded++
			}
		case ReasonRateLimited, ReasonDailyQuotaExceeded:
			res.RateLimitTriggered++
			denials[a.request]++
			if !a.retry {
				retries = append(retries, runAttempt{request: a.request, retry: true, at: a.at.Add(concurrencyRetryBackoff)})
			}
		default:
			denials[a.request]++
		}
		return nil
	}

	// Merge first attempts and retries in simulated-time order; on a tie
	// the first attempt goes first. Retries are appended in time order.
	next := 0
	for next < n || len(retries) > 0 {
		first := runAttempt{request: next, at: schedOpts.Epoch.Add(time.Duration(next) * concurrencyRequestSpacing)}
		var a runAttempt
		if next < n && (len(retries) == 0 || !retries[0].at.Before(first.at)) {
			a = first
			next++
		} else {
			a, retries = retries[0], retries[1:]
			res.Retries++
		}
		if err := submit(a); err != nil {
			return res, fmt.Errorf("concurrency test interrupted: %w", err)
		}
	}

	for i, st := range final {
		switch st {
		case StatusCompleted:
			res.CompletedRuns++
		case StatusPartialCompleted:
			res.CompletedRuns++
			res.PartialRuns++
		case StatusFailed:
			res.FailedRuns++
		default:
			res.BlockedRequests++
		}
		if denials[i] >= 2 {
			res.Anomalies = append(res.Anomalies, Anomaly{
				Kind:    AnomalyRepeatedDenial,
				Subject: requestRunID(runAttempt{request: i}),
				Detail:  fmt.Sprintf("denied %d times including retry", denials[i]),
				At:      schedOpts.Epoch.Add(time.Duration(i)*concurrencyRequestSpacing + concurrencyRetryBackoff),
			})
		}
	}

	res.Tail = tracker.GetStats()
	if res.Tail.HeavyTailed {
		res.Anomalies = append(res.Anomalies, Anomaly{
			Kind:    AnomalyTailDivergence,
			Subject: "concurrency-test",
			Detail:  fmt.Sprintf("run duration P99/P50 = %.1f", res.Tail.TailDivergenceRatio),
			At:      schedOpts.Epoch,
		})
	}
	for _, a := range res.Anomalies {
		sched.trail.breakGlass(a)
	}

	res.GovernanceChecks = len(sched.trail.governance)
	audited := map[string]bool{}
	for _, e := range sched.trail.audit {
		if e.Event == AuditBreakGlass {
			res.BreakGlassEvents++
			continue
		}
		audited[strings.TrimSuffix(e.RunID, "-retry")] = true
	}
	for i := 0; i < n; i++ {
		if audited[requestRunID(runAttempt{request: i})] {
			res.AuditedRequests++
		}
	}

	res.verdict()
	logger.Info("concurrency test finished",
		"requests", n,
		"completed", res.CompletedRuns,
		"failed", res.FailedRuns,
		"rate_limited", res.RateLimitTriggered,
		"retries", res.Retries,
		"anomalies", len(res.Anomalies),
		"passed", res.Passed)
	return res, nil
}

func (r *ConcurrencyTestResult) verdict() {
	check := func(ok bool, format string, args ...any) {
		if !ok {
			r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
		}
	}
	check(r.CompletedRuns+r.FailedRuns == r.Requests,
		"completed %d + failed %d != %d requests", r.CompletedRuns, r.FailedRuns, r.Requests)
	check(r.RateLimitTriggered > 0, "rate limiting never triggered")
	check(r.Retries > 0, "no request was retried")
	check(r.GovernanceChecks == 3*r.Attempts,
		"%d governance checks for %d attempts", r.GovernanceChecks, r.Attempts)
	check(r.BlockedRequests == 0, "%d requests never terminated", r.BlockedRequests)
	check(r.AuditedRequests == r.Requests, "%d of %d requests audited", r.AuditedRequests, r.Requests)
	check(r.CrossTenantLeaks == 0, "%d evidence items crossed tenants", r.CrossTenantLeaks)
	check(r.BreakGlassEvents == len(r.Anomalies),
		"%d break-glass entries for %d anomalies", r.BreakGlassEvents, len(r.Anomalies))
	r.Passed = len(r.Failures) == 0
}

func requestRunID(a runAttempt) string {
	id := fmt.Sprintf("req-%03d", a.request+1)
	if a.retry {
		id += "-retry"
	}
	return id
}

// tenantPools groups subjects by tenant, preserving order.
func tenantPools(subjects []Subject) map[string][]Subject {
	pools := make(map[string][]Subject)
	for _, s := range subjects {
		pools[s.Tenant] = append(pools[s.Tenant], s)
	}
	return pools
}

// ClientLoad is the per-client breakdown of a security load test.
type ClientLoad struct {
	Client   string `json:"client" yaml:"client"`
	Tenant   string `json:"tenant" yaml:"tenant"`
	Requests int    `json:"requests" yaml:"requests"`
	Allowed  int    `json:"allowed" yaml:"allowed"`
	Denied   int    `json:"denied" yaml:"denied"`
}

// SecurityLoadResult is the verdict of RunSecurityUnderLoadTest and its supporting counts.
type SecurityLoadResult struct {
	Requests           int          `json:"requests" yaml:"requests"`
	WindowSeconds      float64      `json:"windowSeconds" yaml:"windowSeconds"`
	Allowed            int          `json:"allowed" yaml:"allowed"`
	RateLimited        int          `json:"rateLimited" yaml:"rateLimited"`
	Clients            []ClientLoad `json:"clients" yaml:"clients"`
	Anomalies          []Anomaly    `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
	BreakGlassEvents   int          `json:"breakGlassEvents" yaml:"breakGlassEvents"`
	CrossTenantBlocked int          `json:"crossTenantBlocked" yaml:"crossTenantBlocked"`
	CrossTenantLeaks   int          `json:"crossTenantLeaks" yaml:"crossTenantLeaks"`
	AuditEntries       int          `json:"auditEntries" yaml:"auditEntries"` // request entries, break-glass excluded
	Passed             bool         `json:"passed" yaml:"passed"`
	Failures           []string     `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// RunSecurityUnderLoadTest spreads requestCount external requests evenly over
// windowSeconds from five clients, one of which sends half the traffic. Each
// client has a token bucket of 5 requests/s with burst 10 evaluated at the
// request's simulated timestamp. A client denied five times in a row triggers
// one break-glass entry per streak.
//
// Every allowed request names a subject from the whole population and reads
// it through a SubjectDirectory scoped to the client's tenant. Foreign
// subjects are refused and counted as blocked; a foreign subject that is
// returned anyway counts as a leak and fails the verdict.
func RunSecurityUnderLoadTest(ctx context.Context, requestCount int, windowSeconds float64, seed int64, opts ...StressOption) (*SecurityLoadResult, error) {
	if requestCount < 1 {
		return nil, &ConfigError{Field: "requests", Reason: fmt.Sprintf("must be positive, got %d", requestCount)}
	}
	if windowSeconds <= 0 {
		return nil, &ConfigError{Field: "windowSeconds", Reason: fmt.Sprintf("must be positive, got %v", windowSeconds)}
	}
	o := buildStressOptions(opts)
	logger := loggerOrDiscard(o.logger).With("component", "security_test")

	ds, err := GenerateScalableDataset(PerformanceConfig{
		PersonCount:     securityClients * 10,
		DatasetSize:     DatasetSizeCustom,
		EvidenceDensity: DensityLow,
		ParallelRuns:    1,
		DetectionMode:   ModeSimulated,
		Seed:            seed,
		TenantCount:     concurrencyTenants,
	})
	if err != nil {
		return nil, err
	}
	directory := o.directory(ds.Subjects)

	limiter := NewRateLimiter(GovernanceConfig{
		RateLimitPerSecond: securityRatePerSecond,
		RateLimitBurst:     securityBurst,
	})
	trail := &auditTrail{sink: o.audit}
	rng := NewRand(seed)

	res := &SecurityLoadResult{Requests: requestCount, WindowSeconds: windowSeconds}
	res.Clients = make([]ClientLoad, securityClients)
	for c := range res.Clients {
		res.Clients[c] = ClientLoad{
			Client: fmt.Sprintf("client-%d", c+1),
			Tenant: TenantName(c % concurrencyTenants),
		}
	}
	streak := make([]int, securityClients)

	window := time.Duration(windowSeconds * float64(time.Second))
	for j := 0; j < requestCount; j++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("security load test interrupted: %w", err)
		}

		c := 0 // hot client
		if !rng.Bool(securityHotShare) {
			c = rng.IntN(1, securityClients-1)
		}
		client := &res.Clients[c]
		client.Requests++

		req := RunRequest{
			RunID:  fmt.Sprintf("ext-%05d", j+1),
			Tenant: client.Tenant,
			User:   client.Client,
			At:     simEpoch.Add(window * time.Duration(j) / time.Duration(requestCount)),
		}
		d := limiter.Check(req)
		trail.check(req.RunID, d, req.At)

		if !d.Allowed {
			res.RateLimited++
			client.Denied++
			streak[c]++
			trail.record(req.RunID, AuditRequestRateLimited, req.At, "%s denied: %s", client.Client, d.Reason)
			if streak[c] == securityStreakThreshold {
				a := Anomaly{
					Kind:    AnomalyDenialStreak,
					Subject: client.Client,
					Detail:  fmt.Sprintf("%d consecutive rate-limit denials", streak[c]),
					At:      req.At,
				}
				res.Anomalies = append(res.Anomalies, a)
				trail.breakGlass(a)
			}
			continue
		}

		res.Allowed++
		client.Allowed++
		streak[c] = 0

		// Clients name any subject; the directory decides what they may read
		target := rng.IntN(0, len(ds.Subjects)-1)
		subject, ok := directory.Lookup(client.Tenant, target)
		switch {
		case !ok:
			res.CrossTenantBlocked++
			trail.record(req.RunID, AuditRequestCrossTenant, req.At, "%s denied subject %d outside %s", client.Client, target, client.Tenant)
		case subject.Tenant != req.Tenant:
			res.CrossTenantLeaks++
			trail.record(req.RunID, AuditRequestAllowed, req.At, "%s read subject %d of %s", client.Client, subject.Index, subject.Tenant)
		default:
			trail.record(req.RunID, AuditRequestAllowed, req.At, "%s read subject %d", client.Client, subject.Index)
		}
	}

	for _, e := range trail.audit {
		if e.Event == AuditBreakGlass {
			res.BreakGlassEvents++
		} else {
			res.AuditEntries++
		}
	}

	res.verdict()
	logger.Info("security load test finished",
		"requests", requestCount,
		"window_seconds", windowSeconds,
		"allowed", res.Allowed,
		"rate_limited", res.RateLimited,
		"break_glass", res.BreakGlassEvents,
		"passed", res.Passed)
	return res, nil
}

func (r *SecurityLoadResult) verdict() {
	check := func(ok bool, format string, args ...any) {
		if !ok {
			r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
		}
	}
	check(r.RateLimited > 0, "rate limiting never activated")
	check(r.BreakGlassEvents == len(r.Anomalies),
		"%d break-glass entries for %d anomalies", r.BreakGlassEvents, len(r.Anomalies))
	check(r.CrossTenantBlocked > 0, "tenant isolation never exercised")
	check(r.CrossTenantLeaks == 0, "%d requests read another tenant's subject", r.CrossTenantLeaks)
	check(r.AuditEntries == r.Requests, "%d audit entries for %d requests", r.AuditEntries, r.Requests)
	r.Passed = len(r.Failures) == 0
}
