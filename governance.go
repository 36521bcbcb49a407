package perfsim

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Role is the caller's platform role.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleInvestigator Role = "investigator"
	RoleAuditor      Role = "auditor"
	RoleViewer       Role = "viewer"
)

// CheckKind names a governance pre-check.
type CheckKind string

const (
	CheckRole          CheckKind = "role"
	CheckJustification CheckKind = "justification"
	CheckRateLimit     CheckKind = "rate_limit"
)

// PreCheckOrder is the fixed order the pre-checks run in.
var PreCheckOrder = []CheckKind{CheckRole, CheckJustification, CheckRateLimit}

// ReasonCode explains a governance decision.
type ReasonCode string

const (
	ReasonAllowed               ReasonCode = "allowed"
	ReasonRoleForbidden         ReasonCode = "role_forbidden"
	ReasonJustificationMissing  ReasonCode = "justification_missing"
	ReasonJustificationTooShort ReasonCode = "justification_too_short"
	ReasonRateLimited           ReasonCode = "rate_limited"
	ReasonDailyQuotaExceeded    ReasonCode = "daily_quota_exceeded"
	ReasonConcurrencyLimit      ReasonCode = "concurrency_limit"
)

// Decision is the allow/deny outcome of a pre-check. Denials are values, not errors.
type Decision struct {
	Check   CheckKind
	Allowed bool
	Reason  ReasonCode
}

func allow(c CheckKind) Decision { return Decision{Check: c, Allowed: true, Reason: ReasonAllowed} }

func deny(c CheckKind, r ReasonCode) Decision { return Decision{Check: c, Reason: r} }

// RunRequest is what a caller submits to start a run.
type RunRequest struct {
	RunID         string
	Tenant        string
	User          string
	Role          Role
	Justification string
	At            time.Time // simulated submission instant
}

// RoleChecker decides whether a role may start a simulation run.
type RoleChecker interface {
	CheckRole(role Role) Decision
}

// RoleCheckerFunc adapts a function to RoleChecker.
type RoleCheckerFunc func(role Role) Decision

// CheckRole calls f.
func (f RoleCheckerFunc) CheckRole(role Role) Decision { return f(role) }

// DefaultRoleChecker allows admins and investigators.
var DefaultRoleChecker RoleChecker = RoleCheckerFunc(func(role Role) Decision {
	switch role {
	case RoleAdmin, RoleInvestigator:
		return allow(CheckRole)
	default:
		return deny(CheckRole, ReasonRoleForbidden)
	}
})

// CheckJustificationLength enforces the justification requirement of g.
func CheckJustificationLength(g GovernanceConfig, justification string) Decision {
	if !g.RequireJustification {
		return allow(CheckJustification)
	}
	j := strings.TrimSpace(justification)
	if j == "" {
		return deny(CheckJustification, ReasonJustificationMissing)
	}
	if len(j) < g.MinJustificationLength {
		return deny(CheckJustification, ReasonJustificationTooShort)
	}
	return allow(CheckJustification)
}

// RateLimiter is the rate-limit pre-check: a token bucket per user plus daily
// run quotas per tenant and per user. Buckets are evaluated at the request's
// simulated instant, so decisions never depend on the wall clock.
type RateLimiter struct {
	gov       GovernanceConfig
	buckets   map[string]*rate.Limiter
	perUser   map[string]map[string]int // day -> user -> runs
	perTenant map[string]map[string]int // day -> tenant -> runs
}

// NewRateLimiter creates a rate limiter from the governance limits.
func NewRateLimiter(g GovernanceConfig) *RateLimiter {
	return &RateLimiter{
		gov:       g,
		buckets:   make(map[string]*rate.Limiter),
		perUser:   make(map[string]map[string]int),
		perTenant: make(map[string]map[string]int),
	}
}

// Check consumes one token for req.User at req.At and counts the run against
// the daily quotas when allowed.
func (l *RateLimiter) Check(req RunRequest) Decision {
	day := req.At.UTC().Format(time.DateOnly)

	if l.gov.MaxRunsPerDayTenant > 0 && l.perTenant[day][req.Tenant] >= l.gov.MaxRunsPerDayTenant {
		return deny(CheckRateLimit, ReasonDailyQuotaExceeded)
	}
	if l.gov.MaxRunsPerDayUser > 0 && l.perUser[day][req.User] >= l.gov.MaxRunsPerDayUser {
		return deny(CheckRateLimit, ReasonDailyQuotaExceeded)
	}

	if l.gov.RateLimitPerSecond > 0 {
		b, ok := l.buckets[req.User]
		if !ok {
			b = rate.NewLimiter(rate.Limit(l.gov.RateLimitPerSecond), max(l.gov.RateLimitBurst, 1))
			l.buckets[req.User] = b
		}
		if !b.AllowN(req.At, 1) {
			return deny(CheckRateLimit, ReasonRateLimited)
		}
	}

	increment(l.perTenant, day, req.Tenant)
	increment(l.perUser, day, req.User)
	return allow(CheckRateLimit)
}

func increment(m map[string]map[string]int, day, key string) {
	if m[day] == nil {
		m[day] = make(map[string]int)
	}
	m[day][key]++
}

// SubjectDirectory resolves a subject index on behalf of a tenant.
type SubjectDirectory interface {
	Lookup(tenant string, index int) (Subject, bool)
}

// TenantDirectory is a SubjectDirectory that only returns subjects owned by
// the calling tenant.
type TenantDirectory struct {
	subjects []Subject
}

// NewTenantDirectory indexes subjects by Subject.Index.
func NewTenantDirectory(subjects []Subject) *TenantDirectory {
	byIndex := make([]Subject, len(subjects))
	for _, s := range subjects {
		if s.Index >= 0 && s.Index < len(byIndex) {
			byIndex[s.Index] = s
		}
	}
	return &TenantDirectory{subjects: byIndex}
}

// Lookup returns the subject at index if it belongs to tenant.
func (d *TenantDirectory) Lookup(tenant string, index int) (Subject, bool) {
	if index < 0 || index >= len(d.subjects) {
		return Subject{}, false
	}
	s := d.subjects[index]
	if s.Tenant != tenant {
		return Subject{}, false
	}
	return s, true
}

// GovernanceLogEntry is one pre-check outcome. Append-only.
type GovernanceLogEntry struct {
	RunID   string
	Check   CheckKind
	Allowed bool
	Reason  ReasonCode
	At      time.Time
}

// AuditEvent is the kind of an audit entry.
type AuditEvent string

const (
	AuditRunStarted         AuditEvent = "RUN_STARTED"
	AuditRunCompleted       AuditEvent = "RUN_COMPLETED"
	AuditRunPartial         AuditEvent = "RUN_PARTIAL_COMPLETED"
	AuditRunFailed          AuditEvent = "RUN_FAILED"
	AuditRunDenied          AuditEvent = "RUN_DENIED"
	AuditFailureInjected    AuditEvent = "FAILURE_INJECTED"
	AuditBreakGlass         AuditEvent = "BREAK_GLASS"
	AuditRequestAllowed     AuditEvent = "REQUEST_ALLOWED"
	AuditRequestRateLimited AuditEvent = "REQUEST_RATE_LIMITED"
	AuditRequestRetried     AuditEvent = "REQUEST_RETRIED"
	AuditRequestCrossTenant AuditEvent = "REQUEST_CROSS_TENANT_DENIED"
	AuditRunQueued          AuditEvent = "RUN_QUEUED"
)

// AuditEntry is one audit record. Append-only.
type AuditEntry struct {
	RunID  string
	Event  AuditEvent
	Detail string
	At     time.Time
}

// AuditSink receives audit entries. The harness only appends to it.
type AuditSink interface {
	Append(AuditEntry)
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(AuditEntry)

// Append calls f.
func (f AuditSinkFunc) Append(e AuditEntry) { f(e) }

// auditTrail collects governance and audit entries for one simulation and
// forwards audit entries to an optional external sink.
type auditTrail struct {
	governance []GovernanceLogEntry
	audit      []AuditEntry
	sink       AuditSink
}

func (t *auditTrail) check(runID string, d Decision, at time.Time) {
	t.governance = append(t.governance, GovernanceLogEntry{
		RunID:   runID,
		Check:   d.Check,
		Allowed: d.Allowed,
		Reason:  d.Reason,
		At:      at,
	})
}

func (t *auditTrail) record(runID string, ev AuditEvent, at time.Time, format string, args ...any) {
	e := AuditEntry{RunID: runID, Event: ev, Detail: fmt.Sprintf(format, args...), At: at}
	t.audit = append(t.audit, e)
	if t.sink != nil {
		t.sink.Append(e)
	}
}
