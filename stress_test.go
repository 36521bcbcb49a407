package perfsim

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunConcurrencyTest_25Requests(t *testing.T) {
	res, err := RunConcurrencyTest(context.Background(), 25, 0, 42)
	require.NoError(t, err)

	assert.Equal(t, 25, res.Requests)
	assert.Equal(t, 25, res.CompletedRuns+res.FailedRuns, "every request terminates")
	assert.Positive(t, res.RateLimitTriggered)
	assert.Positive(t, res.Retries)
	assert.Equal(t, res.Requests+res.Retries, res.Attempts)
	assert.Equal(t, 3*res.Attempts, res.GovernanceChecks)
	assert.Equal(t, 25, res.AuditedRequests)
	assert.Zero(t, res.CrossTenantLeaks)
	assert.Zero(t, res.BlockedRequests)
	assert.Equal(t, len(res.Anomalies), res.BreakGlassEvents)
	assert.True(t, res.Passed, strings.Join(res.Failures, "; "))

	t.Logf("completed=%d failed=%d rate_limited=%d retries=%d (%d succeeded) tail P99/P50=%.2f",
		res.CompletedRuns, res.FailedRuns, res.RateLimitTriggered, res.Retries, res.RetriesSucceeded,
		res.Tail.TailDivergenceRatio)
}

func TestRunConcurrencyTest_RetriesRunAfterBackoff(t *testing.T) {
	res, err := RunConcurrencyTest(context.Background(), 25, 0, 42)
	require.NoError(t, err)

	first := map[string]RunMetrics{}
	for _, r := range res.Runs {
		if !strings.HasSuffix(r.RunID, "-retry") {
			first[r.RunID] = r
			continue
		}
		orig, ok := first[strings.TrimSuffix(r.RunID, "-retry")]
		require.True(t, ok, "retry %s submitted before its first attempt", r.RunID)
		assert.Equal(t, ReasonRateLimited, orig.DenyReason)
		submitted := func(m RunMetrics) time.Time { return m.StartedAt.Add(-m.QueueWait) }
		assert.Equal(t, submitted(orig).Add(concurrencyRetryBackoff), submitted(r))
	}
}

func TestRunConcurrencyTest_EvidenceCeiling(t *testing.T) {
	// Each request covers 4 subjects × 5 items; a ceiling of 10 truncates every run.
	res, err := RunConcurrencyTest(context.Background(), 10, 10, 42)
	require.NoError(t, err)

	assert.Equal(t, res.CompletedRuns, res.PartialRuns)
	for _, r := range res.Runs {
		if r.DenyReason == "" {
			assert.Equal(t, StatusPartialCompleted, r.Status)
			assert.Equal(t, 10, r.EvidenceCount)
		}
	}
}

func TestRunConcurrencyTest_TenantIsolation(t *testing.T) {
	res, err := RunConcurrencyTest(context.Background(), 12, 0, 5)
	require.NoError(t, err)

	for _, r := range res.Runs {
		if r.DenyReason != "" {
			continue
		}
		assert.NotEmpty(t, r.Tenant)
	}
	assert.Zero(t, res.CrossTenantLeaks)
}

func TestConcurrencyTestResult_VerdictFlagsLeaks(t *testing.T) {
	r := &ConcurrencyTestResult{
		Requests:           1,
		Attempts:           2,
		CompletedRuns:      1,
		RateLimitTriggered: 1,
		Retries:            1,
		GovernanceChecks:   6,
		AuditedRequests:    1,
		CrossTenantLeaks:   5,
	}
	r.verdict()

	assert.False(t, r.Passed)
	assert.Equal(t, []string{"5 evidence items crossed tenants"}, r.Failures)
}

func TestRunConcurrencyTest_Deterministic(t *testing.T) {
	a, err := RunConcurrencyTest(context.Background(), 25, 0, 9)
	require.NoError(t, err)
	b, err := RunConcurrencyTest(context.Background(), 25, 0, 9)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRunConcurrencyTest_AuditSink(t *testing.T) {
	var retried int
	sink := AuditSinkFunc(func(e AuditEntry) {
		if e.Event == AuditRequestRetried {
			retried++
		}
	})
	res, err := RunConcurrencyTest(context.Background(), 25, 0, 42, WithStressAuditSink(sink))
	require.NoError(t, err)
	assert.Equal(t, res.Retries, retried)
}

func TestRunConcurrencyTest_InvalidInput(t *testing.T) {
	_, err := RunConcurrencyTest(context.Background(), 0, 0, 42)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RunConcurrencyTest(ctx, 5, 0, 42)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunSecurityUnderLoadTest(t *testing.T) {
	res, err := RunSecurityUnderLoadTest(context.Background(), 500, 5, 42)
	require.NoError(t, err)

	assert.Equal(t, 500, res.Allowed+res.RateLimited)
	assert.Positive(t, res.RateLimited)
	assert.Equal(t, 500, res.AuditEntries)
	assert.Positive(t, res.CrossTenantBlocked, "clients also name other tenants' subjects")
	assert.LessOrEqual(t, res.CrossTenantBlocked, res.Allowed)
	assert.Zero(t, res.CrossTenantLeaks)
	assert.NotEmpty(t, res.Anomalies, "the hot client runs into denial streaks")
	assert.Equal(t, len(res.Anomalies), res.BreakGlassEvents)
	assert.True(t, res.Passed, strings.Join(res.Failures, "; "))

	total := 0
	for _, c := range res.Clients {
		total += c.Requests
		assert.Equal(t, c.Requests, c.Allowed+c.Denied)
	}
	assert.Equal(t, 500, total)

	hot := res.Clients[0]
	assert.Greater(t, hot.Requests, 200, "client-1 sends about half the traffic")
	assert.Positive(t, hot.Denied)

	for _, a := range res.Anomalies {
		assert.Equal(t, AnomalyDenialStreak, a.Kind)
	}
}

// openDirectory resolves subjects without checking the tenant.
type openDirectory []Subject

func (d openDirectory) Lookup(_ string, index int) (Subject, bool) { return d[index], true }

func TestRunSecurityUnderLoadTest_UnscopedDirectoryLeaks(t *testing.T) {
	var crossTenant int
	sink := AuditSinkFunc(func(e AuditEntry) {
		if e.Event == AuditRequestCrossTenant {
			crossTenant++
		}
	})
	res, err := RunSecurityUnderLoadTest(context.Background(), 500, 5, 42,
		WithStressAuditSink(sink),
		WithSubjectDirectory(func(s []Subject) SubjectDirectory { return openDirectory(s) }))
	require.NoError(t, err)

	assert.Positive(t, res.CrossTenantLeaks)
	assert.Zero(t, res.CrossTenantBlocked)
	assert.Zero(t, crossTenant)
	assert.Equal(t, 500, res.AuditEntries)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Failures, fmt.Sprintf("%d requests read another tenant's subject", res.CrossTenantLeaks))
	assert.Contains(t, res.Failures, "tenant isolation never exercised")
}

func TestRunSecurityUnderLoadTest_WithinLimits(t *testing.T) {
	// 20 requests over 10s never exhausts a burst of 10 refilling at 5/s.
	res, err := RunSecurityUnderLoadTest(context.Background(), 20, 10, 42)
	require.NoError(t, err)

	assert.Zero(t, res.RateLimited)
	assert.Empty(t, res.Anomalies)
	assert.False(t, res.Passed, "a test that never rate limits proves nothing")
	assert.Contains(t, res.Failures, "rate limiting never activated")
}

func TestRunSecurityUnderLoadTest_InvalidInput(t *testing.T) {
	_, err := RunSecurityUnderLoadTest(context.Background(), 0, 5, 42)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = RunSecurityUnderLoadTest(context.Background(), 10, 0, 42)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTenantPools(t *testing.T) {
	cfg := smallConfig(9, DensityLow, 1)
	cfg.TenantCount = 2
	ds := generate(t, cfg)

	pools := tenantPools(ds.Subjects)
	assert.Len(t, pools, 2)
	assert.Len(t, pools["tenant-00"], 5)
	assert.Len(t, pools["tenant-01"], 4)
	for tenant, pool := range pools {
		for _, s := range pool {
			assert.Equal(t, tenant, s.Tenant)
		}
	}
}
