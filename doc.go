// Package perfsim is a deterministic load and concurrency simulation harness
// for a case-processing platform.
//
// # Overview
//
// perfsim generates synthetic subjects and evidence, drives them through a
// detection pipeline in batches, models many runs competing for a bounded pool
// of execution slots, injects controlled failures and aggregates the results
// into percentile-based performance and compliance metrics. Queue waits and run
// durations come from a deterministic model, so a fixed seed reproduces a
// simulation bit for bit.
//
// # Architecture
//
// The package components, leaves first:
//
//   - random      - Seeded random source and derived sub-streams
//   - dataset     - Batched synthetic subjects and evidence
//   - detection   - Real or simulated detection load in batches
//   - scheduler   - Governance pre-checks, admission control, per-run metrics
//   - failure     - Failure injection suite
//   - stress      - Concurrency and security-under-load tests
//   - metrics     - Summary statistics over run metrics
//   - summary     - Executive projection of a simulation
//   - simulation  - RunPerformanceSimulation, composing all of the above
//
// # Quick Start
//
//	cfg := perfsim.DefaultConfig()
//	cfg.PersonCount = 10_000
//	cfg.ParallelRuns = 25
//
//	report, err := perfsim.RunPerformanceSimulation(ctx, cfg, perfsim.SimulationOptions{
//	    FailureSuite:        true,
//	    ConcurrencyRequests: 25,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("P95 run time: %s\n", report.Summary.P95RunTime)
//	fmt.Printf("Throughput: %.0f items/s\n", report.Summary.DetectionThroughput)
//
// # Queue Model
//
// Runs are admitted in waves of MaxConcurrentRuns. Run i waits for the earlier
// waves to drain plus the contention its wave-mates add, using the Universal
// Scalability Law factor κ(N) = 1 + α(N-1) + βN(N-1):
//
//	wait(i) = wave·Lmax·κ(cap) + L(i)·(κ(slot+1) − 1)
//
// Each drained wave costs Lmax·κ(cap), the most any of its runs can be
// stretched, so a later wave always waits longer than an earlier one.
//
// # Governance
//
// Every run passes role, justification and rate-limit pre-checks in that
// order. Each check is written to the governance log whatever its outcome, and
// a denial fails the run with a reason code instead of returning an error.
// Evidence above MaxEvidenceItemsPerRun truncates the run to PARTIAL_COMPLETED.
//
// # Testing
//
// The Assert helpers verify simulation invariants from tests:
//
//	func TestNightlyLoad(t *testing.T) {
//	    report, _ := perfsim.RunPerformanceSimulation(ctx, cfg, opts)
//	    perfsim.AssertFailureInvariants(t, report.Failures)
//	    perfsim.AssertDisjointSlices(t, report.Runs, report.Dataset.TotalPersons)
//	    perfsim.PrintAnalysis(t, report)
//	}
package perfsim
