package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/alexshd/perfsim"
	"gopkg.in/yaml.v3"
)

// writeValue encodes v as json or yaml, or calls text for the text format.
func writeValue(w io.Writer, format string, v any, text func()) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		text()
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

func writeReport(w io.Writer, format string, r *perfsim.SimulationReport) error {
	return writeValue(w, format, r, func() { printReport(w, r) })
}

func printReport(w io.Writer, r *perfsim.SimulationReport) {
	printDataset(w, r.Dataset)

	s := r.Summary
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Runs ===")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSUBJECTS\tITEMS\tQUEUE WAIT\tDURATION\tSPECIAL")
	for _, run := range r.Runs {
		fmt.Fprintf(tw, "%s\t%s\t[%d,%d)\t%d\t%s\t%s\t%d\n",
			run.RunID, run.Status, run.SubjectStart, run.SubjectEnd, run.EvidenceCount,
			run.QueueWait, run.Duration, run.SpecialCategoryDetections)
	}
	tw.Flush()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Summary ===")
	fmt.Fprintf(w, "Runs:             %d completed, %d partial, %d failed\n", s.CompletedRuns, s.PartialRuns, s.FailedRuns)
	fmt.Fprintf(w, "Run time:         avg %s, p95 %s, max %s\n", s.AverageRunTime, s.P95RunTime, s.MaxRunTime)
	fmt.Fprintf(w, "Queue wait:       avg %s, p95 %s, p99 %s\n", s.AverageQueueWait, s.QueueWait.P95, s.QueueWait.P99)
	fmt.Fprintf(w, "Throughput:       %.0f items/s\n", s.DetectionThroughput)
	fmt.Fprintf(w, "DB writes:        %.0f ops/s\n", s.DBWriteOpsPerSecond)
	fmt.Fprintf(w, "Export time:      avg %s\n", s.AverageExportTime)
	fmt.Fprintf(w, "Special category: %d detections (%.2f%% of evidence)\n", s.SpecialCategoryDetections, s.SpecialCategoryTriggerRate*100)

	if len(r.Failures) > 0 {
		fmt.Fprintln(w)
		printFailures(w, r.Failures)
	}
	if c := r.Concurrency; c != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Concurrency Test ===")
		fmt.Fprintf(w, "Requests: %d (%d attempts), completed %d, failed %d\n", c.Requests, c.Attempts, c.CompletedRuns, c.FailedRuns)
		fmt.Fprintf(w, "Rate limited: %d, retries: %d (%d succeeded)\n", c.RateLimitTriggered, c.Retries, c.RetriesSucceeded)
		fmt.Fprintf(w, "Anomalies: %d, break-glass entries: %d\n", len(c.Anomalies), c.BreakGlassEvents)
		printVerdict(w, c.Passed, c.Failures)
	}
	if sec := r.Security; sec != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Security Under Load ===")
		fmt.Fprintf(w, "Requests: %d in %.1fs, allowed %d, rate limited %d\n", sec.Requests, sec.WindowSeconds, sec.Allowed, sec.RateLimited)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CLIENT\tTENANT\tREQUESTS\tALLOWED\tDENIED")
		for _, c := range sec.Clients {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", c.Client, c.Tenant, c.Requests, c.Allowed, c.Denied)
		}
		tw.Flush()
		fmt.Fprintf(w, "Cross-tenant reads: %d blocked, %d leaked\n", sec.CrossTenantBlocked, sec.CrossTenantLeaks)
		fmt.Fprintf(w, "Break-glass entries: %d\n", sec.BreakGlassEvents)
		printVerdict(w, sec.Passed, sec.Failures)
	}

	e := r.Enterprise
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Enterprise Summary ===")
	fmt.Fprintf(w, "Records processed:       %d\n", e.TotalRecordsProcessed)
	fmt.Fprintf(w, "Processing time:         %s\n", e.TotalProcessingTime)
	fmt.Fprintf(w, "Completed runs:          %d\n", e.CompletedRuns)
	fmt.Fprintf(w, "Governance checks:       %d\n", e.GovernanceChecks)
	fmt.Fprintf(w, "Policy violations:       %d\n", e.PolicyViolations)
	fmt.Fprintf(w, "Audit coverage:          %.0f%%\n", e.AuditCoveragePercent)
	fmt.Fprintf(w, "Export gate activations: %d\n", e.ExportGateActivations)
}

func printDataset(w io.Writer, ds *perfsim.Dataset) {
	fmt.Fprintln(w, "=== Dataset ===")
	fmt.Fprintf(w, "Persons:        %d (%d special-category)\n", ds.TotalPersons, ds.SpecialCategorySubjects)
	fmt.Fprintf(w, "Evidence items: %d (%d special-category)\n", ds.TotalEvidenceItems, ds.SpecialCategoryItems)
	fmt.Fprintf(w, "Batches:        %d subject, %d evidence (peak %d items)\n", ds.SubjectBatches, ds.EvidenceBatches, ds.PeakBatchItems)
	fmt.Fprintf(w, "Generated in:   %s\n", ds.GenerationTime)

	providers := make([]perfsim.Provider, 0, len(ds.EvidenceByProvider))
	for p := range ds.EvidenceByProvider {
		providers = append(providers, p)
	}
	slices.Sort(providers)
	for _, p := range providers {
		n := ds.EvidenceByProvider[p]
		fmt.Fprintf(w, "  %-15s %8d (%.1f%%)\n", p, n, 100*float64(n)/float64(max(ds.TotalEvidenceItems, 1)))
	}
}

func printFailures(w io.Writer, results []perfsim.FailureSimulationResult) {
	fmt.Fprintln(w, "=== Failure Injection ===")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSTATUS\tAUDITED\tSTABLE\tORPHANS\tOK")
	for _, r := range results {
		ok := "✓"
		if perfsim.FailureInvariantViolation(r) != "" {
			ok = "✗"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%d\t%s\n", r.FailureType, r.RunStatus, r.AuditEventWritten, r.SystemStable, r.OrphanRecords, ok)
	}
	tw.Flush()
}

func printVerdict(w io.Writer, passed bool, failures []string) {
	if passed {
		fmt.Fprintln(w, "Verdict: PASSED")
		return
	}
	fmt.Fprintln(w, "Verdict: FAILED")
	for _, f := range failures {
		fmt.Fprintf(w, "  - %s\n", f)
	}
}
