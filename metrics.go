package perfsim

import (
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"
)

// MetricsSummary aggregates a list of RunMetrics. It is derived data:
// recompute it whenever the run list changes.
type MetricsSummary struct {
	Runs          int `json:"runs" yaml:"runs"`
	CompletedRuns int `json:"completedRuns" yaml:"completedRuns"`
	PartialRuns   int `json:"partialRuns" yaml:"partialRuns"`
	FailedRuns    int `json:"failedRuns" yaml:"failedRuns"`

	AverageRunTime time.Duration `json:"averageRunTime" yaml:"averageRunTime"`
	P95RunTime     time.Duration `json:"p95RunTime" yaml:"p95RunTime"`
	MaxRunTime     time.Duration `json:"maxRunTime" yaml:"maxRunTime"`

	TotalEvidence         int     `json:"totalEvidence" yaml:"totalEvidence"`
	AverageEvidencePerRun float64 `json:"averageEvidencePerRun" yaml:"averageEvidencePerRun"`
	DetectionThroughput   float64 `json:"detectionThroughput" yaml:"detectionThroughput"` // items per second

	AverageQueueWait    time.Duration `json:"averageQueueWait" yaml:"averageQueueWait"`
	QueueWait           Statistics    `json:"queueWait" yaml:"queueWait"`
	DBWriteOpsPerSecond float64       `json:"dbWriteOpsPerSecond" yaml:"dbWriteOpsPerSecond"`
	AverageExportTime   time.Duration `json:"averageExportTime" yaml:"averageExportTime"`

	SpecialCategoryDetections  int     `json:"specialCategoryDetections" yaml:"specialCategoryDetections"`
	SpecialCategoryTriggerRate float64 `json:"specialCategoryTriggerRate" yaml:"specialCategoryTriggerRate"`
}

// ComputeMetricsSummary aggregates runs. Run-time figures use every run's
// Duration; an empty list yields the zero summary.
func ComputeMetricsSummary(runs []RunMetrics) MetricsSummary {
	var s MetricsSummary
	if len(runs) == 0 {
		return s
	}
	s.Runs = len(runs)

	durations := make([]float64, len(runs))
	waits := make([]time.Duration, len(runs))
	var (
		detection time.Duration
		total     time.Duration
		export    time.Duration
		dbOps     int
	)
	for i, r := range runs {
		switch r.Status {
		case StatusCompleted:
			s.CompletedRuns++
		case StatusPartialCompleted:
			s.PartialRuns++
		case StatusFailed:
			s.FailedRuns++
		}
		durations[i] = float64(r.Duration)
		waits[i] = r.QueueWait
		s.TotalEvidence += r.EvidenceCount
		s.SpecialCategoryDetections += r.SpecialCategoryDetections
		detection += r.DetectionTime
		total += r.Duration
		export += r.ExportTime
		dbOps += r.DBWriteOps
	}

	slices.Sort(durations)
	n := time.Duration(len(runs))
	s.AverageRunTime = nanos(stat.Mean(durations, nil))
	s.P95RunTime = nanos(NearestRank(durations, 0.95))
	s.MaxRunTime = nanos(durations[len(durations)-1])

	s.AverageEvidencePerRun = float64(s.TotalEvidence) / float64(len(runs))
	if ms := float64(detection) / float64(time.Millisecond); ms > 0 {
		s.DetectionThroughput = float64(s.TotalEvidence) / ms * 1000
	}

	s.QueueWait = CalculateStatistics(waits)
	s.AverageQueueWait = s.QueueWait.Mean
	if total > 0 {
		s.DBWriteOpsPerSecond = float64(dbOps) / total.Seconds()
	}
	s.AverageExportTime = export / n

	if s.TotalEvidence > 0 {
		s.SpecialCategoryTriggerRate = float64(s.SpecialCategoryDetections) / float64(s.TotalEvidence)
	}
	return s
}
