package perfsim

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry exports simulation results as Prometheus metrics.
type Telemetry struct {
	RunsTotal                 *prometheus.CounterVec
	RunDuration               prometheus.Histogram
	QueueWait                 prometheus.Histogram
	EvidenceItems             prometheus.Counter
	SpecialCategoryDetections prometheus.Counter
	DetectionThroughput       prometheus.Gauge
	P95RunDuration            prometheus.Gauge
	FailureInjections         *prometheus.CounterVec
}

// NewTelemetry creates the collectors and registers them with reg.
// Collectors already registered by an earlier Telemetry are reused.
func NewTelemetry(reg prometheus.Registerer) (*Telemetry, error) {
	t := &Telemetry{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perfsim_runs_total",
			Help: "Simulated runs by terminal status",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perfsim_run_duration_seconds",
			Help:    "Modeled run duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perfsim_queue_wait_seconds",
			Help:    "Modeled admission queue wait",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		EvidenceItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perfsim_evidence_items_total",
			Help: "Evidence items run through detection",
		}),
		SpecialCategoryDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perfsim_special_category_detections_total",
			Help: "Special-category detections",
		}),
		DetectionThroughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perfsim_detection_throughput_items_per_second",
			Help: "Detection throughput of the last simulation",
		}),
		P95RunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perfsim_p95_run_duration_seconds",
			Help: "Nearest-rank P95 run duration of the last simulation",
		}),
		FailureInjections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perfsim_failure_injections_total",
			Help: "Injected failures by type and resulting run status",
		}, []string{"failure_type", "status"}),
	}

	if err := t.register(reg); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Telemetry) register(reg prometheus.Registerer) error {
	var err error
	if t.RunsTotal, err = registerOrReuse(reg, t.RunsTotal); err != nil {
		return err
	}
	if t.RunDuration, err = registerOrReuse(reg, t.RunDuration); err != nil {
		return err
	}
	if t.QueueWait, err = registerOrReuse(reg, t.QueueWait); err != nil {
		return err
	}
	if t.EvidenceItems, err = registerOrReuse(reg, t.EvidenceItems); err != nil {
		return err
	}
	if t.SpecialCategoryDetections, err = registerOrReuse(reg, t.SpecialCategoryDetections); err != nil {
		return err
	}
	if t.DetectionThroughput, err = registerOrReuse(reg, t.DetectionThroughput); err != nil {
		return err
	}
	if t.P95RunDuration, err = registerOrReuse(reg, t.P95RunDuration); err != nil {
		return err
	}
	if t.FailureInjections, err = registerOrReuse(reg, t.FailureInjections); err != nil {
		return err
	}
	return nil
}

// registerOrReuse registers c, or returns the collector already registered
// under the same descriptor.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return c, fmt.Errorf("failed to register metric: %w", err)
	}
	existing, ok := are.ExistingCollector.(C)
	if !ok {
		return c, fmt.Errorf("metric registered with a different type: %T", are.ExistingCollector)
	}
	return existing, nil
}

// Observe records a finished simulation.
func (t *Telemetry) Observe(report *SimulationReport) {
	if report == nil {
		return
	}
	for _, r := range report.Runs {
		t.RunsTotal.WithLabelValues(string(r.Status)).Inc()
		t.RunDuration.Observe(r.Duration.Seconds())
		t.QueueWait.Observe(r.QueueWait.Seconds())
	}
	t.EvidenceItems.Add(float64(report.Summary.TotalEvidence))
	t.SpecialCategoryDetections.Add(float64(report.Summary.SpecialCategoryDetections))
	t.DetectionThroughput.Set(report.Summary.DetectionThroughput)
	t.P95RunDuration.Set(report.Summary.P95RunTime.Seconds())

	for _, f := range report.Failures {
		t.FailureInjections.WithLabelValues(string(f.FailureType), string(f.RunStatus)).Inc()
	}
}
