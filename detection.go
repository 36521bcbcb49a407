package perfsim

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DetectedElement is one finding returned by a detector.
type DetectedElement struct {
	Type            string
	Value           string
	Offset          int
	SpecialCategory bool
}

// Detector is the detection procedure used in real mode.
// Implementations must be safe for concurrent use.
type Detector interface {
	Detect(ctx context.Context, text string) ([]DetectedElement, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, text string) ([]DetectedElement, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, text string) ([]DetectedElement, error) {
	return f(ctx, text)
}

// PatternDetector is a regular-expression stand-in for the platform detector.
type PatternDetector struct {
	patterns []detectionPattern
}

type detectionPattern struct {
	kind    string
	re      *regexp.Regexp
	special bool
}

// NewPatternDetector returns a detector for e-mail addresses, phone numbers,
// national identifiers and special-category phrases.
func NewPatternDetector() *PatternDetector {
	return &PatternDetector{patterns: []detectionPattern{
		{kind: "email", re: regexp.MustCompile(`[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`)},
		{kind: "phone", re: regexp.MustCompile(`\+\d{1,3}-\d{3}-\d{4}`)},
		{kind: "national_id", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{kind: "special_category", special: true, re: regexp.MustCompile(
			`(?i)\b(medical|diagnosis|trade union|religious|biometric|sexual orientation|political opinion)\b`)},
	}}
}

// Detect implements Detector.
func (d *PatternDetector) Detect(ctx context.Context, text string) ([]DetectedElement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []DetectedElement
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			out = append(out, DetectedElement{
				Type:            p.kind,
				Value:           text[loc[0]:loc[1]],
				Offset:          loc[0],
				SpecialCategory: p.special,
			})
		}
	}
	return out, nil
}

// BatchResult records one processed batch.
type BatchResult struct {
	Index           int
	Items           int
	Skipped         int // items whose provider is not allowed to be scanned
	Elapsed         time.Duration
	Detections      int
	SpecialCategory int
}

// DetectionLoadResult aggregates a detection load run.
type DetectionLoadResult struct {
	Mode                 DetectionMode
	Batches              []BatchResult
	TotalItems           int
	TotalTime            time.Duration
	TotalDetections      int
	SpecialCategoryCount int
	Throughput           float64 // items per second, 0 when TotalTime is 0
}

// DetectionRecord is the single aggregate record simulated mode emits per item.
type DetectionRecord struct {
	Elements        int
	SpecialCategory bool
	Cost            time.Duration
}

// Simulated cost model: a fixed per-item overhead plus a per-KiB scan cost.
const (
	simulatedItemCost = 150 * time.Microsecond
	simulatedKiBCost  = 40 * time.Microsecond
)

// DefaultDetectionBatchSize is used when DetectionRunner.BatchSize is unset.
const DefaultDetectionBatchSize = 250

// DetectionRunner drives evidence through detection in batches.
type DetectionRunner struct {
	Mode                DetectionMode
	Detector            Detector // required in real mode
	BatchSize           int
	Workers             int // real-mode fan-out per batch (default 1)
	MaxContentScanBytes int // 0 = no truncation
	ProviderAllowed     func(Provider) bool
	Logger              *slog.Logger
}

// Run processes items in batches of r.BatchSize.
func (r *DetectionRunner) Run(ctx context.Context, items []EvidenceItem, rng *Rand) (*DetectionLoadResult, error) {
	return r.RunBatches(ctx, chunk(items, r.batchSize()), rng)
}

// RunDetectionLoad runs items through detection in the given mode.
// detector may be nil in simulated mode.
func RunDetectionLoad(ctx context.Context, items []EvidenceItem, mode DetectionMode, detector Detector, rng *Rand, batchSize int) (*DetectionLoadResult, error) {
	r := &DetectionRunner{Mode: mode, Detector: detector, BatchSize: batchSize}
	return r.Run(ctx, items, rng)
}

// RunBatches processes every batch yielded by batches. On error the partial
// result gathered so far is returned alongside it.
func (r *DetectionRunner) RunBatches(ctx context.Context, batches iter.Seq[[]EvidenceItem], rng *Rand) (*DetectionLoadResult, error) {
	switch r.Mode {
	case ModeSimulated:
	case ModeReal:
		if r.Detector == nil {
			return nil, fmt.Errorf("real detection mode requires a detector")
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDetectionMode, r.Mode)
	}

	logger := loggerOrDiscard(r.Logger).With("component", "detection", "mode", string(r.Mode))
	res := &DetectionLoadResult{Mode: r.Mode}

	for batch := range batches {
		if err := ctx.Err(); err != nil {
			res.finish()
			return res, err
		}

		var (
			br  BatchResult
			err error
		)
		if r.Mode == ModeReal {
			br, err = r.realBatch(ctx, batch)
		} else {
			br = r.simulatedBatch(batch, rng)
		}
		br.Index = len(res.Batches)
		if err != nil {
			res.finish()
			return res, fmt.Errorf("batch %d: %w", br.Index, err)
		}

		res.Batches = append(res.Batches, br)
		res.TotalItems += br.Items
		res.TotalTime += br.Elapsed
		res.TotalDetections += br.Detections
		res.SpecialCategoryCount += br.SpecialCategory

		logger.Debug("batch processed",
			"batch", br.Index,
			"items", br.Items,
			"elapsed", br.Elapsed,
			"detections", br.Detections)
	}

	res.finish()
	return res, nil
}

func (res *DetectionLoadResult) finish() {
	res.Throughput = throughput(res.TotalItems, res.TotalTime)
}

// throughput returns items per second, or 0 when no time elapsed.
func throughput(items int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(items) / elapsed.Seconds()
}

func (r *DetectionRunner) allowed(p Provider) bool {
	return r.ProviderAllowed == nil || r.ProviderAllowed(p)
}

// SimulateDetection derives the detection record for it from its known
// injected properties, without looking at its text.
func SimulateDetection(it EvidenceItem, rng *Rand) DetectionRecord {
	rec := DetectionRecord{
		Elements:        rng.IntN(0, 3),
		SpecialCategory: it.SpecialCategory,
		Cost:            simulatedItemCost + time.Duration(it.SizeBytes/1024)*simulatedKiBCost,
	}
	if it.SpecialCategory {
		rec.Elements++
	}
	return rec
}

func (r *DetectionRunner) simulatedBatch(batch []EvidenceItem, rng *Rand) BatchResult {
	br := BatchResult{Items: len(batch)}
	for _, it := range batch {
		if !r.allowed(it.Provider) {
			br.Skipped++
			continue
		}
		rec := SimulateDetection(it, rng)
		br.Elapsed += rec.Cost
		br.Detections += rec.Elements
		if rec.SpecialCategory {
			br.SpecialCategory++
		}
	}
	return br
}

func (r *DetectionRunner) realBatch(ctx context.Context, batch []EvidenceItem) (BatchResult, error) {
	br := BatchResult{Items: len(batch)}
	found := make([][]DetectedElement, len(batch))
	scanned := make([]bool, len(batch))

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.Workers, 1))
	for i, it := range batch {
		if !r.allowed(it.Provider) {
			continue
		}
		scanned[i] = true
		text := truncateContent(it.Content, r.MaxContentScanBytes)
		g.Go(func() error {
			elems, err := r.Detector.Detect(gctx, text)
			if err != nil {
				return fmt.Errorf("detect item %s: %w", batch[i].ID, err)
			}
			found[i] = elems
			return nil
		})
	}
	err := g.Wait()
	br.Elapsed = time.Since(start)
	if err != nil {
		return br, err
	}

	for i, elems := range found {
		if !scanned[i] {
			br.Skipped++
			continue
		}
		br.Detections += len(elems)
		for _, e := range elems {
			if e.SpecialCategory {
				br.SpecialCategory++
				break
			}
		}
	}
	return br, nil
}

// truncateContent cuts s to at most limit bytes without splitting a rune.
func truncateContent(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return strings.ToValidUTF8(s[:limit], "")
}

// chunk yields consecutive sub-slices of items of at most size elements.
func chunk[T any](items []T, size int) iter.Seq[[]T] {
	return func(yield func([]T) bool) {
		for start := 0; start < len(items); start += size {
			if !yield(items[start:min(start+size, len(items))]) {
				return
			}
		}
	}
}

func (r *DetectionRunner) batchSize() int {
	if r.BatchSize < 1 {
		return DefaultDetectionBatchSize
	}
	return r.BatchSize
}
