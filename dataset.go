package perfsim

import (
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider is the upstream system an evidence item was collected from.
type Provider string

const (
	ProviderMail          Provider = "mail"
	ProviderDocumentStore Provider = "document_store"
	ProviderFileStore     Provider = "file_store"
	ProviderOther         Provider = "other"
)

// Providers lists every provider in reporting order.
var Providers = []Provider{ProviderMail, ProviderDocumentStore, ProviderFileStore, ProviderOther}

// providerWeights is the collection mix observed on the platform.
var providerWeights = []Weighted[Provider]{
	{Value: ProviderMail, Weight: 0.40},
	{Value: ProviderDocumentStore, Weight: 0.30},
	{Value: ProviderFileStore, Weight: 0.20},
	{Value: ProviderOther, Weight: 0.10},
}

// Default batch sizes. Peak generator memory is O(batch size).
const (
	DefaultSubjectBatchSize  = 500
	DefaultEvidenceBatchSize = 1000
)

// simEpoch anchors every simulated timestamp so output does not depend on the wall clock.
var simEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

var (
	subjectNamespace  = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:perfsim:subject"))
	evidenceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:perfsim:evidence"))
)

var departments = []string{"Finance", "Engineering", "Sales", "Legal", "Operations", "Support", "Marketing", "People"}

var specialCategoryPhrases = []string{
	"medical diagnosis follow-up",
	"trade union membership renewal",
	"religious belief accommodation",
	"biometric enrolment record",
	"sexual orientation disclosure",
	"political opinion survey",
}

var ordinaryPhrases = []string{
	"quarterly planning notes",
	"invoice reconciliation",
	"meeting minutes",
	"travel itinerary",
	"project status update",
	"customer escalation thread",
	"contract draft review",
}

// Subject is a synthetic data subject. Subjects are immutable once generated.
type Subject struct {
	ID              uuid.UUID
	Index           int
	Tenant          string
	DisplayName     string
	Department      string
	SpecialCategory bool // receives at least one special-category evidence item
}

// EvidenceItem is one synthetic evidence record. Items are immutable and never persisted.
type EvidenceItem struct {
	ID              uuid.UUID
	SubjectID       uuid.UUID
	SubjectIndex    int
	Tenant          string
	Provider        Provider
	Content         string
	SizeBytes       int
	SpecialCategory bool
	CreatedAt       time.Time
}

// Dataset is the result of GenerateScalableDataset. It keeps subjects and
// counters only; evidence is released batch by batch.
type Dataset struct {
	Subjects                []Subject        `json:"-" yaml:"-"`
	TotalPersons            int              `json:"totalPersons" yaml:"totalPersons"`
	TotalEvidenceItems      int              `json:"totalEvidenceItems" yaml:"totalEvidenceItems"`
	EvidenceByProvider      map[Provider]int `json:"evidenceByProvider" yaml:"evidenceByProvider"`
	SpecialCategorySubjects int              `json:"specialCategorySubjects" yaml:"specialCategorySubjects"`
	SpecialCategoryItems    int              `json:"specialCategoryItems" yaml:"specialCategoryItems"`
	SubjectBatches          int              `json:"subjectBatches" yaml:"subjectBatches"`
	EvidenceBatches         int              `json:"evidenceBatches" yaml:"evidenceBatches"`
	PeakBatchItems          int              `json:"peakBatchItems" yaml:"peakBatchItems"`
	GenerationTime          time.Duration    `json:"generationTime" yaml:"generationTime"` // measured wall clock
}

// DatasetOption tunes GenerateScalableDataset.
type DatasetOption func(*datasetOptions)

type datasetOptions struct {
	subjectBatch  int
	evidenceBatch int
	logger        *slog.Logger
}

// WithSubjectBatchSize sets the subject batch size.
func WithSubjectBatchSize(n int) DatasetOption {
	return func(o *datasetOptions) { o.subjectBatch = n }
}

// WithEvidenceBatchSize sets the evidence batch size.
func WithEvidenceBatchSize(n int) DatasetOption {
	return func(o *datasetOptions) { o.evidenceBatch = n }
}

// WithDatasetLogger sets the logger used for progress output.
func WithDatasetLogger(l *slog.Logger) DatasetOption {
	return func(o *datasetOptions) { o.logger = l }
}

// GenerateScalableDataset validates cfg and generates its population.
//
// Evidence is produced in fixed-size batches and only counted, so peak memory
// stays O(batch size) however large the population is.
func GenerateScalableDataset(cfg PerformanceConfig, opts ...DatasetOption) (*Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := datasetOptions{
		subjectBatch:  DefaultSubjectBatchSize,
		evidenceBatch: DefaultEvidenceBatchSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.subjectBatch < 1 {
		o.subjectBatch = DefaultSubjectBatchSize
	}
	if o.evidenceBatch < 1 {
		o.evidenceBatch = DefaultEvidenceBatchSize
	}
	logger := loggerOrDiscard(o.logger).With("component", "dataset")

	start := time.Now()
	rng := NewRand(cfg.Seed)

	ds := &Dataset{
		Subjects:           make([]Subject, 0, cfg.Persons()),
		EvidenceByProvider: make(map[Provider]int, len(Providers)),
	}
	for _, p := range Providers {
		ds.EvidenceByProvider[p] = 0
	}

	for subjects := range SubjectBatches(cfg, rng, o.subjectBatch) {
		ds.SubjectBatches++
		ds.Subjects = append(ds.Subjects, subjects...)
		for _, s := range subjects {
			if s.SpecialCategory {
				ds.SpecialCategorySubjects++
			}
		}

		for items := range EvidenceBatches(subjects, cfg.EvidenceDensity, cfg.Seed, o.evidenceBatch) {
			ds.EvidenceBatches++
			if len(items) > ds.PeakBatchItems {
				ds.PeakBatchItems = len(items)
			}
			for _, it := range items {
				ds.TotalEvidenceItems++
				ds.EvidenceByProvider[it.Provider]++
				if it.SpecialCategory {
					ds.SpecialCategoryItems++
				}
			}
		}

		logger.Debug("subject batch generated",
			"batch", ds.SubjectBatches,
			"subjects", len(ds.Subjects),
			"evidence", ds.TotalEvidenceItems)
	}

	ds.TotalPersons = len(ds.Subjects)
	ds.GenerationTime = time.Since(start)

	logger.Info("dataset generated",
		"persons", ds.TotalPersons,
		"evidence", ds.TotalEvidenceItems,
		"special_category_subjects", ds.SpecialCategorySubjects,
		"duration", ds.GenerationTime)

	return ds, nil
}

// SubjectBatches yields cfg.Persons() subjects in batches of at most batchSize.
// Special-category membership is a Bernoulli(cfg.SpecialCategoryRatio) draw
// from rng, so the count is fixed for a given seed.
func SubjectBatches(cfg PerformanceConfig, rng *Rand, batchSize int) iter.Seq[[]Subject] {
	if batchSize < 1 {
		batchSize = DefaultSubjectBatchSize
	}
	total := cfg.Persons()
	tenants := cfg.Tenants()

	return func(yield func([]Subject) bool) {
		for start := 0; start < total; start += batchSize {
			end := min(start+batchSize, total)
			batch := make([]Subject, 0, end-start)
			for i := start; i < end; i++ {
				batch = append(batch, newSubject(cfg.Seed, i, tenants, rng, cfg.SpecialCategoryRatio))
			}
			if !yield(batch) {
				return
			}
		}
	}
}

func newSubject(seed int64, index, tenants int, rng *Rand, ratio float64) Subject {
	special := rng.Bool(ratio)
	return Subject{
		ID:              uuid.NewSHA1(subjectNamespace, []byte(fmt.Sprintf("%d/%d", seed, index))),
		Index:           index,
		Tenant:          TenantName(index % tenants),
		DisplayName:     fmt.Sprintf("Subject %06d", index),
		Department:      Pick(rng, departments),
		SpecialCategory: special,
	}
}

// TenantName returns the synthetic tenant identifier for index i.
func TenantName(i int) string {
	return fmt.Sprintf("tenant-%02d", i)
}

// EvidenceBatches yields the evidence of subjects in batches of at most
// batchSize (the batched evidence generator). Each subject's evidence comes
// from its own derived stream, so it is identical no matter how the
// population is sliced. Every yielded slice is freshly allocated.
func EvidenceBatches(subjects []Subject, density EvidenceDensity, seed int64, batchSize int) iter.Seq[[]EvidenceItem] {
	if batchSize < 1 {
		batchSize = DefaultEvidenceBatchSize
	}
	perSubject := EvidencePerPerson(density)

	return func(yield func([]EvidenceItem) bool) {
		batch := make([]EvidenceItem, 0, batchSize)
		for _, s := range subjects {
			rng := NewRand(DeriveSeed(seed, "evidence", s.Index))
			for j := 0; j < perSubject; j++ {
				batch = append(batch, newEvidenceItem(s, j, rng))
				if len(batch) == batchSize {
					if !yield(batch) {
						return
					}
					batch = make([]EvidenceItem, 0, batchSize)
				}
			}
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}
}

func newEvidenceItem(s Subject, j int, rng *Rand) EvidenceItem {
	provider := WeightedPick(rng, providerWeights)
	special := s.SpecialCategory && j == 0
	content := syntheticContent(s, j, provider, special, rng)

	return EvidenceItem{
		ID:              uuid.NewSHA1(evidenceNamespace, []byte(fmt.Sprintf("%s/%d", s.ID, j))),
		SubjectID:       s.ID,
		SubjectIndex:    s.Index,
		Tenant:          s.Tenant,
		Provider:        provider,
		Content:         content,
		SizeBytes:       len(content) + rng.IntN(512, 8192),
		SpecialCategory: special,
		CreatedAt:       simEpoch.Add(time.Duration(rng.IntN(0, 364*24)) * time.Hour),
	}
}

// syntheticContent builds text the pattern detector can find elements in.
// Nothing here is real personal data.
func syntheticContent(s Subject, j int, p Provider, special bool, rng *Rand) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s #%d for %s (%s).", p, Pick(rng, ordinaryPhrases), j, s.DisplayName, s.Department)
	if rng.Bool(0.6) {
		fmt.Fprintf(&b, " Contact subject%06d@example.test.", s.Index)
	}
	if rng.Bool(0.3) {
		fmt.Fprintf(&b, " Call +1-555-%04d.", rng.IntN(0, 9999))
	}
	if rng.Bool(0.1) {
		fmt.Fprintf(&b, " Reference ID %03d-%02d-%04d.", rng.IntN(100, 899), rng.IntN(10, 99), rng.IntN(1000, 9999))
	}
	if special {
		fmt.Fprintf(&b, " Note: %s.", Pick(rng, specialCategoryPhrases))
	}
	return b.String()
}
