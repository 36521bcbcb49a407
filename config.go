package perfsim

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DatasetSize is a population preset.
type DatasetSize string

const (
	DatasetSize1K     DatasetSize = "1k"
	DatasetSize5K     DatasetSize = "5k"
	DatasetSize10K    DatasetSize = "10k"
	DatasetSizeCustom DatasetSize = "custom"
)

// EvidenceDensity is the evidence-per-subject preset.
type EvidenceDensity string

const (
	DensityLow    EvidenceDensity = "low"    // 5 items per subject
	DensityMedium EvidenceDensity = "medium" // 25 items per subject
	DensityHigh   EvidenceDensity = "high"   // 100 items per subject
)

// DetectionMode selects how evidence is run through detection.
type DetectionMode string

const (
	ModeReal      DetectionMode = "real"
	ModeSimulated DetectionMode = "simulated"
)

// Bounds enforced by Validate.
const (
	MinParallelRuns = 1
	MaxParallelRuns = 25
	MaxPersonCount  = 1_000_000
)

var (
	// ErrInvalidConfig is wrapped by every configuration error.
	ErrInvalidConfig = errors.New("invalid performance config")

	// ErrUnknownDetectionMode is returned for a detection mode other than real or simulated.
	ErrUnknownDetectionMode = errors.New("unknown detection mode")
)

// ConfigError names the offending field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidConfig, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// PerformanceConfig controls one simulation. It is a value: copy it, never
// mutate a config that a simulation is using.
type PerformanceConfig struct {
	PersonCount          int             `yaml:"personCount" json:"personCount"`
	DatasetSize          DatasetSize     `yaml:"datasetSize" json:"datasetSize"`
	EvidenceDensity      EvidenceDensity `yaml:"evidenceDensity" json:"evidenceDensity"`
	SpecialCategoryRatio float64         `yaml:"specialCategoryRatio" json:"specialCategoryRatio"`
	ParallelRuns         int             `yaml:"parallelRuns" json:"parallelRuns"`
	DetectionMode        DetectionMode   `yaml:"detectionMode" json:"detectionMode"`
	Seed                 int64           `yaml:"seed" json:"seed"`

	// TenantCount spreads subjects round-robin over synthetic tenants (default 1).
	TenantCount int `yaml:"tenantCount,omitempty" json:"tenantCount,omitempty"`
}

// DefaultConfig returns a 1k-subject, medium-density simulated configuration.
func DefaultConfig() PerformanceConfig {
	return PerformanceConfig{
		PersonCount:          1000,
		DatasetSize:          DatasetSize1K,
		EvidenceDensity:      DensityMedium,
		SpecialCategoryRatio: 0.1,
		ParallelRuns:         5,
		DetectionMode:        ModeSimulated,
		Seed:                 42,
		TenantCount:          1,
	}
}

// EvidencePerPerson maps a density preset to items per subject.
// Unknown densities map to 0.
func EvidencePerPerson(d EvidenceDensity) int {
	switch d {
	case DensityLow:
		return 5
	case DensityMedium:
		return 25
	case DensityHigh:
		return 100
	default:
		return 0
	}
}

// presetPersons returns the population a preset implies (0 for custom).
func presetPersons(s DatasetSize) int {
	switch s {
	case DatasetSize1K:
		return 1000
	case DatasetSize5K:
		return 5000
	case DatasetSize10K:
		return 10000
	default:
		return 0
	}
}

// Persons returns the effective population size: an explicit PersonCount wins,
// otherwise the dataset-size preset decides.
func (c PerformanceConfig) Persons() int {
	if c.PersonCount > 0 {
		return c.PersonCount
	}
	return presetPersons(c.DatasetSize)
}

// Tenants returns the effective tenant count (at least 1).
func (c PerformanceConfig) Tenants() int {
	if c.TenantCount < 1 {
		return 1
	}
	return c.TenantCount
}

// Validate rejects configurations the harness cannot run. It never modifies c.
func (c PerformanceConfig) Validate() error {
	switch c.DatasetSize {
	case "", DatasetSize1K, DatasetSize5K, DatasetSize10K, DatasetSizeCustom:
	default:
		return &ConfigError{Field: "datasetSize", Reason: fmt.Sprintf("unknown preset %q", c.DatasetSize)}
	}

	persons := c.Persons()
	if c.PersonCount < 0 {
		return &ConfigError{Field: "personCount", Reason: fmt.Sprintf("must not be negative, got %d", c.PersonCount)}
	}
	if persons < 1 || persons > MaxPersonCount {
		return &ConfigError{Field: "personCount", Reason: fmt.Sprintf("must be in [1, %d], got %d", MaxPersonCount, persons)}
	}

	if EvidencePerPerson(c.EvidenceDensity) == 0 {
		return &ConfigError{Field: "evidenceDensity", Reason: fmt.Sprintf("unknown density %q", c.EvidenceDensity)}
	}

	if c.SpecialCategoryRatio < 0 || c.SpecialCategoryRatio > 1 || math.IsNaN(c.SpecialCategoryRatio) {
		return &ConfigError{Field: "specialCategoryRatio", Reason: fmt.Sprintf("must be in [0, 1], got %v", c.SpecialCategoryRatio)}
	}

	if c.ParallelRuns < MinParallelRuns || c.ParallelRuns > MaxParallelRuns {
		return &ConfigError{Field: "parallelRuns", Reason: fmt.Sprintf("must be in [%d, %d], got %d", MinParallelRuns, MaxParallelRuns, c.ParallelRuns)}
	}
	if c.ParallelRuns > persons {
		return &ConfigError{Field: "parallelRuns", Reason: fmt.Sprintf("%d runs exceed population of %d", c.ParallelRuns, persons)}
	}

	switch c.DetectionMode {
	case ModeReal, ModeSimulated:
	default:
		return &ConfigError{Field: "detectionMode", Reason: fmt.Sprintf("%s %q", ErrUnknownDetectionMode, c.DetectionMode)}
	}

	if c.TenantCount < 0 {
		return &ConfigError{Field: "tenantCount", Reason: fmt.Sprintf("must not be negative, got %d", c.TenantCount)}
	}

	return nil
}

// GovernanceConfig is the read-only governance configuration the scheduler and
// its pre-checks consume.
type GovernanceConfig struct {
	MaxConcurrentRuns      int           `yaml:"maxConcurrentRuns" json:"maxConcurrentRuns"`
	MaxRunsPerDayTenant    int           `yaml:"maxRunsPerDayTenant" json:"maxRunsPerDayTenant"`
	MaxRunsPerDayUser      int           `yaml:"maxRunsPerDayUser" json:"maxRunsPerDayUser"`
	MaxEvidenceItemsPerRun int           `yaml:"maxEvidenceItemsPerRun" json:"maxEvidenceItemsPerRun"`
	MaxContentScanBytes    int           `yaml:"maxContentScanBytes" json:"maxContentScanBytes"`
	AllowedProviderPhases  []string      `yaml:"allowedProviderPhases" json:"allowedProviderPhases"`
	DefaultExecutionMode   DetectionMode `yaml:"defaultExecutionMode" json:"defaultExecutionMode"`
	AllowContentScanning   bool          `yaml:"allowContentScanning" json:"allowContentScanning"`
	RequireJustification   bool          `yaml:"requireJustification" json:"requireJustification"`
	MinJustificationLength int           `yaml:"minJustificationLength" json:"minJustificationLength"`

	// Token bucket applied per user by the rate-limit pre-check.
	RateLimitPerSecond float64 `yaml:"rateLimitPerSecond" json:"rateLimitPerSecond"`
	RateLimitBurst     int     `yaml:"rateLimitBurst" json:"rateLimitBurst"`
}

// DefaultGovernanceConfig returns the platform defaults.
func DefaultGovernanceConfig() GovernanceConfig {
	return GovernanceConfig{
		MaxConcurrentRuns:      25,
		MaxRunsPerDayTenant:    500,
		MaxRunsPerDayUser:      100,
		MaxEvidenceItemsPerRun: 50_000,
		MaxContentScanBytes:    64 * 1024,
		AllowedProviderPhases:  []string{"mail", "document_store", "file_store", "other"},
		DefaultExecutionMode:   ModeSimulated,
		AllowContentScanning:   true,
		RequireJustification:   true,
		MinJustificationLength: 20,
		RateLimitPerSecond:     50,
		RateLimitBurst:         100,
	}
}

// Validate checks the governance limits are usable.
func (g GovernanceConfig) Validate() error {
	if g.MaxConcurrentRuns < 1 {
		return &ConfigError{Field: "maxConcurrentRuns", Reason: fmt.Sprintf("must be positive, got %d", g.MaxConcurrentRuns)}
	}
	if g.MaxEvidenceItemsPerRun < 1 {
		return &ConfigError{Field: "maxEvidenceItemsPerRun", Reason: fmt.Sprintf("must be positive, got %d", g.MaxEvidenceItemsPerRun)}
	}
	if g.MaxRunsPerDayTenant < 0 || g.MaxRunsPerDayUser < 0 {
		return &ConfigError{Field: "maxRunsPerDay", Reason: "must not be negative"}
	}
	if g.RateLimitPerSecond < 0 || g.RateLimitBurst < 0 {
		return &ConfigError{Field: "rateLimit", Reason: "must not be negative"}
	}
	return nil
}

// providerAllowed reports whether p may be scanned. An empty allow-list allows all.
func (g GovernanceConfig) providerAllowed(p Provider) bool {
	if len(g.AllowedProviderPhases) == 0 {
		return true
	}
	for _, phase := range g.AllowedProviderPhases {
		if phase == string(p) {
			return true
		}
	}
	return false
}

// FileConfig is the on-disk layout accepted by LoadConfigFile.
type FileConfig struct {
	Simulation PerformanceConfig `yaml:"simulation" json:"simulation"`
	Governance *GovernanceConfig `yaml:"governance,omitempty" json:"governance,omitempty"`

	// Connector latency range in milliseconds used for queue-wait modelling.
	ConnectorLatencyMinMs int `yaml:"connectorLatencyMinMs,omitempty" json:"connectorLatencyMinMs,omitempty"`
	ConnectorLatencyMaxMs int `yaml:"connectorLatencyMaxMs,omitempty" json:"connectorLatencyMaxMs,omitempty"`
}

// LoadConfigFile reads a YAML (default) or JSON (.json) config file and
// validates it. Missing governance settings fall back to DefaultGovernanceConfig.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	fc := FileConfig{Simulation: DefaultConfig()}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if fc.Governance == nil {
		g := DefaultGovernanceConfig()
		fc.Governance = &g
	}

	if err := fc.Simulation.Validate(); err != nil {
		return nil, err
	}
	if err := fc.Governance.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// LatencyRange returns the configured connector latency range, or the
// scheduler defaults when unset.
func (fc *FileConfig) LatencyRange() (time.Duration, time.Duration) {
	lo, hi := defaultLatencyMin, defaultLatencyMax
	if fc.ConnectorLatencyMinMs > 0 {
		lo = time.Duration(fc.ConnectorLatencyMinMs) * time.Millisecond
	}
	if fc.ConnectorLatencyMaxMs > 0 {
		hi = time.Duration(fc.ConnectorLatencyMaxMs) * time.Millisecond
	}
	return lo, hi
}
