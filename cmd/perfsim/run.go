package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexshd/perfsim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	configFile   string
	persons      int
	datasetSize  string
	density      string
	specialRatio float64
	parallelRuns int
	mode         string
	seed         int64
	tenants      int
	outputFormat string

	withFailures    bool
	concurrencyN    int
	evidenceCeiling int
	securityN       int
	securityWindow  float64
	metricsOut      string
)

var errVerdictFailed = errors.New("simulation verdict: failed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a performance simulation",
	Long: `Run a full performance simulation: generate the dataset, schedule the
parallel runs, optionally run the failure suite and stress tests, and print
the metrics summary.

Flags override values from --config.

Example:
  perfsim run --size 10k --density medium --runs 25
  perfsim run --config perfsim.yaml --failures --concurrency 25 --security 500 --window 5
  perfsim run --persons 2000 --mode real --output json`,
	RunE: runSimulation,
}

func init() {
	addConfigFlags(runCmd)
	runCmd.Flags().BoolVar(&withFailures, "failures", false, "Run the failure injection suite")
	runCmd.Flags().IntVar(&concurrencyN, "concurrency", 0, "Run the concurrency test with N requests (0 = skip)")
	runCmd.Flags().IntVar(&evidenceCeiling, "evidence-ceiling", 0, "Evidence cap per run in the concurrency test (0 = governance default)")
	runCmd.Flags().IntVar(&securityN, "security", 0, "Run the security load test with N requests (0 = skip)")
	runCmd.Flags().Float64Var(&securityWindow, "window", 10, "Security load test window in seconds")
	runCmd.Flags().StringVar(&metricsOut, "metrics-out", "", "Write Prometheus metrics in text format to this file")
	runCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json or yaml")
}

// addConfigFlags registers the simulation configuration flags on cmd.
func addConfigFlags(cmd *cobra.Command) {
	def := perfsim.DefaultConfig()
	cmd.Flags().StringVar(&configFile, "config", "", "Path to a YAML or JSON config file")
	cmd.Flags().IntVar(&persons, "persons", def.PersonCount, "Population size")
	cmd.Flags().StringVar(&datasetSize, "size", string(def.DatasetSize), "Dataset size preset: 1k, 5k, 10k or custom")
	cmd.Flags().StringVar(&density, "density", string(def.EvidenceDensity), "Evidence density: low, medium or high")
	cmd.Flags().Float64Var(&specialRatio, "special-ratio", def.SpecialCategoryRatio, "Share of subjects with special-category evidence (0-1)")
	cmd.Flags().IntVar(&parallelRuns, "runs", def.ParallelRuns, "Parallel runs (1-25)")
	cmd.Flags().StringVar(&mode, "mode", string(def.DetectionMode), "Detection mode: real or simulated")
	cmd.Flags().Int64Var(&seed, "seed", def.Seed, "Random seed")
	cmd.Flags().IntVar(&tenants, "tenants", def.TenantCount, "Synthetic tenants")
}

// loadConfig merges the config file (if any) with explicitly set flags.
func loadConfig(cmd *cobra.Command) (*perfsim.FileConfig, error) {
	fc := &perfsim.FileConfig{Simulation: perfsim.DefaultConfig()}
	if configFile != "" {
		loaded, err := perfsim.LoadConfigFile(configFile)
		if err != nil {
			return nil, err
		}
		fc = loaded
	}

	cfg := &fc.Simulation
	flags := cmd.Flags()
	if flags.Changed("persons") {
		cfg.PersonCount = persons
	}
	if flags.Changed("size") {
		cfg.DatasetSize = perfsim.DatasetSize(datasetSize)
		if !flags.Changed("persons") && cfg.DatasetSize != perfsim.DatasetSizeCustom {
			cfg.PersonCount = 0 // let the preset decide
		}
	}
	if flags.Changed("density") {
		cfg.EvidenceDensity = perfsim.EvidenceDensity(density)
	}
	if flags.Changed("special-ratio") {
		cfg.SpecialCategoryRatio = specialRatio
	}
	if flags.Changed("runs") {
		cfg.ParallelRuns = parallelRuns
	}
	if flags.Changed("mode") {
		cfg.DetectionMode = perfsim.DetectionMode(mode)
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("tenants") {
		cfg.TenantCount = tenants
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return fc, nil
}

func runSimulation(cmd *cobra.Command, args []string) error {
	fc, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	lo, hi := fc.LatencyRange()
	reg := prometheus.NewRegistry()
	report, err := perfsim.RunPerformanceSimulation(cmd.Context(), fc.Simulation, perfsim.SimulationOptions{
		Governance:            fc.Governance,
		LatencyMin:            lo,
		LatencyMax:            hi,
		FailureSuite:          withFailures,
		ConcurrencyRequests:   concurrencyN,
		EvidenceCeiling:       evidenceCeiling,
		SecurityRequests:      securityN,
		SecurityWindowSeconds: securityWindow,
		Registerer:            reg,
		Logger:                slog.Default(),
	})
	if err != nil {
		return err
	}

	if err := writeReport(cmd.OutOrStdout(), outputFormat, report); err != nil {
		return err
	}
	if metricsOut != "" {
		if err := prometheus.WriteToTextfile(metricsOut, reg); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
		slog.Info("metrics written", "path", metricsOut)
	}

	if v := report.Verdict(); len(v) > 0 {
		return fmt.Errorf("%w: %d problem(s)", errVerdictFailed, len(v))
	}
	return nil
}
