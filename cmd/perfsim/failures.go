package main

import (
	"fmt"
	"log/slog"

	"github.com/alexshd/perfsim"
	"github.com/spf13/cobra"
)

var failureSeed int64

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Run the failure injection suite",
	Long: `Inject each failure type (external_service, timeout, slow_persistence,
export_crash) into a single run and check its fixed outcome: resulting status,
audit entry written, harness stable afterwards and no orphan records.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := perfsim.RunFailureSimulationSuite(cmd.Context(), failureSeed,
			perfsim.WithFailureLogger(slog.Default()))
		if err != nil {
			return err
		}
		if err := writeValue(cmd.OutOrStdout(), outputFormat, results, func() { printFailures(cmd.OutOrStdout(), results) }); err != nil {
			return err
		}

		bad := 0
		for _, r := range results {
			if perfsim.FailureInvariantViolation(r) != "" {
				bad++
			}
		}
		if bad > 0 {
			return fmt.Errorf("%w: %d failure type(s) broke their contract", errVerdictFailed, bad)
		}
		return nil
	},
}

func init() {
	failuresCmd.Flags().Int64Var(&failureSeed, "seed", perfsim.DefaultConfig().Seed, "Random seed")
	failuresCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json or yaml")
}
