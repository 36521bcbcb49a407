package main

import (
	"log/slog"

	"github.com/alexshd/perfsim"
	"github.com/spf13/cobra"
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Generate a synthetic dataset and print its statistics",
	Long: `Generate the synthetic population for a configuration in fixed-size batches
and print totals, the provider breakdown and generation time.

Example:
  perfsim dataset --size 10k --density medium`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fc, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ds, err := perfsim.GenerateScalableDataset(fc.Simulation, perfsim.WithDatasetLogger(slog.Default()))
		if err != nil {
			return err
		}
		return writeValue(cmd.OutOrStdout(), outputFormat, ds, func() { printDataset(cmd.OutOrStdout(), ds) })
	},
}

func init() {
	addConfigFlags(datasetCmd)
	datasetCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json or yaml")
}
