package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inferlab/model-profiler/internal/analyze"
	"github.com/inferlab/model-profiler/internal/checkpoint"
	"github.com/inferlab/model-profiler/internal/config"
)

var (
	analyzeCheckpointDir string
	exportCSVDir         string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Render summary tables from a checkpoint",
	Long: `Loads the most recent checkpoint and renders the server GPU table,
the per-model GPU metrics table and the per-model inference metrics table.
Never modifies the checkpoint directory.`,
	Example: `  model-profiler analyze --checkpoint-dir ./checkpoints

  # Also export the tables as CSV
  model-profiler analyze --checkpoint-dir ./checkpoints --export-csv ./results`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := analyzeCheckpointDir
		if dir == "" {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			dir = cfg.CheckpointDir
		}

		cp, err := checkpoint.Load(dir)
		if err != nil {
			if errors.Is(err, checkpoint.ErrNotFound) {
				return fmt.Errorf("%w: nothing to analyze in %s", config.ErrUsage, dir)
			}
			return err
		}

		report := analyze.Build(cp)
		if err := report.WriteTables(os.Stdout); err != nil {
			return err
		}
		if exportCSVDir != "" {
			if err := report.ExportCSV(exportCSVDir); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringVar(&analyzeCheckpointDir, "checkpoint-dir", "", "directory holding checkpoint files")
	analyzeCmd.Flags().StringVar(&exportCSVDir, "export-csv", "", "directory to write the tables as CSV files")
}
