// Package cli wires the profile and analyze subcommands and maps errors to
// the exit codes external harnesses depend on.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/inferlab/model-profiler/internal/config"
	"github.com/inferlab/model-profiler/internal/profile"
)

// Exit codes are a contract: scripts distinguish a cancelled sweep from a
// crashed one by code alone.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitInterrupted = 130
	ExitForceQuit   = 131
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:           "model-profiler",
		Short:         "Sweep and profile inference server model configurations",
		Long:          `Drives an inference server through batch/concurrency/instance sweeps, records measurements into resumable checkpoints, and renders summary reports.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to YAML config file")
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	switch {
	case errors.Is(err, profile.ErrInterrupted):
		return ExitInterrupted
	case errors.Is(err, config.ErrUsage):
		return ExitUsage
	default:
		return ExitFailure
	}
}
