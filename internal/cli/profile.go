package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/inferlab/model-profiler/internal/config"
	"github.com/inferlab/model-profiler/internal/gpu"
	"github.com/inferlab/model-profiler/internal/measure"
	"github.com/inferlab/model-profiler/internal/profile"
	"github.com/inferlab/model-profiler/internal/server"
	"github.com/inferlab/model-profiler/internal/telemetry"
)

var (
	checkpointDirOverride string
	launchModeOverride    string
	repositoryOverride    string
	modelsOverride        []string
	gpusOverride          []string
	searchModeOverride    string
	checkpointInterval    int
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Run the profiling sweep",
	Long: `Profiles every requested model by sweeping run configurations and
recording measurements into the checkpoint directory. A run pointed at an
existing checkpoint resumes: completed configurations are never re-measured.

The checkpoint directory must be owned by a single profiler process at a
time; concurrent runs against the same directory are unsupported.`,
	Example: `  # Sweep the models of a local repository
  model-profiler profile --config profile.yaml

  # Resume after an interrupt
  model-profiler profile --config profile.yaml --checkpoint-dir ./checkpoints

  # Profile two specific models on a running remote server
  model-profiler profile --launch-mode remote --models resnet50,bert-base`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		applyProfileOverrides(cfg)
		cfg.VisibleDevices = os.Getenv("CUDA_VISIBLE_DEVICES")
		if err := cfg.Validate(); err != nil {
			return err
		}

		log := newLogger()
		ctx := cmd.Context()

		sdk, err := telemetry.InitFromConfig(ctx, log, cfg.OTelConfigPath)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sdk.Shutdown(shutdownCtx)
		}()

		devices, err := selectDevices(ctx, cfg)
		if err != nil {
			return err
		}

		if cfg.GPUFrequencyMHz != 0 && len(devices) > 0 {
			if err := gpu.LockClocks(ctx, log, devices, cfg.GPUFrequencyMHz); err != nil {
				return err
			}
			defer gpu.ResetClocks(context.Background(), log, devices)
		}

		ctrl, cleanup, err := buildController(cfg, log)
		if err != nil {
			return err
		}
		if cleanup != nil {
			defer cleanup()
		}

		sample := gpu.SMISampler(devices)
		watcher := func() *gpu.Watcher {
			return gpu.NewWatcher(log, sample, cfg.TelemetryInterval)
		}

		client := measure.NewLoadGenerator(log, cfg.HTTPEndpoint, cfg.MinWindowSamples)

		intr := profile.NewInterrupter(func() {
			fmt.Fprintln(os.Stderr, "repeated interrupts, terminating immediately")
			os.Exit(ExitForceQuit)
		})
		defer intr.Close()

		orch := profile.NewOrchestrator(log, cfg, ctrl, client, watcher, gpu.UUIDs(devices), intr)
		return orch.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(profileCmd)

	profileCmd.Flags().StringVar(&checkpointDirOverride, "checkpoint-dir", "", "directory for checkpoint files")
	profileCmd.Flags().StringVar(&launchModeOverride, "launch-mode", "", "how to obtain the server: local|docker|remote")
	profileCmd.Flags().StringVar(&repositoryOverride, "model-repository", "", "path to the model repository")
	profileCmd.Flags().StringSliceVar(&modelsOverride, "models", nil, "comma-separated models to profile (skips discovery)")
	profileCmd.Flags().StringSliceVar(&gpusOverride, "gpus", nil, "GPU UUIDs to monitor (default: all visible)")
	profileCmd.Flags().StringVar(&searchModeOverride, "search-mode", "", "config search strategy: manual|brute|quick")
	profileCmd.Flags().IntVar(&checkpointInterval, "checkpoint-interval", 0, "completed configs between checkpoint flushes")
}

func applyProfileOverrides(cfg *config.Config) {
	if checkpointDirOverride != "" {
		cfg.CheckpointDir = checkpointDirOverride
	}
	if launchModeOverride != "" {
		cfg.LaunchMode = launchModeOverride
	}
	if repositoryOverride != "" {
		cfg.ModelRepository = repositoryOverride
	}
	if searchModeOverride != "" {
		cfg.SearchMode = searchModeOverride
	}
	if checkpointInterval > 0 {
		cfg.CheckpointInterval = checkpointInterval
	}
	if len(gpusOverride) > 0 {
		cfg.GPUs = gpusOverride
	}
	if len(modelsOverride) > 0 {
		cfg.Models = nil
		for _, name := range modelsOverride {
			cfg.Models = append(cfg.Models, config.ModelConfig{Name: name})
		}
	}
}

func selectDevices(ctx context.Context, cfg *config.Config) ([]gpu.Device, error) {
	all, err := gpu.SupportedDevices(ctx)
	if err != nil {
		// Machines without nvidia-smi still profile CPU-only models;
		// telemetry simply records nothing. A present but failing driver
		// is a real error.
		if gpu.IsUnavailable(err) {
			return nil, nil
		}
		return nil, err
	}
	return gpu.SelectDevices(all, cfg.GPUs, cfg.VisibleDevices)
}

// buildController constructs the launch-mode variant. The returned cleanup
// closes any connection held by the readiness probe.
func buildController(cfg *config.Config, log *slog.Logger) (server.Controller, func(), error) {
	control := server.NewHTTPControl(cfg.HTTPEndpoint)

	switch cfg.LaunchMode {
	case config.LaunchLocal:
		return server.NewLocal(log, cfg.ServerPath, cfg.ModelRepository, control, cfg.ReadyTimeout, cfg.ServerLog), nil, nil
	case config.LaunchDocker:
		return server.NewDocker(log, cfg.ServerImage, cfg.ModelRepository, control, cfg.ReadyTimeout), nil, nil
	case config.LaunchRemote:
		var probe server.ReadyProbe
		var cleanup func()
		if cfg.Protocol == config.ProtocolGRPC {
			p, closeConn, err := server.GRPCReadyProbe(cfg.GRPCEndpoint)
			if err != nil {
				return nil, nil, err
			}
			probe = p
			cleanup = func() { _ = closeConn() }
		}
		return server.NewRemote(log, control, probe, cfg.ReadyTimeout), cleanup, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown launch mode %q", config.ErrUsage, cfg.LaunchMode)
	}
}
