// Package profile drives the profiling sweep: for each model, for each
// candidate config from the search engine, load the model, measure it with
// GPU telemetry attached, record the result into the checkpoint, unload,
// repeat. The sweep is strictly sequential so throughput and latency stay
// attributable to a single run config.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inferlab/model-profiler/internal/checkpoint"
	"github.com/inferlab/model-profiler/internal/config"
	"github.com/inferlab/model-profiler/internal/gpu"
	"github.com/inferlab/model-profiler/internal/measure"
	"github.com/inferlab/model-profiler/internal/search"
	"github.com/inferlab/model-profiler/internal/server"
	"github.com/inferlab/model-profiler/pkg/metrics"
)

// ErrInterrupted reports a user-requested cancellation. Completed work was
// flushed before it is returned; the CLI maps it to a distinct exit code.
var ErrInterrupted = errors.New("profiling interrupted by user")

// windowEnlargeFactor is applied once when a measurement window proves too
// small; windows only grow, never shrink.
const windowEnlargeFactor = 2

// WatcherFactory builds a telemetry watcher per measurement, so each
// measurement gets an isolated sample buffer.
type WatcherFactory func() *gpu.Watcher

type Orchestrator struct {
	log     *slog.Logger
	cfg     *config.Config
	server  server.Controller
	client  measure.Client
	watcher WatcherFactory
	gpus    []string
	intr    *Interrupter

	cp             *checkpoint.Checkpoint
	sinceFlush     int
	measuredModels int
	failedModels   int
}

func NewOrchestrator(
	log *slog.Logger,
	cfg *config.Config,
	ctrl server.Controller,
	client measure.Client,
	watcher WatcherFactory,
	gpuUUIDs []string,
	intr *Interrupter,
) *Orchestrator {
	return &Orchestrator{
		log:     log,
		cfg:     cfg,
		server:  ctrl,
		client:  client,
		watcher: watcher,
		gpus:    gpuUUIDs,
		intr:    intr,
	}
}

// results adapts the live checkpoint to the search engine's lookup.
type results struct{ o *Orchestrator }

func (r results) Throughput(cfg metrics.RunConfig) (float64, bool) {
	key := cfg.Key()
	for _, m := range r.o.cp.Measurements {
		if m.Config.Key() == key {
			return m.ThroughputInferPerSec, true
		}
	}
	return 0, false
}

// Run executes the whole sweep. It returns ErrInterrupted after a graceful
// cancellation, a fatal error for server or checkpoint failures, and nil on
// success (including partial success where some models failed to load).
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.restoreCheckpoint(); err != nil {
		return err
	}

	if o.server.OwnsLifecycle() {
		if err := o.server.Start(ctx); err != nil {
			return fmt.Errorf("server start: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := o.server.Stop(stopCtx); err != nil {
				o.log.Error("server stop failed", "error", err)
			}
		}()
	}
	if err := o.server.WaitReady(ctx); err != nil {
		return fmt.Errorf("server never became ready: %w", err)
	}

	models := o.cfg.Models
	if len(models) == 0 {
		discovered, err := server.DiscoverModels(o.cfg.ModelRepository)
		if err != nil {
			return err
		}
		for _, name := range discovered {
			models = append(models, config.ModelConfig{Name: name})
		}
	}

	plans, err := search.BuildPlans(o.cfg, models)
	if err != nil {
		return err
	}

	for _, plan := range plans {
		if o.cp.ModelComplete(plan.Spec.Name) {
			o.log.Info("model already profiled, loading results from checkpoint", "model", plan.Spec.Name)
			continue
		}
		if err := o.sweepModel(ctx, plan); err != nil {
			if errors.Is(err, ErrInterrupted) {
				if flushErr := o.flush(); flushErr != nil {
					o.log.Error("checkpoint flush on interrupt failed", "error", flushErr)
				}
				return err
			}
			// Per-model failures are recoverable: mark and move on.
			o.log.Error("model profiling failed",
				"model", plan.Spec.Name,
				"launch_mode", o.cfg.LaunchMode,
				"protocol", o.cfg.Protocol,
				"error", err)
			o.failedModels++
			if len(plans) == 1 {
				return fmt.Errorf("the only requested model failed: %w", err)
			}
			continue
		}
		o.measuredModels++
	}

	if err := o.flush(); err != nil {
		return err
	}
	if o.measuredModels == 0 && o.failedModels > 0 {
		return fmt.Errorf("all %d models failed to profile", o.failedModels)
	}
	o.log.Info("profiling complete",
		"models", o.measuredModels,
		"failed", o.failedModels,
		"measurements", len(o.cp.Measurements))
	return nil
}

func (o *Orchestrator) restoreCheckpoint() error {
	cp, err := checkpoint.Load(o.cfg.CheckpointDir)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		o.cp = checkpoint.New(o.gpus)
		return nil
	case err != nil:
		return err
	}
	if err := cp.ValidateDevices(o.gpus); err != nil {
		return err
	}
	o.log.Info("resuming from checkpoint",
		"measurements", len(cp.Measurements),
		"completed_models", len(cp.CompletedModels))
	o.log.Info("checkpoint GPU devices match the current run")
	o.cp = cp
	return nil
}

// sweepModel runs one model's search to completion.
func (o *Orchestrator) sweepModel(ctx context.Context, plan *search.ModelPlan) error {
	name := plan.Spec.Name
	for {
		if o.intr.Interrupted() {
			return ErrInterrupted
		}

		cfg, err := plan.Strategy.Next(&plan.State, results{o})
		if err != nil {
			return err
		}
		if cfg == nil {
			o.cp = o.cp.MarkComplete(name, plan.State.Marshal())
			return o.flush()
		}
		if o.cp.Has(*cfg) {
			o.log.Debug("config already measured, skipping", "model", name, "config", cfg.Key())
			continue
		}

		if err := o.measureConfig(ctx, *cfg); err != nil {
			return err
		}

		o.sinceFlush++
		if o.sinceFlush >= o.cfg.CheckpointInterval {
			if err := o.flush(); err != nil {
				return err
			}
		}
		if o.intr.Interrupted() {
			return ErrInterrupted
		}
	}
}

// measureConfig is the LoadingModel -> Measuring -> RecordingResult ->
// UnloadingModel leg of the state machine. Once a measurement starts it is
// always finished, so an interrupt can never record a partial result.
func (o *Orchestrator) measureConfig(ctx context.Context, cfg metrics.RunConfig) error {
	name := cfg.ModelName

	loadCtx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
	err := o.server.LoadModel(loadCtx, name)
	cancel()
	if err != nil {
		return fmt.Errorf("load model %s: %w", name, err)
	}

	o.log.Info("measuring", "model", name, "config", cfg.Key())
	res, window, widened, err := o.measureStable(ctx, cfg)
	if err != nil {
		return fmt.Errorf("measure %s: %w", cfg.Key(), err)
	}

	m := metrics.Measurement{
		Config:                cfg,
		ThroughputInferPerSec: res.ThroughputInferPerSec,
		LatencyMS:             res.LatencyMS,
		GPUSamples:            res.samples,
		WindowMillis:          int(window / time.Millisecond),
		WindowWidened:         widened,
		Timestamp:             time.Now(),
	}
	o.cp = o.cp.Append(m)
	o.log.Info("measurement recorded",
		"model", name,
		"throughput", m.ThroughputInferPerSec,
		"p95_ms", m.LatencyMS[metrics.LatencyP95])

	if o.server.SupportsModelControl() {
		if err := o.server.UnloadModel(ctx, name); err != nil {
			o.log.Warn("unload failed", "model", name, "error", err)
		}
	}
	return nil
}

type measured struct {
	measure.Result
	samples []metrics.GPUSample
}

// measureStable runs one measurement pass with telemetry attached, retrying
// exactly once with an enlarged window when the pass was statistically
// unstable. Windows only grow.
func (o *Orchestrator) measureStable(ctx context.Context, cfg metrics.RunConfig) (measured, time.Duration, bool, error) {
	window := o.cfg.MeasurementWindow

	res, err := o.measureOnce(ctx, cfg, window)
	if err != nil {
		return measured{}, 0, false, err
	}
	if res.Stable {
		return res, window, false, nil
	}

	enlarged := window * windowEnlargeFactor
	o.log.Info("measurement window too small, enlarging",
		"model", cfg.ModelName,
		"window", window,
		"enlarged_window", enlarged,
		"samples", res.Requests)
	res, err = o.measureOnce(ctx, cfg, enlarged)
	if err != nil {
		return measured{}, 0, false, err
	}
	// Accept the retry either way; the result carries the widened flag.
	return res, enlarged, true, nil
}

func (o *Orchestrator) measureOnce(ctx context.Context, cfg metrics.RunConfig, window time.Duration) (measured, error) {
	w := o.watcher()
	w.Start(ctx)
	res, err := o.client.Measure(ctx, cfg, window)
	samples := w.Stop()
	if err != nil {
		return measured{}, err
	}
	return measured{Result: res, samples: samples}, nil
}

func (o *Orchestrator) flush() error {
	seq, err := checkpoint.Flush(o.cp, o.cfg.CheckpointDir)
	if err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	o.sinceFlush = 0
	o.log.Info("checkpoint flushed", "sequence", seq, "measurements", len(o.cp.Measurements))
	return nil
}
