package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUsage marks configuration problems the user has to fix before any
// profiling work can start. The CLI maps it to the usage exit code.
var ErrUsage = errors.New("usage error")

// Launch modes for the inference server under test.
const (
	LaunchLocal  = "local"
	LaunchDocker = "docker"
	LaunchRemote = "remote"
)

// Search modes for the run-config search engine.
const (
	SearchManual = "manual"
	SearchBrute  = "brute"
	SearchQuick  = "quick"
)

// Protocols for the server control plane and inference endpoint.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// DynamicBatchingConfig pins the server's dynamic batcher for the sweep.
// A nil value leaves the batcher at server defaults.
type DynamicBatchingConfig struct {
	MaxQueueDelayMicros int   `yaml:"max_queue_delay_us"`
	PreferredBatchSizes []int `yaml:"preferred_batch_sizes"`
}

// ModelConfig is the per-model slice of the sweep space. Empty lists fall
// back to the top-level sweep defaults.
type ModelConfig struct {
	Name            string                 `yaml:"name"`
	BatchSizes      []int                  `yaml:"batch_sizes"`
	Concurrency     []int                  `yaml:"concurrency"`
	InstanceCounts  []int                  `yaml:"instance_counts"`
	DynamicBatching *DynamicBatchingConfig `yaml:"dynamic_batching"`
	// CPUOnly excludes the model from GPU instance-count search dimensions
	// (composing sub-models of an ensemble may run on CPU).
	CPUOnly bool `yaml:"cpu_only"`
}

type Config struct {
	ModelRepository string        `yaml:"model_repository"`
	Models          []ModelConfig `yaml:"profile_models"`

	LaunchMode string `yaml:"launch_mode"`
	Protocol   string `yaml:"protocol"`

	// ServerPath is the server binary (local mode); ServerImage the
	// container image (docker mode).
	ServerPath   string        `yaml:"server_path"`
	ServerImage  string        `yaml:"server_image"`
	HTTPEndpoint string        `yaml:"http_endpoint"`
	GRPCEndpoint string        `yaml:"grpc_endpoint"`
	ServerLog    string        `yaml:"server_output_path"`
	ReadyTimeout time.Duration `yaml:"server_ready_timeout"`

	CheckpointDir string `yaml:"checkpoint_dir"`
	// CheckpointInterval is the number of completed configs between
	// periodic flushes; it bounds work lost on ungraceful termination.
	CheckpointInterval int `yaml:"checkpoint_interval"`

	SearchMode string `yaml:"search_mode"`
	// DynamicBatching applies to every model without its own setting.
	DynamicBatching *DynamicBatchingConfig `yaml:"dynamic_batching"`
	// Sweep defaults, used where a model does not specify its own space.
	BatchSizes       []int `yaml:"batch_sizes"`
	Concurrency      []int `yaml:"concurrency"`
	InstanceCounts   []int `yaml:"instance_counts"`
	RequestRates     []int `yaml:"request_rates"`
	MaxConcurrency   int   `yaml:"max_concurrency"`
	MaxInstanceCount int   `yaml:"max_instance_count"`
	MaxBatchSize     int   `yaml:"max_batch_size"`
	// EquivalenceTolerancePct is the performance band within which two
	// configs are considered equal; the search then prefers the lower
	// concurrency one.
	EquivalenceTolerancePct float64 `yaml:"equivalence_tolerance_pct"`

	MeasurementWindow time.Duration `yaml:"measurement_window"`
	MinWindowSamples  int           `yaml:"min_window_samples"`

	// GPUs selects devices by UUID; empty means "all", after applying
	// VisibleDevices. VisibleDevices carries the value of the
	// visible-device environment variable, resolved by the caller so
	// nothing here reads ambient process state.
	GPUs              []string      `yaml:"gpus"`
	VisibleDevices    string        `yaml:"-"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`

	// GPUFrequencyMHz optionally pins the graphics clock for the sweep.
	// Zero leaves the clock alone.
	GPUFrequencyMHz int `yaml:"gpu_frequency_mhz"`

	OTelConfigPath string `yaml:"otel_config_path"`
}

func Default() *Config {
	return &Config{
		LaunchMode:              LaunchLocal,
		Protocol:                ProtocolHTTP,
		HTTPEndpoint:            "localhost:8000",
		GRPCEndpoint:            "localhost:8001",
		ReadyTimeout:            120 * time.Second,
		CheckpointDir:           "checkpoints",
		CheckpointInterval:      3,
		SearchMode:              SearchManual,
		BatchSizes:              []int{1},
		Concurrency:             []int{1},
		MaxConcurrency:          1024,
		MaxInstanceCount:        5,
		MaxBatchSize:            128,
		EquivalenceTolerancePct: 5.0,
		MeasurementWindow:       5 * time.Second,
		MinWindowSamples:        50,
		TelemetryInterval:       10 * time.Millisecond,
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config: %v", ErrUsage, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config %s: %v", ErrUsage, path, err)
	}
	return cfg, nil
}

// Allowed range for pinned GPU graphics clocks.
const (
	minGPUFrequencyMHz = 135
	maxGPUFrequencyMHz = 3000
)

// Validate checks the configuration eagerly, before any server interaction.
// All violations are usage errors.
func (c *Config) Validate() error {
	switch c.LaunchMode {
	case LaunchLocal, LaunchDocker, LaunchRemote:
	default:
		return fmt.Errorf("%w: unknown launch mode %q", ErrUsage, c.LaunchMode)
	}
	switch c.Protocol {
	case ProtocolHTTP, ProtocolGRPC:
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrUsage, c.Protocol)
	}
	switch c.SearchMode {
	case SearchManual, SearchBrute, SearchQuick:
	default:
		return fmt.Errorf("%w: unknown search mode %q", ErrUsage, c.SearchMode)
	}
	if len(c.Models) == 0 && c.ModelRepository == "" {
		return fmt.Errorf("%w: no models to profile: set profile_models or model_repository", ErrUsage)
	}
	if c.LaunchMode == LaunchLocal && c.ServerPath == "" {
		return fmt.Errorf("%w: local launch mode requires server_path", ErrUsage)
	}
	if c.LaunchMode == LaunchDocker && c.ServerImage == "" {
		return fmt.Errorf("%w: docker launch mode requires server_image", ErrUsage)
	}
	if c.CheckpointInterval < 1 {
		return fmt.Errorf("%w: checkpoint_interval must be >= 1, got %d", ErrUsage, c.CheckpointInterval)
	}
	if len(c.RequestRates) > 0 && hasConcurrencySweep(c) {
		return fmt.Errorf("%w: request_rates and concurrency are mutually exclusive sweep axes", ErrUsage)
	}
	sweepValues := append(append([]int{}, c.BatchSizes...), c.Concurrency...)
	sweepValues = append(sweepValues, c.InstanceCounts...)
	for _, v := range sweepValues {
		if v < 1 {
			return fmt.Errorf("%w: sweep values must be >= 1, got %d", ErrUsage, v)
		}
	}
	if c.MaxConcurrency < 1 || c.MaxInstanceCount < 1 || c.MaxBatchSize < 1 {
		return fmt.Errorf("%w: search maxima must be >= 1", ErrUsage)
	}
	if c.EquivalenceTolerancePct < 0 || c.EquivalenceTolerancePct >= 100 {
		return fmt.Errorf("%w: equivalence_tolerance_pct must be in [0, 100), got %g", ErrUsage, c.EquivalenceTolerancePct)
	}
	for _, dyn := range append([]*DynamicBatchingConfig{c.DynamicBatching}, modelBatching(c.Models)...) {
		if dyn == nil {
			continue
		}
		if dyn.MaxQueueDelayMicros < 0 {
			return fmt.Errorf("%w: max_queue_delay_us must be >= 0, got %d", ErrUsage, dyn.MaxQueueDelayMicros)
		}
		for _, b := range dyn.PreferredBatchSizes {
			if b < 1 {
				return fmt.Errorf("%w: preferred batch sizes must be >= 1, got %d", ErrUsage, b)
			}
		}
	}
	if c.MeasurementWindow <= 0 {
		return fmt.Errorf("%w: measurement_window must be positive", ErrUsage)
	}
	if c.TelemetryInterval <= 0 {
		return fmt.Errorf("%w: telemetry_interval must be positive", ErrUsage)
	}
	if f := c.GPUFrequencyMHz; f != 0 && (f < minGPUFrequencyMHz || f > maxGPUFrequencyMHz) {
		return fmt.Errorf("%w: gpu_frequency_mhz %d outside allowed range [%d, %d]",
			ErrUsage, f, minGPUFrequencyMHz, maxGPUFrequencyMHz)
	}
	return nil
}

func modelBatching(models []ModelConfig) []*DynamicBatchingConfig {
	out := make([]*DynamicBatchingConfig, 0, len(models))
	for _, m := range models {
		out = append(out, m.DynamicBatching)
	}
	return out
}

func hasConcurrencySweep(c *Config) bool {
	if len(c.Concurrency) > 0 && !(len(c.Concurrency) == 1 && c.Concurrency[0] == 1) {
		return true
	}
	for _, m := range c.Models {
		if len(m.Concurrency) > 0 {
			return true
		}
	}
	return false
}
