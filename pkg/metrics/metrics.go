package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DynamicBatching holds the dynamic batcher parameters of a run config.
// A nil value on RunConfig means the batcher is left at server defaults.
type DynamicBatching struct {
	MaxQueueDelayMicros int   `json:"max_queue_delay_us"`
	PreferredBatchSizes []int `json:"preferred_batch_sizes,omitempty"`
}

// RunConfig describes one concrete way to run a model. It is a value:
// produced by the search engine and never mutated afterwards. Two RunConfigs
// are equal iff all fields match, which is what Key reports.
type RunConfig struct {
	ModelName     string           `json:"model_name"`
	BatchSize     int              `json:"batch_size"`
	Concurrency   int              `json:"concurrency"`
	RequestRate   int              `json:"request_rate,omitempty"`
	InstanceCount int              `json:"instance_count"`
	Batching      *DynamicBatching `json:"dynamic_batching,omitempty"`
	CPUOnly       bool             `json:"cpu_only,omitempty"`
}

// Key returns a canonical identity string for the config, used for
// at-most-once bookkeeping in checkpoints and for deterministic ordering.
func (c RunConfig) Key() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|b%d|i%d", c.ModelName, c.BatchSize, c.InstanceCount)
	if c.RequestRate > 0 {
		fmt.Fprintf(&sb, "|r%d", c.RequestRate)
	} else {
		fmt.Fprintf(&sb, "|c%d", c.Concurrency)
	}
	if c.Batching != nil {
		fmt.Fprintf(&sb, "|q%d", c.Batching.MaxQueueDelayMicros)
		if len(c.Batching.PreferredBatchSizes) > 0 {
			pref := make([]int, len(c.Batching.PreferredBatchSizes))
			copy(pref, c.Batching.PreferredBatchSizes)
			sort.Ints(pref)
			for _, p := range pref {
				fmt.Fprintf(&sb, ",%d", p)
			}
		}
	}
	if c.CPUOnly {
		sb.WriteString("|cpu")
	}
	return sb.String()
}

// GPUSample is one telemetry reading for a single device, taken while a
// measurement was in flight.
type GPUSample struct {
	DeviceUUID         string    `json:"device_uuid"`
	UtilizationPercent int       `json:"utilization_percent"`
	MemoryUsedMiB      float64   `json:"memory_used_mib"`
	MemoryFreeMiB      float64   `json:"memory_free_mib"`
	BAR1UsedMiB        float64   `json:"bar1_used_mib"`
	BAR1FreeMiB        float64   `json:"bar1_free_mib"`
	Timestamp          time.Time `json:"timestamp"`
}

// Latency percentile keys used in Measurement.LatencyMS.
const (
	LatencyAvg = "avg"
	LatencyP50 = "p50"
	LatencyP95 = "p95"
	LatencyP99 = "p99"
)

// Measurement is the immutable outcome of running one RunConfig once.
type Measurement struct {
	Config RunConfig `json:"config"`

	ThroughputInferPerSec float64            `json:"throughput_infer_per_sec"`
	LatencyMS             map[string]float64 `json:"latency_ms"`

	// GPUSamples holds every telemetry reading taken during the
	// measurement window, in sampling order.
	GPUSamples []GPUSample `json:"gpu_samples,omitempty"`

	// WindowMillis is the measurement window that actually produced the
	// result; WindowWidened is set when the window had to be enlarged
	// because the first pass was statistically unstable.
	WindowMillis  int  `json:"window_ms"`
	WindowWidened bool `json:"window_widened,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
