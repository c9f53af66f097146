// Package analyze reads a checkpoint and renders the summary tables: one
// server-wide GPU table, one per-(model, config, GPU) metrics table and one
// per-(model, config) inference table. Column sets are a contract consumed
// by external harnesses and must stay stable for a given feature set.
package analyze

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/inferlab/model-profiler/internal/checkpoint"
	"github.com/inferlab/model-profiler/pkg/metrics"
)

// Column contracts, exported so tests can pin them.
var (
	ServerGPUHeader = []string{
		"gpu_uuid", "avg_utilization_pct", "max_memory_used_mib", "min_memory_free_mib", "max_bar1_used_mib",
	}
	ModelGPUHeader = []string{
		"model", "batch_size", "concurrency", "instance_count", "gpu_uuid",
		"avg_utilization_pct", "max_memory_used_mib",
	}
	InferenceHeader = []string{
		"model", "batch_size", "concurrency", "instance_count",
		"throughput_infer_per_sec", "latency_p50_ms", "latency_p95_ms", "latency_p99_ms",
	}
)

type ServerGPURow struct {
	UUID          string
	AvgUtil       float64
	MaxMemUsedMiB float64
	MinMemFreeMiB float64
	MaxBAR1MiB    float64
}

type ModelGPURow struct {
	Config        metrics.RunConfig
	UUID          string
	AvgUtil       float64
	MaxMemUsedMiB float64
}

type InferenceRow struct {
	Config     metrics.RunConfig
	Throughput float64
	LatencyMS  map[string]float64
}

// Report is the fully grouped view over one checkpoint.
type Report struct {
	ServerGPU []ServerGPURow
	ModelGPU  []ModelGPURow
	Inference []InferenceRow
}

// Build groups a checkpoint's measurements into the three tables. Row order
// is deterministic: models sorted by config key, GPUs by UUID.
func Build(cp *checkpoint.Checkpoint) *Report {
	r := &Report{}

	measurements := append([]metrics.Measurement(nil), cp.Measurements...)
	sort.SliceStable(measurements, func(i, j int) bool {
		return measurements[i].Config.Key() < measurements[j].Config.Key()
	})

	var allSamples []metrics.GPUSample
	for _, m := range measurements {
		allSamples = append(allSamples, m.GPUSamples...)

		r.Inference = append(r.Inference, InferenceRow{
			Config:     m.Config,
			Throughput: m.ThroughputInferPerSec,
			LatencyMS:  m.LatencyMS,
		})

		byGPU := lo.GroupBy(m.GPUSamples, func(s metrics.GPUSample) string { return s.DeviceUUID })
		for _, uuid := range sortedKeys(byGPU) {
			samples := byGPU[uuid]
			r.ModelGPU = append(r.ModelGPU, ModelGPURow{
				Config:        m.Config,
				UUID:          uuid,
				AvgUtil:       avgUtil(samples),
				MaxMemUsedMiB: maxOf(samples, func(s metrics.GPUSample) float64 { return s.MemoryUsedMiB }),
			})
		}
	}

	byGPU := lo.GroupBy(allSamples, func(s metrics.GPUSample) string { return s.DeviceUUID })
	for _, uuid := range sortedKeys(byGPU) {
		samples := byGPU[uuid]
		r.ServerGPU = append(r.ServerGPU, ServerGPURow{
			UUID:          uuid,
			AvgUtil:       avgUtil(samples),
			MaxMemUsedMiB: maxOf(samples, func(s metrics.GPUSample) float64 { return s.MemoryUsedMiB }),
			MinMemFreeMiB: minOf(samples, func(s metrics.GPUSample) float64 { return s.MemoryFreeMiB }),
			MaxBAR1MiB:    maxOf(samples, func(s metrics.GPUSample) float64 { return s.BAR1UsedMiB }),
		})
	}
	return r
}

// concurrencyColumn renders the load axis: request rate configs show the
// rate with a suffix so the two axes stay distinguishable in one column.
func concurrencyColumn(c metrics.RunConfig) string {
	if c.RequestRate > 0 {
		return fmt.Sprintf("%d/s", c.RequestRate)
	}
	return fmt.Sprintf("%d", c.Concurrency)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

func avgUtil(samples []metrics.GPUSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s.UtilizationPercent)
	}
	return sum / float64(len(samples))
}

func maxOf(samples []metrics.GPUSample, f func(metrics.GPUSample) float64) float64 {
	var max float64
	for _, s := range samples {
		if v := f(s); v > max {
			max = v
		}
	}
	return max
}

func minOf(samples []metrics.GPUSample, f func(metrics.GPUSample) float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	min := f(samples[0])
	for _, s := range samples[1:] {
		if v := f(s); v < min {
			min = v
		}
	}
	return min
}
