package search

import (
	"sort"

	"github.com/inferlab/model-profiler/internal/config"
	"github.com/inferlab/model-profiler/pkg/metrics"
)

// ModelPlan pairs a model with its strategy and live state for one sweep.
type ModelPlan struct {
	Spec     ModelSpec
	Strategy Strategy
	State    State
}

// BuildPlans constructs the per-model search plans for a profiling run.
// Models are ordered by name so the measured config set is deterministic.
// When several models are profiled together the plans share the server, so
// cross-model contention shows up in the recorded telemetry; CPU-only
// sub-models keep a fixed single instance and stay out of GPU dimensions.
func BuildPlans(cfg *config.Config, models []config.ModelConfig) ([]*ModelPlan, error) {
	sorted := append([]config.ModelConfig(nil), models...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	plans := make([]*ModelPlan, 0, len(sorted))
	for _, m := range sorted {
		batching := m.DynamicBatching
		if batching == nil {
			batching = cfg.DynamicBatching
		}
		spec := ModelSpec{
			Name:                    m.Name,
			BatchSizes:              firstNonEmpty(m.BatchSizes, cfg.BatchSizes),
			Concurrency:             firstNonEmpty(m.Concurrency, cfg.Concurrency),
			InstanceCounts:          firstNonEmpty(m.InstanceCounts, cfg.InstanceCounts),
			RequestRates:            cfg.RequestRates,
			Batching:                toBatching(batching),
			CPUOnly:                 m.CPUOnly,
			MaxConcurrency:          cfg.MaxConcurrency,
			MaxInstanceCount:        cfg.MaxInstanceCount,
			MaxBatchSize:            cfg.MaxBatchSize,
			EquivalenceTolerancePct: cfg.EquivalenceTolerancePct,
		}
		strategy, err := New(cfg.SearchMode, spec)
		if err != nil {
			return nil, err
		}
		plans = append(plans, &ModelPlan{Spec: spec, Strategy: strategy})
	}
	return plans, nil
}

func firstNonEmpty(a, b []int) []int {
	if len(a) > 0 {
		return a
	}
	return b
}

func toBatching(c *config.DynamicBatchingConfig) *metrics.DynamicBatching {
	if c == nil {
		return nil
	}
	return &metrics.DynamicBatching{
		MaxQueueDelayMicros: c.MaxQueueDelayMicros,
		PreferredBatchSizes: c.PreferredBatchSizes,
	}
}
