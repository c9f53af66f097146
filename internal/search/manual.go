package search

import (
	"sort"

	"github.com/samber/lo"

	"github.com/inferlab/model-profiler/pkg/metrics"
)

// Manual enumerates exactly the user-specified Cartesian product of batch
// sizes x (concurrency | request rates) x instance counts, in lexicographic
// order so two runs with the same input measure the same set in the same
// order.
type Manual struct {
	Spec ModelSpec
}

func (m *Manual) space() []metrics.RunConfig {
	batches := sortedOrDefault(m.Spec.BatchSizes, 1)
	instances := sortedOrDefault(m.Spec.InstanceCounts, 1)
	if m.Spec.CPUOnly {
		instances = []int{1}
	}

	var configs []metrics.RunConfig
	if len(m.Spec.RequestRates) > 0 {
		rates := sortedOrDefault(m.Spec.RequestRates, 1)
		for _, b := range batches {
			for _, r := range rates {
				for _, i := range instances {
					configs = append(configs, metrics.RunConfig{
						ModelName:     m.Spec.Name,
						BatchSize:     b,
						RequestRate:   r,
						InstanceCount: i,
						Batching:      m.Spec.Batching,
						CPUOnly:       m.Spec.CPUOnly,
					})
				}
			}
		}
		return configs
	}

	concurrency := sortedOrDefault(m.Spec.Concurrency, 1)
	for _, b := range batches {
		for _, c := range concurrency {
			for _, i := range instances {
				configs = append(configs, metrics.RunConfig{
					ModelName:     m.Spec.Name,
					BatchSize:     b,
					Concurrency:   c,
					InstanceCount: i,
					Batching:      m.Spec.Batching,
					CPUOnly:       m.Spec.CPUOnly,
				})
			}
		}
	}
	return configs
}

func (m *Manual) Next(st *State, _ Results) (*metrics.RunConfig, error) {
	configs := m.space()
	if st.Index >= len(configs) {
		st.Done = true
		return nil, nil
	}
	cfg := configs[st.Index]
	st.Index++
	return &cfg, nil
}

func sortedOrDefault(values []int, def int) []int {
	if len(values) == 0 {
		return []int{def}
	}
	out := lo.Uniq(values)
	sort.Ints(out)
	return out
}
