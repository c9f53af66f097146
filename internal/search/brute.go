package search

import (
	"github.com/inferlab/model-profiler/pkg/metrics"
)

// Brute sweeps instance counts tier by tier, enumerating batch sizes and a
// coarse power-of-two concurrency (or the user's request rates) within each
// tier. A tier that fails to improve on the previous one ends the sweep
// early, and a binary refinement pass then narrows the concurrency axis
// around the best coarse point.
type Brute struct {
	Spec ModelSpec
}

const (
	phaseSweep  = "sweep"
	phaseRefine = "refine"
)

// tierConfigs enumerates the coarse grid for one instance-count tier, in
// deterministic order.
func (b *Brute) tierConfigs(instances int) []metrics.RunConfig {
	batches := b.Spec.BatchSizes
	if len(batches) == 0 {
		batches = powersOfTwo(b.Spec.MaxBatchSize)
	}
	batches = sortedOrDefault(batches, 1)

	var configs []metrics.RunConfig
	if len(b.Spec.RequestRates) > 0 {
		for _, batch := range batches {
			for _, rate := range sortedOrDefault(b.Spec.RequestRates, 1) {
				configs = append(configs, metrics.RunConfig{
					ModelName:     b.Spec.Name,
					BatchSize:     batch,
					RequestRate:   rate,
					InstanceCount: instances,
					Batching:      b.Spec.Batching,
					CPUOnly:       b.Spec.CPUOnly,
				})
			}
		}
		return configs
	}
	for _, batch := range batches {
		for _, conc := range powersOfTwo(b.Spec.MaxConcurrency) {
			configs = append(configs, metrics.RunConfig{
				ModelName:     b.Spec.Name,
				BatchSize:     batch,
				Concurrency:   conc,
				InstanceCount: instances,
				Batching:      b.Spec.Batching,
				CPUOnly:       b.Spec.CPUOnly,
			})
		}
	}
	return configs
}

func (b *Brute) maxInstances() int {
	if b.Spec.CPUOnly {
		return 1
	}
	return b.Spec.MaxInstanceCount
}

func (b *Brute) Next(st *State, results Results) (*metrics.RunConfig, error) {
	if st.Done {
		return nil, nil
	}
	if st.Phase == "" {
		st.Phase = phaseSweep
		st.Instances = 1
	}

	for st.Phase == phaseSweep {
		tier := b.tierConfigs(st.Instances)
		if st.Index < len(tier) {
			cfg := tier[st.Index]
			st.Index++
			return &cfg, nil
		}

		// Tier finished: fold its best into the incumbent and decide
		// whether another instance count is worth measuring.
		tierBest, bestCfg := bestOf(tier, results)
		if tierBest > st.BestThroughput {
			st.BestThroughput = tierBest
			st.BestConcurrency = bestCfg.Concurrency
			st.BestInstances = st.Instances
			st.BestBatch = bestCfg.BatchSize
		}
		saturated := st.Instances > 1 &&
			!improves(tierBest, st.PrevTierBest, b.Spec.EquivalenceTolerancePct)
		st.PrevTierBest = tierBest

		if saturated || st.Instances >= b.maxInstances() {
			if len(b.Spec.RequestRates) > 0 || st.BestConcurrency <= 1 {
				st.Done = true
				return nil, nil
			}
			st.Phase = phaseRefine
			st.Lo = st.BestConcurrency/2 + 1
			st.Hi = st.BestConcurrency - 1
			break
		}
		st.Instances++
		st.Index = 0
	}

	// Refinement: binary search for the smallest concurrency that still
	// performs within tolerance of the best coarse point.
	for st.Lo <= st.Hi {
		mid := (st.Lo + st.Hi) / 2
		cfg := b.refineConfig(st, mid)
		t, measured := results.Throughput(cfg)
		if !measured {
			return &cfg, nil
		}
		if withinTolerance(t, st.BestThroughput, b.Spec.EquivalenceTolerancePct) {
			st.BestConcurrency = mid
			st.Hi = mid - 1
		} else {
			st.Lo = mid + 1
		}
	}
	st.Done = true
	return nil, nil
}

// refineConfig narrows concurrency at the batch and instance count of the
// best coarse config, so refinement compares against the incumbent's curve.
func (b *Brute) refineConfig(st *State, concurrency int) metrics.RunConfig {
	batch := st.BestBatch
	if batch == 0 {
		batches := sortedOrDefault(b.Spec.BatchSizes, 1)
		batch = batches[len(batches)-1]
	}
	return metrics.RunConfig{
		ModelName:     b.Spec.Name,
		BatchSize:     batch,
		Concurrency:   concurrency,
		InstanceCount: st.BestInstances,
		Batching:      b.Spec.Batching,
		CPUOnly:       b.Spec.CPUOnly,
	}
}

// bestOf picks the highest measured throughput among configs.
func bestOf(configs []metrics.RunConfig, results Results) (float64, metrics.RunConfig) {
	var best float64
	var bestCfg metrics.RunConfig
	for _, cfg := range configs {
		if t, ok := results.Throughput(cfg); ok && t > best {
			best = t
			bestCfg = cfg
		}
	}
	return best, bestCfg
}
