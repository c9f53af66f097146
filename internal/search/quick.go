package search

import (
	"github.com/inferlab/model-profiler/pkg/metrics"
)

// Quick converges on a near-optimal concurrency in O(log n) measurements
// instead of enumerating the grid. Per instance-count tier it doubles
// concurrency until throughput stops improving, then binary searches the
// last doubling interval for the smallest concurrency still within the
// equivalence tolerance of the best observed throughput. Ties always go to
// the lower concurrency so the recommendation is never needlessly heavy.
type Quick struct {
	Spec ModelSpec
}

const (
	phaseExpand = "expand"
	phaseBinary = "binary"
)

func (q *Quick) batch() int {
	batches := sortedOrDefault(q.Spec.BatchSizes, 1)
	return batches[len(batches)-1]
}

func (q *Quick) config(instances, concurrency int) metrics.RunConfig {
	return metrics.RunConfig{
		ModelName:     q.Spec.Name,
		BatchSize:     q.batch(),
		Concurrency:   concurrency,
		InstanceCount: instances,
		Batching:      q.Spec.Batching,
		CPUOnly:       q.Spec.CPUOnly,
	}
}

func (q *Quick) maxInstances() int {
	if q.Spec.CPUOnly {
		return 1
	}
	return q.Spec.MaxInstanceCount
}

func (q *Quick) Next(st *State, results Results) (*metrics.RunConfig, error) {
	if st.Done {
		return nil, nil
	}
	if st.Phase == "" {
		st.Phase = phaseExpand
		st.Instances = 1
		st.Lo = 1
	}

	for {
		switch st.Phase {
		case phaseExpand:
			// st.Lo is the next power-of-two concurrency to try.
			c := st.Lo
			if c > q.Spec.MaxConcurrency {
				// Axis exhausted while still improving: refine below
				// the incumbent.
				st.Phase = phaseBinary
				st.Lo = st.BestConcurrency/2 + 1
				st.Hi = st.BestConcurrency - 1
				continue
			}
			cfg := q.config(st.Instances, c)
			t, measured := results.Throughput(cfg)
			if !measured {
				return &cfg, nil
			}
			if improves(t, st.BestThroughput, q.Spec.EquivalenceTolerancePct) || st.BestConcurrency == 0 {
				st.BestThroughput = t
				st.BestConcurrency = c
				st.BestInstances = st.Instances
				st.Lo = c * 2
				continue
			}
			// Stopped improving: the knee lies between the incumbent
			// and this concurrency.
			st.Phase = phaseBinary
			st.Hi = c - 1
			st.Lo = st.BestConcurrency/2 + 1

		case phaseBinary:
			if st.Lo > st.Hi {
				if q.nextTier(st, results) {
					continue
				}
				st.Done = true
				return nil, nil
			}
			mid := (st.Lo + st.Hi) / 2
			cfg := q.config(st.Instances, mid)
			t, measured := results.Throughput(cfg)
			if !measured {
				return &cfg, nil
			}
			if withinTolerance(t, st.BestThroughput, q.Spec.EquivalenceTolerancePct) {
				st.BestConcurrency = mid
				st.Hi = mid - 1
			} else {
				st.Lo = mid + 1
			}
		}
	}
}

// nextTier advances to the next instance count unless the current tier
// failed to improve on the previous one. Returns false when the search is
// finished.
func (q *Quick) nextTier(st *State, results Results) bool {
	tierBest := st.BestThroughput
	if st.Instances > 1 && !improves(tierBest, st.PrevTierBest, q.Spec.EquivalenceTolerancePct) {
		return false
	}
	if st.Instances >= q.maxInstances() {
		return false
	}
	st.PrevTierBest = tierBest
	st.Instances++
	st.Phase = phaseExpand
	st.Lo = 1
	st.Hi = 0
	// The incumbent is per tier; the report stage picks the overall best
	// across every recorded measurement.
	st.BestThroughput = 0
	st.BestConcurrency = 0
	return true
}
