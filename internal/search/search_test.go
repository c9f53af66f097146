package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferlab/model-profiler/internal/config"
	"github.com/inferlab/model-profiler/pkg/metrics"
)

// fakeResults models a throughput curve: rising in concurrency up to a
// saturation knee, scaled by instance count up to a ceiling.
type fakeResults struct {
	measured map[string]float64
	curve    func(cfg metrics.RunConfig) float64
}

func newFakeResults(curve func(cfg metrics.RunConfig) float64) *fakeResults {
	return &fakeResults{measured: map[string]float64{}, curve: curve}
}

func (f *fakeResults) Throughput(cfg metrics.RunConfig) (float64, bool) {
	t, ok := f.measured[cfg.Key()]
	return t, ok
}

func (f *fakeResults) record(cfg metrics.RunConfig) {
	f.measured[cfg.Key()] = f.curve(cfg)
}

// drain runs a strategy to completion, recording each proposed config.
func drain(t *testing.T, s Strategy, results *fakeResults, limit int) []metrics.RunConfig {
	t.Helper()
	var st State
	var proposed []metrics.RunConfig
	for i := 0; i < limit; i++ {
		cfg, err := s.Next(&st, results)
		require.NoError(t, err)
		if cfg == nil {
			return proposed
		}
		proposed = append(proposed, *cfg)
		results.record(*cfg)
	}
	t.Fatalf("strategy did not finish within %d steps", limit)
	return nil
}

func flatCurve(cfg metrics.RunConfig) float64 { return 100 }

func TestManualEnumeratesCartesianProduct(t *testing.T) {
	m := &Manual{Spec: ModelSpec{
		Name:        "resnet50",
		BatchSizes:  []int{1, 2},
		Concurrency: []int{1, 2},
	}}
	configs := drain(t, m, newFakeResults(flatCurve), 100)

	// 2 batches x 2 concurrency x 1 instance count.
	require.Len(t, configs, 4)

	// Lexicographic: batch outermost, then concurrency.
	assert.Equal(t, metrics.RunConfig{ModelName: "resnet50", BatchSize: 1, Concurrency: 1, InstanceCount: 1}, configs[0])
	assert.Equal(t, metrics.RunConfig{ModelName: "resnet50", BatchSize: 1, Concurrency: 2, InstanceCount: 1}, configs[1])
	assert.Equal(t, metrics.RunConfig{ModelName: "resnet50", BatchSize: 2, Concurrency: 1, InstanceCount: 1}, configs[2])
	assert.Equal(t, metrics.RunConfig{ModelName: "resnet50", BatchSize: 2, Concurrency: 2, InstanceCount: 1}, configs[3])
}

func TestManualIsDeterministic(t *testing.T) {
	spec := ModelSpec{
		Name:           "m",
		BatchSizes:     []int{4, 1, 2},
		Concurrency:    []int{8, 2},
		InstanceCounts: []int{2, 1},
	}
	first := drain(t, &Manual{Spec: spec}, newFakeResults(flatCurve), 100)
	second := drain(t, &Manual{Spec: spec}, newFakeResults(flatCurve), 100)
	assert.Equal(t, first, second)
}

func TestManualRequestRateAxis(t *testing.T) {
	m := &Manual{Spec: ModelSpec{
		Name:         "m",
		BatchSizes:   []int{1},
		RequestRates: []int{10, 20},
	}}
	configs := drain(t, m, newFakeResults(flatCurve), 100)
	require.Len(t, configs, 2)
	assert.Equal(t, 10, configs[0].RequestRate)
	assert.Zero(t, configs[0].Concurrency)
}

func TestManualCPUOnlyPinsInstances(t *testing.T) {
	m := &Manual{Spec: ModelSpec{
		Name:           "preproc",
		BatchSizes:     []int{1},
		Concurrency:    []int{1},
		InstanceCounts: []int{1, 2, 3},
		CPUOnly:        true,
	}}
	configs := drain(t, m, newFakeResults(flatCurve), 100)
	require.Len(t, configs, 1)
	assert.True(t, configs[0].CPUOnly)
	assert.Equal(t, 1, configs[0].InstanceCount)
}

func TestBuildPlansCarriesInstanceCounts(t *testing.T) {
	cfg := config.Default()
	cfg.InstanceCounts = []int{1, 2, 3}
	cfg.Models = []config.ModelConfig{
		{Name: "resnet50"},
		{Name: "bert", InstanceCounts: []int{2}},
	}

	plans, err := BuildPlans(cfg, cfg.Models)
	require.NoError(t, err)
	require.Len(t, plans, 2)

	// Sorted by name: bert keeps its own list, resnet50 inherits the
	// top-level one.
	assert.Equal(t, []int{2}, plans[0].Spec.InstanceCounts)
	assert.Equal(t, []int{1, 2, 3}, plans[1].Spec.InstanceCounts)

	// The manual sweep actually visits every requested instance count.
	configs := drain(t, plans[1].Strategy, newFakeResults(flatCurve), 100)
	require.Len(t, configs, 3)
	var instances []int
	for _, c := range configs {
		instances = append(instances, c.InstanceCount)
	}
	assert.Equal(t, []int{1, 2, 3}, instances)
}

func TestManualCarriesDynamicBatching(t *testing.T) {
	dyn := &metrics.DynamicBatching{MaxQueueDelayMicros: 100, PreferredBatchSizes: []int{4, 8}}
	m := &Manual{Spec: ModelSpec{
		Name:       "m",
		BatchSizes: []int{1},
		Batching:   dyn,
	}}
	configs := drain(t, m, newFakeResults(flatCurve), 100)
	require.Len(t, configs, 1)
	assert.Equal(t, dyn, configs[0].Batching)
	assert.Contains(t, configs[0].Key(), "|q100,4,8")
}

// kneeCurve saturates at the given concurrency knee.
func kneeCurve(knee int, perInstanceGain float64) func(cfg metrics.RunConfig) float64 {
	return func(cfg metrics.RunConfig) float64 {
		c := cfg.Concurrency
		if c > knee {
			c = knee
		}
		scale := 1 + perInstanceGain*float64(cfg.InstanceCount-1)
		return float64(c*100) * scale
	}
}

func TestQuickConvergesInLogarithmicSteps(t *testing.T) {
	q := &Quick{Spec: ModelSpec{
		Name:                    "m",
		BatchSizes:              []int{1},
		MaxConcurrency:          1024,
		MaxInstanceCount:        1,
		EquivalenceTolerancePct: 5,
	}}
	configs := drain(t, q, newFakeResults(kneeCurve(32, 0)), 1000)

	// Far fewer measurements than the 1024-point grid.
	assert.Less(t, len(configs), 25)

	// The knee must have been located: some measured config at or just
	// above the knee, and nothing anywhere near the max.
	for _, c := range configs {
		assert.LessOrEqual(t, c.Concurrency, 64)
	}
}

func TestQuickTieBreaksToLowerConcurrency(t *testing.T) {
	// Flat beyond concurrency 8: everything >= 8 performs identically.
	q := &Quick{Spec: ModelSpec{
		Name:                    "m",
		BatchSizes:              []int{1},
		MaxConcurrency:          64,
		MaxInstanceCount:        1,
		EquivalenceTolerancePct: 5,
	}}
	results := newFakeResults(kneeCurve(8, 0))
	var st State
	for {
		cfg, err := q.Next(&st, results)
		require.NoError(t, err)
		if cfg == nil {
			break
		}
		results.record(*cfg)
	}
	// The incumbent after refinement is the smallest equivalent point.
	assert.Equal(t, 8, st.BestConcurrency)
}

func TestQuickStopsAtSaturatedInstanceTier(t *testing.T) {
	// No gain from extra instances: tier 2 should end the search.
	q := &Quick{Spec: ModelSpec{
		Name:                    "m",
		BatchSizes:              []int{1},
		MaxConcurrency:          16,
		MaxInstanceCount:        5,
		EquivalenceTolerancePct: 5,
	}}
	configs := drain(t, q, newFakeResults(kneeCurve(4, 0)), 1000)

	maxInstances := 0
	for _, c := range configs {
		if c.InstanceCount > maxInstances {
			maxInstances = c.InstanceCount
		}
	}
	assert.Equal(t, 2, maxInstances)
}

func TestBruteSweepsCoarseGridThenRefines(t *testing.T) {
	b := &Brute{Spec: ModelSpec{
		Name:                    "m",
		BatchSizes:              []int{1},
		MaxConcurrency:          16,
		MaxInstanceCount:        2,
		EquivalenceTolerancePct: 5,
	}}
	configs := drain(t, b, newFakeResults(kneeCurve(6, 0.5)), 1000)

	// Coarse grid: 5 powers of two per tier, two tiers at least.
	var tier1, tier2 int
	for _, c := range configs {
		switch c.InstanceCount {
		case 1:
			tier1++
		case 2:
			tier2++
		}
	}
	assert.GreaterOrEqual(t, tier1, 5)
	assert.GreaterOrEqual(t, tier2, 5)

	// No duplicate proposals.
	seen := map[string]bool{}
	for _, c := range configs {
		key := c.Key()
		assert.False(t, seen[key], "config %s proposed twice", key)
		seen[key] = true
	}
}

func TestBruteSaturationEarlyExit(t *testing.T) {
	// Instances give nothing: tier 2 matches tier 1, so tier 3+ is skipped.
	b := &Brute{Spec: ModelSpec{
		Name:                    "m",
		BatchSizes:              []int{1},
		MaxConcurrency:          8,
		MaxInstanceCount:        5,
		EquivalenceTolerancePct: 5,
	}}
	configs := drain(t, b, newFakeResults(kneeCurve(4, 0)), 1000)

	for _, c := range configs {
		assert.LessOrEqual(t, c.InstanceCount, 2)
	}
}

func TestBruteRefinesAtBestBatch(t *testing.T) {
	// Batch 2 outperforms batch 8 on this model, so refinement must probe
	// at batch 2, not the largest requested batch.
	curve := func(cfg metrics.RunConfig) float64 {
		c := cfg.Concurrency
		if c > 4 {
			c = 4
		}
		if cfg.BatchSize > 2 {
			return float64(c * 50)
		}
		return float64(c * 100)
	}
	b := &Brute{Spec: ModelSpec{
		Name:                    "m",
		BatchSizes:              []int{2, 8},
		MaxConcurrency:          8,
		MaxInstanceCount:        1,
		EquivalenceTolerancePct: 5,
	}}
	configs := drain(t, b, newFakeResults(curve), 1000)

	// The coarse grid only holds power-of-two concurrency; concurrency 3 is
	// a refinement proposal.
	var refined []metrics.RunConfig
	for _, c := range configs {
		if c.Concurrency == 3 {
			refined = append(refined, c)
		}
	}
	require.NotEmpty(t, refined)
	for _, c := range refined {
		assert.Equal(t, 2, c.BatchSize)
	}
}

func TestBruteRequestRateMode(t *testing.T) {
	b := &Brute{Spec: ModelSpec{
		Name:                    "m",
		BatchSizes:              []int{1},
		RequestRates:            []int{100, 200},
		MaxConcurrency:          8,
		MaxInstanceCount:        1,
		EquivalenceTolerancePct: 5,
	}}
	configs := drain(t, b, newFakeResults(flatCurve), 1000)
	require.Len(t, configs, 2)
	for _, c := range configs {
		assert.NotZero(t, c.RequestRate)
		assert.Zero(t, c.Concurrency)
	}
}

func TestStateMarshalRoundTrips(t *testing.T) {
	st := &State{Index: 3, Phase: phaseBinary, Lo: 2, Hi: 9, BestConcurrency: 8}
	raw := st.Marshal()
	assert.Contains(t, string(raw), `"phase":"binary"`)
}
