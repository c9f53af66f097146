// Package search decides which run config to measure next. Every strategy
// is a pure function of (model spec, search state, results so far): calling
// Next with the same inputs always yields the same config, which keeps
// sweeps reproducible and resumable.
package search

import (
	"encoding/json"
	"fmt"

	"github.com/inferlab/model-profiler/internal/config"
	"github.com/inferlab/model-profiler/pkg/metrics"
)

// ModelSpec bounds the search space for one model.
type ModelSpec struct {
	Name           string
	BatchSizes     []int
	Concurrency    []int
	RequestRates   []int
	InstanceCounts []int
	// Batching pins the dynamic batcher for every proposed config.
	Batching *metrics.DynamicBatching
	// CPUOnly pins the model out of GPU instance-count dimensions.
	CPUOnly bool

	MaxConcurrency   int
	MaxInstanceCount int
	MaxBatchSize     int
	// EquivalenceTolerancePct is the band within which two configs count
	// as performing equally; ties go to the lower concurrency.
	EquivalenceTolerancePct float64
}

// Results exposes completed measurements to the search, keyed by config.
type Results interface {
	Throughput(cfg metrics.RunConfig) (float64, bool)
}

// State is the per-model search cursor. It is owned by the strategy and
// serialized opaquely into checkpoints.
type State struct {
	// Index is the enumeration cursor for list-driven phases.
	Index int `json:"index"`
	// Phase tracks multi-phase strategies (brute sweep -> refine).
	Phase string `json:"phase,omitempty"`
	// Binary-search bounds over the concurrency axis.
	Lo int `json:"lo,omitempty"`
	Hi int `json:"hi,omitempty"`
	// Instance-count tier for brute and quick search.
	Instances int `json:"instances,omitempty"`
	// BestThroughput/BestConcurrency/BestInstances/BestBatch track the
	// incumbent during refinement.
	BestThroughput  float64 `json:"best_throughput,omitempty"`
	BestConcurrency int     `json:"best_concurrency,omitempty"`
	BestInstances   int     `json:"best_instances,omitempty"`
	BestBatch       int     `json:"best_batch,omitempty"`
	// PrevTierBest is the best throughput of the previous instance tier,
	// used for saturation early-exit.
	PrevTierBest float64 `json:"prev_tier_best,omitempty"`
	Done         bool    `json:"done,omitempty"`
}

// Marshal serializes the state for checkpointing.
func (s *State) Marshal() json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// Strategy yields the next config to measure, or nil when the model's
// sweep is complete.
type Strategy interface {
	Next(st *State, results Results) (*metrics.RunConfig, error)
}

// New builds the strategy selected by mode.
func New(mode string, spec ModelSpec) (Strategy, error) {
	switch mode {
	case config.SearchManual:
		return &Manual{Spec: spec}, nil
	case config.SearchBrute:
		return &Brute{Spec: spec}, nil
	case config.SearchQuick:
		return &Quick{Spec: spec}, nil
	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}
}

// withinTolerance reports whether candidate performs at least as well as
// incumbent up to the equivalence band.
func withinTolerance(candidate, incumbent, tolerancePct float64) bool {
	if incumbent <= 0 {
		return candidate >= 0
	}
	return candidate >= incumbent*(1-tolerancePct/100)
}

// improves reports a strict improvement beyond the equivalence band.
func improves(candidate, incumbent, tolerancePct float64) bool {
	if incumbent <= 0 {
		return candidate > 0
	}
	return candidate > incumbent*(1+tolerancePct/100)
}

// powersOfTwo returns 1, 2, 4, ... up to and including limit's bracket.
func powersOfTwo(limit int) []int {
	var out []int
	for v := 1; v <= limit; v *= 2 {
		out = append(out, v)
	}
	return out
}
