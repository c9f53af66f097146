// Package measure runs load-generation passes against one loaded model and
// reports throughput and latency statistics for a single run config.
package measure

import (
	"context"
	"time"

	"github.com/inferlab/model-profiler/pkg/metrics"
)

// Result is the outcome of one load-generation pass.
type Result struct {
	ThroughputInferPerSec float64
	LatencyMS             map[string]float64
	// Requests is the number of completed inferences inside the window.
	Requests int
	// Stable reports whether the window held enough samples for the
	// statistics to be trusted. The caller decides whether to retry with
	// an enlarged window.
	Stable bool
}

// Client runs one measurement pass for a run config over a fixed window.
type Client interface {
	Measure(ctx context.Context, cfg metrics.RunConfig, window time.Duration) (Result, error)
}
