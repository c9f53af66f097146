package measure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/inferlab/model-profiler/pkg/metrics"
)

// LoadGenerator drives the server's HTTP inference endpoint with a
// semaphore-bounded worker pool to hold a target concurrency (or pace a
// target request rate) for the measurement window.
type LoadGenerator struct {
	log        *slog.Logger
	base       string
	client     *http.Client
	minSamples int
}

func NewLoadGenerator(log *slog.Logger, endpoint string, minSamples int) *LoadGenerator {
	return &LoadGenerator{
		log:        log,
		base:       "http://" + endpoint,
		client:     &http.Client{},
		minSamples: minSamples,
	}
}

func (g *LoadGenerator) Measure(ctx context.Context, cfg metrics.RunConfig, window time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var (
		mu        sync.Mutex
		latencies []float64
	)
	record := func(d time.Duration) {
		mu.Lock()
		latencies = append(latencies, float64(d)/float64(time.Millisecond))
		mu.Unlock()
	}

	start := time.Now()
	var err error
	if cfg.RequestRate > 0 {
		err = g.paceRequests(ctx, cfg, record)
	} else {
		err = g.holdConcurrency(ctx, cfg, record)
	}
	if err != nil {
		return Result{}, err
	}
	elapsed := time.Since(start)

	res := Result{
		Requests:  len(latencies),
		LatencyMS: percentiles(latencies),
		Stable:    len(latencies) >= g.minSamples,
	}
	if elapsed > 0 {
		res.ThroughputInferPerSec = float64(len(latencies)*cfg.BatchSize) / elapsed.Seconds()
	}
	return res, nil
}

// holdConcurrency keeps exactly cfg.Concurrency requests in flight until
// the window closes.
func (g *LoadGenerator) holdConcurrency(ctx context.Context, cfg metrics.RunConfig, record func(time.Duration)) error {
	sem := semaphore.NewWeighted(int64(cfg.Concurrency))
	var grp errgroup.Group

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // window closed
		}
		grp.Go(func() error {
			defer sem.Release(1)
			d, err := g.infer(ctx, cfg)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			record(d)
			return nil
		})
	}
	return grp.Wait()
}

// paceRequests issues requests at a fixed rate regardless of completion.
func (g *LoadGenerator) paceRequests(ctx context.Context, cfg metrics.RunConfig, record func(time.Duration)) error {
	interval := time.Second / time.Duration(cfg.RequestRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var grp errgroup.Group
	for {
		select {
		case <-ctx.Done():
			return grp.Wait()
		case <-ticker.C:
			grp.Go(func() error {
				d, err := g.infer(ctx, cfg)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				record(d)
				return nil
			})
		}
	}
}

// inferBody builds a minimal v2 inference payload: one batched input of
// zeros, enough to exercise the configured batch size.
func inferBody(batch int) []byte {
	data := make([]byte, 0, 64+batch*2)
	data = append(data, []byte(`{"inputs":[{"name":"INPUT0","shape":[`)...)
	data = append(data, []byte(fmt.Sprintf("%d,1", batch))...)
	data = append(data, []byte(`],"datatype":"INT32","data":[`)...)
	for i := 0; i < batch; i++ {
		if i > 0 {
			data = append(data, ',')
		}
		data = append(data, '0')
	}
	data = append(data, []byte(`]}]}`)...)
	return data
}

func (g *LoadGenerator) infer(ctx context.Context, cfg metrics.RunConfig) (time.Duration, error) {
	url := g.base + "/v2/models/" + cfg.ModelName + "/infer"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(inferBody(cfg.BatchSize)))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("infer %s: status %d", cfg.ModelName, resp.StatusCode)
	}
	return time.Since(start), nil
}

// percentiles computes the latency statistics the reports expose. The
// input is consumed (sorted in place).
func percentiles(latencies []float64) map[string]float64 {
	out := map[string]float64{
		metrics.LatencyAvg: 0,
		metrics.LatencyP50: 0,
		metrics.LatencyP95: 0,
		metrics.LatencyP99: 0,
	}
	if len(latencies) == 0 {
		return out
	}
	sort.Float64s(latencies)

	var sum float64
	for _, v := range latencies {
		sum += v
	}
	out[metrics.LatencyAvg] = sum / float64(len(latencies))
	out[metrics.LatencyP50] = quantile(latencies, 0.50)
	out[metrics.LatencyP95] = quantile(latencies, 0.95)
	out[metrics.LatencyP99] = quantile(latencies, 0.99)
	return out
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
