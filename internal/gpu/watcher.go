package gpu

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inferlab/model-profiler/pkg/metrics"
)

// SampleFunc produces one telemetry reading per watched device. Injected so
// the watcher is testable without nvidia-smi on the machine.
type SampleFunc func(ctx context.Context) ([]metrics.GPUSample, error)

// Watcher samples GPU telemetry on its own timer while a measurement is in
// flight. It never blocks the measurement it observes: sampling errors are
// logged and the tick skipped.
type Watcher struct {
	log      *slog.Logger
	sample   SampleFunc
	interval time.Duration

	mu      sync.Mutex
	samples []metrics.GPUSample

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatcher(log *slog.Logger, sample SampleFunc, interval time.Duration) *Watcher {
	return &Watcher{log: log, sample: sample, interval: interval}
}

// Start begins periodic sampling until Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				samples, err := w.sample(ctx)
				if err != nil {
					if ctx.Err() == nil {
						w.log.Warn("gpu sample failed", "error", err)
					}
					continue
				}
				w.mu.Lock()
				w.samples = append(w.samples, samples...)
				w.mu.Unlock()
			}
		}
	}()
}

// Stop halts sampling with a bounded join and returns every sample collected
// since the last Drain, handed back atomically.
func (w *Watcher) Stop() []metrics.GPUSample {
	if w.cancel != nil {
		w.cancel()
		select {
		case <-w.done:
		case <-time.After(time.Second):
			w.log.Warn("gpu watcher did not stop in time")
		}
	}
	return w.Drain()
}

// Drain returns the collected samples and resets the buffer.
func (w *Watcher) Drain() []metrics.GPUSample {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.samples
	w.samples = nil
	return out
}
