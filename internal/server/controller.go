// Package server controls the lifecycle and model control plane of the
// inference server under test. All launch modes implement the same
// Controller contract so the profiling state machine stays mode-agnostic.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotReady is returned while the server has not reported ready yet.
var ErrNotReady = errors.New("server not ready")

// Status is a snapshot of the server's model registry: model name to
// version to readiness.
type Status struct {
	Ready  bool
	Models map[string]map[string]bool
}

// ModelReady reports whether any version of the model is ready.
func (s Status) ModelReady(name string) bool {
	for _, ready := range s.Models[name] {
		if ready {
			return true
		}
	}
	return false
}

// Controller is the single contract the orchestrator drives, regardless of
// how the server was obtained.
type Controller interface {
	// Start launches the server process. No-op for pre-existing servers.
	Start(ctx context.Context) error
	// WaitReady blocks until the server reports ready or ctx expires.
	WaitReady(ctx context.Context) error
	// LoadModel asks the server to load the named model and waits for it
	// to become ready.
	LoadModel(ctx context.Context, name string) error
	// UnloadModel asks the server to unload the named model.
	UnloadModel(ctx context.Context, name string) error
	// Stop terminates the server if this process owns its lifecycle.
	Stop(ctx context.Context) error
	// OwnsLifecycle reports whether Stop actually stops anything. Remote
	// servers are externally owned and never touched.
	OwnsLifecycle() bool
	// SupportsModelControl reports whether load/unload calls are allowed.
	SupportsModelControl() bool
}

// waitFor polls fn until it returns nil, ctx is done, or deadline elapses.
func waitFor(ctx context.Context, deadline time.Duration, interval time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		if err := fn(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrNotReady, lastErr)
		case <-ticker.C:
		}
	}
}
