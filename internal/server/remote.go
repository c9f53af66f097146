package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Remote targets a pre-existing server this process does not own. Models
// must already be loaded; model control calls are rejected, and Stop never
// touches the server.
type Remote struct {
	log       *slog.Logger
	control   *HTTPControl
	probe     ReadyProbe
	readyWait time.Duration
}

// ReadyProbe abstracts the readiness check so the gRPC health protocol can
// stand in for the HTTP endpoint when the operator profiles over gRPC.
type ReadyProbe func(ctx context.Context) error

func NewRemote(log *slog.Logger, control *HTTPControl, probe ReadyProbe, readyWait time.Duration) *Remote {
	if probe == nil {
		probe = control.Ready
	}
	return &Remote{log: log, control: control, probe: probe, readyWait: readyWait}
}

func (s *Remote) Start(ctx context.Context) error {
	s.log.Info("using pre-existing server", "launch_mode", "remote")
	return nil
}

func (s *Remote) WaitReady(ctx context.Context) error {
	return waitFor(ctx, s.readyWait, 500*time.Millisecond, s.probe)
}

// LoadModel only verifies the model is already loaded; a remote server's
// repository is externally managed.
func (s *Remote) LoadModel(ctx context.Context, name string) error {
	st, err := s.control.Status(ctx)
	if err != nil {
		return fmt.Errorf("query remote status: %w", err)
	}
	if !st.ModelReady(name) {
		return fmt.Errorf("model %s is not loaded on the remote server", name)
	}
	return nil
}

func (s *Remote) UnloadModel(ctx context.Context, name string) error {
	// Leave remote repositories alone.
	return nil
}

func (s *Remote) Stop(ctx context.Context) error { return nil }

func (s *Remote) OwnsLifecycle() bool { return false }

func (s *Remote) SupportsModelControl() bool { return false }
