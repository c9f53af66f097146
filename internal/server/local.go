package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Local runs the inference server as a child process and owns its
// lifecycle for the duration of the sweep.
type Local struct {
	log        *slog.Logger
	binary     string
	repository string
	control    *HTTPControl
	readyWait  time.Duration
	outputPath string

	cmd     *exec.Cmd
	logFile *os.File
}

func NewLocal(log *slog.Logger, binary, repository string, control *HTTPControl, readyWait time.Duration, outputPath string) *Local {
	return &Local{
		log:        log,
		binary:     binary,
		repository: repository,
		control:    control,
		readyWait:  readyWait,
		outputPath: outputPath,
	}
}

func (s *Local) Start(ctx context.Context) error {
	args := []string{
		"--model-repository=" + s.repository,
		"--model-control-mode=explicit",
	}
	cmd := exec.CommandContext(ctx, s.binary, args...)

	if s.outputPath != "" {
		f, err := os.Create(s.outputPath)
		if err != nil {
			return fmt.Errorf("create server log %s: %w", s.outputPath, err)
		}
		s.logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start server %s: %w", s.binary, err)
	}
	s.cmd = cmd
	s.log.Info("server started", "launch_mode", "local", "binary", s.binary, "pid", cmd.Process.Pid)
	return nil
}

func (s *Local) WaitReady(ctx context.Context) error {
	return waitFor(ctx, s.readyWait, 500*time.Millisecond, s.control.Ready)
}

func (s *Local) LoadModel(ctx context.Context, name string) error {
	if err := s.control.Load(ctx, name); err != nil {
		return err
	}
	return waitFor(ctx, s.readyWait, 250*time.Millisecond, func(ctx context.Context) error {
		st, err := s.control.Status(ctx)
		if err != nil {
			return err
		}
		if !st.ModelReady(name) {
			return fmt.Errorf("model %s not ready", name)
		}
		return nil
	})
}

func (s *Local) UnloadModel(ctx context.Context, name string) error {
	return s.control.Unload(ctx, name)
}

func (s *Local) Stop(ctx context.Context) error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	defer func() {
		if s.logFile != nil {
			_ = s.logFile.Close()
		}
	}()

	_ = s.cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.log.Warn("server did not exit after interrupt, killing", "pid", s.cmd.Process.Pid)
		_ = s.cmd.Process.Kill()
		<-done
	case <-ctx.Done():
		_ = s.cmd.Process.Kill()
		<-done
	}
	s.log.Info("server stopped", "launch_mode", "local")
	s.cmd = nil
	return nil
}

func (s *Local) OwnsLifecycle() bool { return true }

func (s *Local) SupportsModelControl() bool { return true }
