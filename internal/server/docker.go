package server

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Docker runs the inference server in a container via the docker CLI.
type Docker struct {
	log        *slog.Logger
	image      string
	repository string
	control    *HTTPControl
	readyWait  time.Duration

	containerID string
}

func NewDocker(log *slog.Logger, image, repository string, control *HTTPControl, readyWait time.Duration) *Docker {
	return &Docker{
		log:        log,
		image:      image,
		repository: repository,
		control:    control,
		readyWait:  readyWait,
	}
}

func (s *Docker) Start(ctx context.Context) error {
	args := []string{
		"run", "--rm", "-d",
		"--gpus", "all",
		"--network", "host",
		"-v", s.repository + ":/models",
		s.image,
		"--model-repository=/models",
		"--model-control-mode=explicit",
	}
	out, err := exec.CommandContext(ctx, "docker", args...).Output()
	if err != nil {
		return fmt.Errorf("docker run %s: %w", s.image, err)
	}
	s.containerID = strings.TrimSpace(string(out))
	s.log.Info("server started", "launch_mode", "docker", "image", s.image, "container", short(s.containerID))
	return nil
}

func (s *Docker) WaitReady(ctx context.Context) error {
	return waitFor(ctx, s.readyWait, 500*time.Millisecond, s.control.Ready)
}

func (s *Docker) LoadModel(ctx context.Context, name string) error {
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

func (s *Docker) UnloadModel(ctx context.Context, name string) error {
	return s.control.Unload(ctx, name)
}

func (s *Docker) Stop(ctx context.Context) error {
	if s.containerID == "" {
		return nil
	}
	if err := exec.CommandContext(ctx, "docker", "stop", s.containerID).Run(); err != nil {
		return fmt.Errorf("docker stop %s: %w", short(s.containerID), err)
	}
	s.log.Info("server stopped", "launch_mode", "docker", "container", short(s.containerID))
	s.containerID = ""
	return nil
}

func (s *Docker) OwnsLifecycle() bool { return true }

func (s *Docker) SupportsModelControl() bool { return true }

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
