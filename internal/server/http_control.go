package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPControl speaks the v2 repository/health control plane over HTTP.
// It is shared by every launch mode that can reach the server's HTTP port.
type HTTPControl struct {
	base   string
	client *http.Client
}

func NewHTTPControl(endpoint string) *HTTPControl {
	return &HTTPControl{
		base:   "http://" + endpoint,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPControl) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, body)
	}
	return nil
}

// Ready reports server liveness via the v2 health endpoint.
func (c *HTTPControl) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v2/health/ready", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPControl) Load(ctx context.Context, model string) error {
	return c.post(ctx, "/v2/repository/models/"+model+"/load")
}

func (c *HTTPControl) Unload(ctx context.Context, model string) error {
	return c.post(ctx, "/v2/repository/models/"+model+"/unload")
}

type repositoryEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	State   string `json:"state"`
}

// Status queries the repository index for per-model readiness.
func (c *HTTPControl) Status(ctx context.Context) (Status, error) {
	st := Status{Models: map[string]map[string]bool{}}

	if err := c.Ready(ctx); err == nil {
		st.Ready = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v2/repository/index", nil)
	if err != nil {
		return st, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("repository index: status %d", resp.StatusCode)
	}

	var entries []repositoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return st, fmt.Errorf("decode repository index: %w", err)
	}
	for _, e := range entries {
		if st.Models[e.Name] == nil {
			st.Models[e.Name] = map[string]bool{}
		}
		version := e.Version
		if version == "" {
			version = "1"
		}
		st.Models[e.Name][version] = e.State == "READY"
	}
	return st, nil
}
