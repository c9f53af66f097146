package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Models = []ModelConfig{{Name: "resnet50"}}
	cfg.ServerPath = "/opt/server/bin/server"
	return cfg
}

func TestDefaultsAreValidWithModels(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	content := `
launch_mode: remote
search_mode: quick
checkpoint_dir: /tmp/ckpt
instance_counts: [1, 2]
profile_models:
  - name: resnet50
    batch_sizes: [1, 4]
    instance_counts: [1, 2, 4]
  - name: preproc
    cpu_only: true
measurement_window: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, LaunchRemote, cfg.LaunchMode)
	assert.Equal(t, SearchQuick, cfg.SearchMode)
	assert.Equal(t, 10*time.Second, cfg.MeasurementWindow)
	require.Len(t, cfg.Models, 2)
	assert.Equal(t, []int{1, 4}, cfg.Models[0].BatchSizes)
	assert.Equal(t, []int{1, 2, 4}, cfg.Models[0].InstanceCounts)
	assert.Equal(t, []int{1, 2}, cfg.InstanceCounts)
	assert.True(t, cfg.Models[1].CPUOnly)

	// File values land on top of defaults.
	assert.Equal(t, 3, cfg.CheckpointInterval)
}

func TestLoadMissingFileIsUsageError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, ErrUsage)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad launch mode", func(c *Config) { c.LaunchMode = "warp" }},
		{"bad protocol", func(c *Config) { c.Protocol = "carrier-pigeon" }},
		{"bad search mode", func(c *Config) { c.SearchMode = "exhaustive" }},
		{"no models", func(c *Config) { c.Models = nil; c.ModelRepository = "" }},
		{"local without binary", func(c *Config) { c.ServerPath = "" }},
		{"docker without image", func(c *Config) { c.LaunchMode = LaunchDocker; c.ServerImage = "" }},
		{"zero checkpoint interval", func(c *Config) { c.CheckpointInterval = 0 }},
		{"negative batch size", func(c *Config) { c.BatchSizes = []int{0} }},
		{"zero instance count", func(c *Config) { c.InstanceCounts = []int{0} }},
		{"zero window", func(c *Config) { c.MeasurementWindow = 0 }},
		{"tolerance out of range", func(c *Config) { c.EquivalenceTolerancePct = 100 }},
		{"conflicting sweep axes", func(c *Config) {
			c.RequestRates = []int{100}
			c.Concurrency = []int{2, 4}
		}},
		{"negative queue delay", func(c *Config) {
			c.DynamicBatching = &DynamicBatchingConfig{MaxQueueDelayMicros: -1}
		}},
		{"bad preferred batch size", func(c *Config) {
			c.Models[0].DynamicBatching = &DynamicBatchingConfig{PreferredBatchSizes: []int{0}}
		}},
		{"frequency below range", func(c *Config) { c.GPUFrequencyMHz = 10 }},
		{"frequency above range", func(c *Config) { c.GPUFrequencyMHz = 99999 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrUsage)
		})
	}
}

func TestValidateAllowsFrequencyInRange(t *testing.T) {
	cfg := validConfig()
	cfg.GPUFrequencyMHz = 1410
	require.NoError(t, cfg.Validate())
}

func TestRequestRatesAloneAreValid(t *testing.T) {
	cfg := validConfig()
	cfg.RequestRates = []int{100, 200}
	cfg.Concurrency = []int{1}
	require.NoError(t, cfg.Validate())
}
