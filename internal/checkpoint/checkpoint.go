// Package checkpoint persists profiling progress as a directory of
// sequentially numbered snapshot files. Each file is a complete snapshot,
// never a diff, so resuming only ever reads the highest-numbered file.
// Prior files are retained: a crash mid-write cannot damage the last good
// checkpoint, and the sweep history stays inspectable.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/inferlab/model-profiler/pkg/metrics"
)

var (
	// ErrNotFound means the directory holds no checkpoint files.
	ErrNotFound = errors.New("no checkpoint found")
	// ErrDeviceMismatch means the GPUs recorded in the checkpoint differ
	// from the GPUs visible now; measurements would not be comparable.
	ErrDeviceMismatch = errors.New("checkpoint GPU devices do not match")
)

const fileExt = ".ckpt"

// formatVersion guards against loading snapshots written by an
// incompatible release.
const formatVersion = 1

// Checkpoint is an immutable snapshot of a profiling session. Append
// returns a new value instead of mutating, so a reader can keep using the
// prior state while new results accumulate.
type Checkpoint struct {
	Version int `json:"version"`
	// GPUUUIDs are the devices that produced every measurement below.
	GPUUUIDs     []string              `json:"gpu_uuids"`
	Measurements []metrics.Measurement `json:"measurements"`
	// CompletedModels lists models whose whole sweep finished.
	CompletedModels []string `json:"completed_models,omitempty"`
	// SearchStates carries each model's search cursor opaquely; the store
	// never interprets it.
	SearchStates map[string]json.RawMessage `json:"search_states,omitempty"`
}

// New returns an empty checkpoint bound to the given device set.
func New(gpuUUIDs []string) *Checkpoint {
	return &Checkpoint{Version: formatVersion, GPUUUIDs: gpuUUIDs}
}

// Has reports whether a measurement for the config is already recorded.
func (c *Checkpoint) Has(cfg metrics.RunConfig) bool {
	key := cfg.Key()
	for _, m := range c.Measurements {
		if m.Config.Key() == key {
			return true
		}
	}
	return false
}

// ModelComplete reports whether the model's sweep finished in a prior run.
func (c *Checkpoint) ModelComplete(name string) bool {
	return lo.Contains(c.CompletedModels, name)
}

// Append returns a copy of the checkpoint with results merged in. Results
// whose config is already recorded are dropped, keeping measurements
// at-most-once. Order of completion is preserved.
func (c *Checkpoint) Append(results ...metrics.Measurement) *Checkpoint {
	next := &Checkpoint{
		Version:         c.Version,
		GPUUUIDs:        c.GPUUUIDs,
		Measurements:    make([]metrics.Measurement, len(c.Measurements), len(c.Measurements)+len(results)),
		CompletedModels: append([]string(nil), c.CompletedModels...),
		SearchStates:    c.SearchStates,
	}
	copy(next.Measurements, c.Measurements)
	for _, r := range results {
		if !next.Has(r.Config) {
			next.Measurements = append(next.Measurements, r)
		}
	}
	return next
}

// MarkComplete returns a copy with the model recorded as fully swept and
// its final search state attached.
func (c *Checkpoint) MarkComplete(model string, state json.RawMessage) *Checkpoint {
	next := c.Append()
	if !lo.Contains(next.CompletedModels, model) {
		next.CompletedModels = append(next.CompletedModels, model)
	}
	states := make(map[string]json.RawMessage, len(c.SearchStates)+1)
	for k, v := range c.SearchStates {
		states[k] = v
	}
	if state != nil {
		states[model] = state
	}
	next.SearchStates = states
	return next
}

// ValidateDevices fails closed when the currently visible GPUs differ from
// the set the checkpoint was recorded on.
func (c *Checkpoint) ValidateDevices(current []string) error {
	recorded := append([]string(nil), c.GPUUUIDs...)
	visible := append([]string(nil), current...)
	sort.Strings(recorded)
	sort.Strings(visible)
	if len(recorded) != len(visible) {
		return fmt.Errorf("%w: checkpoint has %d GPUs %v, current run has %d GPUs %v",
			ErrDeviceMismatch, len(recorded), recorded, len(visible), visible)
	}
	for i := range recorded {
		if recorded[i] != visible[i] {
			return fmt.Errorf("%w: checkpoint GPUs %v, current GPUs %v",
				ErrDeviceMismatch, recorded, visible)
		}
	}
	return nil
}

// Load reads the highest-numbered checkpoint file in dir. A corrupted file
// is a hard error, never silently skipped.
func Load(dir string) (*Checkpoint, error) {
	seq, err := latestSequence(dir)
	if err != nil {
		return nil, err
	}
	if seq < 0 {
		return nil, ErrNotFound
	}
	path := filepath.Join(dir, strconv.Itoa(seq)+fileExt)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint %s is corrupted: %w", path, err)
	}
	if cp.Version != formatVersion {
		return nil, fmt.Errorf("checkpoint %s has unsupported version %d", path, cp.Version)
	}
	return &cp, nil
}

// Flush writes the checkpoint as the next-numbered file and returns the
// sequence id. Existing files are never overwritten.
func Flush(cp *Checkpoint, dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create checkpoint dir: %w", err)
	}
	seq, err := latestSequence(dir)
	if err != nil {
		return 0, err
	}
	seq++

	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode checkpoint: %w", err)
	}

	// Write through a temp file so a crash mid-write never leaves a
	// half-written numbered file behind.
	path := filepath.Join(dir, strconv.Itoa(seq)+fileExt)
	tmp, err := os.CreateTemp(dir, "ckpt-*")
	if err != nil {
		return 0, err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("finalize checkpoint %s: %w", path, err)
	}
	return seq, nil
}

// latestSequence returns the highest checkpoint number in dir, or -1 when
// none exist. A missing directory counts as empty.
func latestSequence(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return -1, fmt.Errorf("read checkpoint dir %s: %w", dir, err)
	}
	max := -1
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}
