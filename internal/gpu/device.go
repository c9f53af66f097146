package gpu

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Device identifies one GPU by its stable UUID. Index is the nvidia-smi
// enumeration index valid for the current boot only; UUID is what gets
// persisted in checkpoints.
type Device struct {
	UUID           string
	Index          int
	Name           string
	MemoryTotalMiB float64
}

// IsUnavailable reports whether an enumeration error just means the machine
// has no NVIDIA tooling at all, as opposed to a broken driver. Callers may
// treat the former as "no GPUs" and must surface the latter.
func IsUnavailable(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

// SupportedDevices enumerates all GPUs visible to nvidia-smi.
func SupportedDevices(ctx context.Context) ([]Device, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=uuid,index,name,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, fmt.Errorf("enumerate gpus: %w", err)
	}
	var devices []Device
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("unexpected nvidia-smi output line: %q", line)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("parse gpu index from %q: %w", line, err)
		}
		mem, _ := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		devices = append(devices, Device{
			UUID:           strings.TrimSpace(parts[0]),
			Index:          idx,
			Name:           strings.TrimSpace(parts[2]),
			MemoryTotalMiB: mem,
		})
	}
	return devices, nil
}

// SelectDevices applies the selection precedence: an explicit UUID list
// overrides the visible-devices environment value, which overrides "all".
// visibleEnv is the raw value of the visible-devices variable (comma
// separated indices or UUIDs), passed in by the caller.
func SelectDevices(all []Device, requested []string, visibleEnv string) ([]Device, error) {
	if len(requested) > 0 && !(len(requested) == 1 && requested[0] == "all") {
		var selected []Device
		for _, want := range requested {
			dev, ok := lo.Find(all, func(d Device) bool { return d.UUID == want })
			if !ok {
				return nil, fmt.Errorf("requested gpu %q not visible on this machine", want)
			}
			selected = append(selected, dev)
		}
		return selected, nil
	}

	if visibleEnv != "" {
		var selected []Device
		for _, tok := range strings.Split(visibleEnv, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			dev, ok := lo.Find(all, func(d Device) bool {
				if d.UUID == tok {
					return true
				}
				idx, err := strconv.Atoi(tok)
				return err == nil && d.Index == idx
			})
			if !ok {
				return nil, fmt.Errorf("visible device %q not found", tok)
			}
			selected = append(selected, dev)
		}
		return selected, nil
	}

	return all, nil
}

// UUIDs extracts the UUID set of a device list, preserving order.
func UUIDs(devices []Device) []string {
	return lo.Map(devices, func(d Device, _ int) string { return d.UUID })
}
