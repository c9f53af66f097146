package gpu

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/inferlab/model-profiler/pkg/metrics"
)

// Minimal XML mapping for nvidia-smi -x -q.
type smiLog struct {
	XMLName xml.Name `xml:"nvidia_smi_log"`
	GPU     smiGPU   `xml:"gpu"`
}

type smiGPU struct {
	UUID    string         `xml:"uuid"`
	Util    smiUtilization `xml:"utilization"`
	FBMem   smiMemory      `xml:"fb_memory_usage"`
	BAR1Mem smiMemory      `xml:"bar1_memory_usage"`
}

type smiUtilization struct {
	GPU    string `xml:"gpu_util"`
	Memory string `xml:"memory_util"`
}

type smiMemory struct {
	Total string `xml:"total"`
	Used  string `xml:"used"`
	Free  string `xml:"free"`
}

func parsePercentInt(s string) int {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	// Some fields come as "66 %"
	fields := strings.Fields(s)
	if len(fields) > 0 {
		if v, err := strconv.Atoi(fields[0]); err == nil {
			return v
		}
	}
	return 0
}

func parseMiBFloat(s string) float64 {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "MiB"))
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	fields := strings.Fields(s)
	if len(fields) > 0 {
		if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
			return v
		}
	}
	return 0
}

// sampleDevice executes one nvidia-smi -x -q pass for a single device and
// maps it to a telemetry sample.
func sampleDevice(ctx context.Context, dev Device) (metrics.GPUSample, error) {
	var sample metrics.GPUSample
	cmd := exec.CommandContext(ctx, "nvidia-smi", "-x", "-q", "-i", strconv.Itoa(dev.Index))
	b, err := cmd.Output()
	if err != nil {
		return sample, fmt.Errorf("nvidia-smi sample gpu %d: %w", dev.Index, err)
	}
	var log smiLog
	if err := xml.NewDecoder(bytes.NewReader(b)).Decode(&log); err != nil {
		return sample, fmt.Errorf("decode nvidia-smi xml: %w", err)
	}
	g := log.GPU
	return metrics.GPUSample{
		DeviceUUID:         dev.UUID,
		UtilizationPercent: parsePercentInt(g.Util.GPU),
		MemoryUsedMiB:      parseMiBFloat(g.FBMem.Used),
		MemoryFreeMiB:      parseMiBFloat(g.FBMem.Free),
		BAR1UsedMiB:        parseMiBFloat(g.BAR1Mem.Used),
		BAR1FreeMiB:        parseMiBFloat(g.BAR1Mem.Free),
		Timestamp:          time.Now(),
	}, nil
}

// SMISampler samples all watched devices through nvidia-smi.
func SMISampler(devices []Device) SampleFunc {
	return func(ctx context.Context) ([]metrics.GPUSample, error) {
		samples := make([]metrics.GPUSample, 0, len(devices))
		for _, dev := range devices {
			s, err := sampleDevice(ctx, dev)
			if err != nil {
				return nil, err
			}
			samples = append(samples, s)
		}
		return samples, nil
	}
}
