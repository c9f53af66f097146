package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
)

// LockClocks pins the graphics clock of every device to the given frequency
// so measurements are not skewed by dynamic boost. Requires root or a
// suitably configured driver.
func LockClocks(ctx context.Context, log *slog.Logger, devices []Device, mhz int) error {
	for _, d := range devices {
		cmd := exec.CommandContext(ctx, "nvidia-smi",
			"-i", d.UUID,
			"-lgc", strconv.Itoa(mhz))
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("lock clocks on %s to %d MHz: %w: %s", d.UUID, mhz, err, out)
		}
		log.Info("gpu clocks locked", "gpu", d.UUID, "frequency_mhz", mhz)
	}
	return nil
}

// ResetClocks returns the devices to driver-managed clocks. Failures are
// logged, not returned: the sweep already finished.
func ResetClocks(ctx context.Context, log *slog.Logger, devices []Device) {
	for _, d := range devices {
		cmd := exec.CommandContext(ctx, "nvidia-smi", "-i", d.UUID, "-rgc")
		if out, err := cmd.CombinedOutput(); err != nil {
			log.Warn("reset gpu clocks failed", "gpu", d.UUID, "error", err, "output", string(out))
			continue
		}
		log.Info("gpu clocks reset", "gpu", d.UUID)
	}
}
