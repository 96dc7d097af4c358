// Package memprobe reads accelerator and system memory headroom. The
// resource manager consumes it through the Probe interface so tests can
// substitute fixed readings.
package memprobe

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// Probe reports memory availability. Implementations return ok=false when
// the reading cannot be taken (no GPU, tooling missing); callers treat that
// as "no headroom information", not as an error.
type Probe interface {
	// GPUMemoryGB returns free and total memory of the indexed GPU in GB.
	GPUMemoryGB(index int) (free, total float64, ok bool)
	// SystemMemoryGB returns available and total system memory in GB.
	SystemMemoryGB() (available, total float64, ok bool)
}

// System is the production probe: nvidia-smi for accelerator memory and
// gopsutil for system memory.
type System struct{}

func (System) GPUMemoryGB(index int) (float64, float64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.free,memory.total",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(index),
	).Output()
	if err != nil {
		return 0, 0, false
	}
	fields := strings.Split(strings.TrimSpace(string(out)), ",")
	if len(fields) != 2 {
		return 0, 0, false
	}
	freeMB, err1 := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	totalMB, err2 := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return freeMB / 1024, totalMB / 1024, true
}

func (System) SystemMemoryGB() (float64, float64, bool) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, false
	}
	const gb = 1024 * 1024 * 1024
	return float64(vm.Available) / gb, float64(vm.Total) / gb, true
}

// UnderPressure reports whether available system memory is below the
// configured floor. Unreadable memory info counts as healthy.
func UnderPressure(p Probe, minAvailableGB float64) bool {
	avail, _, ok := p.SystemMemoryGB()
	if !ok {
		return false
	}
	return avail < minAvailableGB
}
