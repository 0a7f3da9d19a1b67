// Package worker implements the node agent that runs on each fleet instance:
// an authenticated HTTP surface over the local sandbox, a WebSocket relay to
// the in-sandbox gateway, and a heartbeat back to the control plane.
package worker

import (
	"log/slog"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Resource floors and headroom for container limits.
const (
	minCPUs     = 1.0
	minMemoryMB = 1024

	// memoryHeadroom is the fraction of host memory a container may use; the
	// rest is left for the worker itself and the kernel.
	memoryHeadroom = 0.9
)

// HostCaps is the physical capacity of the instance.
type HostCaps struct {
	CPUs     int
	MemoryMB int
}

// DetectHost probes the machine. Falls back to runtime values when the
// platform probes fail.
func DetectHost() HostCaps {
	caps := HostCaps{CPUs: runtime.NumCPU()}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		caps.CPUs = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		caps.MemoryMB = int(vm.Total / (1024 * 1024))
	}
	return caps
}

// Clamp fits requested container limits to the host. Requests above capacity
// shrink to what the host can give; the floors keep a tiny instance from
// producing an unusable container. The applied values are logged when they
// differ from the request.
func Clamp(requestedCPUs float64, requestedMemoryMB int, host HostCaps) (float64, int) {
	cpus := requestedCPUs
	if host.CPUs > 0 && cpus > float64(host.CPUs) {
		cpus = float64(host.CPUs)
	}
	if cpus < minCPUs {
		cpus = minCPUs
	}

	memMB := requestedMemoryMB
	if host.MemoryMB > 0 {
		usable := int(float64(host.MemoryMB) * memoryHeadroom)
		if memMB > usable {
			memMB = usable
		}
	}
	if memMB < minMemoryMB {
		memMB = minMemoryMB
	}

	if cpus != requestedCPUs || memMB != requestedMemoryMB {
		slog.Info("Clamped container limits",
			"requested_cpus", requestedCPUs,
			"applied_cpus", cpus,
			"requested_memory_mb", requestedMemoryMB,
			"applied_memory_mb", memMB)
	}
	return cpus, memMB
}
