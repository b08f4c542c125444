// Package resources samples OS-level resource utilization (CPU, memory,
// disk) for the pre-flight query gate, the pool sweep, the health probes and
// the recovery actions.
package resources

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one point-in-time utilization reading, in percent.
type Snapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	TotalMemoryMB uint64
	UsedMemoryMB  uint64
	Timestamp     time.Time
}

// Sampler provides utilization snapshots. The gopsutil implementation is used
// in production; tests substitute a stub.
type Sampler interface {
	Sample() (Snapshot, error)
}

// SystemSampler samples the host via gopsutil.
type SystemSampler struct {
	diskPath string
}

// NewSystemSampler creates a sampler; diskPath is the mount to watch
// (typically the directory holding the embedded store).
func NewSystemSampler(diskPath string) *SystemSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemSampler{diskPath: diskPath}
}

// Sample reads current utilization. CPU uses a short 100ms window, which is
// accurate enough for threshold checks without stalling callers.
func (s *SystemSampler) Sample() (Snapshot, error) {
	snap := Snapshot{Timestamp: time.Now()}

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err == nil && len(cpuPercent) > 0 {
		snap.CPUPercent = cpuPercent[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return snap, err
	}
	snap.MemoryPercent = vm.UsedPercent
	snap.TotalMemoryMB = vm.Total / (1024 * 1024)
	snap.UsedMemoryMB = vm.Used / (1024 * 1024)

	du, err := disk.Usage(s.diskPath)
	if err != nil {
		return snap, err
	}
	snap.DiskPercent = du.UsedPercent

	return snap, nil
}

// StaticSampler returns a fixed snapshot. Useful for tests and dry runs.
type StaticSampler struct {
	Snap Snapshot
	Err  error
}

func (s *StaticSampler) Sample() (Snapshot, error) {
	return s.Snap, s.Err
}
