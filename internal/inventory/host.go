package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSampler produces a node record for the machine it runs on.
type HostSampler struct {
	// DiskPath is the mount point measured for disk capacity.
	DiskPath string
	// Interval is the CPU sampling window.
	Interval time.Duration
}

// NewHostSampler creates a sampler for the root filesystem.
func NewHostSampler() *HostSampler {
	return &HostSampler{DiskPath: "/", Interval: time.Second}
}

// Sample returns the local node record.
func (s *HostSampler) Sample(ctx context.Context) (*NodeRecord, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("get host info: %w", err)
	}

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("get cpu cores: %w", err)
	}
	percent, err := cpu.PercentWithContext(ctx, s.Interval, false)
	if err != nil {
		return nil, fmt.Errorf("get cpu percent: %w", err)
	}
	cpuPct := 0.0
	if len(percent) > 0 {
		cpuPct = percent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("get memory info: %w", err)
	}

	diskInfo, err := disk.UsageWithContext(ctx, s.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("get disk info: %w", err)
	}

	return &NodeRecord{
		Name:   info.Hostname,
		Status: "online",
		CPU: ResourceRecord{
			Total: int64(cores),
			Used:  cpuPct / 100 * float64(cores),
		},
		Memory: ResourceRecord{
			Total: int64(memInfo.Total),
			Used:  float64(memInfo.Used),
		},
		Disk: ResourceRecord{
			Total: int64(diskInfo.Total),
			Used:  float64(diskInfo.Used),
		},
	}, nil
}
