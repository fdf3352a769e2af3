package resource

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostSampler reads CPU and memory usage from the host. CPU percent is the
// usage since the previous call, so the first sample of a process reads low.
func HostSampler(ctx context.Context) (HostStats, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return HostStats{}, fmt.Errorf("sample cpu: %w", err)
	}
	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostStats{}, fmt.Errorf("sample memory: %w", err)
	}
	return HostStats{CPUPercent: cpuPercent, MemPercent: vm.UsedPercent}, nil
}
