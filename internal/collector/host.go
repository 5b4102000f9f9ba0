package collector

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostData is the host-level section of a metric payload.
type HostData struct {
	CPUPercent    float64 `json:"cpuPercent"`
	CoreCount     int     `json:"coreCount"`
	MemoryTotal   uint64  `json:"memoryTotal"`
	MemoryUsed    uint64  `json:"memoryUsed"`
	MemoryPercent float64 `json:"memoryPercent"`
	SwapUsed      uint64  `json:"swapUsed"`
	SwapPercent   float64 `json:"swapPercent"`
}

// hostSampler reads host statistics. Replaced in tests.
type hostSampler func(ctx context.Context) (*HostData, error)

// sampleHost reads overall CPU and memory usage via gopsutil.
func sampleHost(ctx context.Context) (*HostData, error) {
	// blocks for 200ms to measure
	percentages, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return nil, err
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}

	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		// Swap may not be available on all systems
		swap = &mem.SwapMemoryStat{}
	}

	data := &HostData{
		CoreCount:     runtime.NumCPU(),
		MemoryTotal:   vm.Total,
		MemoryUsed:    vm.Used,
		MemoryPercent: vm.UsedPercent,
		SwapUsed:      swap.Used,
		SwapPercent:   swap.UsedPercent,
	}
	if len(percentages) > 0 {
		data.CPUPercent = percentages[0]
	}
	return data, nil
}
