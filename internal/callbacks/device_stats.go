package callbacks

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/strideml/stride/internal/module"
)

// DefaultStatsInterval is how many training batches pass between
// device stat samples.
const DefaultStatsInterval = 50

// DeviceStatsMonitor samples host and process stats and routes them
// into the run's metric stream under sys/ and proc/ keys.
type DeviceStatsMonitor struct {
	Base

	everyNBatches int
	pid           int
	sampleFunc    func(pid int) map[string]float64

	batchCount int
}

// NewDeviceStatsMonitor samples every everyNBatches training batches.
// Zero or negative uses DefaultStatsInterval.
func NewDeviceStatsMonitor(everyNBatches int) *DeviceStatsMonitor {
	if everyNBatches <= 0 {
		everyNBatches = DefaultStatsInterval
	}
	return &DeviceStatsMonitor{
		everyNBatches: everyNBatches,
		pid:           os.Getpid(),
		sampleFunc:    collectDeviceStats,
	}
}

func (d *DeviceStatsMonitor) OnTrainBatchEnd(ctx context.Context, run Run, result module.StepResult, batchIdx int) error {
	d.batchCount++
	if d.batchCount%d.everyNBatches != 0 {
		return nil
	}

	if stats := d.sampleFunc(d.pid); len(stats) > 0 {
		run.LogMetrics(stats)
	}
	return nil
}

// collectDeviceStats gathers whatever the platform exposes; fields
// that fail to read are simply absent.
func collectDeviceStats(pid int) map[string]float64 {
	stats := make(map[string]float64)

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		stats["sys/cpu_percent"] = cpuPercent[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil && memInfo != nil {
		stats["sys/mem_used_percent"] = memInfo.UsedPercent
		stats["sys/mem_available_bytes"] = float64(memInfo.Available)
	}
	if loadAvg, err := load.Avg(); err == nil && loadAvg != nil {
		stats["sys/load1"] = loadAvg.Load1
		stats["sys/load5"] = loadAvg.Load5
		stats["sys/load15"] = loadAvg.Load15
	}

	if pid > 0 {
		if proc, err := process.NewProcess(int32(pid)); err == nil {
			if cpuPct, err := proc.CPUPercent(); err == nil {
				stats["proc/cpu_percent"] = cpuPct
			}
			if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
				stats["proc/rss_bytes"] = float64(memInfo.RSS)
				stats["proc/vms_bytes"] = float64(memInfo.VMS)
			}
			if numThreads, err := proc.NumThreads(); err == nil {
				stats["proc/num_threads"] = float64(numThreads)
			}
			if numFDs, err := proc.NumFDs(); err == nil {
				stats["proc/num_fds"] = float64(numFDs)
			}
		}
	}

	return stats
}
