// Package snapshot reads one point-in-time sample of the host's resource
// usage: total CPU, memory, fixed-drive usage, and per-process CPU/RSS.
//
// CPU percentages are computed as deltas between consecutive Collect calls,
// so the first call after startup reports zero CPU. The collector owns the
// per-pid state needed for the deltas; pids that disappear between passes
// are dropped because only pids seen in the latest pass are kept.
package snapshot

import (
	"context"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/bc-dunia/fleetmon/internal/model"
)

type procState struct {
	cpuSeconds float64
	seenAt     time.Time
}

// Collector samples host resource usage. Not safe for concurrent use; the
// agent calls Collect from a single loop.
type Collector struct {
	machineName string

	lastCPU    cpu.TimesStat
	cpuPrimed  bool
	procStates map[int32]procState

	// nowFunc is swappable for tests.
	nowFunc func() time.Time
}

// NewCollector creates a Collector reporting under the given machine name.
// An empty name falls back to the OS hostname.
func NewCollector(machineName string) *Collector {
	if machineName == "" {
		machineName, _ = os.Hostname()
	}
	return &Collector{
		machineName: machineName,
		procStates:  make(map[int32]procState),
		nowFunc:     time.Now,
	}
}

// MachineName returns the name this collector reports under.
func (c *Collector) MachineName() string {
	return c.machineName
}

// Collect reads one sample. Individual probes that fail (a process exiting
// mid-enumeration, an unreadable partition) are skipped rather than failing
// the whole sample.
func (c *Collector) Collect(ctx context.Context) (model.MetricsPayload, error) {
	now := c.nowFunc().UTC()

	sample := model.MetricsPayload{
		MachineName: c.machineName,
		Machine: model.MachineSamplePayload{
			TimestampUTC: now,
			CPUPercent:   c.totalCPUPercent(),
		},
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.Machine.RAMUsedBytes = int64(vm.Used)
		sample.Machine.RAMTotalBytes = int64(vm.Total)
	}

	sample.Drives = c.collectDrives(ctx)
	sample.Processes = c.collectProcesses(ctx, now)

	return sample, nil
}

// totalCPUPercent derives overall CPU usage from the tick delta since the
// previous call, clamped to [0,100].
func (c *Collector) totalCPUPercent() float64 {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0
	}
	current := times[0]

	if !c.cpuPrimed {
		c.lastCPU = current
		c.cpuPrimed = true
		return 0
	}

	idleDelta := (current.Idle + current.Iowait) - (c.lastCPU.Idle + c.lastCPU.Iowait)
	totalDelta := totalTicks(current) - totalTicks(c.lastCPU)
	c.lastCPU = current

	if totalDelta <= 0 {
		return 0
	}
	return clampPercent(100 * (1 - idleDelta/totalDelta))
}

func totalTicks(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq +
		t.Softirq + t.Steal + t.Guest + t.GuestNice
}

func (c *Collector) collectDrives(ctx context.Context) []model.DriveSamplePayload {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil
	}

	var drives []model.DriveSamplePayload
	for _, part := range partitions {
		usage, err := disk.UsageWithContext(ctx, part.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		drives = append(drives, model.DriveSamplePayload{
			Name:       part.Mountpoint,
			TotalBytes: int64(usage.Total),
			UsedBytes:  int64(usage.Used),
		})
	}
	return drives
}

func (c *Collector) collectProcesses(ctx context.Context, now time.Time) []model.ProcessSamplePayload {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}

	numCPU := float64(runtime.NumCPU())
	next := make(map[int32]procState, len(procs))
	var samples []model.ProcessSamplePayload

	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		times, err := p.TimesWithContext(ctx)
		if err != nil {
			continue
		}
		memInfo, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			continue
		}

		cpuSeconds := times.User + times.System
		cpuPercent := 0.0
		if prev, ok := c.procStates[p.Pid]; ok {
			elapsed := now.Sub(prev.seenAt).Seconds()
			if elapsed > 0 {
				cpuPercent = clampPercent((cpuSeconds - prev.cpuSeconds) / (elapsed * numCPU) * 100)
			}
		}

		samples = append(samples, model.ProcessSamplePayload{
			ProcessID:   int(p.Pid),
			ProcessName: name,
			CPUPercent:  cpuPercent,
			RAMBytes:    int64(memInfo.RSS),
		})
		next[p.Pid] = procState{cpuSeconds: cpuSeconds, seenAt: now}
	}

	c.procStates = next
	return samples
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(100, math.Max(0, v))
}
