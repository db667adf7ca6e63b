package util

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const mb = 1024 * 1024

// SystemInfo describes the machine the proxy runs on.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
}

// GetSystemInfo gathers system information. Fields gopsutil cannot fill stay
// empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}
	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / mb
	}
	return info
}

// HostStats is a point-in-time resource snapshot.
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	ProcessRSSMB  uint64  `json:"process_rss_mb"`
	Goroutines    int     `json:"goroutines"`
	// Capture directory volume.
	DiskFreeMB      uint64  `json:"disk_free_mb"`
	DiskUsedPercent float64 `json:"disk_used_percent"`
	Uptime          string  `json:"uptime"`
}

var started = time.Now()

// GetHostStats samples CPU, memory and the disk holding captureDir.
func GetHostStats(captureDir string) HostStats {
	stats := HostStats{
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(started).Truncate(time.Second).String(),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if m, err := p.MemoryInfo(); err == nil {
			stats.ProcessRSSMB = m.RSS / mb
		}
	}
	if captureDir == "" {
		captureDir = "."
	}
	if usage, err := disk.Usage(captureDir); err == nil {
		stats.DiskFreeMB = usage.Free / mb
		stats.DiskUsedPercent = usage.UsedPercent
	}
	return stats
}

// EnsureDir creates path and its parents.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
