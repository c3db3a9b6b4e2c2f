// Package sysinfo samples host resource usage for heartbeats.
package sysinfo

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// Info is one sample of host resources.
type Info struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemTotalMB    uint64    `json:"mem_total_mb"`
	MemUsedMB     uint64    `json:"mem_used_mb"`
	MemPercent    float64   `json:"mem_percent"`
	DiskTotalGB   uint64    `json:"disk_total_gb"`
	DiskUsedGB    uint64    `json:"disk_used_gb"`
	DiskPercent   float64   `json:"disk_percent"`
	NetworkRx     uint64    `json:"network_rx"`
	NetworkTx     uint64    `json:"network_tx"`
	NumGoroutines int       `json:"num_goroutines"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Collector produces samples.
type Collector interface {
	Collect() Info
}

// Host samples the local machine through gopsutil. Failed samples leave
// their fields at zero; memory falls back to Go runtime stats.
type Host struct {
	// DiskPath is the filesystem whose usage is reported. Defaults to ".".
	DiskPath string

	mu     sync.Mutex
	lastRx uint64
	lastTx uint64
}

// Collect implements Collector. Network counters are reported as deltas
// since the previous sample.
func (h *Host) Collect() Info {
	info := Info{NumGoroutines: runtime.NumGoroutine(), SampledAt: time.Now()}

	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemTotalMB = vm.Total / 1024 / 1024
		info.MemUsedMB = vm.Used / 1024 / 1024
		info.MemPercent = vm.UsedPercent
	} else {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		info.MemTotalMB = ms.Sys / 1024 / 1024
		info.MemUsedMB = ms.Alloc / 1024 / 1024
		if ms.Sys > 0 {
			info.MemPercent = float64(ms.Alloc) / float64(ms.Sys) * 100
		}
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		info.CPUPercent = pct[0]
	}

	path := h.DiskPath
	if path == "" {
		path = "."
	}
	if du, err := disk.Usage(path); err == nil {
		info.DiskTotalGB = du.Total / 1024 / 1024 / 1024
		info.DiskUsedGB = du.Used / 1024 / 1024 / 1024
		info.DiskPercent = du.UsedPercent
	}

	if io, err := net.IOCounters(false); err == nil && len(io) > 0 {
		rx, tx := io[0].BytesRecv, io[0].BytesSent
		h.mu.Lock()
		if h.lastRx > 0 && rx >= h.lastRx {
			info.NetworkRx = rx - h.lastRx
		}
		if h.lastTx > 0 && tx >= h.lastTx {
			info.NetworkTx = tx - h.lastTx
		}
		h.lastRx, h.lastTx = rx, tx
		h.mu.Unlock()
	}
	return info
}

// Static returns the same sample every time. Useful in tests.
type Static Info

// Collect implements Collector.
func (s Static) Collect() Info {
	info := Info(s)
	info.SampledAt = time.Now()
	return info
}
