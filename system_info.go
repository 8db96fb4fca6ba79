package main

import (
	"log"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// bytesPerBlockSample approximates the working set of one worker per block
// sample: FFT scratch, spectra and the analytic signal are complex128, the
// demodulated streams float64
const bytesPerBlockSample = 24 * 16

// printer formats sample counts with thousands separators in log lines
var printer = message.NewPrinter(language.English)

// SystemInfo holds the host facts used to size the worker pool
type SystemInfo struct {
	CPUModel        string `json:"cpu_model"`
	LogicalCPUs     int    `json:"logical_cpus"`
	PhysicalCores   int    `json:"physical_cores"`
	TotalMemory     uint64 `json:"total_memory"`
	AvailableMemory uint64 `json:"available_memory"`
}

// GetSystemInfo queries the host. Fields gopsutil cannot read fall back to
// the Go runtime's view.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{LogicalCPUs: runtime.NumCPU()}

	if n, err := cpu.Counts(true); err == nil && n > 0 {
		info.LogicalCPUs = n
	}
	if n, err := cpu.Counts(false); err == nil {
		info.PhysicalCores = n
	}
	if ci, err := cpu.Info(); err == nil && len(ci) > 0 {
		info.CPUModel = ci[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = vm.Total
		info.AvailableMemory = vm.Available
	} else if DebugMode {
		log.Printf("DEBUG: Failed to read memory info: %v", err)
	}
	return info
}

// DefaultWorkers returns one worker per logical CPU, fewer when available
// memory cannot hold that many blocks in flight
func (s SystemInfo) DefaultWorkers(blockLen int) int {
	n := s.LogicalCPUs
	if n < 1 {
		n = 1
	}
	if s.AvailableMemory > 0 && blockLen > 0 {
		// queued blocks double the per-worker footprint
		perWorker := uint64(blockLen) * bytesPerBlockSample * 2
		if fit := int(s.AvailableMemory / 2 / perWorker); fit < n {
			n = max(fit, 1)
		}
	}
	return n
}

// Log prints a one-line host summary
func (s SystemInfo) Log() {
	log.Printf("Host: %s, %d logical CPUs (%d cores), %s MB of %s MB memory available",
		s.CPUModel, s.LogicalCPUs, s.PhysicalCores,
		formatCount(int64(s.AvailableMemory>>20)), formatCount(int64(s.TotalMemory>>20)))
}

// formatCount prints n with thousands separators
func formatCount(n int64) string {
	return printer.Sprintf("%d", n)
}

// cpuPercent returns the host CPU use since the previous call
func cpuPercent() (float64, bool) {
	p, err := cpu.Percent(0, false)
	if err != nil || len(p) == 0 {
		return 0, false
	}
	return p[0], true
}
