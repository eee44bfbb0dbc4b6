package platform

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// MemorySample is one memory measurement.
type MemorySample struct {
	UsedBytes  uint64
	LimitBytes uint64
	Percent    float64
	HeapBytes  uint64 // Go heap in use
}

// MemoryMonitor reports memory pressure against the configured limit, the
// cgroup limit, or total host memory, in that order of preference.
type MemoryMonitor struct {
	configuredLimit uint64
	cgroupLimit     uint64
	proc            *process.Process
	logger          zerolog.Logger
}

// NewMemoryMonitor creates a monitor. limitBytes <= 0 means "detect".
func NewMemoryMonitor(limitBytes int64, logger zerolog.Logger) *MemoryMonitor {
	m := &MemoryMonitor{logger: logger}
	if limitBytes > 0 {
		m.configuredLimit = uint64(limitBytes)
	}
	m.cgroupLimit = readCgroupMemoryLimit()

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	} else {
		logger.Warn().Err(err).Msg("Process memory sampling unavailable, using Go runtime stats")
	}

	logger.Info().
		Uint64("configured_limit_bytes", m.configuredLimit).
		Uint64("cgroup_limit_bytes", m.cgroupLimit).
		Msg("Memory monitor initialized")
	return m
}

// Sample takes a measurement.
func (m *MemoryMonitor) Sample() MemorySample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := MemorySample{HeapBytes: ms.HeapInuse}

	limit := m.configuredLimit
	if limit == 0 {
		limit = m.cgroupLimit
	}

	if limit > 0 {
		s.UsedBytes = m.processRSS(ms.Sys)
		s.LimitBytes = limit
		s.Percent = float64(s.UsedBytes) / float64(limit) * 100
		return s
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		m.logger.Debug().Err(err).Msg("Host memory sampling failed")
		s.UsedBytes = ms.Sys
		return s
	}
	s.UsedBytes = vm.Used
	s.LimitBytes = vm.Total
	s.Percent = vm.UsedPercent
	return s
}

func (m *MemoryMonitor) processRSS(fallback uint64) uint64 {
	if m.proc == nil {
		return fallback
	}
	info, err := m.proc.MemoryInfo()
	if err != nil || info == nil {
		return fallback
	}
	return info.RSS
}

// readCgroupMemoryLimit returns the cgroup memory limit, or 0 when unlimited
// or not running under cgroups.
func readCgroupMemoryLimit() uint64 {
	for _, file := range []string{
		cgroupRoot + "/memory.max",                   // v2
		cgroupRoot + "/memory/memory.limit_in_bytes", // v1
	} {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		value := strings.TrimSpace(string(data))
		if value == "max" {
			return 0
		}
		limit, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			continue
		}
		// cgroup v1 reports "unlimited" as a huge page-aligned number.
		if limit >= 1<<60 {
			return 0
		}
		return limit
	}
	return 0
}
