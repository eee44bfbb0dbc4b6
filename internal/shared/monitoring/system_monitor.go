package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/adred-codev/ws_channels/internal/shared/platform"
	"github.com/rs/zerolog"
)

// SystemMetrics holds current system resource measurements
type SystemMetrics struct {
	CPUPercent    float64 // container-aware when running under cgroups
	MemoryPercent float64 // relative to the configured, cgroup, or host limit
	MemoryBytes   uint64
	HeapBytes     uint64
	Goroutines    int
	CPUAllocation float64
	ThrottleStats platform.ThrottleStats
	Timestamp     time.Time
}

// SystemMonitor samples CPU and memory on a fixed interval so that every
// consumer (cleanup scoring, the ingest CPU brake, /health) reads the same
// values without measuring again.
type SystemMonitor struct {
	cpu    *platform.CPUMonitor
	memory *platform.MemoryMonitor
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSystemMonitor creates a monitor. Call Start to begin sampling.
func NewSystemMonitor(cpu *platform.CPUMonitor, memory *platform.MemoryMonitor, logger zerolog.Logger) *SystemMonitor {
	sm := &SystemMonitor{
		cpu:     cpu,
		memory:  memory,
		logger:  Component(logger, "system_monitor"),
		metrics: SystemMetrics{Timestamp: time.Now()},
	}

	sm.logger.Info().
		Str("cpu_mode", cpu.Mode()).
		Float64("cpu_allocation", cpu.Allocation()).
		Msg("SystemMonitor initialized")
	return sm
}

// Start begins periodic sampling. Only the first call has an effect.
func (sm *SystemMonitor) Start(interval time.Duration) {
	sm.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		sm.cancel = cancel

		sm.wg.Add(1)
		go func() {
			defer sm.wg.Done()
			defer RecoverPanic(sm.logger, "systemMonitor", nil)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			sm.logger.Info().Dur("interval", interval).Msg("SystemMonitor started")
			sm.Refresh()

			for {
				select {
				case <-ticker.C:
					sm.Refresh()
				case <-ctx.Done():
					sm.logger.Info().Msg("SystemMonitor stopped")
					return
				}
			}
		}()
	})
}

// Refresh performs one measurement of all system resources and publishes it.
func (sm *SystemMonitor) Refresh() SystemMetrics {
	cpuPercent, throttle, err := sm.cpu.Percent()
	if err != nil {
		LogError(sm.logger, err, "Failed to get CPU usage", nil)
		cpuPercent = 0
	}

	mem := sm.memory.Sample()

	m := SystemMetrics{
		CPUPercent:    cpuPercent,
		MemoryPercent: mem.Percent,
		MemoryBytes:   mem.UsedBytes,
		HeapBytes:     mem.HeapBytes,
		Goroutines:    runtime.NumGoroutine(),
		CPUAllocation: sm.cpu.Allocation(),
		ThrottleStats: throttle,
		Timestamp:     time.Now(),
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	CPUUsagePercent.Set(cpuPercent)
	CPUAllocationCores.Set(m.CPUAllocation)
	MemoryUsagePercent.Set(m.MemoryPercent)
	MemoryUsageBytes.Set(float64(m.MemoryBytes))
	GoroutinesActive.Set(float64(m.Goroutines))
	if throttle.NrThrottled > 0 {
		CPUThrottleEventsTotal.Add(float64(throttle.NrThrottled))
	}
	if sm.cpu.Mode() == "container" {
		if host, err := sm.cpu.HostPercent(); err == nil {
			CPUHostPercent.Set(host)
		}
	} else {
		CPUHostPercent.Set(cpuPercent)
	}

	sm.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Float64("memory_percent", m.MemoryPercent).
		Uint64("memory_bytes", m.MemoryBytes).
		Int("goroutines", m.Goroutines).
		Msg("System metrics updated")

	return m
}

// Metrics returns a copy of the latest measurement.
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// CPUPercent returns the latest CPU usage percentage.
func (sm *SystemMonitor) CPUPercent() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.CPUPercent
}

// MemoryPercent returns the latest memory usage percentage.
func (sm *SystemMonitor) MemoryPercent() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.MemoryPercent
}

// Shutdown stops sampling and waits for the loop to exit.
func (sm *SystemMonitor) Shutdown() {
	if sm.cancel == nil {
		return
	}
	sm.cancel()
	sm.wg.Wait()
}
