package cleanup

import (
	"context"
	"strings"
	"time"

	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
)

// HealthThresholds are the readings at which the health check escalates to
// an emergency cleanup.
type HealthThresholds struct {
	MemoryPercent     float64
	CPUPercent        float64
	ZombieConnections int
	EmptyChannels     int
}

func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		MemoryPercent:     90,
		CPUPercent:        95,
		ZombieConnections: 100,
		EmptyChannels:     50,
	}
}

// HealthCheck is one health-check reading.
type HealthCheck struct {
	CheckedAt         time.Time `json:"checked_at"`
	MemoryPercent     float64   `json:"memory_percent"`
	CPUPercent        float64   `json:"cpu_percent"`
	ZombieConnections int       `json:"zombie_connections"`
	EmptyChannels     int       `json:"empty_channels"`
	Critical          []string  `json:"critical,omitempty"`
	Healthy           bool      `json:"healthy"`
}

// CheckHealth reads memory, CPU, zombie connection and stale empty channel
// counts and lists every reading at or above its threshold. Empty channels
// count only once idle past ChannelTimeout, the same set emergency cleanup
// evicts.
func (m *Manager) CheckHealth() HealthCheck {
	check := HealthCheck{
		CheckedAt:         m.now(),
		ZombieConnections: len(m.idleConnections()),
		EmptyChannels:     len(m.emptyChannels(m.config.ChannelTimeout)),
	}
	if m.load != nil {
		check.MemoryPercent = m.load.MemoryPercent()
		check.CPUPercent = m.load.CPUPercent()
	}

	t := m.config.Thresholds
	if check.MemoryPercent >= t.MemoryPercent {
		check.Critical = append(check.Critical, "memory")
	}
	if check.CPUPercent >= t.CPUPercent {
		check.Critical = append(check.Critical, "cpu")
	}
	if check.ZombieConnections >= t.ZombieConnections {
		check.Critical = append(check.Critical, "zombie_connections")
	}
	if check.EmptyChannels >= t.EmptyChannels {
		check.Critical = append(check.Critical, "empty_channels")
	}
	check.Healthy = len(check.Critical) == 0
	return check
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	defer monitoring.RecoverPanic(m.logger, "healthLoop", nil)

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runHealthCheck()
		}
	}
}

// runHealthCheck checks health once and escalates when anything is critical.
func (m *Manager) runHealthCheck() HealthCheck {
	check := m.CheckHealth()
	if check.Healthy {
		m.logger.Debug().
			Float64("memory_percent", check.MemoryPercent).
			Float64("cpu_percent", check.CPUPercent).
			Int("zombie_connections", check.ZombieConnections).
			Int("empty_channels", check.EmptyChannels).
			Msg("Health check passed")
		return check
	}

	m.logger.Error().
		Strs("critical", check.Critical).
		Float64("memory_percent", check.MemoryPercent).
		Float64("cpu_percent", check.CPUPercent).
		Int("zombie_connections", check.ZombieConnections).
		Int("empty_channels", check.EmptyChannels).
		Msg("Health check critical")

	m.EmergencyCleanup("health check: " + strings.Join(check.Critical, ", "))
	return check
}
