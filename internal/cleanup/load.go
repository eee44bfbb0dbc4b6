// Package cleanup reclaims resources held by idle connections, empty channels
// and stale buffers. How often it runs, and how hard it collects garbage,
// depends on a load score computed from connection, memory, CPU and channel
// usage.
package cleanup

import (
	"time"
)

// Level is the cleanup aggressiveness derived from the load score.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Score weights. They sum to 1 so the score stays within 0-100.
const (
	weightConnections = 0.4
	weightMemory      = 0.3
	weightCPU         = 0.2
	weightChannels    = 0.1
)

// Cycle intervals per level. EMERGENCY runs back to back with a short floor.
const (
	IntervalLow           = 300 * time.Second
	IntervalMedium        = 120 * time.Second
	IntervalHigh          = 60 * time.Second
	IntervalHighSaturated = 30 * time.Second
	IntervalEmergency     = 5 * time.Second
)

// LoadInputs are the instantaneous readings behind a load score.
type LoadInputs struct {
	ActiveConnections int
	MaxConnections    int
	Channels          int
	MaxChannels       int
	CPUPercent        float64
	MemoryPercent     float64
}

// LoadScore returns the weighted 0-100 load score. Each component is
// clamped to 0-100 before weighting; a zero maximum contributes nothing.
func LoadScore(in LoadInputs) float64 {
	connRatio := ratio(in.ActiveConnections, in.MaxConnections)
	channelRatio := ratio(in.Channels, in.MaxChannels)

	return weightConnections*connRatio +
		weightMemory*clamp(in.MemoryPercent) +
		weightCPU*clamp(in.CPUPercent) +
		weightChannels*channelRatio
}

// LevelFor maps a score to its level: <30 low, <60 medium, <80 high,
// otherwise emergency.
func LevelFor(score float64) Level {
	switch {
	case score < 30:
		return LevelLow
	case score < 60:
		return LevelMedium
	case score < 80:
		return LevelHigh
	default:
		return LevelEmergency
	}
}

// IntervalFor returns the delay before the next cycle. HIGH uses the shorter
// interval once the score reaches 70.
func IntervalFor(level Level, score float64) time.Duration {
	switch level {
	case LevelLow:
		return IntervalLow
	case LevelMedium:
		return IntervalMedium
	case LevelHigh:
		if score >= 70 {
			return IntervalHighSaturated
		}
		return IntervalHigh
	default:
		return IntervalEmergency
	}
}

func ratio(n, max int) float64 {
	if max <= 0 {
		return 0
	}
	return clamp(float64(n) / float64(max) * 100)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
