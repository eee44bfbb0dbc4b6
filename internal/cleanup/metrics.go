package cleanup

import (
	"sync"
	"time"
)

// maxErrorLog bounds the retained cleanup errors.
const maxErrorLog = 100

// ErrorEntry is one failed cleanup phase.
type ErrorEntry struct {
	Phase string    `json:"phase"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// SystemLoad is the reading taken at the start of the latest cycle.
type SystemLoad struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
	ActiveConnections int     `json:"active_connections"`
	Channels          int     `json:"channels"`
	Score             float64 `json:"load_score"`
	Level             string  `json:"level"`
}

// MetricsSnapshot is a copy of the running cleanup counters. Counters only
// reset at process restart.
type MetricsSnapshot struct {
	ConnectionsRemoved int64        `json:"connections_removed"`
	ChannelsCleaned    int64        `json:"channels_cleaned"`
	BuffersReleased    int64        `json:"buffers_released"`
	MemoryReclaimed    uint64       `json:"memory_reclaimed_bytes"`
	CleanupCycles      int64        `json:"cleanup_cycles"`
	EmergencyTriggers  int64        `json:"emergency_triggers"`
	LastCleanup        time.Time    `json:"last_cleanup"`
	LastDurationMS     int64        `json:"last_duration_ms"`
	Load               SystemLoad   `json:"system_load"`
	Errors             []ErrorEntry `json:"errors"`
}

type metrics struct {
	mu   sync.Mutex
	snap MetricsSnapshot
}

func (m *metrics) recordCycle(r CycleReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.CleanupCycles++
	m.snap.ConnectionsRemoved += int64(r.ConnectionsRemoved)
	m.snap.ChannelsCleaned += int64(r.ChannelsRemoved)
	m.snap.BuffersReleased += int64(r.BuffersReleased)
	m.snap.MemoryReclaimed += r.MemoryReclaimed
	m.snap.LastCleanup = r.StartedAt
	m.snap.LastDurationMS = r.DurationMS
	m.snap.Load = r.Load
}

func (m *metrics) recordEmergency(r EmergencyReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.EmergencyTriggers++
	m.snap.ConnectionsRemoved += int64(r.ConnectionsRemoved)
	m.snap.ChannelsCleaned += int64(r.ChannelsRemoved)
	m.snap.BuffersReleased += int64(r.BuffersCleared)
	m.snap.MemoryReclaimed += r.MemoryReclaimed
}

func (m *metrics) recordError(phase string, err error, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Errors = append(m.snap.Errors, ErrorEntry{Phase: phase, Error: err.Error(), At: at})
	if over := len(m.snap.Errors) - maxErrorLog; over > 0 {
		m.snap.Errors = append([]ErrorEntry(nil), m.snap.Errors[over:]...)
	}
}

func (m *metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.snap
	out.Errors = append([]ErrorEntry(nil), m.snap.Errors...)
	return out
}
