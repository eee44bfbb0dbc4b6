package cleanup

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adred-codev/ws_channels/internal/hub"
	"github.com/adred-codev/ws_channels/internal/routing"
	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
	"github.com/rs/zerolog"
)

// Connections is the connection table the cleanup cycle evicts from.
// *hub.Manager satisfies it.
type Connections interface {
	Snapshot() []hub.ConnectionInfo
	Disconnect(id, reason string) bool
	ConnectionCount() int
	RemoveChannel(name string) error
	SyncChannelLoads() map[string]int
}

// Channels lists the routed channels. *routing.Router satisfies it.
type Channels interface {
	Channels() []routing.ChannelSnapshot
}

// LoadSource reports process resource usage in percent.
// *monitoring.SystemMonitor satisfies it.
type LoadSource interface {
	CPUPercent() float64
	MemoryPercent() float64
}

// Config holds cleanup settings.
type Config struct {
	Enabled             bool
	ConnectionTimeout   time.Duration // idle since last heartbeat reply
	ChannelTimeout      time.Duration // empty channel idle time
	BufferTimeout       time.Duration // tracked buffer idle time
	HealthCheckInterval time.Duration
	EmergencyMaxAge     time.Duration // emergency cleanup drops connections older than this
	MaxConnections      int
	MaxChannels         int
	Thresholds          HealthThresholds
}

func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		ConnectionTimeout:   300 * time.Second,
		ChannelTimeout:      3600 * time.Second,
		BufferTimeout:       600 * time.Second,
		HealthCheckInterval: 60 * time.Second,
		EmergencyMaxAge:     time.Hour,
		MaxConnections:      10000,
		MaxChannels:         1000,
		Thresholds:          DefaultHealthThresholds(),
	}
}

// CycleReport describes one cleanup cycle.
type CycleReport struct {
	StartedAt          time.Time  `json:"started_at"`
	DurationMS         int64      `json:"duration_ms"`
	Level              string     `json:"level"`
	Load               SystemLoad `json:"system_load"`
	ConnectionsRemoved int        `json:"connections_removed"`
	ChannelsRemoved    int        `json:"channels_removed"`
	BuffersReleased    int        `json:"buffers_released"`
	BytesReleased      int64      `json:"bytes_released"`
	MemoryReclaimed    uint64     `json:"memory_reclaimed_bytes"`
	Errors             []string   `json:"errors,omitempty"`
}

// EmergencyReport describes one emergency cleanup.
type EmergencyReport struct {
	Reason             string    `json:"reason"`
	TriggeredAt        time.Time `json:"triggered_at"`
	ConnectionsRemoved int       `json:"connections_removed"`
	ChannelsRemoved    int       `json:"channels_removed"`
	BuffersCleared     int       `json:"buffers_cleared"`
	MemoryReclaimed    uint64    `json:"memory_reclaimed_bytes"`
}

// Status is the scheduler's current view.
type Status struct {
	Enabled        bool      `json:"enabled"`
	Running        bool      `json:"running"`
	Level          string    `json:"level"`
	LoadScore      float64   `json:"load_score"`
	IntervalSec    float64   `json:"interval_seconds"`
	LastRun        time.Time `json:"last_run"`
	NextRun        time.Time `json:"next_run"`
	TrackedBuffers int       `json:"tracked_buffers"`
	TrackedBytes   int64     `json:"tracked_bytes"`
}

// EmergencyFunc is called after every emergency cleanup.
type EmergencyFunc func(report EmergencyReport)

// Manager runs the adaptive cleanup loop and the health-check loop.
type Manager struct {
	config   Config
	conns    Connections
	channels Channels
	load     LoadSource
	buffers  *BufferTracker
	logger   zerolog.Logger
	metrics  metrics
	now      func() time.Time

	cycleMu sync.Mutex // one cycle at a time

	mu        sync.RWMutex
	level     Level
	score     float64
	interval  time.Duration
	lastRun   time.Time
	nextRun   time.Time
	callbacks []EmergencyFunc
	cancel    context.CancelFunc
	running   bool
	wg        sync.WaitGroup
}

// NewManager creates a cleanup manager. buffers may be nil, in which case a
// private tracker is created; load may be nil, in which case CPU and memory
// read as zero.
func NewManager(cfg Config, conns Connections, channels Channels, load LoadSource, buffers *BufferTracker, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = def.ChannelTimeout
	}
	if cfg.BufferTimeout <= 0 {
		cfg.BufferTimeout = def.BufferTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.EmergencyMaxAge <= 0 {
		cfg.EmergencyMaxAge = def.EmergencyMaxAge
	}
	if cfg.Thresholds == (HealthThresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if buffers == nil {
		buffers = NewBufferTracker()
	}

	return &Manager{
		config:   cfg,
		conns:    conns,
		channels: channels,
		load:     load,
		buffers:  buffers,
		logger:   monitoring.Component(logger, "cleanup"),
		now:      time.Now,
		interval: IntervalLow,
	}
}

// Buffers returns the buffer tracker.
func (m *Manager) Buffers() *BufferTracker { return m.buffers }

// OnEmergency registers fn to run after each emergency cleanup.
func (m *Manager) OnEmergency(fn EmergencyFunc) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// Start launches the cleanup and health-check loops. It does nothing when
// cleanup is disabled or already running.
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info().Msg("Cleanup disabled by configuration")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(2)
	go m.cleanupLoop(ctx)
	go m.healthLoop(ctx)

	m.logger.Info().
		Dur("connection_timeout", m.config.ConnectionTimeout).
		Dur("channel_timeout", m.config.ChannelTimeout).
		Dur("buffer_timeout", m.config.BufferTimeout).
		Dur("health_check_interval", m.config.HealthCheckInterval).
		Msg("Cleanup started")
}

// Stop cancels both loops and waits for them to exit. Safe to call more
// than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info().Msg("Cleanup stopped")
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	defer monitoring.RecoverPanic(m.logger, "cleanupLoop", nil)

	timer := time.NewTimer(m.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.runCycle(ctx)
			timer.Reset(m.currentInterval())
		}
	}
}

func (m *Manager) currentInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRun = m.now().Add(m.interval)
	return m.interval
}

// TriggerCleanup runs one cycle now, regardless of the schedule.
func (m *Manager) TriggerCleanup(ctx context.Context) CycleReport {
	m.logger.Info().Msg("Manual cleanup triggered")
	return m.runCycle(ctx)
}

func (m *Manager) runCycle(ctx context.Context) CycleReport {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := m.now()
	load := m.sampleLoad()
	level := LevelFor(load.Score)
	load.Level = level.String()

	report := CycleReport{StartedAt: start, Level: level.String(), Load: load}

	phase := func(name string, fn func() error) {
		if ctx.Err() != nil {
			return
		}
		if err := m.runPhase(name, fn); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name, err))
		}
	}

	phase("connections", func() error {
		n, err := m.evictIdleConnections()
		report.ConnectionsRemoved = n
		return err
	})
	phase("channels", func() error {
		n, err := m.evictEmptyChannels()
		report.ChannelsRemoved = n
		return err
	})
	phase("buffers", func() error {
		report.BuffersReleased, report.BytesReleased = m.buffers.ReleaseIdle(m.config.BufferTimeout)
		monitoring.RecordCleanupEvictions("buffer", report.BuffersReleased)
		return nil
	})
	phase("gc", func() error {
		report.MemoryReclaimed = collectGarbage(level)
		monitoring.RecordMemoryReclaimed(report.MemoryReclaimed)
		return nil
	})

	report.DurationMS = m.now().Sub(start).Milliseconds()
	m.metrics.recordCycle(report)
	monitoring.RecordCleanupCycle(level.String(), int(level), load.Score)

	m.mu.Lock()
	m.level = level
	m.score = load.Score
	m.interval = IntervalFor(level, load.Score)
	m.lastRun = start
	m.mu.Unlock()

	event := m.logger.Info()
	if level >= LevelHigh {
		event = m.logger.Warn()
	}
	event.
		Str("level", level.String()).
		Float64("load_score", load.Score).
		Int("connections_removed", report.ConnectionsRemoved).
		Int("channels_removed", report.ChannelsRemoved).
		Int("buffers_released", report.BuffersReleased).
		Uint64("memory_reclaimed", report.MemoryReclaimed).
		Int("errors", len(report.Errors)).
		Int64("duration_ms", report.DurationMS).
		Msg("Cleanup cycle complete")

	return report
}

// runPhase runs fn, converting a panic into an error, and records failures.
func (m *Manager) runPhase(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			m.metrics.recordError(name, err, m.now())
			monitoring.RecordCleanupError(name)
			monitoring.LogError(m.logger, err, "Cleanup phase failed", map[string]any{"phase": name})
		}
	}()
	return fn()
}

func (m *Manager) sampleLoad() SystemLoad {
	var cpu, mem float64
	if m.load != nil {
		cpu = m.load.CPUPercent()
		mem = m.load.MemoryPercent()
	}
	active := m.conns.ConnectionCount()
	channels := len(m.channels.Channels())

	return SystemLoad{
		CPUPercent:        cpu,
		MemoryPercent:     mem,
		ActiveConnections: active,
		Channels:          channels,
		Score: LoadScore(LoadInputs{
			ActiveConnections: active,
			MaxConnections:    m.config.MaxConnections,
			Channels:          channels,
			MaxChannels:       m.config.MaxChannels,
			CPUPercent:        cpu,
			MemoryPercent:     mem,
		}),
	}
}

// idleConnections returns ids of connections whose last heartbeat reply is
// older than the connection timeout.
func (m *Manager) idleConnections() []string {
	cutoff := m.now().Add(-m.config.ConnectionTimeout)
	var ids []string
	for _, info := range m.conns.Snapshot() {
		if info.LastPing.Before(cutoff) {
			ids = append(ids, info.ID)
		}
	}
	return ids
}

func (m *Manager) evictIdleConnections() (int, error) {
	removed := 0
	for _, id := range m.idleConnections() {
		if m.conns.Disconnect(id, monitoring.DisconnectReasonIdleTimeout) {
			removed++
		}
	}
	monitoring.RecordCleanupEvictions("connection", removed)
	return removed, nil
}

// emptyChannels returns non-pinned channels without connections. When
// idleFor is positive only channels inactive for that long are included.
func (m *Manager) emptyChannels(idleFor time.Duration) []string {
	cutoff := m.now().Add(-idleFor)
	var names []string
	for _, ch := range m.channels.Channels() {
		if ch.Pinned || ch.CurrentLoad > 0 {
			continue
		}
		if idleFor > 0 && !ch.LastActiveAt.Before(cutoff) {
			continue
		}
		names = append(names, ch.Name)
	}
	return names
}

func (m *Manager) evictEmptyChannels() (int, error) {
	// Loads first, so CurrentLoad reflects the registry.
	m.conns.SyncChannelLoads()

	removed := 0
	var errs []error
	for _, name := range m.emptyChannels(m.config.ChannelTimeout) {
		err := m.conns.RemoveChannel(name)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, hub.ErrChannelInUse), errors.Is(err, routing.ErrUnknownChannel):
			// A client joined or another caller removed it meanwhile.
		default:
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
		}
	}
	monitoring.RecordCleanupEvictions("channel", removed)
	return removed, errors.Join(errs...)
}

// collectGarbage runs the GC pass for level and returns the drop in heap
// bytes in use.
func collectGarbage(level Level) uint64 {
	if level == LevelLow {
		return 0
	}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	switch level {
	case LevelMedium:
		runtime.GC()
	case LevelHigh:
		runtime.GC()
		runtime.GC()
	default:
		debug.FreeOSMemory()
	}
	runtime.ReadMemStats(&after)

	if after.HeapInuse >= before.HeapInuse {
		return 0
	}
	return before.HeapInuse - after.HeapInuse
}

// EmergencyCleanup disconnects every connection open longer than the
// emergency age, clears all tracked buffers, frees OS memory and runs the
// registered callbacks. It is always allowed, even with cleanup disabled.
func (m *Manager) EmergencyCleanup(reason string) EmergencyReport {
	report := EmergencyReport{Reason: reason, TriggeredAt: m.now()}

	m.logger.Warn().Str("reason", reason).Msg("Emergency cleanup triggered")

	_ = m.runPhase("emergency_connections", func() error {
		cutoff := report.TriggeredAt.Add(-m.config.EmergencyMaxAge)
		for _, info := range m.conns.Snapshot() {
			if info.ConnectedAt.Before(cutoff) && m.conns.Disconnect(info.ID, monitoring.DisconnectReasonEmergency) {
				report.ConnectionsRemoved++
			}
		}
		monitoring.RecordCleanupEvictions("connection", report.ConnectionsRemoved)
		return nil
	})
	_ = m.runPhase("emergency_channels", func() error {
		n, err := m.evictEmptyChannels()
		report.ChannelsRemoved = n
		return err
	})
	_ = m.runPhase("emergency_buffers", func() error {
		report.BuffersCleared = m.buffers.Clear()
		monitoring.RecordCleanupEvictions("buffer", report.BuffersCleared)
		return nil
	})
	_ = m.runPhase("emergency_gc", func() error {
		report.MemoryReclaimed = collectGarbage(LevelEmergency)
		monitoring.RecordMemoryReclaimed(report.MemoryReclaimed)
		return nil
	})

	m.metrics.recordEmergency(report)
	monitoring.RecordEmergencyCleanup()

	m.mu.RLock()
	callbacks := append([]EmergencyFunc(nil), m.callbacks...)
	m.mu.RUnlock()
	for _, fn := range callbacks {
		_ = m.runPhase("emergency_callback", func() error {
			fn(report)
			return nil
		})
	}

	m.logger.Warn().
		Str("reason", reason).
		Int("connections_removed", report.ConnectionsRemoved).
		Int("channels_removed", report.ChannelsRemoved).
		Int("buffers_cleared", report.BuffersCleared).
		Uint64("memory_reclaimed", report.MemoryReclaimed).
		Msg("Emergency cleanup complete")

	return report
}

// Metrics returns a copy of the cleanup counters.
func (m *Manager) Metrics() MetricsSnapshot {
	return m.metrics.snapshot()
}

// Status returns the current level, score and schedule.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Enabled:        m.config.Enabled,
		Running:        m.running,
		Level:          m.level.String(),
		LoadScore:      m.score,
		IntervalSec:    m.interval.Seconds(),
		LastRun:        m.lastRun,
		NextRun:        m.nextRun,
		TrackedBuffers: m.buffers.Len(),
		TrackedBytes:   m.buffers.TotalBytes(),
	}
}
