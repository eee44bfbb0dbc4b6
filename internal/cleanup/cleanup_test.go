package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/ws_channels/internal/hub"
	"github.com/adred-codev/ws_channels/internal/routing"
	"github.com/adred-codev/ws_channels/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTable struct {
	mu           sync.Mutex
	conns        map[string]hub.ConnectionInfo
	channels     map[string]routing.ChannelSnapshot
	removeErr    map[string]error
	disconnected map[string]string
	panicOnDrop  bool
	syncs        int
}

func newFakeTable() *fakeTable {
	return &fakeTable{
		conns:        make(map[string]hub.ConnectionInfo),
		channels:     make(map[string]routing.ChannelSnapshot),
		removeErr:    make(map[string]error),
		disconnected: make(map[string]string),
	}
}

func (f *fakeTable) addConn(id string, connectedAt, lastPing time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[id] = hub.ConnectionInfo{ID: id, ConnectedAt: connectedAt, LastPing: lastPing}
}

func (f *fakeTable) addChannel(name string, pinned bool, load int, lastActive time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[name] = routing.ChannelSnapshot{Name: name, Pinned: pinned, CurrentLoad: load, LastActiveAt: lastActive}
}

func (f *fakeTable) Snapshot() []hub.ConnectionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hub.ConnectionInfo, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c)
	}
	return out
}

func (f *fakeTable) Disconnect(id, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnDrop {
		panic("disconnect exploded")
	}
	if _, ok := f.conns[id]; !ok {
		return false
	}
	delete(f.conns, id)
	f.disconnected[id] = reason
	return true
}

func (f *fakeTable) ConnectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeTable) RemoveChannel(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeErr[name]; err != nil {
		return err
	}
	delete(f.channels, name)
	return nil
}

func (f *fakeTable) SyncChannelLoads() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return nil
}

func (f *fakeTable) Channels() []routing.ChannelSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]routing.ChannelSnapshot, 0, len(f.channels))
	for _, c := range f.channels {
		out = append(out, c)
	}
	return out
}

func (f *fakeTable) channelNames() []string {
	var names []string
	for _, c := range f.Channels() {
		names = append(names, c.Name)
	}
	return names
}

type fakeLoad struct {
	cpu, mem float64
}

func (l fakeLoad) CPUPercent() float64    { return l.cpu }
func (l fakeLoad) MemoryPercent() float64 { return l.mem }

func newTestManager(t *testing.T, cfg Config, table *fakeTable, load LoadSource) *Manager {
	t.Helper()
	m := NewManager(cfg, table, table, load, nil, zerolog.Nop())
	m.now = func() time.Time { return baseTime }
	m.buffers.now = m.now
	t.Cleanup(m.Stop)
	return m
}

func TestRunCycle_EvictsIdleResources(t *testing.T) {
	table := newFakeTable()
	table.addConn("idle", baseTime.Add(-time.Hour), baseTime.Add(-301*time.Second))
	table.addConn("fresh", baseTime.Add(-time.Hour), baseTime.Add(-10*time.Second))
	table.addChannel("general-0", true, 0, baseTime.Add(-2*time.Hour))
	table.addChannel("extra-idle", false, 0, baseTime.Add(-2*time.Hour))
	table.addChannel("extra-recent", false, 0, baseTime.Add(-time.Minute))
	table.addChannel("extra-busy", false, 3, baseTime.Add(-2*time.Hour))

	m := newTestManager(t, DefaultConfig(), table, fakeLoad{})

	m.buffers.now = func() time.Time { return baseTime.Add(-11 * time.Minute) }
	m.buffers.Register("stale", 512)
	m.buffers.now = m.now
	m.buffers.Register("live", 256)

	report := m.TriggerCleanup(context.Background())

	assert.Equal(t, 1, report.ConnectionsRemoved)
	assert.Equal(t, map[string]string{"idle": "idle_timeout"}, table.disconnected)
	assert.Equal(t, 1, report.ChannelsRemoved)
	assert.ElementsMatch(t, []string{"general-0", "extra-recent", "extra-busy"}, table.channelNames())
	assert.Equal(t, 1, table.syncs)
	assert.Equal(t, 1, report.BuffersReleased)
	assert.Equal(t, int64(512), report.BytesReleased)
	assert.Equal(t, 1, m.buffers.Len())
	assert.Empty(t, report.Errors)

	metrics := m.Metrics()
	assert.Equal(t, int64(1), metrics.CleanupCycles)
	assert.Equal(t, int64(1), metrics.ConnectionsRemoved)
	assert.Equal(t, int64(1), metrics.ChannelsCleaned)
	assert.Equal(t, int64(1), metrics.BuffersReleased)
	assert.Equal(t, baseTime, metrics.LastCleanup)
}

func TestRunCycle_LevelDrivesSchedule(t *testing.T) {
	table := newFakeTable()
	cfg := DefaultConfig()
	cfg.MaxConnections = 10
	for i := 0; i < 10; i++ {
		table.addConn(fmt.Sprintf("c%d", i), baseTime, baseTime)
	}
	m := newTestManager(t, cfg, table, fakeLoad{cpu: 100, mem: 100})

	report := m.TriggerCleanup(context.Background())
	assert.Equal(t, "emergency", report.Level)

	status := m.Status()
	assert.Equal(t, "emergency", status.Level)
	assert.InDelta(t, 90.0, status.LoadScore, 0.001)
	assert.Equal(t, IntervalEmergency.Seconds(), status.IntervalSec)
}

func TestRunCycle_PhaseFailureDoesNotStopOthers(t *testing.T) {
	table := newFakeTable()
	table.addChannel("extra-1", false, 0, baseTime.Add(-2*time.Hour))
	table.removeErr["extra-1"] = errors.New("storage offline")
	table.addConn("idle", baseTime.Add(-time.Hour), baseTime.Add(-time.Hour))
	table.panicOnDrop = true

	m := newTestManager(t, DefaultConfig(), table, nil)
	m.buffers.now = func() time.Time { return baseTime.Add(-time.Hour) }
	m.buffers.Register("stale", 64)
	m.buffers.now = m.now

	report := m.TriggerCleanup(context.Background())

	require.Len(t, report.Errors, 2)
	assert.Contains(t, report.Errors[0], "connections: panic")
	assert.Contains(t, report.Errors[1], "storage offline")
	assert.Equal(t, 1, report.BuffersReleased, "buffer phase still ran")

	errs := m.Metrics().Errors
	require.Len(t, errs, 2)
	assert.Equal(t, "connections", errs[0].Phase)
	assert.Equal(t, "channels", errs[1].Phase)
}

func TestRunCycle_ChannelRaceIsNotAnError(t *testing.T) {
	table := newFakeTable()
	table.addChannel("extra-1", false, 0, baseTime.Add(-2*time.Hour))
	table.removeErr["extra-1"] = fmt.Errorf("%w: extra-1 has 1", hub.ErrChannelInUse)

	m := newTestManager(t, DefaultConfig(), table, nil)
	report := m.TriggerCleanup(context.Background())

	assert.Empty(t, report.Errors)
	assert.Zero(t, report.ChannelsRemoved)
}

func TestMetrics_ErrorLogIsBounded(t *testing.T) {
	var m metrics
	for i := 0; i < maxErrorLog+25; i++ {
		m.recordError("gc", fmt.Errorf("err %d", i), baseTime)
	}
	errs := m.snapshot().Errors
	require.Len(t, errs, maxErrorLog)
	assert.Equal(t, "err 25", errs[0].Error)
	assert.Equal(t, fmt.Sprintf("err %d", maxErrorLog+24), errs[maxErrorLog-1].Error)
}

func TestEmergencyCleanup(t *testing.T) {
	table := newFakeTable()
	table.addConn("old", baseTime.Add(-2*time.Hour), baseTime)
	table.addConn("young", baseTime.Add(-10*time.Minute), baseTime)

	cfg := DefaultConfig()
	cfg.Enabled = false
	m := newTestManager(t, cfg, table, nil)
	m.buffers.Register("a", 10)
	m.buffers.Register("b", 20)

	var got []EmergencyReport
	m.OnEmergency(func(r EmergencyReport) { got = append(got, r) })
	m.OnEmergency(func(EmergencyReport) { panic("alerting down") })

	report := m.EmergencyCleanup("manual")

	assert.Equal(t, "manual", report.Reason)
	assert.Equal(t, 1, report.ConnectionsRemoved)
	assert.Equal(t, map[string]string{"old": "emergency"}, table.disconnected)
	assert.Equal(t, 2, report.BuffersCleared)
	assert.Zero(t, m.buffers.Len())
	assert.Zero(t, m.buffers.TotalBytes())
	require.Len(t, got, 1)
	assert.Equal(t, report, got[0])

	metrics := m.Metrics()
	assert.Equal(t, int64(1), metrics.EmergencyTriggers)
	assert.Equal(t, int64(1), metrics.ConnectionsRemoved)
	require.Len(t, metrics.Errors, 1)
	assert.Equal(t, "emergency_callback", metrics.Errors[0].Phase)
}

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name     string
		load     fakeLoad
		zombies  int
		empty    int
		critical []string
	}{
		{name: "healthy", load: fakeLoad{cpu: 50, mem: 50}},
		{name: "memory", load: fakeLoad{mem: 90}, critical: []string{"memory"}},
		{name: "cpu", load: fakeLoad{cpu: 95}, critical: []string{"cpu"}},
		{name: "zombies", zombies: 100, critical: []string{"zombie_connections"}},
		{name: "empty channels", empty: 50, critical: []string{"empty_channels"}},
		{name: "below thresholds", load: fakeLoad{cpu: 94.9, mem: 89.9}, zombies: 99, empty: 49},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := newFakeTable()
			for i := 0; i < tt.zombies; i++ {
				table.addConn(fmt.Sprintf("z%d", i), baseTime.Add(-time.Hour), baseTime.Add(-time.Hour))
			}
			for i := 0; i < tt.empty; i++ {
				table.addChannel(fmt.Sprintf("extra-%d", i), false, 0, baseTime.Add(-2*time.Hour))
			}
			// Pinned and recently active empty channels never count.
			table.addChannel("general-0", true, 0, baseTime.Add(-2*time.Hour))
			table.addChannel("fresh", false, 0, baseTime)

			m := newTestManager(t, DefaultConfig(), table, tt.load)
			check := m.CheckHealth()

			assert.Equal(t, tt.critical, check.Critical)
			assert.Equal(t, len(tt.critical) == 0, check.Healthy)
			assert.Equal(t, tt.zombies, check.ZombieConnections)
			assert.Equal(t, tt.empty, check.EmptyChannels)
		})
	}
}

func TestEmergencyCleanup_EvictsStaleEmptyChannels(t *testing.T) {
	table := newFakeTable()
	for i := 0; i < 50; i++ {
		table.addChannel(fmt.Sprintf("extra-%d", i), false, 0, baseTime.Add(-2*time.Hour))
	}
	table.addChannel("fresh", false, 0, baseTime)
	table.addChannel("busy", false, 3, baseTime.Add(-2*time.Hour))
	table.addChannel("general-0", true, 0, baseTime.Add(-2*time.Hour))

	m := newTestManager(t, DefaultConfig(), table, nil)

	check := m.runHealthCheck()
	require.Equal(t, []string{"empty_channels"}, check.Critical)
	assert.ElementsMatch(t, []string{"fresh", "busy", "general-0"}, table.channelNames())

	metrics := m.Metrics()
	assert.Equal(t, int64(1), metrics.EmergencyTriggers)
	assert.Equal(t, int64(50), metrics.ChannelsCleaned)

	// The condition that escalated is gone, so the next check stays quiet.
	assert.True(t, m.runHealthCheck().Healthy)
	assert.Equal(t, int64(1), m.Metrics().EmergencyTriggers)
}

func TestRunHealthCheck_EscalatesToEmergency(t *testing.T) {
	table := newFakeTable()
	m := newTestManager(t, DefaultConfig(), table, fakeLoad{mem: 97})

	var reasons []string
	m.OnEmergency(func(r EmergencyReport) { reasons = append(reasons, r.Reason) })

	check := m.runHealthCheck()
	assert.False(t, check.Healthy)
	assert.Equal(t, []string{"health check: memory"}, reasons)

	m.load = fakeLoad{}
	m.runHealthCheck()
	assert.Len(t, reasons, 1)
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = 5 * time.Millisecond
	table := newFakeTable()
	m := NewManager(cfg, table, table, fakeLoad{mem: 99}, nil, zerolog.Nop())

	fired := make(chan struct{}, 1)
	m.OnEmergency(func(EmergencyReport) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	m.Start(context.Background())
	m.Start(context.Background())
	assert.True(t, m.Status().Running)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("health loop never escalated")
	}

	m.Stop()
	m.Stop()
	assert.False(t, m.Status().Running)
}

func TestStart_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	table := newFakeTable()
	m := NewManager(cfg, table, table, nil, nil, zerolog.Nop())

	m.Start(context.Background())
	status := m.Status()
	assert.False(t, status.Running)
	assert.False(t, status.Enabled)
	m.Stop()
}

func TestRunCycle_WithHubManager(t *testing.T) {
	router, err := routing.NewRouter(routing.DefaultRouterConfig(), zerolog.Nop())
	require.NoError(t, err)
	hm := hub.NewManager(hub.Config{HeartbeatInterval: time.Hour}, router, routing.NewBalancer(router, zerolog.Nop()), zerolog.Nop())
	t.Cleanup(func() { _ = hm.Shutdown(context.Background()) })

	transport := testutil.NewMockTransport("10.0.0.1:1")
	_, err = hm.Connect(transport, nil, "", 1)
	require.NoError(t, err)
	_, err = hm.AddChannel(routing.ChannelGeneral, "general-extra", 10)
	require.NoError(t, err)

	m := NewManager(DefaultConfig(), hm, router, nil, nil, zerolog.Nop())
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	report := m.TriggerCleanup(context.Background())

	assert.Equal(t, 1, report.ConnectionsRemoved)
	assert.True(t, transport.Closed())
	assert.Zero(t, hm.ConnectionCount())
	assert.Equal(t, 1, report.ChannelsRemoved)
	_, ok := router.Channel("general-extra")
	assert.False(t, ok)
	_, ok = router.Channel(router.DefaultChannel())
	assert.True(t, ok, "pinned channels survive")
}
