package routing

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelMetrics_Thresholds(t *testing.T) {
	tests := []struct {
		conns         int
		overloaded    bool
		underutilized bool
	}{
		{0, false, true},
		{29, false, true},
		{30, false, false},
		{80, false, false},
		{81, true, false},
		{100, true, false},
		{150, true, false},
	}

	for _, tt := range tests {
		m := ChannelMetrics{Capacity: 100, ConnectionCount: tt.conns}
		assert.Equal(t, tt.overloaded, m.IsOverloaded(), "conns=%d", tt.conns)
		assert.Equal(t, tt.underutilized, m.IsUnderutilized(), "conns=%d", tt.conns)
		assert.False(t, m.IsOverloaded() && m.IsUnderutilized())
	}
}

func newTestBalancer(t *testing.T) (*Router, *Balancer) {
	t.Helper()
	cfg := DefaultRouterConfig()
	cfg.Groups = []ChannelGroup{{Type: ChannelGeneral, Count: 3, Capacity: 100, Priority: 1}}
	r, err := NewRouter(cfg, zerolog.Nop())
	require.NoError(t, err)
	return r, NewBalancer(r, zerolog.Nop())
}

func TestBalancer_SelectsLeastUtilized(t *testing.T) {
	_, b := newTestBalancer(t)

	b.UpdateChannelMetrics("general-0", 50, 0, 0)
	b.UpdateChannelMetrics("general-1", 10, 0, 0)
	b.UpdateChannelMetrics("general-2", 70, 0, 0)

	name, ok := b.SelectOptimalChannel(ChannelGeneral, true)
	require.True(t, ok)
	assert.Equal(t, "general-1", name)
}

func TestBalancer_FallsBackWhenAllOverloaded(t *testing.T) {
	_, b := newTestBalancer(t)

	b.UpdateChannelMetrics("general-0", 95, 0, 0)
	b.UpdateChannelMetrics("general-1", 90, 0, 0)
	b.UpdateChannelMetrics("general-2", 99, 0, 0)

	name, ok := b.SelectOptimalChannel(ChannelGeneral, true)
	require.True(t, ok)
	assert.Equal(t, "general-1", name)
}

func TestBalancer_ExcludesOverloaded(t *testing.T) {
	_, b := newTestBalancer(t)

	b.UpdateChannelMetrics("general-0", 85, 0, 0)
	b.UpdateChannelMetrics("general-1", 81, 0, 0)
	b.UpdateChannelMetrics("general-2", 80, 0, 0)

	name, _ := b.SelectOptimalChannel(ChannelGeneral, true)
	assert.Equal(t, "general-2", name)
}

func TestBalancer_UnknownTypeAndChannel(t *testing.T) {
	_, b := newTestBalancer(t)

	_, ok := b.SelectOptimalChannel("nope", true)
	assert.False(t, ok)
	assert.False(t, b.UpdateChannelMetrics("missing", 1, 0, 0))
}

func TestBalancer_TieBreaksByName(t *testing.T) {
	_, b := newTestBalancer(t)

	name, ok := b.SelectOptimalChannel(ChannelGeneral, false)
	require.True(t, ok)
	assert.Equal(t, "general-0", name)
}

func TestBalancer_Snapshot(t *testing.T) {
	_, b := newTestBalancer(t)
	b.UpdateChannelMetrics("general-2", 42, 7, 1)

	snap := b.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "general-2", snap[2].Name)
	assert.Equal(t, 42, snap[2].ConnectionCount)
	assert.Equal(t, int64(7), snap[2].MessageCount)

	b.Forget("general-2")
	_, ok := b.Metrics("general-2")
	assert.False(t, ok)
}
