package routing

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewRouter(DefaultRouterConfig(), zerolog.Nop())
	require.NoError(t, err)
	return r
}

func userID(id int64) *int64 { return &id }

func TestRouter_DetermineChannelType(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name     string
		role     string
		priority int
		want     ChannelType
	}{
		{"admin role low priority", "admin", 1, ChannelAdmin},
		{"admin role case-insensitive", "SuperAdmin", 1, ChannelAdmin},
		{"priority 8 is admin", "", 8, ChannelAdmin},
		{"priority 10 is admin", "viewer", 10, ChannelAdmin},
		{"priority 7 is priority", "", 7, ChannelPriority},
		{"priority 7 beats elevated role", "manager", 7, ChannelPriority},
		{"priority 6 elevated role is users", "manager", 6, ChannelUsers},
		{"priority 6 plain is general", "", 6, ChannelGeneral},
		{"unknown role is general", "viewer", 1, ChannelGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.DetermineChannelType(tt.role, tt.priority))
		})
	}
}

func TestRouter_RouteUserDeterministic(t *testing.T) {
	r := newTestRouter(t)

	for id := int64(1); id <= 100; id++ {
		first := r.RouteUser(userID(id), "", 1)
		assert.Equal(t, first, r.RouteUser(userID(id), "", 1))
		assert.Equal(t, ChannelGeneral, r.ChannelType(first))
	}
}

func TestRouter_RouteUserByPolicy(t *testing.T) {
	r := newTestRouter(t)

	assert.Equal(t, ChannelAdmin, r.ChannelType(r.RouteUser(userID(1), "admin", 1)))
	assert.Equal(t, ChannelPriority, r.ChannelType(r.RouteUser(userID(1), "", 7)))
	assert.Equal(t, ChannelUsers, r.ChannelType(r.RouteUser(userID(1), "supervisor", 1)))
}

func TestRouter_AnonymousGoesToDefault(t *testing.T) {
	r := newTestRouter(t)

	assert.Equal(t, "general-0", r.RouteUser(nil, "", 1))
	assert.Equal(t, "general-0", r.RouteUser(nil, "admin", 10))
}

func TestRouter_AddChannelIsRoutable(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.Groups = []ChannelGroup{{Type: ChannelGeneral, Count: 1, Capacity: 10, Priority: 1}}
	r, err := NewRouter(cfg, zerolog.Nop())
	require.NoError(t, err)

	// No admin channels yet, so admins fall back to the default channel.
	assert.Equal(t, "general-0", r.RouteUser(userID(5), "admin", 1))

	_, err = r.AddChannel(ChannelAdmin, "admin-x", 50)
	require.NoError(t, err)
	assert.Equal(t, "admin-x", r.RouteUser(userID(5), "admin", 1))

	_, err = r.AddChannel(ChannelAdmin, "admin-x", 50)
	assert.True(t, errors.Is(err, ErrChannelExists))
}

func TestRouter_RemoveChannel(t *testing.T) {
	r := newTestRouter(t)

	assert.ErrorIs(t, r.RemoveChannel("general-0"), ErrPinnedChannel)
	assert.ErrorIs(t, r.RemoveChannel("nope"), ErrUnknownChannel)

	_, err := r.AddChannel("reports", "reports-0", 10)
	require.NoError(t, err)
	assert.Contains(t, r.Types(), ChannelType("reports"))

	require.NoError(t, r.RemoveChannel("reports-0"))
	assert.NotContains(t, r.Types(), ChannelType("reports"))
	_, ok := r.Channel("reports-0")
	assert.False(t, ok)
}

func TestRouter_AddChannelValidation(t *testing.T) {
	r := newTestRouter(t)

	_, err := r.AddChannel(ChannelGeneral, "", 10)
	assert.ErrorIs(t, err, ErrInvalidChannel)
	_, err = r.AddChannel(ChannelGeneral, "g", 0)
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestRouter_LoadHint(t *testing.T) {
	r := newTestRouter(t)

	r.IncrementLoad("general-1")
	r.IncrementLoad("general-1")
	r.DecrementLoad("general-1")
	ch, ok := r.Channel("general-1")
	require.True(t, ok)
	assert.Equal(t, 1, ch.CurrentLoad())

	r.DecrementLoad("general-1")
	r.DecrementLoad("general-1")
	assert.Equal(t, 0, ch.CurrentLoad())

	r.SyncLoad("general-1", 7)
	assert.Equal(t, 7, ch.CurrentLoad())
}

func TestChannelInfo_CapacityArithmetic(t *testing.T) {
	ch := newChannelInfo("general-0", ChannelGeneral, 1000, 1, true)

	ch.sync(1000)
	assert.InDelta(t, 100.0, ch.Utilization(), 1e-9)
	assert.False(t, ch.IsOverloaded())

	ch.sync(1001)
	assert.InDelta(t, 100.1, ch.Utilization(), 1e-9)
	assert.True(t, ch.IsOverloaded())
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, 1, ClampPriority(0))
	assert.Equal(t, 1, ClampPriority(-3))
	assert.Equal(t, 5, ClampPriority(5))
	assert.Equal(t, 10, ClampPriority(42))
}
