package hub

import (
	"testing"

	"github.com/adred-codev/ws_channels/internal/routing"
	"github.com/adred-codev/ws_channels/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(id string, uid *int64, role, channel string, ct routing.ChannelType) *Connection {
	return newConnection(id, testutil.NewMockTransport("addr"), uid, role, 1, channel, ct)
}

func TestRegistry_Indexes(t *testing.T) {
	r := NewRegistry()

	require.True(t, r.Add(newTestConnection("a", userID(1), "Staff", "users-0", routing.ChannelUsers)))
	require.True(t, r.Add(newTestConnection("b", userID(1), "staff", "users-1", routing.ChannelUsers)))
	require.True(t, r.Add(newTestConnection("c", nil, "", "general-0", routing.ChannelGeneral)))
	assert.False(t, r.Add(newTestConnection("a", nil, "", "general-0", routing.ChannelGeneral)), "duplicate id")

	assert.Equal(t, 3, r.Len())
	assert.ElementsMatch(t, []string{"a", "b"}, r.IDsForUser(1))
	assert.ElementsMatch(t, []string{"a", "b"}, r.IDsForRole("STAFF"))
	assert.ElementsMatch(t, []string{"a"}, r.IDsForChannel("users-0"))
	assert.ElementsMatch(t, []string{"a", "b"}, r.IDsForChannelType(routing.ChannelUsers))
	assert.Equal(t, map[string]int{"users-0": 1, "users-1": 1, "general-0": 1}, r.ChannelCounts())
	assert.Equal(t, 2, r.TypeCounts()[routing.ChannelUsers])
}

func TestRegistry_RemoveCleansIndexes(t *testing.T) {
	r := NewRegistry()
	r.Add(newTestConnection("a", userID(1), "staff", "users-0", routing.ChannelUsers))

	conn, ok := r.Remove("a")
	require.True(t, ok)
	assert.Equal(t, "a", conn.ID)

	_, ok = r.Remove("a")
	assert.False(t, ok)

	assert.Empty(t, r.IDsForUser(1))
	assert.Empty(t, r.IDsForRole("staff"))
	assert.Empty(t, r.ChannelCounts())
	assert.Empty(t, r.TypeCounts())
}

func TestRegistry_Reassign(t *testing.T) {
	r := NewRegistry()
	r.Add(newTestConnection("a", userID(1), "", "general-0", routing.ChannelGeneral))

	from, ok := r.Reassign("a", "general-1", routing.ChannelGeneral)
	require.True(t, ok)
	assert.Equal(t, "general-0", from)
	assert.Equal(t, 0, r.CountByChannel("general-0"))
	assert.Equal(t, 1, r.CountByChannel("general-1"))

	conn, _ := r.Get("a")
	assert.Equal(t, "general-1", conn.Channel())

	_, ok = r.Reassign("missing", "general-1", routing.ChannelGeneral)
	assert.False(t, ok)
}

func TestRegistry_QueriesReturnCopies(t *testing.T) {
	r := NewRegistry()
	r.Add(newTestConnection("a", nil, "", "general-0", routing.ChannelGeneral))

	ids := r.IDsForChannel("general-0")
	ids[0] = "mutated"
	assert.Equal(t, []string{"a"}, r.IDsForChannel("general-0"))
}

func TestSubscriptionSet(t *testing.T) {
	s := NewSubscriptionSet()
	s.AddMultiple([]string{"b", "a", ""})
	s.Add("c")

	assert.Equal(t, 3, s.Count())
	assert.Equal(t, []string{"a", "b", "c"}, s.List())

	s.RemoveMultiple([]string{"a", "b"})
	s.Remove("missing")
	assert.True(t, s.Has("c"))
	assert.False(t, s.Has("a"))

	s.Clear()
	assert.Zero(t, s.Count())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "disconnecting", StateDisconnecting.String())
	assert.Equal(t, "removed", StateRemoved.String())
	assert.Equal(t, "unknown", State(42).String())
}
