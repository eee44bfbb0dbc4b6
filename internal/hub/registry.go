package hub

import (
	"sort"
	"strings"
	"sync"

	"github.com/adred-codev/ws_channels/internal/routing"
)

// Registry owns every live connection and keeps secondary indexes by user,
// role, channel and channel type. It is the authoritative source of channel
// load.
//
// Query methods return copies, so callers can iterate without holding the
// lock while they write to transports.
type Registry struct {
	mu            sync.RWMutex
	conns         map[string]*Connection
	byUser        map[int64]map[string]struct{}
	byRole        map[string]map[string]struct{}
	byChannel     map[string]map[string]struct{}
	byChannelType map[routing.ChannelType]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:         make(map[string]*Connection),
		byUser:        make(map[int64]map[string]struct{}),
		byRole:        make(map[string]map[string]struct{}),
		byChannel:     make(map[string]map[string]struct{}),
		byChannelType: make(map[routing.ChannelType]map[string]struct{}),
	}
}

func roleKey(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func indexAdd[K comparable](idx map[K]map[string]struct{}, key K, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func indexRemove[K comparable](idx map[K]map[string]struct{}, key K, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func indexIDs[K comparable](idx map[K]map[string]struct{}, key K) []string {
	set := idx[key]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Add inserts a connection. It returns false if the id is already present.
func (r *Registry) Add(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[c.ID]; exists {
		return false
	}
	r.conns[c.ID] = c

	if c.UserID != nil {
		indexAdd(r.byUser, *c.UserID, c.ID)
	}
	if key := roleKey(c.Role); key != "" {
		indexAdd(r.byRole, key, c.ID)
	}
	indexAdd(r.byChannel, c.Channel(), c.ID)
	indexAdd(r.byChannelType, c.ChannelType(), c.ID)
	return true
}

// Remove deletes a connection and all its index entries.
func (r *Registry) Remove(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)

	if c.UserID != nil {
		indexRemove(r.byUser, *c.UserID, id)
	}
	if key := roleKey(c.Role); key != "" {
		indexRemove(r.byRole, key, id)
	}
	indexRemove(r.byChannel, c.Channel(), id)
	indexRemove(r.byChannelType, c.ChannelType(), id)
	return c, true
}

// Reassign moves a connection to another channel, keeping the indexes
// consistent. It returns the previous channel.
func (r *Registry) Reassign(id, channel string, ct routing.ChannelType) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return "", false
	}

	from, fromType := c.Channel(), c.ChannelType()
	indexRemove(r.byChannel, from, id)
	indexRemove(r.byChannelType, fromType, id)

	c.assign(channel, ct)

	indexAdd(r.byChannel, channel, id)
	indexAdd(r.byChannelType, ct, id)
	return from, true
}

// Get looks up a connection.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// IDs returns every connection id.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// IDsForUser returns the connections of a user.
func (r *Registry) IDsForUser(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return indexIDs(r.byUser, userID)
}

// IDsForRole returns the connections holding role (case-insensitive).
func (r *Registry) IDsForRole(role string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return indexIDs(r.byRole, roleKey(role))
}

// IDsForChannel returns the connections assigned to a channel.
func (r *Registry) IDsForChannel(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return indexIDs(r.byChannel, channel)
}

// IDsForChannelType returns the connections on channels of type ct.
func (r *Registry) IDsForChannelType(ct routing.ChannelType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return indexIDs(r.byChannelType, ct)
}

// CountByChannel returns the authoritative load of one channel.
func (r *Registry) CountByChannel(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[channel])
}

// ChannelCounts returns the load of every channel that has connections.
func (r *Registry) ChannelCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.byChannel))
	for name, set := range r.byChannel {
		out[name] = len(set)
	}
	return out
}

// TypeCounts returns the number of connections per channel type.
func (r *Registry) TypeCounts() map[routing.ChannelType]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[routing.ChannelType]int, len(r.byChannelType))
	for t, set := range r.byChannelType {
		out[t] = len(set)
	}
	return out
}

// Len returns the number of connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns info for every connection, oldest first.
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
