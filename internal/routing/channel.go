package routing

import (
	"errors"
	"sync"
	"time"
)

// ChannelType groups channels by audience. The set is open: AddChannel may
// introduce new types at runtime.
type ChannelType string

const (
	ChannelGeneral  ChannelType = "general"
	ChannelAdmin    ChannelType = "admin"
	ChannelUsers    ChannelType = "users"
	ChannelPriority ChannelType = "priority"
)

// DefaultChannelTypes lists the built-in types in routing precedence order.
var DefaultChannelTypes = []ChannelType{ChannelAdmin, ChannelPriority, ChannelUsers, ChannelGeneral}

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrChannelExists  = errors.New("channel already exists")
	ErrPinnedChannel  = errors.New("channel is pinned and cannot be removed")
	ErrInvalidChannel = errors.New("invalid channel definition")
)

// ChannelInfo describes one logical channel.
//
// CurrentLoad is a cached hint maintained by the router on connect/disconnect.
// The connection registry is authoritative; callers resynchronise the hint with
// SyncLoad whenever they have a fresh count.
type ChannelInfo struct {
	Name     string
	Type     ChannelType
	Capacity int
	Priority int
	Pinned   bool // configured at startup, never evicted

	mu           sync.RWMutex
	currentLoad  int
	createdAt    time.Time
	lastActiveAt time.Time
}

func newChannelInfo(name string, t ChannelType, capacity, priority int, pinned bool) *ChannelInfo {
	now := time.Now()
	return &ChannelInfo{
		Name:         name,
		Type:         t,
		Capacity:     capacity,
		Priority:     priority,
		Pinned:       pinned,
		createdAt:    now,
		lastActiveAt: now,
	}
}

// CurrentLoad returns the cached connection count.
func (c *ChannelInfo) CurrentLoad() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentLoad
}

// Utilization returns load as a percentage of capacity. Values above 100 are
// possible: capacity is advisory.
func (c *ChannelInfo) Utilization() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return utilization(c.currentLoad, c.Capacity)
}

// IsOverloaded reports whether the channel holds more connections than its
// nominal capacity. Nothing rejects connections on this condition.
func (c *ChannelInfo) IsOverloaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentLoad > c.Capacity
}

// LastActiveAt is the last time a connection joined or left the channel, or a
// message was delivered on it.
func (c *ChannelInfo) LastActiveAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActiveAt
}

// CreatedAt returns when the channel was registered.
func (c *ChannelInfo) CreatedAt() time.Time {
	return c.createdAt
}

func (c *ChannelInfo) adjust(delta int) {
	c.mu.Lock()
	c.currentLoad += delta
	if c.currentLoad < 0 {
		c.currentLoad = 0
	}
	c.lastActiveAt = time.Now()
	c.mu.Unlock()
}

func (c *ChannelInfo) touch() {
	c.mu.Lock()
	c.lastActiveAt = time.Now()
	c.mu.Unlock()
}

func (c *ChannelInfo) sync(load int) {
	c.mu.Lock()
	if load != c.currentLoad {
		c.lastActiveAt = time.Now()
	}
	c.currentLoad = load
	c.mu.Unlock()
}

// ChannelSnapshot is an immutable copy of a ChannelInfo for reporting.
type ChannelSnapshot struct {
	Name         string      `json:"name"`
	Type         ChannelType `json:"channel_type"`
	Capacity     int         `json:"capacity"`
	Priority     int         `json:"priority"`
	Pinned       bool        `json:"pinned"`
	CurrentLoad  int         `json:"current_load"`
	Utilization  float64     `json:"utilization"`
	Overloaded   bool        `json:"is_overloaded"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActiveAt time.Time   `json:"last_active_at"`
}

// Snapshot copies the channel state.
func (c *ChannelInfo) Snapshot() ChannelSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ChannelSnapshot{
		Name:         c.Name,
		Type:         c.Type,
		Capacity:     c.Capacity,
		Priority:     c.Priority,
		Pinned:       c.Pinned,
		CurrentLoad:  c.currentLoad,
		Utilization:  utilization(c.currentLoad, c.Capacity),
		Overloaded:   c.currentLoad > c.Capacity,
		CreatedAt:    c.createdAt,
		LastActiveAt: c.lastActiveAt,
	}
}

func utilization(load, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(load) / float64(capacity) * 100
}
