package routing

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ChannelGroup declares Count channels of one type, named "<type>-<i>".
type ChannelGroup struct {
	Type     ChannelType
	Count    int
	Capacity int
	Priority int
}

// RouterConfig configures the channel layout and the routing policy.
type RouterConfig struct {
	Groups        []ChannelGroup
	AdminRoles    []string // case-insensitive
	ElevatedRoles []string // case-insensitive, routed to the users type
	Replicas      int      // virtual nodes per channel (default 150)
}

// DefaultRouterConfig is the stock layout: 4 general, 3 users, 2 priority and
// 1 admin channel.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Groups: []ChannelGroup{
			{Type: ChannelGeneral, Count: 4, Capacity: 1000, Priority: 1},
			{Type: ChannelUsers, Count: 3, Capacity: 500, Priority: 5},
			{Type: ChannelPriority, Count: 2, Capacity: 200, Priority: 7},
			{Type: ChannelAdmin, Count: 1, Capacity: 100, Priority: 10},
		},
		AdminRoles:    []string{"admin", "superadmin"},
		ElevatedRoles: []string{"manager", "supervisor", "coordinator", "staff"},
		Replicas:      DefaultReplicas,
	}
}

// Routing thresholds on the 1-10 priority scale.
const (
	AdminPriorityThreshold    = 8
	PriorityChannelThreshold  = 7
	MinPriority               = 1
	MaxPriority               = 10
	defaultPriorityForUnknown = 1
)

// ChannelName builds the conventional name of the i-th channel of a type.
func ChannelName(t ChannelType, i int) string {
	return fmt.Sprintf("%s-%d", t, i)
}

// ClampPriority forces p into [1, 10]; zero means unspecified and maps to 1.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Router places connections onto channels.
//
// Policy (first match wins):
//  1. admin role or priority >= 8 -> admin
//  2. priority >= 7               -> priority
//  3. elevated role               -> users
//  4. otherwise                   -> general
//
// Within a type the channel is picked by hashing "<user_id>:<type>" onto that
// type's ring, so a user lands on the same channel on every reconnect while the
// channel set is unchanged. Anonymous connections go to the default channel.
type Router struct {
	logger        zerolog.Logger
	replicas      int
	adminRoles    map[string]struct{}
	elevatedRoles map[string]struct{}
	defaultName   string

	mu       sync.RWMutex
	channels map[string]*ChannelInfo
	byType   map[ChannelType][]string
	rings    map[ChannelType]*Ring
}

// NewRouter builds the configured channel layout. The first general channel is
// the default channel and always exists.
func NewRouter(cfg RouterConfig, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		logger:        logger.With().Str("component", "channel_router").Logger(),
		replicas:      cfg.Replicas,
		adminRoles:    roleSet(cfg.AdminRoles),
		elevatedRoles: roleSet(cfg.ElevatedRoles),
		defaultName:   ChannelName(ChannelGeneral, 0),
		channels:      make(map[string]*ChannelInfo),
		byType:        make(map[ChannelType][]string),
		rings:         make(map[ChannelType]*Ring),
	}

	for _, g := range cfg.Groups {
		if g.Type == "" || g.Count < 0 || g.Capacity <= 0 {
			return nil, fmt.Errorf("%w: type=%q count=%d capacity=%d", ErrInvalidChannel, g.Type, g.Count, g.Capacity)
		}
		for i := 0; i < g.Count; i++ {
			r.insertLocked(newChannelInfo(ChannelName(g.Type, i), g.Type, g.Capacity, ClampPriority(g.Priority), true))
		}
	}

	if _, ok := r.channels[r.defaultName]; !ok {
		r.insertLocked(newChannelInfo(r.defaultName, ChannelGeneral, 1000, 1, true))
	}

	r.logger.Info().
		Int("channels", len(r.channels)).
		Int("types", len(r.byType)).
		Int("replicas", r.replicasOrDefault()).
		Str("default_channel", r.defaultName).
		Msg("Channel router initialized")

	return r, nil
}

func roleSet(roles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role != "" {
			set[role] = struct{}{}
		}
	}
	return set
}

func (r *Router) replicasOrDefault() int {
	if r.replicas <= 0 {
		return DefaultReplicas
	}
	return r.replicas
}

// insertLocked registers ch. Caller holds mu (or owns r exclusively).
func (r *Router) insertLocked(ch *ChannelInfo) {
	r.channels[ch.Name] = ch
	r.byType[ch.Type] = append(r.byType[ch.Type], ch.Name)
	ring, ok := r.rings[ch.Type]
	if !ok {
		ring = NewRing(r.replicas)
		r.rings[ch.Type] = ring
	}
	ring.AddNode(ch.Name)
}

// DetermineChannelType applies the routing policy to a role and priority.
func (r *Router) DetermineChannelType(role string, priority int) ChannelType {
	role = strings.ToLower(strings.TrimSpace(role))
	_, isAdmin := r.adminRoles[role]
	_, isElevated := r.elevatedRoles[role]

	switch {
	case isAdmin || priority >= AdminPriorityThreshold:
		return ChannelAdmin
	case priority >= PriorityChannelThreshold:
		return ChannelPriority
	case isElevated:
		return ChannelUsers
	default:
		return ChannelGeneral
	}
}

// RouteUser returns the channel name for a connection. It never fails: any
// routing problem falls back to the default channel.
func (r *Router) RouteUser(userID *int64, role string, priority int) string {
	if userID == nil {
		return r.defaultName
	}

	channelType := r.DetermineChannelType(role, priority)

	r.mu.RLock()
	ring := r.rings[channelType]
	r.mu.RUnlock()

	if ring == nil {
		r.logger.Warn().
			Str("channel_type", string(channelType)).
			Msg("No channels for type, using default channel")
		return r.defaultName
	}

	name, ok := ring.GetNode(fmt.Sprintf("%d:%s", *userID, channelType))
	if !ok {
		r.logger.Warn().
			Str("channel_type", string(channelType)).
			Msg("Empty ring for type, using default channel")
		return r.defaultName
	}
	return name
}

// AddChannel registers a new, non-pinned channel at runtime. It becomes
// routable immediately. Unknown types are created on the fly.
func (r *Router) AddChannel(t ChannelType, name string, capacity int) (*ChannelInfo, error) {
	if t == "" || name == "" || capacity <= 0 {
		return nil, fmt.Errorf("%w: type=%q name=%q capacity=%d", ErrInvalidChannel, t, name, capacity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, name)
	}

	ch := newChannelInfo(name, t, capacity, typePriority(t), false)
	r.insertLocked(ch)

	r.logger.Info().
		Str("channel", name).
		Str("channel_type", string(t)).
		Int("capacity", capacity).
		Msg("Channel added")

	return ch, nil
}

// RemoveChannel drops a runtime channel. Pinned channels are refused.
func (r *Router) RemoveChannel(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	if ch.Pinned {
		return fmt.Errorf("%w: %s", ErrPinnedChannel, name)
	}

	delete(r.channels, name)

	names := r.byType[ch.Type]
	for i, n := range names {
		if n == name {
			names = append(names[:i], names[i+1:]...)
			break
		}
	}
	if len(names) == 0 {
		delete(r.byType, ch.Type)
		delete(r.rings, ch.Type)
	} else {
		r.byType[ch.Type] = names
		r.rings[ch.Type].RemoveNode(name)
	}

	r.logger.Info().
		Str("channel", name).
		Str("channel_type", string(ch.Type)).
		Msg("Channel removed")

	return nil
}

func typePriority(t ChannelType) int {
	switch t {
	case ChannelAdmin:
		return MaxPriority
	case ChannelPriority:
		return PriorityChannelThreshold
	case ChannelUsers:
		return 5
	default:
		return defaultPriorityForUnknown
	}
}

// DefaultChannel returns the channel used for anonymous connections and as the
// routing fallback.
func (r *Router) DefaultChannel() string {
	return r.defaultName
}

// Channel looks up a channel by name.
func (r *Router) Channel(name string) (*ChannelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// ChannelType returns the type of a channel, or "" when unknown.
func (r *Router) ChannelType(name string) ChannelType {
	if ch, ok := r.Channel(name); ok {
		return ch.Type
	}
	return ""
}

// Channels returns snapshots of every channel, sorted by name.
func (r *Router) Channels() []ChannelSnapshot {
	r.mu.RLock()
	out := make([]ChannelSnapshot, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ChannelsOfType returns the channel names of a type in registration order.
func (r *Router) ChannelsOfType(t ChannelType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byType[t]...)
}

// Types returns every channel type that currently has channels, sorted.
func (r *Router) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]ChannelType, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Len returns the number of channels.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// IncrementLoad bumps the cached load of a channel. Unknown names are ignored.
func (r *Router) IncrementLoad(name string) {
	if ch, ok := r.Channel(name); ok {
		ch.adjust(1)
	}
}

// DecrementLoad lowers the cached load of a channel, never below zero.
func (r *Router) DecrementLoad(name string) {
	if ch, ok := r.Channel(name); ok {
		ch.adjust(-1)
	}
}

// SyncLoad overwrites the cached load with an authoritative count.
func (r *Router) SyncLoad(name string, load int) {
	if ch, ok := r.Channel(name); ok {
		ch.sync(load)
	}
}

// Touch marks a channel as active now.
func (r *Router) Touch(name string) {
	if ch, ok := r.Channel(name); ok {
		ch.touch()
	}
}
