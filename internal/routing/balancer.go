package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Utilization thresholds (percent of capacity).
const (
	OverloadThreshold      = 80.0
	UnderutilizedThreshold = 30.0
)

// ChannelMetrics is the balancer's view of one channel.
type ChannelMetrics struct {
	Name            string      `json:"name"`
	Type            ChannelType `json:"channel_type"`
	Capacity        int         `json:"capacity"`
	ConnectionCount int         `json:"connection_count"`
	MessageCount    int64       `json:"message_count"`
	ErrorCount      int64       `json:"error_count"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Utilization is ConnectionCount as a percentage of Capacity.
func (m ChannelMetrics) Utilization() float64 {
	return utilization(m.ConnectionCount, m.Capacity)
}

// IsOverloaded reports utilization strictly above 80%.
func (m ChannelMetrics) IsOverloaded() bool {
	return m.Utilization() > OverloadThreshold
}

// IsUnderutilized reports utilization strictly below 30%.
func (m ChannelMetrics) IsUnderutilized() bool {
	return m.Utilization() < UnderutilizedThreshold
}

// Balancer picks the least utilized channel of a type. It is a secondary
// placement hint used by rebalancing; RouteUser remains the primary placement.
type Balancer struct {
	router *Router
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics map[string]*ChannelMetrics
}

// NewBalancer creates a balancer over the router's channel set.
func NewBalancer(router *Router, logger zerolog.Logger) *Balancer {
	return &Balancer{
		router:  router,
		logger:  logger.With().Str("component", "channel_balancer").Logger(),
		metrics: make(map[string]*ChannelMetrics),
	}
}

// UpdateChannelMetrics records the latest counters for a channel. Channels
// unknown to the router are ignored and reported with false.
func (b *Balancer) UpdateChannelMetrics(name string, connectionCount int, messageCount, errorCount int64) bool {
	ch, ok := b.router.Channel(name)
	if !ok {
		return false
	}

	b.mu.Lock()
	b.metrics[name] = &ChannelMetrics{
		Name:            name,
		Type:            ch.Type,
		Capacity:        ch.Capacity,
		ConnectionCount: connectionCount,
		MessageCount:    messageCount,
		ErrorCount:      errorCount,
		UpdatedAt:       time.Now(),
	}
	b.mu.Unlock()
	return true
}

// Forget drops the metrics of a removed channel.
func (b *Balancer) Forget(name string) {
	b.mu.Lock()
	delete(b.metrics, name)
	b.mu.Unlock()
}

// Metrics returns the last recorded metrics of a channel.
func (b *Balancer) Metrics(name string) (ChannelMetrics, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.metrics[name]
	if !ok {
		return ChannelMetrics{}, false
	}
	return *m, true
}

// Snapshot returns the metrics of every channel the router knows, sorted by
// name. Channels without recorded metrics report zero connections.
func (b *Balancer) Snapshot() []ChannelMetrics {
	channels := b.router.Channels()
	out := make([]ChannelMetrics, 0, len(channels))
	for _, ch := range channels {
		out = append(out, b.metricsFor(ch.Name, ch.Type, ch.Capacity))
	}
	return out
}

func (b *Balancer) metricsFor(name string, t ChannelType, capacity int) ChannelMetrics {
	b.mu.RLock()
	m, ok := b.metrics[name]
	b.mu.RUnlock()
	if ok {
		return *m
	}
	return ChannelMetrics{Name: name, Type: t, Capacity: capacity}
}

// SelectOptimalChannel returns the channel of type t with the lowest
// utilization. With excludeOverloaded, channels above 80% are skipped unless
// every channel of the type is overloaded. Ties resolve by name.
func (b *Balancer) SelectOptimalChannel(t ChannelType, excludeOverloaded bool) (string, bool) {
	names := b.router.ChannelsOfType(t)
	if len(names) == 0 {
		return "", false
	}

	candidates := make([]ChannelMetrics, 0, len(names))
	for _, name := range names {
		ch, ok := b.router.Channel(name)
		if !ok {
			continue
		}
		candidates = append(candidates, b.metricsFor(name, t, ch.Capacity))
	}
	if len(candidates) == 0 {
		return "", false
	}

	if excludeOverloaded {
		healthy := candidates[:0:0]
		for _, m := range candidates {
			if !m.IsOverloaded() {
				healthy = append(healthy, m)
			}
		}
		if len(healthy) > 0 {
			candidates = healthy
		} else {
			b.logger.Debug().
				Str("channel_type", string(t)).
				Msg("All channels overloaded, selecting from full set")
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		ui, uj := candidates[i].Utilization(), candidates[j].Utilization()
		if ui != uj {
			return ui < uj
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates[0].Name, true
}
