package hub

import (
	"sort"
	"time"

	"github.com/adred-codev/ws_channels/internal/messaging"
	"github.com/adred-codev/ws_channels/internal/routing"
	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
)

// Reassignment records one connection moved by rebalancing.
type Reassignment struct {
	ConnectionID string `json:"connection_id"`
	From         string `json:"from"`
	To           string `json:"to"`
}

// RebalanceReport summarises one rebalance pass.
type RebalanceReport struct {
	StartedAt          time.Time      `json:"started_at"`
	DurationMS         int64          `json:"duration_ms"`
	OverloadedChannels []string       `json:"overloaded_channels"`
	Moves              []Reassignment `json:"moves"`
	Skipped            []string       `json:"skipped"` // overloaded with nowhere to move to
}

// SyncChannelLoads pushes the registry's per-channel counts into the router's
// load hints, the balancer and the channel gauges. It returns the counts.
func (m *Manager) SyncChannelLoads() map[string]int {
	counts := m.registry.ChannelCounts()
	for _, ch := range m.router.Channels() {
		m.publishChannelLoad(ch.Name, ch.Type, ch.Capacity, counts[ch.Name])
	}
	return counts
}

func (m *Manager) publishChannelLoad(name string, ct routing.ChannelType, capacity, load int) {
	m.router.SyncLoad(name, load)
	msgs, errs := m.channelStats.get(name)
	m.balancer.UpdateChannelMetrics(name, load, msgs, errs)

	util := 0.0
	if capacity > 0 {
		util = float64(load) / float64(capacity) * 100
	}
	monitoring.UpdateChannelMetrics(name, string(ct), load, util)
}

func (m *Manager) refreshChannel(name string) {
	ch, ok := m.router.Channel(name)
	if !ok {
		return
	}
	m.publishChannelLoad(name, ch.Type, ch.Capacity, m.registry.CountByChannel(name))
}

// Rebalance moves connections off channels above the balancer's overload
// threshold onto the least utilized channel of the same type. Each channel
// is drained down to the threshold, or until no non-overloaded target is
// left. Moved clients receive a channel_reassigned notification.
func (m *Manager) Rebalance() RebalanceReport {
	start := time.Now()
	report := RebalanceReport{
		StartedAt:          start,
		OverloadedChannels: []string{},
		Moves:              []Reassignment{},
		Skipped:            []string{},
	}

	m.SyncChannelLoads()

	for _, metric := range m.balancer.Snapshot() {
		if !metric.IsOverloaded() {
			continue
		}
		report.OverloadedChannels = append(report.OverloadedChannels, metric.Name)

		limit := int(float64(metric.Capacity) * routing.OverloadThreshold / 100)
		excess := m.registry.CountByChannel(metric.Name) - limit
		if excess <= 0 {
			continue
		}

		moved := 0
		for _, id := range m.newestFirst(metric.Name) {
			if moved >= excess {
				break
			}
			target, ok := m.balancer.SelectOptimalChannel(metric.Type, true)
			if !ok || target == metric.Name {
				break
			}
			if tm, ok := m.balancer.Metrics(target); ok && tm.IsOverloaded() {
				break
			}
			if !m.moveConnection(id, target, metric.Type) {
				continue
			}
			moved++
			report.Moves = append(report.Moves, Reassignment{ConnectionID: id, From: metric.Name, To: target})
			m.refreshChannel(metric.Name)
			m.refreshChannel(target)
		}

		if moved == 0 {
			report.Skipped = append(report.Skipped, metric.Name)
		}
	}

	report.DurationMS = time.Since(start).Milliseconds()
	monitoring.RecordReassignments(len(report.Moves))

	m.logger.Info().
		Strs("overloaded", report.OverloadedChannels).
		Int("moved", len(report.Moves)).
		Strs("skipped", report.Skipped).
		Int64("duration_ms", report.DurationMS).
		Msg("Rebalance complete")

	return report
}

// newestFirst returns the ids on a channel, most recently connected first.
// Long-lived clients are disturbed last.
func (m *Manager) newestFirst(channel string) []string {
	ids := m.registry.IDsForChannel(channel)
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.registry.Get(id); ok {
			conns = append(conns, c)
		}
	}
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].ConnectedAt.After(conns[j].ConnectedAt)
	})

	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.ID
	}
	return out
}

func (m *Manager) moveConnection(id, target string, ct routing.ChannelType) bool {
	from, ok := m.registry.Reassign(id, target, ct)
	if !ok {
		return false
	}
	m.router.DecrementLoad(from)
	m.router.IncrementLoad(target)

	m.SendToConnection(id, messaging.NewNotification(messaging.KindChannelReassigned, "channel reassigned", map[string]any{
		"from":         from,
		"to":           target,
		"channel_type": string(ct),
	}))
	return true
}
