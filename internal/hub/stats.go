package hub

import (
	"time"

	"github.com/adred-codev/ws_channels/internal/routing"
)

// Stats is the aggregate view served by the admin API.
type Stats struct {
	ActiveConnections    int                         `json:"active_connections"`
	TotalConnections     int64                       `json:"total_connections"`
	MessagesSent         int64                       `json:"messages_sent"`
	MessagesReceived     int64                       `json:"messages_received"`
	Broadcasts           int64                       `json:"broadcasts"`
	SendErrors           int64                       `json:"send_errors"`
	Channels             int                         `json:"channels"`
	ConnectionsByType    map[routing.ChannelType]int `json:"connections_by_channel_type"`
	ConnectionsByChannel map[string]int              `json:"connections_by_channel"`
	HeartbeatRunning     bool                        `json:"heartbeat_running"`
	PublisherAttached    bool                        `json:"publisher_attached"`
	StartedAt            time.Time                   `json:"started_at"`
	UptimeSeconds        float64                     `json:"uptime_seconds"`
}

// Stats returns aggregate counters. Reading stats resynchronises channel load
// hints from the registry.
func (m *Manager) Stats() Stats {
	byChannel := m.SyncChannelLoads()
	return Stats{
		ActiveConnections:    m.registry.Len(),
		TotalConnections:     m.totalConnections.Load(),
		MessagesSent:         m.messagesSent.Load(),
		MessagesReceived:     m.messagesReceived.Load(),
		Broadcasts:           m.broadcasts.Load(),
		SendErrors:           m.sendErrors.Load(),
		Channels:             m.router.Len(),
		ConnectionsByType:    m.registry.TypeCounts(),
		ConnectionsByChannel: byChannel,
		HeartbeatRunning:     m.HeartbeatRunning(),
		PublisherAttached:    m.currentPublisher() != nil,
		StartedAt:            m.startedAt,
		UptimeSeconds:        time.Since(m.startedAt).Seconds(),
	}
}

// ChannelUtilization describes one channel's load.
//
// Overloaded and Underutilized use the balancer thresholds (80% / 30%).
// OverCapacity is load > capacity, which is reported but never enforced.
type ChannelUtilization struct {
	Name          string              `json:"name"`
	Type          routing.ChannelType `json:"channel_type"`
	Capacity      int                 `json:"capacity"`
	Load          int                 `json:"current_load"`
	Utilization   float64             `json:"utilization"`
	Overloaded    bool                `json:"is_overloaded"`
	Underutilized bool                `json:"is_underutilized"`
	OverCapacity  bool                `json:"over_capacity"`
	Pinned        bool                `json:"pinned"`
	MessageCount  int64               `json:"message_count"`
	ErrorCount    int64               `json:"error_count"`
	LastActiveAt  time.Time           `json:"last_active_at"`
}

// ChannelUtilization reports every channel, sorted by name, using registry
// counts as the load.
func (m *Manager) ChannelUtilization() []ChannelUtilization {
	counts := m.SyncChannelLoads()

	channels := m.router.Channels()
	out := make([]ChannelUtilization, 0, len(channels))
	for _, ch := range channels {
		load := counts[ch.Name]
		msgs, errs := m.channelStats.get(ch.Name)
		metric := routing.ChannelMetrics{Name: ch.Name, Type: ch.Type, Capacity: ch.Capacity, ConnectionCount: load}
		out = append(out, ChannelUtilization{
			Name:          ch.Name,
			Type:          ch.Type,
			Capacity:      ch.Capacity,
			Load:          load,
			Utilization:   metric.Utilization(),
			Overloaded:    metric.IsOverloaded(),
			Underutilized: metric.IsUnderutilized(),
			OverCapacity:  load > ch.Capacity,
			Pinned:        ch.Pinned,
			MessageCount:  msgs,
			ErrorCount:    errs,
			LastActiveAt:  ch.LastActiveAt,
		})
	}
	return out
}

// HealthReport summarises connection liveness.
type HealthReport struct {
	Total             int      `json:"total"`
	Healthy           int      `json:"healthy"`
	Idle              int      `json:"idle"`
	LongLived         int      `json:"long_lived"`
	IdleTimeoutSec    float64  `json:"idle_timeout_seconds"`
	AverageAgeSeconds float64  `json:"average_age_seconds"`
	MaxAgeSeconds     float64  `json:"max_age_seconds"`
	IdleConnections   []string `json:"idle_connections"`
}

// maxReportedIdle caps the id list in HealthReport.
const maxReportedIdle = 100

// ConnectionHealth classifies connections: idle ones have not answered a
// heartbeat within idleTimeout; long-lived ones are older than an hour.
func (m *Manager) ConnectionHealth(idleTimeout time.Duration) HealthReport {
	now := time.Now()
	report := HealthReport{
		IdleTimeoutSec:  idleTimeout.Seconds(),
		IdleConnections: []string{},
	}

	var totalAge float64
	for _, info := range m.registry.Snapshot() {
		report.Total++

		age := now.Sub(info.ConnectedAt).Seconds()
		totalAge += age
		if age > report.MaxAgeSeconds {
			report.MaxAgeSeconds = age
		}
		if now.Sub(info.ConnectedAt) > LongLivedAfter {
			report.LongLived++
		}

		if now.Sub(info.LastPing) > idleTimeout {
			report.Idle++
			if len(report.IdleConnections) < maxReportedIdle {
				report.IdleConnections = append(report.IdleConnections, info.ID)
			}
			continue
		}
		report.Healthy++
	}

	if report.Total > 0 {
		report.AverageAgeSeconds = totalAge / float64(report.Total)
	}
	return report
}
