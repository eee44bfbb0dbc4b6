package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the real-time channel server.
// Scraped at /metrics and visualised in Grafana.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_failed_total",
		Help: "Total number of failed connection attempts",
	})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_connection_rate_limited_total",
		Help: "Connection attempts rejected by the handshake rate limiter",
	}, []string{"scope"})

	authRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_auth_rejections_total",
		Help: "Handshakes rejected by credential checks",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600, 7200},
	}, []string{"reason"})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of messages delivered to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_rate_limited_messages_total",
		Help: "Client messages dropped by the per-connection rate limiter",
	})

	broadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_broadcasts_total",
		Help: "Fan-out operations that reached at least one connection, by scope",
	}, []string{"scope"})

	sendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_send_errors_total",
		Help: "Transport write failures (each one disconnects the connection)",
	})

	// Channel metrics
	channelLoad = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_channel_connections",
		Help: "Connections assigned to each channel",
	}, []string{"channel", "channel_type"})

	channelUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_channel_utilization_percent",
		Help: "Channel load as a percentage of its capacity",
	}, []string{"channel", "channel_type"})

	channelsReassigned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_channel_reassignments_total",
		Help: "Connections moved between channels by rebalancing",
	})

	heartbeatRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_heartbeat_running",
		Help: "1 while the heartbeat loop is running",
	})

	// Pub/sub bridge metrics
	bridgeMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_bridge_messages_total",
		Help: "Messages crossing the pub/sub bridge by direction and outcome",
	}, []string{"direction", "outcome"})

	// Cleanup metrics
	cleanupCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_cleanup_cycles_total",
		Help: "Cleanup cycles run, by load level",
	}, []string{"level"})

	cleanupEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_cleanup_evictions_total",
		Help: "Resources evicted by cleanup, by kind",
	}, []string{"kind"})

	cleanupEmergencies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_cleanup_emergencies_total",
		Help: "Emergency cleanups triggered",
	})

	cleanupErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_cleanup_errors_total",
		Help: "Cleanup phase failures",
	}, []string{"phase"})

	cleanupLoadScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cleanup_load_score",
		Help: "Last computed composite load score (0-100)",
	})

	cleanupLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cleanup_level",
		Help: "Current cleanup level (0=low 1=medium 2=high 3=emergency)",
	})

	memoryReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_cleanup_memory_reclaimed_bytes_total",
		Help: "Heap bytes reclaimed by cleanup GC passes",
	})

	// Ingest metrics
	ingestMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_ingest_messages_total",
		Help: "Domain events consumed from Kafka by outcome",
	}, []string{"outcome"})

	// System metrics
	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_usage_percent",
		Help: "Current CPU usage percentage (container-aware)",
	})

	CPUHostPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_host_percent",
		Help: "Host-wide CPU usage percentage",
	})

	CPUAllocationCores = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_allocation_cores",
		Help: "CPU cores allocated to the container",
	})

	CPUThrottleEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_cpu_throttle_events_total",
		Help: "cgroup CPU throttling events",
	})

	MemoryUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_usage_percent",
		Help: "Memory usage as a percentage of the limit",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		connectionRateLimited,
		authRejections,
		disconnectsTotal,
		connectionDuration,
		messagesSent,
		messagesReceived,
		rateLimitedMessages,
		broadcastsTotal,
		sendErrors,
		channelLoad,
		channelUtilization,
		channelsReassigned,
		heartbeatRunning,
		bridgeMessages,
		cleanupCycles,
		cleanupEvictions,
		cleanupEmergencies,
		cleanupErrors,
		cleanupLoadScore,
		cleanupLevel,
		memoryReclaimed,
		ingestMessages,
		CPUUsagePercent,
		CPUHostPercent,
		CPUAllocationCores,
		CPUThrottleEventsTotal,
		MemoryUsagePercent,
		MemoryUsageBytes,
		GoroutinesActive,
	)
}

// Disconnect reasons - standardized constants for categorization
const (
	DisconnectReasonReadError       = "read_error"       // Client stopped reading (network issue, crash)
	DisconnectReasonSendError       = "send_error"       // Transport write failed or buffer full
	DisconnectReasonIdleTimeout     = "idle_timeout"     // No heartbeat reply within the cleanup timeout
	DisconnectReasonEmergency       = "emergency"        // Emergency cleanup of long-lived connections
	DisconnectReasonServerShutdown  = "server_shutdown"  // Graceful shutdown
	DisconnectReasonClientInitiated = "client_initiated" // Normal close from client
)

// Who initiated the disconnect
const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// Bridge directions and outcomes
const (
	BridgeOutbound = "outbound"
	BridgeInbound  = "inbound"

	BridgeOutcomeOK      = "ok"
	BridgeOutcomeError   = "error"
	BridgeOutcomeDropped = "dropped" // open circuit or echo of our own message
	BridgeOutcomeInvalid = "invalid"
)

// Ingest outcomes
const (
	IngestOutcomeDelivered   = "delivered"
	IngestOutcomeRateLimited = "rate_limited"
	IngestOutcomeCPUPaused   = "cpu_paused"
	IngestOutcomeInvalid     = "invalid"
	IngestOutcomeQueueFull   = "queue_full"
)

// InitiatorFor maps a disconnect reason to who initiated it.
func InitiatorFor(reason string) string {
	switch reason {
	case DisconnectReasonReadError, DisconnectReasonClientInitiated:
		return DisconnectInitiatedByClient
	default:
		return DisconnectInitiatedByServer
	}
}

// RecordConnect tracks an accepted connection.
func RecordConnect() {
	ConnectionsTotal.Inc()
	ConnectionsActive.Inc()
}

// RecordDisconnect tracks a disconnect with reason, initiator, and duration
func RecordDisconnect(reason, initiatedBy string, duration time.Duration) {
	ConnectionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// IncrementConnectionRateLimit records a handshake rejected by the rate limiter.
func IncrementConnectionRateLimit(scope string) {
	connectionRateLimited.WithLabelValues(scope).Inc()
}

// IncrementAuthRejection records a handshake rejected for credentials.
func IncrementAuthRejection(reason string) {
	authRejections.WithLabelValues(reason).Inc()
}

// IncrementRateLimitedMessages records a client message dropped by the
// per-connection limiter.
func IncrementRateLimitedMessages() {
	rateLimitedMessages.Inc()
}

// UpdateMessageMetrics adds delivered and received message counts.
func UpdateMessageMetrics(sent, received int64) {
	if sent > 0 {
		messagesSent.Add(float64(sent))
	}
	if received > 0 {
		messagesReceived.Add(float64(received))
	}
}

// RecordBroadcast counts a fan-out that reached at least one connection.
func RecordBroadcast(scope string) {
	broadcastsTotal.WithLabelValues(scope).Inc()
}

// RecordSendError counts a failed transport write.
func RecordSendError() {
	sendErrors.Inc()
}

// UpdateChannelMetrics publishes the authoritative load of one channel.
func UpdateChannelMetrics(channel, channelType string, connections int, utilization float64) {
	channelLoad.WithLabelValues(channel, channelType).Set(float64(connections))
	channelUtilization.WithLabelValues(channel, channelType).Set(utilization)
}

// ForgetChannel removes the series of a deleted channel.
func ForgetChannel(channel, channelType string) {
	channelLoad.DeleteLabelValues(channel, channelType)
	channelUtilization.DeleteLabelValues(channel, channelType)
}

// RecordReassignments counts connections moved by rebalancing.
func RecordReassignments(n int) {
	channelsReassigned.Add(float64(n))
}

// SetHeartbeatRunning flags the heartbeat loop state.
func SetHeartbeatRunning(running bool) {
	if running {
		heartbeatRunning.Set(1)
		return
	}
	heartbeatRunning.Set(0)
}

// RecordBridgeMessage counts one message crossing the bridge.
func RecordBridgeMessage(direction, outcome string) {
	bridgeMessages.WithLabelValues(direction, outcome).Inc()
}

// RecordCleanupCycle counts a cleanup cycle and publishes the load state.
func RecordCleanupCycle(level string, levelIndex int, score float64) {
	cleanupCycles.WithLabelValues(level).Inc()
	cleanupLevel.Set(float64(levelIndex))
	cleanupLoadScore.Set(score)
}

// RecordCleanupEvictions counts evicted resources of one kind.
func RecordCleanupEvictions(kind string, n int) {
	if n > 0 {
		cleanupEvictions.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordCleanupError counts a failed cleanup phase.
func RecordCleanupError(phase string) {
	cleanupErrors.WithLabelValues(phase).Inc()
}

// RecordEmergencyCleanup counts an emergency cleanup.
func RecordEmergencyCleanup() {
	cleanupEmergencies.Inc()
}

// RecordMemoryReclaimed adds reclaimed heap bytes.
func RecordMemoryReclaimed(bytes uint64) {
	if bytes > 0 {
		memoryReclaimed.Add(float64(bytes))
	}
}

// RecordIngest counts one consumed domain event.
func RecordIngest(outcome string) {
	ingestMessages.WithLabelValues(outcome).Inc()
}

// HandleMetrics serves Prometheus metrics at /metrics endpoint
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
