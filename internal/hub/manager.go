package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_channels/internal/messaging"
	"github.com/adred-codev/ws_channels/internal/routing"
	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatInterval is used when Config leaves it unset.
const DefaultHeartbeatInterval = 30 * time.Second

// LongLivedAfter is the age from which a connection counts as long-lived in
// health reports and is eligible for emergency eviction.
const LongLivedAfter = time.Hour

// Config holds manager settings.
type Config struct {
	HeartbeatInterval time.Duration
}

// Publisher mirrors locally initiated fan-outs to other processes.
// *pubsub.Bridge satisfies it. Publish must not block for long and must not
// fail the caller.
type Publisher interface {
	Publish(ctx context.Context, env *messaging.Envelope)
}

// Manager is the WebSocket manager: it owns the registry, assigns channels on
// connect and performs every kind of fan-out.
//
// One Manager is constructed per process and passed explicitly to whoever
// needs it.
type Manager struct {
	config   Config
	router   *routing.Router
	balancer *routing.Balancer
	registry *Registry
	logger   zerolog.Logger

	publisherMu sync.RWMutex
	publisher   Publisher

	// lifecycle guards shuttingDown against concurrent Connect.
	lifecycle    sync.RWMutex
	shuttingDown bool

	hbMu sync.Mutex
	hb   *task
	hbWG sync.WaitGroup

	channelStats *channelCounters

	startedAt        time.Time
	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	broadcasts       atomic.Int64
	sendErrors       atomic.Int64
}

// NewManager creates a manager over an already configured router and
// balancer.
func NewManager(cfg Config, router *routing.Router, balancer *routing.Balancer, logger zerolog.Logger) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	m := &Manager{
		config:       cfg,
		router:       router,
		balancer:     balancer,
		registry:     NewRegistry(),
		logger:       monitoring.Component(logger, "hub"),
		channelStats: newChannelCounters(),
		startedAt:    time.Now(),
	}

	m.logger.Info().
		Dur("heartbeat_interval", cfg.HeartbeatInterval).
		Int("channels", router.Len()).
		Msg("WebSocket manager initialized")
	return m
}

// Router returns the channel router.
func (m *Manager) Router() *routing.Router { return m.router }

// Balancer returns the load balancer.
func (m *Manager) Balancer() *routing.Balancer { return m.balancer }

// Registry returns the connection registry.
func (m *Manager) Registry() *Registry { return m.registry }

// SetPublisher attaches the cross-process publisher. nil detaches it.
func (m *Manager) SetPublisher(p Publisher) {
	m.publisherMu.Lock()
	m.publisher = p
	m.publisherMu.Unlock()
}

func (m *Manager) currentPublisher() Publisher {
	m.publisherMu.RLock()
	defer m.publisherMu.RUnlock()
	return m.publisher
}

// Connect registers a new client. It routes the client to a channel, sends
// connection_ack as the first frame and starts the heartbeat if this is the
// first connection. It fails only while shutting down or when the ack cannot
// be written.
func (m *Manager) Connect(t Transport, userID *int64, role string, priority int) (*Connection, error) {
	m.lifecycle.RLock()
	if m.shuttingDown {
		m.lifecycle.RUnlock()
		return nil, ErrShuttingDown
	}

	priority = routing.ClampPriority(priority)
	channel := m.router.RouteUser(userID, role, priority)
	ct := m.router.ChannelType(channel)

	conn := newConnection(uuid.NewString(), t, userID, role, priority, channel, ct)
	m.registry.Add(conn)
	m.lifecycle.RUnlock()

	m.router.IncrementLoad(channel)
	m.totalConnections.Add(1)
	monitoring.RecordConnect()

	ack := messaging.NewConnectionAck(messaging.ConnectionAckData{
		ConnectionID:      conn.ID,
		ChannelName:       channel,
		ChannelType:       ct,
		Priority:          priority,
		UserID:            userID,
		ServerTime:        time.Now().UTC(),
		HeartbeatInterval: int(m.config.HeartbeatInterval / time.Second),
	})
	data, err := ack.Encode()
	if err == nil {
		err = conn.send(data)
	}
	if err != nil {
		m.recordSendError(conn, err)
		return nil, fmt.Errorf("send connection ack: %w", err)
	}
	m.messagesSent.Add(1)
	monitoring.UpdateMessageMetrics(1, 0)

	conn.transition(StateConnecting, StateActive)
	m.ensureHeartbeat()

	event := m.logger.Info().
		Str("connection_id", conn.ID).
		Str("channel", channel).
		Str("channel_type", string(ct)).
		Int("priority", priority).
		Str("remote_addr", t.RemoteAddr())
	if userID != nil {
		event = event.Int64("user_id", *userID)
	}
	event.Msg("Client connected")

	return conn, nil
}

// Disconnect removes a connection, closes its transport and records the
// reason. It is idempotent: unknown ids return false.
func (m *Manager) Disconnect(id, reason string) bool {
	conn, ok := m.registry.Remove(id)
	if !ok {
		return false
	}
	conn.setState(StateDisconnecting)

	m.router.DecrementLoad(conn.Channel())

	if err := conn.transport.Close(); err != nil {
		m.logger.Debug().Err(err).Str("connection_id", id).Msg("Transport close failed")
	}
	conn.setState(StateRemoved)

	duration := time.Since(conn.ConnectedAt)
	monitoring.RecordDisconnect(reason, monitoring.InitiatorFor(reason), duration)

	m.logger.Info().
		Str("connection_id", id).
		Str("channel", conn.Channel()).
		Str("reason", reason).
		Dur("duration", duration).
		Int64("messages_sent", conn.MessagesSent()).
		Msg("Client disconnected")

	m.releaseHeartbeatIfIdle()
	return true
}

// Subscribe adds topics to a connection. Unknown ids are ignored.
func (m *Manager) Subscribe(id string, topics []string) bool {
	conn, ok := m.registry.Get(id)
	if !ok {
		return false
	}
	conn.Subscriptions.AddMultiple(topics)
	return true
}

// Unsubscribe removes topics from a connection. Unknown ids are ignored.
func (m *Manager) Unsubscribe(id string, topics []string) bool {
	conn, ok := m.registry.Get(id)
	if !ok {
		return false
	}
	conn.Subscriptions.RemoveMultiple(topics)
	return true
}

// Touch records inbound traffic on a connection.
func (m *Manager) Touch(id string) {
	conn, ok := m.registry.Get(id)
	if !ok {
		return
	}
	conn.markReceived(time.Now())
	m.messagesReceived.Add(1)
	monitoring.UpdateMessageMetrics(0, 1)
}

// AddChannel registers a channel at runtime and makes it known to the
// balancer.
func (m *Manager) AddChannel(t routing.ChannelType, name string, capacity int) (*routing.ChannelInfo, error) {
	ch, err := m.router.AddChannel(t, name, capacity)
	if err != nil {
		return nil, err
	}
	m.balancer.UpdateChannelMetrics(name, 0, 0, 0)
	monitoring.UpdateChannelMetrics(name, string(t), 0, 0)
	return ch, nil
}

// RemoveChannel drops an empty, non-pinned channel.
func (m *Manager) RemoveChannel(name string) error {
	if n := m.registry.CountByChannel(name); n > 0 {
		return fmt.Errorf("%w: %s has %d", ErrChannelInUse, name, n)
	}
	ct := m.router.ChannelType(name)
	if err := m.router.RemoveChannel(name); err != nil {
		return err
	}
	m.balancer.Forget(name)
	m.channelStats.forget(name)
	monitoring.ForgetChannel(name, string(ct))
	return nil
}

// Snapshot returns info for every connection, oldest first.
func (m *Manager) Snapshot() []ConnectionInfo {
	return m.registry.Snapshot()
}

// ConnectionCount returns the number of live connections.
func (m *Manager) ConnectionCount() int {
	return m.registry.Len()
}

// Shutdown stops accepting connections, stops the heartbeat and closes every
// transport. Clients get a server_shutdown notification on a best-effort
// basis.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifecycle.Lock()
	already := m.shuttingDown
	m.shuttingDown = true
	m.lifecycle.Unlock()
	if already {
		return nil
	}

	m.logger.Info().Int("connections", m.registry.Len()).Msg("Shutting down WebSocket manager")

	if err := m.stopHeartbeat(ctx); err != nil {
		return err
	}

	notice := messaging.NewNotification(messaging.KindServerShutdown, "server shutting down", nil)
	data, err := notice.Encode()
	if err != nil {
		monitoring.LogError(m.logger, err, "Failed to encode shutdown notice", nil)
	}

	for _, id := range m.registry.IDs() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if conn, ok := m.registry.Get(id); ok && data != nil {
			_ = conn.send(data)
		}
		m.Disconnect(id, monitoring.DisconnectReasonServerShutdown)
	}

	m.logger.Info().Msg("WebSocket manager shut down")
	return nil
}

// channelCounters tracks per-channel delivery counts for the balancer.
type channelCounters struct {
	mu       sync.Mutex
	counters map[string]*channelCounter
}

type channelCounter struct {
	messages int64
	errors   int64
}

func newChannelCounters() *channelCounters {
	return &channelCounters{counters: make(map[string]*channelCounter)}
}

func (c *channelCounters) record(channel string, sent, failed int64) {
	if sent == 0 && failed == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.counters[channel]
	if !ok {
		cc = &channelCounter{}
		c.counters[channel] = cc
	}
	cc.messages += sent
	cc.errors += failed
}

func (c *channelCounters) get(channel string) (messages, errors int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.counters[channel]; ok {
		return cc.messages, cc.errors
	}
	return 0, 0
}

func (c *channelCounters) forget(channel string) {
	c.mu.Lock()
	delete(c.counters, channel)
	c.mu.Unlock()
}
