package hub

import (
	"context"

	"github.com/adred-codev/ws_channels/internal/messaging"
	"github.com/adred-codev/ws_channels/internal/routing"
	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
)

// Fan-out scopes, used as metric labels.
const (
	ScopeUser        = "user"
	ScopeRole        = "role"
	ScopeChannel     = "channel"
	ScopeChannelType = "channel_type"
	ScopeAll         = "all"

	scopeHeartbeat = "heartbeat"
)

// SendToConnection writes one envelope to one connection. A write failure
// disconnects the connection; the caller only sees false.
func (m *Manager) SendToConnection(id string, env *messaging.Envelope) bool {
	conn, ok := m.registry.Get(id)
	if !ok || conn.State() != StateActive {
		return false
	}

	data, err := env.Encode()
	if err != nil {
		monitoring.LogError(m.logger, err, "Failed to encode envelope", map[string]any{
			"event_type": string(env.EventType),
		})
		return false
	}

	if err := conn.send(data); err != nil {
		m.recordSendError(conn, err)
		return false
	}

	m.messagesSent.Add(1)
	m.channelStats.record(conn.Channel(), 1, 0)
	monitoring.UpdateMessageMetrics(1, 0)
	return true
}

// SendToUser delivers to every connection of a user and mirrors the message
// to other processes. It returns the number of local deliveries.
func (m *Manager) SendToUser(userID int64, env *messaging.Envelope) int {
	n := m.deliver(m.registry.IDsForUser(userID), env, ScopeUser)
	m.mirror(env, messaging.ForUser(userID))
	return n
}

// SendToRole delivers to every connection holding role.
func (m *Manager) SendToRole(role string, env *messaging.Envelope) int {
	n := m.deliver(m.registry.IDsForRole(role), env, ScopeRole)
	m.mirror(env, messaging.ForRole(role))
	return n
}

// Broadcast delivers to every connection.
func (m *Manager) Broadcast(env *messaging.Envelope) int {
	n := m.deliver(m.registry.IDs(), env, ScopeAll)
	m.mirror(env, nil)
	return n
}

// BroadcastByChannel delivers to the connections of one channel.
func (m *Manager) BroadcastByChannel(channel string, env *messaging.Envelope) int {
	m.router.Touch(channel)
	n := m.deliver(m.registry.IDsForChannel(channel), env, ScopeChannel)
	m.mirror(env, messaging.ForChannel(channel))
	return n
}

// BroadcastByChannelType delivers to the connections of every channel of a
// type.
func (m *Manager) BroadcastByChannelType(ct routing.ChannelType, env *messaging.Envelope) int {
	n := m.deliver(m.registry.IDsForChannelType(ct), env, ScopeChannelType)
	m.mirror(env, messaging.ForChannelType(ct))
	return n
}

// BroadcastLocal delivers a message received from another process. The target
// fields pick the scope, checked in order: user, role, channel, channel type,
// otherwise everyone. It is never mirrored back out.
func (m *Manager) BroadcastLocal(env *messaging.Envelope) int {
	switch {
	case env.TargetUserID != nil:
		return m.deliver(m.registry.IDsForUser(*env.TargetUserID), env, ScopeUser)
	case env.TargetRole != nil && *env.TargetRole != "":
		return m.deliver(m.registry.IDsForRole(*env.TargetRole), env, ScopeRole)
	case env.ChannelName != nil && *env.ChannelName != "":
		m.router.Touch(*env.ChannelName)
		return m.deliver(m.registry.IDsForChannel(*env.ChannelName), env, ScopeChannel)
	case env.ChannelType != nil && *env.ChannelType != "":
		return m.deliver(m.registry.IDsForChannelType(*env.ChannelType), env, ScopeChannelType)
	default:
		return m.deliver(m.registry.IDs(), env, ScopeAll)
	}
}

// deliver writes env to each id that is still registered, active and
// subscribed to the envelope's topic. The envelope is encoded once. Failed
// writes disconnect their connection and do not affect the others.
func (m *Manager) deliver(ids []string, env *messaging.Envelope, scope string) int {
	if len(ids) == 0 {
		return 0
	}

	data, err := env.Encode()
	if err != nil {
		monitoring.LogError(m.logger, err, "Failed to encode envelope", map[string]any{
			"event_type": string(env.EventType),
			"scope":      scope,
		})
		return 0
	}

	sent := 0
	perChannel := make(map[string]int64)
	for _, id := range ids {
		conn, ok := m.registry.Get(id)
		if !ok || conn.State() != StateActive || !conn.accepts(env) {
			continue
		}
		if err := conn.send(data); err != nil {
			m.recordSendError(conn, err)
			continue
		}
		sent++
		perChannel[conn.Channel()]++
	}

	if sent == 0 {
		return 0
	}

	m.messagesSent.Add(int64(sent))
	monitoring.UpdateMessageMetrics(int64(sent), 0)
	for ch, n := range perChannel {
		m.channelStats.record(ch, n, 0)
	}
	if scope != scopeHeartbeat {
		m.broadcasts.Add(1)
		monitoring.RecordBroadcast(scope)
	}

	m.logger.Debug().
		Str("event_type", string(env.EventType)).
		Str("scope", scope).
		Int("recipients", len(ids)).
		Int("sent", sent).
		Msg("Fan-out complete")
	return sent
}

// mirror publishes a copy of env with its target fields replaced by target.
// Pings never cross process boundaries.
func (m *Manager) mirror(env *messaging.Envelope, target messaging.Option) {
	p := m.currentPublisher()
	if p == nil || env.EventType == messaging.EventPing {
		return
	}

	out := env.Clone()
	out.TargetUserID = nil
	out.TargetRole = nil
	out.ChannelName = nil
	out.ChannelType = nil
	if target != nil {
		target(out)
	}
	p.Publish(context.Background(), out)
}

func (m *Manager) recordSendError(conn *Connection, err error) {
	m.sendErrors.Add(1)
	m.channelStats.record(conn.Channel(), 0, 1)
	monitoring.RecordSendError()

	m.logger.Warn().
		Err(err).
		Str("connection_id", conn.ID).
		Str("channel", conn.Channel()).
		Msg("Send failed, disconnecting client")

	m.Disconnect(conn.ID, monitoring.DisconnectReasonSendError)
}
