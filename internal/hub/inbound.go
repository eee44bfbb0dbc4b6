package hub

import (
	"time"

	"github.com/adred-codev/ws_channels/internal/messaging"
)

// HandleClientMessage processes one frame received from a client.
//
// Supported client events:
//   - subscribe / unsubscribe with data.events, acknowledged with a
//     notification of kind subscription_ack / unsubscription_ack
//   - pong, which refreshes the heartbeat timestamp
//   - ping, answered with pong
//
// Anything else, including malformed JSON, is answered with an error event.
func (m *Manager) HandleClientMessage(id string, raw []byte) {
	conn, ok := m.registry.Get(id)
	if !ok {
		return
	}
	m.Touch(id)

	env, err := messaging.Decode(raw)
	if err != nil {
		m.logger.Debug().Err(err).Str("connection_id", id).Msg("Invalid client message")
		m.SendToConnection(id, messaging.NewError(messaging.ErrCodeInvalidMessage, err.Error()))
		return
	}

	switch env.EventType {
	case messaging.EventSubscribe, messaging.EventUnsubscribe:
		m.handleSubscription(conn, env)

	case messaging.EventPong:
		conn.markPong(time.Now())

	case messaging.EventPing:
		conn.markPong(time.Now())
		m.SendToConnection(id, messaging.NewPong())

	default:
		m.SendToConnection(id, messaging.NewError(
			messaging.ErrCodeUnsupported,
			"event "+string(env.EventType)+" cannot be sent by clients",
		))
	}
}

func (m *Manager) handleSubscription(conn *Connection, env *messaging.Envelope) {
	ctrl, err := messaging.DecodeData[messaging.ControlData](env)
	if err != nil || len(ctrl.Events) == 0 {
		m.SendToConnection(conn.ID, messaging.NewError(
			messaging.ErrCodeInvalidMessage,
			"data.events must list at least one topic",
		))
		return
	}

	kind := messaging.KindSubscriptionAck
	if env.EventType == messaging.EventSubscribe {
		conn.Subscriptions.AddMultiple(ctrl.Events)
	} else {
		conn.Subscriptions.RemoveMultiple(ctrl.Events)
		kind = messaging.KindUnsubscriptionAck
	}

	m.logger.Debug().
		Str("connection_id", conn.ID).
		Str("event_type", string(env.EventType)).
		Strs("topics", ctrl.Events).
		Int("subscriptions", conn.Subscriptions.Count()).
		Msg("Subscriptions updated")

	m.SendToConnection(conn.ID, messaging.NewNotification(kind, string(env.EventType)+" ok", map[string]any{
		"events":        ctrl.Events,
		"subscriptions": conn.Subscriptions.List(),
	}))
}
