package ingest

import (
	"github.com/adred-codev/ws_channels/internal/hub"
	"github.com/adred-codev/ws_channels/internal/messaging"
	"github.com/adred-codev/ws_channels/internal/routing"
)

// Sink receives dispatched domain events. *hub.Manager satisfies it; each
// call also mirrors the event to other processes.
type Sink interface {
	SendToUser(userID int64, env *messaging.Envelope) int
	SendToRole(role string, env *messaging.Envelope) int
	BroadcastByChannel(channel string, env *messaging.Envelope) int
	BroadcastByChannelType(ct routing.ChannelType, env *messaging.Envelope) int
	Broadcast(env *messaging.Envelope) int
}

// Dispatch routes env by its first set target field: user, role, channel,
// channel type, otherwise everyone. It returns the scope used and the
// number of local deliveries.
func Dispatch(sink Sink, env *messaging.Envelope) (string, int) {
	switch {
	case env.TargetUserID != nil:
		return hub.ScopeUser, sink.SendToUser(*env.TargetUserID, env)
	case env.TargetRole != nil && *env.TargetRole != "":
		return hub.ScopeRole, sink.SendToRole(*env.TargetRole, env)
	case env.ChannelName != nil && *env.ChannelName != "":
		return hub.ScopeChannel, sink.BroadcastByChannel(*env.ChannelName, env)
	case env.ChannelType != nil && *env.ChannelType != "":
		return hub.ScopeChannelType, sink.BroadcastByChannelType(*env.ChannelType, env)
	default:
		return hub.ScopeAll, sink.Broadcast(env)
	}
}
