package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adred-codev/ws_channels/internal/routing"
)

// ConnectionAckData is the first message every client receives.
type ConnectionAckData struct {
	ConnectionID      string              `json:"connection_id"`
	ChannelName       string              `json:"channel_name"`
	ChannelType       routing.ChannelType `json:"channel_type"`
	Priority          int                 `json:"priority"`
	UserID            *int64              `json:"user_id,omitempty"`
	ServerTime        time.Time           `json:"server_time"`
	HeartbeatInterval int                 `json:"heartbeat_interval_seconds"`
}

// PingData accompanies heartbeat pings and pongs.
type PingData struct {
	ServerTime time.Time `json:"server_time"`
}

// ControlData is the body of subscribe and unsubscribe requests.
type ControlData struct {
	Events []string `json:"events"`
}

// TaskEventData describes a change to a task in the CRUD layer.
type TaskEventData struct {
	TaskID         int64          `json:"task_id"`
	Title          string         `json:"title,omitempty"`
	Status         string         `json:"status,omitempty"`
	PreviousStatus string         `json:"previous_status,omitempty"`
	AssigneeID     *int64         `json:"assignee_id,omitempty"`
	UpdatedBy      *int64         `json:"updated_by,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// EfectivoEventData describes a change to a personnel record.
type EfectivoEventData struct {
	EfectivoID     int64          `json:"efectivo_id"`
	Name           string         `json:"name,omitempty"`
	Status         string         `json:"status,omitempty"`
	PreviousStatus string         `json:"previous_status,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// NotificationData covers notification, alert and warning events.
type NotificationData struct {
	Kind     string         `json:"kind"`
	Title    string         `json:"title,omitempty"`
	Message  string         `json:"message"`
	Severity string         `json:"severity,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// ErrorData is sent back to a client whose message could not be processed.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DashboardData carries dashboard and metrics refreshes.
type DashboardData struct {
	Scope   string         `json:"scope,omitempty"`
	Metrics map[string]any `json:"metrics"`
}

// Notification kinds emitted by the server itself.
const (
	KindSubscriptionAck   = "subscription_ack"
	KindUnsubscriptionAck = "unsubscription_ack"
	KindChannelReassigned = "channel_reassigned"
	KindServerShutdown    = "server_shutdown"
)

// Error codes sent in ErrorData.
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeUnsupported    = "UNSUPPORTED_EVENT"
)

// newPayload returns a pointer to the zero payload for an event type.
func newPayload(t EventType) (any, error) {
	switch t {
	case EventConnectionAck:
		return &ConnectionAckData{}, nil
	case EventPing, EventPong:
		return &PingData{}, nil
	case EventSubscribe, EventUnsubscribe:
		return &ControlData{}, nil
	case EventTaskCreated, EventTaskUpdated, EventTaskStatusChanged, EventTaskAssigned, EventTaskDeleted:
		return &TaskEventData{}, nil
	case EventEfectivoCreated, EventEfectivoUpdated, EventEfectivoStatusChanged:
		return &EfectivoEventData{}, nil
	case EventNotification, EventAlert, EventWarning:
		return &NotificationData{}, nil
	case EventError:
		return &ErrorData{}, nil
	case EventDashboardUpdate, EventMetricsUpdate:
		return &DashboardData{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, t)
}

// Payload decodes Data into the typed payload of the envelope's event type.
// The result is one of the *...Data types in this package.
func (e *Envelope) Payload() (any, error) {
	p, err := newPayload(e.EventType)
	if err != nil {
		return nil, err
	}
	if len(e.Data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return p, nil
}

// DecodeData decodes an envelope's data into T.
func DecodeData[T any](e *Envelope) (T, error) {
	var out T
	if len(e.Data) == 0 {
		return out, ErrEmptyPayload
	}
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return out, nil
}

// NewConnectionAck builds the acknowledgement sent on connect.
func NewConnectionAck(ack ConnectionAckData) *Envelope {
	return MustNew(EventConnectionAck, ack, ForChannel(ack.ChannelName), ForChannelType(ack.ChannelType))
}

// NewPing builds a heartbeat ping.
func NewPing() *Envelope {
	return MustNew(EventPing, PingData{ServerTime: time.Now().UTC()})
}

// NewPong builds the reply to a client ping.
func NewPong() *Envelope {
	return MustNew(EventPong, PingData{ServerTime: time.Now().UTC()})
}

// NewNotification builds a server-originated notification.
func NewNotification(kind, message string, details map[string]any) *Envelope {
	return MustNew(EventNotification, NotificationData{Kind: kind, Message: message, Details: details})
}

// NewError builds an error reply.
func NewError(code, message string) *Envelope {
	return MustNew(EventError, ErrorData{Code: code, Message: message})
}
