package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/ws_channels/internal/routing"
	"github.com/google/uuid"
)

// EventType identifies the kind of an envelope. The set is closed: Validate
// rejects anything not listed here.
type EventType string

const (
	// Connection lifecycle
	EventConnectionAck EventType = "connection_ack"
	EventPing          EventType = "ping"
	EventPong          EventType = "pong"

	// Client control
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"

	// Task domain
	EventTaskCreated       EventType = "task_created"
	EventTaskUpdated       EventType = "task_updated"
	EventTaskStatusChanged EventType = "task_status_changed"
	EventTaskAssigned      EventType = "task_assigned"
	EventTaskDeleted       EventType = "task_deleted"

	// Personnel (efectivo) domain
	EventEfectivoCreated       EventType = "efectivo_created"
	EventEfectivoUpdated       EventType = "efectivo_updated"
	EventEfectivoStatusChanged EventType = "efectivo_status_changed"

	// System notifications
	EventNotification EventType = "notification"
	EventAlert        EventType = "alert"
	EventWarning      EventType = "warning"
	EventError        EventType = "error"

	// Dashboards
	EventDashboardUpdate EventType = "dashboard_update"
	EventMetricsUpdate   EventType = "metrics_update"
)

var knownEvents = map[EventType]struct{}{
	EventConnectionAck: {}, EventPing: {}, EventPong: {},
	EventSubscribe: {}, EventUnsubscribe: {},
	EventTaskCreated: {}, EventTaskUpdated: {}, EventTaskStatusChanged: {}, EventTaskAssigned: {}, EventTaskDeleted: {},
	EventEfectivoCreated: {}, EventEfectivoUpdated: {}, EventEfectivoStatusChanged: {},
	EventNotification: {}, EventAlert: {}, EventWarning: {}, EventError: {},
	EventDashboardUpdate: {}, EventMetricsUpdate: {},
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := knownEvents[t]
	return ok
}

// IsControl reports whether t is a client control message rather than content.
func (t EventType) IsControl() bool {
	switch t {
	case EventSubscribe, EventUnsubscribe, EventPing, EventPong:
		return true
	}
	return false
}

var (
	ErrUnknownEvent = errors.New("unknown event type")
	ErrEmptyPayload = errors.New("empty payload")
)

// Envelope is the JSON message exchanged with clients and across the bus.
//
// Wire format:
//
//	{"event_type":"task_created","data":{...},"timestamp":"2025-01-01T00:00:00Z",
//	 "message_id":"uuid","target_user_id":null,"target_role":null,"topic":null,
//	 "channel_name":null,"channel_type":null,"priority_level":1}
//
// Data is kept raw; the typed payload for an event is obtained with Payload or
// DecodeData.
type Envelope struct {
	EventType     EventType            `json:"event_type"`
	Data          json.RawMessage      `json:"data"`
	Timestamp     time.Time            `json:"timestamp"`
	MessageID     string               `json:"message_id"`
	TargetUserID  *int64               `json:"target_user_id"`
	TargetRole    *string              `json:"target_role"`
	Topic         *string              `json:"topic"`
	ChannelName   *string              `json:"channel_name"`
	ChannelType   *routing.ChannelType `json:"channel_type"`
	PriorityLevel int                  `json:"priority_level"`
}

// Option customises an envelope at construction.
type Option func(*Envelope)

// WithTopic tags the envelope; only subscribers of topic receive it.
func WithTopic(topic string) Option {
	return func(e *Envelope) { e.Topic = &topic }
}

// WithPriority sets the priority level, clamped to 1..10.
func WithPriority(p int) Option {
	return func(e *Envelope) { e.PriorityLevel = routing.ClampPriority(p) }
}

// ForUser targets every connection of a user.
func ForUser(id int64) Option {
	return func(e *Envelope) { e.TargetUserID = &id }
}

// ForRole targets every connection holding role.
func ForRole(role string) Option {
	return func(e *Envelope) { e.TargetRole = &role }
}

// ForChannel targets one channel.
func ForChannel(name string) Option {
	return func(e *Envelope) { e.ChannelName = &name }
}

// ForChannelType targets every channel of a type.
func ForChannelType(t routing.ChannelType) Option {
	return func(e *Envelope) { e.ChannelType = &t }
}

// New builds an envelope with a fresh id and timestamp. payload is marshalled
// to JSON; nil yields an empty object.
func New(eventType EventType, payload any, opts ...Option) (*Envelope, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}

	data := json.RawMessage("{}")
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		data = raw
	}

	env := &Envelope{
		EventType:     eventType,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		MessageID:     uuid.NewString(),
		PriorityLevel: routing.MinPriority,
	}
	for _, opt := range opts {
		opt(env)
	}
	return env, nil
}

// MustNew is New for payloads that cannot fail to marshal.
func MustNew(eventType EventType, payload any, opts ...Option) *Envelope {
	env, err := New(eventType, payload, opts...)
	if err != nil {
		panic(err)
	}
	return env
}

// Encode serialises the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a wire envelope. Missing id, timestamp and
// priority are filled in.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	env.PriorityLevel = routing.ClampPriority(env.PriorityLevel)
	if len(env.Data) == 0 || string(env.Data) == "null" {
		env.Data = json.RawMessage("{}")
	}
	return &env, nil
}

// Validate checks the event type.
func (e *Envelope) Validate() error {
	if !e.EventType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, e.EventType)
	}
	return nil
}

// HasTopic reports whether the envelope is topic-tagged.
func (e *Envelope) HasTopic() bool {
	return e.Topic != nil && *e.Topic != ""
}

// TopicName returns the topic or "".
func (e *Envelope) TopicName() string {
	if e.Topic == nil {
		return ""
	}
	return *e.Topic
}

// Clone returns a shallow copy whose target fields can be changed without
// affecting the original.
func (e *Envelope) Clone() *Envelope {
	c := *e
	return &c
}
