package hub

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_channels/internal/messaging"
	"github.com/adred-codev/ws_channels/internal/routing"
)

var (
	// ErrShuttingDown is returned by Connect once Shutdown has begun.
	ErrShuttingDown = errors.New("hub: shutting down")

	// ErrTransportClosed is returned by transports written after Close.
	ErrTransportClosed = errors.New("hub: transport closed")

	// ErrSendBufferFull is returned by transports whose peer cannot keep up.
	// The connection is treated as dead.
	ErrSendBufferFull = errors.New("hub: send buffer full")

	// ErrChannelInUse is returned when removing a channel that still has
	// connections assigned.
	ErrChannelInUse = errors.New("hub: channel has connections")
)

// Transport is the write side of one client connection.
//
// Send must not block on a slow peer: implementations queue the frame and
// return ErrSendBufferFull when they cannot. Any Send error makes the manager
// disconnect the connection.
type Transport interface {
	Send(data []byte) error
	Close() error
	RemoteAddr() string
}

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDisconnecting
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Connection is one accepted client. It is owned by the Registry, and it owns
// its Transport.
type Connection struct {
	ID          string
	UserID      *int64
	Role        string
	Priority    int
	ConnectedAt time.Time

	Subscriptions *SubscriptionSet

	transport Transport
	state     atomic.Int32

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64

	mu            sync.RWMutex
	channel       string
	channelType   routing.ChannelType
	lastPing      time.Time
	lastMessageAt time.Time
}

func newConnection(id string, t Transport, userID *int64, role string, priority int, channel string, ct routing.ChannelType) *Connection {
	now := time.Now()
	c := &Connection{
		ID:            id,
		UserID:        userID,
		Role:          role,
		Priority:      priority,
		ConnectedAt:   now,
		Subscriptions: NewSubscriptionSet(),
		transport:     t,
		channel:       channel,
		channelType:   ct,
		lastPing:      now,
		lastMessageAt: now,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State returns the lifecycle stage.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// transition moves from one state to another; false if the connection was
// not in from.
func (c *Connection) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Channel returns the channel the connection is currently assigned to.
func (c *Connection) Channel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// ChannelType returns the type of the assigned channel.
func (c *Connection) ChannelType() routing.ChannelType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channelType
}

func (c *Connection) assign(channel string, ct routing.ChannelType) {
	c.mu.Lock()
	c.channel = channel
	c.channelType = ct
	c.mu.Unlock()
}

// LastPing is the time of the last heartbeat reply (ConnectedAt until the
// first one arrives).
func (c *Connection) LastPing() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

// LastMessageAt is the time of the last inbound frame.
func (c *Connection) LastMessageAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMessageAt
}

func (c *Connection) markPong(now time.Time) {
	c.mu.Lock()
	c.lastPing = now
	c.lastMessageAt = now
	c.mu.Unlock()
}

func (c *Connection) markReceived(now time.Time) {
	c.mu.Lock()
	c.lastMessageAt = now
	c.mu.Unlock()
	c.messagesReceived.Add(1)
}

// MessagesSent returns how many frames were queued to the client.
func (c *Connection) MessagesSent() int64 { return c.messagesSent.Load() }

// MessagesReceived returns how many frames arrived from the client.
func (c *Connection) MessagesReceived() int64 { return c.messagesReceived.Load() }

// RemoteAddr returns the peer address reported by the transport.
func (c *Connection) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

// accepts reports whether the envelope's topic filter lets it through.
// Untagged envelopes reach everyone.
func (c *Connection) accepts(env *messaging.Envelope) bool {
	if !env.HasTopic() {
		return true
	}
	return c.Subscriptions.Has(env.TopicName())
}

func (c *Connection) send(data []byte) error {
	if err := c.transport.Send(data); err != nil {
		return err
	}
	c.messagesSent.Add(1)
	return nil
}

// Info returns a snapshot for reporting and cleanup.
func (c *Connection) Info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionInfo{
		ID:               c.ID,
		UserID:           c.UserID,
		Role:             c.Role,
		Priority:         c.Priority,
		Channel:          c.channel,
		ChannelType:      c.channelType,
		ConnectedAt:      c.ConnectedAt,
		LastPing:         c.lastPing,
		LastMessageAt:    c.lastMessageAt,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		Subscriptions:    c.Subscriptions.List(),
		State:            c.State().String(),
	}
}

// ConnectionInfo is an immutable copy of a Connection.
type ConnectionInfo struct {
	ID               string              `json:"connection_id"`
	UserID           *int64              `json:"user_id,omitempty"`
	Role             string              `json:"role,omitempty"`
	Priority         int                 `json:"priority"`
	Channel          string              `json:"channel_name"`
	ChannelType      routing.ChannelType `json:"channel_type"`
	ConnectedAt      time.Time           `json:"connected_at"`
	LastPing         time.Time           `json:"last_ping"`
	LastMessageAt    time.Time           `json:"last_message_at"`
	MessagesSent     int64               `json:"messages_sent"`
	MessagesReceived int64               `json:"messages_received"`
	Subscriptions    []string            `json:"subscriptions"`
	State            string              `json:"state"`
}

// SubscriptionSet is a thread-safe set of topic subscriptions.
// An empty set means the connection only receives untagged messages.
type SubscriptionSet struct {
	topics map[string]struct{}
	mu     sync.RWMutex
}

// NewSubscriptionSet creates an empty set.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{topics: make(map[string]struct{})}
}

// Add subscribes to a topic.
func (s *SubscriptionSet) Add(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = struct{}{}
}

// AddMultiple subscribes to several topics under one lock. Empty names are
// skipped.
func (s *SubscriptionSet) AddMultiple(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		if t != "" {
			s.topics[t] = struct{}{}
		}
	}
}

// Remove unsubscribes from a topic.
func (s *SubscriptionSet) Remove(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
}

// RemoveMultiple unsubscribes from several topics under one lock.
func (s *SubscriptionSet) RemoveMultiple(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.topics, t)
	}
}

// Has reports whether topic is subscribed.
func (s *SubscriptionSet) Has(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topics[topic]
	return ok
}

// Count returns the number of subscriptions.
func (s *SubscriptionSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics)
}

// List returns the subscribed topics, sorted.
func (s *SubscriptionSet) List() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Clear removes every subscription.
func (s *SubscriptionSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = make(map[string]struct{})
}
