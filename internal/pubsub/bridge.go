// Package pubsub mirrors fan-outs between server processes over a message
// bus, so a client connected to any process receives messages initiated on
// any other.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_channels/internal/messaging"
	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	cb "github.com/sony/gobreaker"
)

// Bus is a minimal publish/subscribe transport.
type Bus interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) error
	Close() error
}

// LocalDeliverer delivers an inbound message to this process's clients.
// *hub.Manager satisfies it.
type LocalDeliverer interface {
	BroadcastLocal(env *messaging.Envelope) int
}

// DefaultChannel is the bus channel used when Config leaves it unset.
const DefaultChannel = "realtime:broadcast"

// Config holds bridge settings.
type Config struct {
	Channel        string
	InstanceID     string
	PublishTimeout time.Duration // per publish, default 2s
	SeenCacheSize  int           // self-published ids remembered for echo suppression, default 10000
	QueueSize      int           // envelopes waiting for the bus, default 1024
}

// Stats counts bridge traffic since start.
type Stats struct {
	Channel      string `json:"channel"`
	InstanceID   string `json:"instance_id"`
	Running      bool   `json:"running"`
	Published    int64  `json:"published"`
	Received     int64  `json:"received"`
	Echoes       int64  `json:"echoes_dropped"`
	Invalid      int64  `json:"invalid"`
	Errors       int64  `json:"publish_errors"`
	QueueFull    int64  `json:"publish_queue_full"`
	Queued       int    `json:"publish_queued"`
	BreakerState string `json:"breaker_state"`
}

// Bridge publishes locally initiated fan-outs to the bus and hands messages
// from other processes to the local manager.
//
// A process ignores its own messages: ids it published are remembered in a
// bounded LRU set and matching inbound messages are dropped. Publishing is
// best-effort and guarded by a circuit breaker so an unreachable bus costs
// nothing once tripped. Callers only enqueue: a single publisher goroutine
// owns the bus writes, and a full queue drops the message.
type Bridge struct {
	bus     Bus
	config  Config
	logger  zerolog.Logger
	breaker *cb.CircuitBreaker
	seen    *lru.Cache[string, struct{}]
	queue   chan outbound

	mu      sync.Mutex
	local   LocalDeliverer
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	published atomic.Int64
	received  atomic.Int64
	echoes    atomic.Int64
	invalid   atomic.Int64
	errors    atomic.Int64
	queueFull atomic.Int64
}

type outbound struct {
	id        string
	eventType messaging.EventType
	data      []byte
}

// NewBridge creates a bridge over bus. Call Start to receive.
func NewBridge(bus Bus, cfg Config, logger zerolog.Logger) (*Bridge, error) {
	if bus == nil {
		return nil, errors.New("pubsub: nil bus")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = 10000
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}

	b := &Bridge{
		bus:    bus,
		config: cfg,
		logger: monitoring.Component(logger, "pubsub_bridge").With().Str("instance_id", cfg.InstanceID).Logger(),
		seen:   seen,
		queue:  make(chan outbound, cfg.QueueSize),
	}

	b.breaker = cb.NewCircuitBreaker(cb.Settings{
		Name:        "pubsub-publish",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to cb.State) {
			b.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return b, nil
}

// Start subscribes to the bus channel, delivers inbound messages to local and
// starts publishing queued envelopes.
func (b *Bridge) Start(ctx context.Context, local LocalDeliverer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running.Load() {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	b.local = local
	if err := b.bus.Subscribe(subCtx, b.config.Channel, b.handle); err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", b.config.Channel, err)
	}
	b.cancel = cancel
	b.running.Store(true)

	b.wg.Add(1)
	go b.publishLoop(subCtx)

	b.logger.Info().Str("channel", b.config.Channel).Msg("Pub/sub bridge started")
	return nil
}

// Stop stops delivering inbound messages and waits for the publisher
// goroutine. Envelopes still queued are discarded. The bus itself is closed
// by its owner. Safe to call more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running.Swap(false) {
		b.mu.Unlock()
		return
	}
	cancel := b.cancel
	b.mu.Unlock()

	// A synchronous bus may be inside handle, which takes b.mu.
	cancel()
	b.wg.Wait()

	b.logger.Info().
		Int64("published", b.published.Load()).
		Int64("received", b.received.Load()).
		Msg("Pub/sub bridge stopped")
}

// Publish queues env for the other processes and returns without waiting
// for the bus. A full queue drops the message. Errors are logged and
// counted, never returned. Pings are not published.
func (b *Bridge) Publish(ctx context.Context, env *messaging.Envelope) {
	if env == nil || env.EventType == messaging.EventPing || ctx.Err() != nil {
		return
	}

	data, err := env.Encode()
	if err != nil {
		b.errors.Add(1)
		monitoring.RecordBridgeMessage(monitoring.BridgeOutbound, monitoring.BridgeOutcomeInvalid)
		monitoring.LogError(b.logger, err, "Failed to encode envelope for bridge", nil)
		return
	}

	// Remember the id before publishing: the echo can arrive first.
	b.seen.Add(env.MessageID, struct{}{})

	select {
	case b.queue <- outbound{id: env.MessageID, eventType: env.EventType, data: data}:
	default:
		b.queueFull.Add(1)
		monitoring.RecordBridgeMessage(monitoring.BridgeOutbound, monitoring.BridgeOutcomeDropped)
		b.logger.Warn().
			Str("message_id", env.MessageID).
			Str("event_type", string(env.EventType)).
			Int("queue_size", b.config.QueueSize).
			Msg("Bridge publish queue full, dropping message")
	}
}

func (b *Bridge) publishLoop(ctx context.Context) {
	defer b.wg.Done()
	defer monitoring.RecoverPanic(b.logger, "bridgePublishLoop", nil)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			b.publish(ctx, msg)
		}
	}
}

// publish writes one queued message to the bus through the breaker.
func (b *Bridge) publish(ctx context.Context, msg outbound) {
	_, err := b.breaker.Execute(func() (any, error) {
		pubCtx, cancel := context.WithTimeout(ctx, b.config.PublishTimeout)
		defer cancel()
		return nil, b.bus.Publish(pubCtx, b.config.Channel, msg.data)
	})
	if err != nil {
		b.errors.Add(1)
		outcome := monitoring.BridgeOutcomeError
		if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
			outcome = monitoring.BridgeOutcomeDropped
		}
		monitoring.RecordBridgeMessage(monitoring.BridgeOutbound, outcome)
		b.logger.Warn().
			Err(err).
			Str("message_id", msg.id).
			Str("event_type", string(msg.eventType)).
			Msg("Bridge publish failed")
		return
	}

	b.published.Add(1)
	monitoring.RecordBridgeMessage(monitoring.BridgeOutbound, monitoring.BridgeOutcomeOK)
}

// handle processes one inbound bus message.
func (b *Bridge) handle(data []byte) {
	defer monitoring.RecoverPanic(b.logger, "bridgeHandle", nil)

	if !b.running.Load() {
		return
	}

	env, err := messaging.Decode(data)
	if err != nil {
		b.invalid.Add(1)
		monitoring.RecordBridgeMessage(monitoring.BridgeInbound, monitoring.BridgeOutcomeInvalid)
		b.logger.Debug().Err(err).Msg("Dropping invalid bridge message")
		return
	}

	if b.seen.Contains(env.MessageID) {
		b.echoes.Add(1)
		monitoring.RecordBridgeMessage(monitoring.BridgeInbound, monitoring.BridgeOutcomeDropped)
		return
	}
	if env.EventType == messaging.EventPing {
		return
	}

	b.mu.Lock()
	local := b.local
	b.mu.Unlock()
	if local == nil {
		return
	}

	b.received.Add(1)
	monitoring.RecordBridgeMessage(monitoring.BridgeInbound, monitoring.BridgeOutcomeOK)
	n := local.BroadcastLocal(env)

	b.logger.Debug().
		Str("message_id", env.MessageID).
		Str("event_type", string(env.EventType)).
		Int("delivered", n).
		Msg("Bridge message delivered")
}

// Stats returns traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Channel:      b.config.Channel,
		InstanceID:   b.config.InstanceID,
		Running:      b.running.Load(),
		Published:    b.published.Load(),
		Received:     b.received.Load(),
		Echoes:       b.echoes.Load(),
		Invalid:      b.invalid.Load(),
		Errors:       b.errors.Load(),
		QueueFull:    b.queueFull.Load(),
		Queued:       len(b.queue),
		BreakerState: b.breaker.State().String(),
	}
}
