package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL             string
	Name            string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// DefaultNATSConfig returns reconnect settings suited to a long-lived server.
func DefaultNATSConfig(url, name string) NATSConfig {
	return NATSConfig{
		URL:             url,
		Name:            name,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		MaxPingsOut:     3,
		PingInterval:    20 * time.Second,
	}
}

// NATSBus is a Bus over core NATS subjects. The connection is opened with
// NoEcho, so a process never receives its own publishes.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSBus connects to NATS.
func NewNATSBus(cfg NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	b := &NATSBus{logger: monitoring.Component(logger, "nats_bus")}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.NoEcho(),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(b.connectHandler),
		nats.DisconnectErrHandler(b.disconnectHandler),
		nats.ReconnectHandler(b.reconnectHandler),
		nats.ErrorHandler(b.errorHandler),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn

	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return b, nil
}

func (b *NATSBus) connectHandler(conn *nats.Conn) {
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("NATS connected")
}

func (b *NATSBus) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		b.logger.Warn().Err(err).Msg("Disconnected from NATS")
		return
	}
	b.logger.Info().Msg("Disconnected from NATS")
}

func (b *NATSBus) reconnectHandler(conn *nats.Conn) {
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
}

func (b *NATSBus) errorHandler(_ *nats.Conn, sub *nats.Subscription, err error) {
	ev := b.logger.Error().Err(err)
	if sub != nil {
		ev = ev.Str("subject", sub.Subject)
	}
	ev.Msg("NATS error")
}

// Publish sends data on subject channel. NATS buffers the write, so ctx is
// only checked up front.
func (b *NATSBus) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers handler for subject channel. The subscription ends
// when ctx is done or the bus is closed.
func (b *NATSBus) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
			b.logger.Debug().Err(err).Str("subject", channel).Msg("Unsubscribe failed")
		}
	}()

	b.logger.Info().Str("subject", channel).Msg("Subscribed to NATS subject")
	return nil
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
