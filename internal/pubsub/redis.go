package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const receiveRetryDelay = 500 * time.Millisecond

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisBus is a Bus over Redis PUBLISH/SUBSCRIBE. Redis delivers a
// publisher's own messages back to it; the bridge filters those.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

// NewRedisBus connects to Redis and verifies the connection with PING.
func NewRedisBus(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisBus, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	b := &RedisBus{client: client, logger: monitoring.Component(logger, "redis_bus")}
	b.logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Connected to Redis")
	return b, nil
}

// Publish sends data on channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, data []byte) error {
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts a receive loop calling handler for each message on
// channel until ctx is done or the bus is closed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no publish is missed after
	// Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ps.Close()
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || err == redis.ErrClosed {
					return
				}
				b.logger.Warn().Err(err).Str("channel", channel).Msg("Redis receive failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(receiveRetryDelay):
				}
				continue
			}
			handler([]byte(msg.Payload))
		}
	}()

	b.logger.Info().Str("channel", channel).Msg("Subscribed to Redis channel")
	return nil
}

// Close ends every subscription and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	b.wg.Wait()
	return b.client.Close()
}
