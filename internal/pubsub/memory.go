package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
	"github.com/rs/zerolog"
)

var (
	ErrBusClosed = errors.New("pubsub: bus closed")
	ErrBusFull   = errors.New("pubsub: publish buffer full")
)

type memoryMessage struct {
	channel string
	data    []byte
}

type memorySubscriber struct {
	channel string
	ch      chan []byte
}

// MemoryBus is an in-process Bus. Every subscriber of a channel, including
// the publisher's own, receives each message. It backs single-process
// deployments and tests.
type MemoryBus struct {
	publishCh   chan memoryMessage
	mu          sync.RWMutex
	subscribers []*memorySubscriber
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMemoryBus creates a running bus. bufferSize bounds both the publish
// queue and each subscriber's queue.
func NewMemoryBus(bufferSize int, logger zerolog.Logger) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBus{
		publishCh: make(chan memoryMessage, bufferSize),
		logger:    monitoring.Component(logger, "memory_bus"),
		ctx:       ctx,
		cancel:    cancel,
	}

	b.wg.Add(1)
	go b.run()
	return b
}

func (b *MemoryBus) run() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.publishCh:
			b.fanOut(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

// Publish queues data for every subscriber of channel. It never blocks.
func (b *MemoryBus) Publish(ctx context.Context, channel string, data []byte) error {
	if b.ctx.Err() != nil {
		return ErrBusClosed
	}
	msg := memoryMessage{channel: channel, data: append([]byte(nil), data...)}
	select {
	case b.publishCh <- msg:
		return nil
	case <-b.ctx.Done():
		return ErrBusClosed
	default:
		return ErrBusFull
	}
}

// Subscribe calls handler for each message on channel until ctx is done or
// the bus is closed. Handlers run on a goroutine per subscription.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	if b.ctx.Err() != nil {
		return ErrBusClosed
	}

	sub := &memorySubscriber{channel: channel, ch: make(chan []byte, cap(b.publishCh))}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.unsubscribe(sub)
		for {
			select {
			case data := <-sub.ch:
				handler(data)
			case <-ctx.Done():
				return
			case <-b.ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (b *MemoryBus) unsubscribe(sub *memorySubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

func (b *MemoryBus) fanOut(msg memoryMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.channel != msg.channel {
			continue
		}
		select {
		case sub.ch <- msg.data:
		case <-b.ctx.Done():
			return
		default:
			b.logger.Warn().Str("channel", msg.channel).Msg("Subscriber queue full, message dropped")
		}
	}
}

// Close stops delivery and waits for subscriber goroutines to exit.
func (b *MemoryBus) Close() error {
	b.once.Do(func() {
		b.cancel()
		b.wg.Wait()
		b.logger.Info().Msg("Memory bus closed")
	})
	return nil
}
