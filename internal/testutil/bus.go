package testutil

import (
	"context"
	"slices"
	"sync"
)

// Published is one message recorded by MockBus.
type Published struct {
	Channel string
	Data    []byte
}

// MockBus is a pub/sub bus fake. It delivers published messages to its own
// subscribers synchronously, like a broker without echo suppression, and can
// be told to fail publishes.
type MockBus struct {
	mu        sync.Mutex
	published []Published
	handlers  map[string][]func([]byte)
	failWith  error
	closed    bool
}

// NewMockBus creates an empty bus.
func NewMockBus() *MockBus {
	return &MockBus{handlers: make(map[string][]func([]byte))}
}

// Publish records data and hands it to every subscriber of channel.
func (b *MockBus) Publish(ctx context.Context, channel string, data []byte) error {
	b.mu.Lock()
	if b.failWith != nil {
		err := b.failWith
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, Published{Channel: channel, Data: append([]byte(nil), data...)})
	handlers := slices.Clone(b.handlers[channel])
	b.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Subscribe registers handler for channel.
func (b *MockBus) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = append(b.handlers[channel], handler)
	return nil
}

// Inject delivers data to subscribers as if another process published it.
func (b *MockBus) Inject(channel string, data []byte) {
	b.mu.Lock()
	handlers := slices.Clone(b.handlers[channel])
	b.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

// FailPublishes makes every later Publish return err (ErrInjected when nil).
func (b *MockBus) FailPublishes(err error) {
	if err == nil {
		err = ErrInjected
	}
	b.mu.Lock()
	b.failWith = err
	b.mu.Unlock()
}

// Published returns every recorded publish.
func (b *MockBus) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Close marks the bus closed.
func (b *MockBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (b *MockBus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
