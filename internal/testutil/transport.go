// Package testutil holds fakes shared by package tests.
package testutil

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrInjected is returned by fakes configured to fail.
var ErrInjected = errors.New("testutil: injected failure")

// MockTransport records every frame sent to it. It satisfies hub.Transport.
type MockTransport struct {
	mu       sync.Mutex
	addr     string
	frames   [][]byte
	failWith error
	closed   bool
	closes   int
}

// NewMockTransport creates a transport reporting addr as its peer.
func NewMockTransport(addr string) *MockTransport {
	return &MockTransport{addr: addr}
}

// Send records data, or fails when FailSends was called or after Close.
func (t *MockTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return t.failWith
	}
	if t.closed {
		return errors.New("testutil: transport closed")
	}
	t.frames = append(t.frames, append([]byte(nil), data...))
	return nil
}

// Close marks the transport closed.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closes++
	return nil
}

// RemoteAddr returns the configured peer address.
func (t *MockTransport) RemoteAddr() string { return t.addr }

// FailSends makes every later Send return err (ErrInjected when nil).
func (t *MockTransport) FailSends(err error) {
	if err == nil {
		err = ErrInjected
	}
	t.mu.Lock()
	t.failWith = err
	t.mu.Unlock()
}

// Closed reports whether Close was called.
func (t *MockTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CloseCount returns how many times Close was called.
func (t *MockTransport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Frames returns copies of every frame sent.
func (t *MockTransport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.frames))
	copy(out, t.frames)
	return out
}

// Len returns the number of frames sent.
func (t *MockTransport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

// Frame is the subset of the wire envelope tests usually assert on.
type Frame struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	MessageID string          `json:"message_id"`
	Topic     *string         `json:"topic"`
}

// Decoded parses every frame. Frames that are not JSON are skipped.
func (t *MockTransport) Decoded() []Frame {
	var out []Frame
	for _, raw := range t.Frames() {
		var f Frame
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// EventTypes returns the event_type of every frame, in order.
func (t *MockTransport) EventTypes() []string {
	frames := t.Decoded()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.EventType
	}
	return out
}

// Reset forgets recorded frames.
func (t *MockTransport) Reset() {
	t.mu.Lock()
	t.frames = nil
	t.mu.Unlock()
}
