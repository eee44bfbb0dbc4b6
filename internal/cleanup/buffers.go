package cleanup

import (
	"sync"
	"time"
)

type trackedBuffer struct {
	size         int
	registeredAt time.Time
	lastUsed     time.Time
}

// BufferTracker records named memory buffers with their size and last use.
// Transports register their outbound queues here; the cleanup cycle releases
// entries nobody touched for a while. Safe for concurrent use.
type BufferTracker struct {
	mu      sync.Mutex
	buffers map[string]*trackedBuffer
	total   int64
	now     func() time.Time
}

func NewBufferTracker() *BufferTracker {
	return &BufferTracker{
		buffers: make(map[string]*trackedBuffer),
		now:     time.Now,
	}
}

// Register adds or replaces a buffer entry.
func (t *BufferTracker) Register(name string, size int) {
	if size < 0 {
		size = 0
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.buffers[name]; ok {
		t.total -= int64(old.size)
	}
	t.buffers[name] = &trackedBuffer{size: size, registeredAt: now, lastUsed: now}
	t.total += int64(size)
}

// Touch marks a buffer as used now. Unknown names are ignored.
func (t *BufferTracker) Touch(name string) {
	now := t.now()

	t.mu.Lock()
	if b, ok := t.buffers[name]; ok {
		b.lastUsed = now
	}
	t.mu.Unlock()
}

// Release forgets a buffer and reports whether it was tracked.
func (t *BufferTracker) Release(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buffers[name]
	if !ok {
		return false
	}
	delete(t.buffers, name)
	t.total -= int64(b.size)
	return true
}

// ReleaseIdle forgets buffers unused for longer than timeout and returns how
// many entries and bytes were released.
func (t *BufferTracker) ReleaseIdle(timeout time.Duration) (int, int64) {
	cutoff := t.now().Add(-timeout)

	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	var bytes int64
	for name, b := range t.buffers {
		if b.lastUsed.Before(cutoff) {
			delete(t.buffers, name)
			n++
			bytes += int64(b.size)
		}
	}
	t.total -= bytes
	return n, bytes
}

// Clear forgets every buffer and returns how many there were.
func (t *BufferTracker) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.buffers)
	t.buffers = make(map[string]*trackedBuffer)
	t.total = 0
	return n
}

func (t *BufferTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffers)
}

// TotalBytes returns the summed size of tracked buffers.
func (t *BufferTracker) TotalBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
