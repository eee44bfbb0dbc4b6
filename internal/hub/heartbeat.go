package hub

import (
	"context"
	"time"

	"github.com/adred-codev/ws_channels/internal/messaging"
	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
)

// task is a handle on a background goroutine. Stop cancels it and waits for
// it to return.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startTask(fn func(ctx context.Context)) *task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		fn(ctx)
	}()
	return t
}

// Stop cancels the task and waits until it exits or ctx expires.
func (t *task) Stop(ctx context.Context) error {
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureHeartbeat starts the heartbeat loop unless it is already running.
func (m *Manager) ensureHeartbeat() {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()

	if m.hb != nil || m.registry.Len() == 0 {
		return
	}

	m.lifecycle.RLock()
	stopping := m.shuttingDown
	m.lifecycle.RUnlock()
	if stopping {
		return
	}

	m.hbWG.Add(1)
	m.hb = startTask(func(ctx context.Context) {
		defer m.hbWG.Done()
		m.heartbeatLoop(ctx)
	})
	monitoring.SetHeartbeatRunning(true)
	m.logger.Debug().Msg("Heartbeat started")
}

// releaseHeartbeatIfIdle cancels the heartbeat once the registry is empty.
// It does not wait: Disconnect may run on the heartbeat goroutine itself.
func (m *Manager) releaseHeartbeatIfIdle() {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()

	if m.hb == nil || m.registry.Len() > 0 {
		return
	}
	m.hb.cancel()
	m.hb = nil
	monitoring.SetHeartbeatRunning(false)
	m.logger.Debug().Msg("Heartbeat stopped, no connections")
}

// stopHeartbeat cancels the heartbeat and waits for every heartbeat goroutine
// started so far, including ones already released.
func (m *Manager) stopHeartbeat(ctx context.Context) error {
	m.hbMu.Lock()
	hb := m.hb
	m.hb = nil
	m.hbMu.Unlock()

	if hb != nil {
		monitoring.SetHeartbeatRunning(false)
		if err := hb.Stop(ctx); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		m.hbWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HeartbeatRunning reports whether the heartbeat loop is active.
func (m *Manager) HeartbeatRunning() bool {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	return m.hb != nil
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer monitoring.RecoverPanic(m.logger, "heartbeatLoop", nil)

	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent := m.deliver(m.registry.IDs(), messaging.NewPing(), scopeHeartbeat)
			m.logger.Debug().Int("sent", sent).Msg("Heartbeat ping")
		}
	}
}
