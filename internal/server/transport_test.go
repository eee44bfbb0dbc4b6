package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/adred-codev/ws_channels/internal/cleanup"
	"github.com/adred-codev/ws_channels/internal/hub"
	"github.com/adred-codev/ws_channels/internal/messaging"
	"github.com/adred-codev/ws_channels/internal/routing"
	"github.com/adred-codev/ws_channels/internal/testutil"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameResult struct {
	op      ws.OpCode
	payload string
}

// readFrames collects frames from the client end of a pipe until it fails.
func readFrames(conn net.Conn) <-chan frameResult {
	out := make(chan frameResult, 16)
	go func() {
		defer close(out)
		for {
			frame, err := ws.ReadFrame(conn)
			if err != nil {
				return
			}
			out <- frameResult{op: frame.Header.OpCode, payload: string(frame.Payload)}
			if frame.Header.OpCode == ws.OpClose {
				return
			}
		}
	}()
	return out
}

func nextFrame(t *testing.T, frames <-chan frameResult) frameResult {
	t.Helper()
	select {
	case f, ok := <-frames:
		require.True(t, ok, "connection ended early")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frameResult{}
	}
}

func TestTransport_SendAndClose(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	buffers := cleanup.NewBufferTracker()
	tr := newWSTransport(serverConn, "10.0.0.1", 8, time.Second, buffers, zerolog.Nop())
	assert.Equal(t, 1, buffers.Len())
	assert.Equal(t, "10.0.0.1", tr.RemoteAddr())

	frames := readFrames(clientConn)

	require.NoError(t, tr.Send([]byte(`{"n":1}`)))
	require.NoError(t, tr.Send([]byte(`{"n":2}`)))

	assert.Equal(t, frameResult{op: ws.OpText, payload: `{"n":1}`}, nextFrame(t, frames))
	assert.Equal(t, frameResult{op: ws.OpText, payload: `{"n":2}`}, nextFrame(t, frames))

	require.NoError(t, tr.Send([]byte(`{"n":3}`)))
	require.NoError(t, tr.Close())

	// Queued frames are flushed ahead of the close frame.
	assert.Equal(t, `{"n":3}`, nextFrame(t, frames).payload)
	assert.Equal(t, ws.OpClose, nextFrame(t, frames).op)

	assert.ErrorIs(t, tr.Send([]byte("late")), hub.ErrTransportClosed)
	assert.Equal(t, 0, buffers.Len())
	assert.NoError(t, tr.Close())
}

func TestTransport_FullQueueReportsBackpressure(t *testing.T) {
	serverConn, clientConn := net.Pipe()

	tr := newWSTransport(serverConn, "10.0.0.2", 1, 5*time.Second, nil, zerolog.Nop())

	// Nobody reads the client end, so the pump blocks on its first write.
	var full bool
	for i := 0; i < 5 && !full; i++ {
		if err := tr.Send([]byte("x")); err != nil {
			require.ErrorIs(t, err, hub.ErrSendBufferFull)
			full = true
		}
	}
	assert.True(t, full)

	clientConn.Close()
	require.NoError(t, tr.Close())
}

func TestTransport_WriteFailureClosesTransport(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	clientConn.Close()

	buffers := cleanup.NewBufferTracker()
	tr := newWSTransport(serverConn, "10.0.0.3", 4, time.Second, buffers, zerolog.Nop())
	require.NoError(t, tr.Send([]byte("x")))

	assert.Eventually(t, func() bool {
		return tr.Send([]byte("y")) == hub.ErrTransportClosed
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, buffers.Len())
	require.NoError(t, tr.Close())
}

func TestTransport_CloseDoesNotWaitForStuckPeer(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	tr := newWSTransport(serverConn, "10.0.0.4", 1, 2*time.Second, nil, zerolog.Nop())
	require.NoError(t, tr.Send([]byte("x")))

	start := time.Now()
	require.NoError(t, tr.Close())
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	// The pump gives up on its own once the write deadline passes.
	select {
	case <-tr.done:
	case <-time.After(5 * time.Second):
		t.Fatal("write pump did not exit")
	}
}

func TestBroadcast_StuckClientDoesNotDelaySiblings(t *testing.T) {
	router, err := routing.NewRouter(routing.DefaultRouterConfig(), zerolog.Nop())
	require.NoError(t, err)
	manager := hub.NewManager(hub.Config{HeartbeatInterval: time.Hour}, router, routing.NewBalancer(router, zerolog.Nop()), zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	// Nobody reads the stuck client's end of the pipe.
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	stuck := newWSTransport(serverConn, "10.0.0.5", 4, 2*time.Second, nil, zerolog.Nop())
	_, err = manager.Connect(stuck, nil, "", 1)
	require.NoError(t, err)

	healthy := testutil.NewMockTransport("10.0.0.6:5000")
	_, err = manager.Connect(healthy, nil, "", 1)
	require.NoError(t, err)

	var worst time.Duration
	for i := 0; i < 10; i++ {
		start := time.Now()
		manager.Broadcast(messaging.MustNew(messaging.EventTaskUpdated, map[string]any{"id": i}))
		if d := time.Since(start); d > worst {
			worst = d
		}
	}

	assert.Less(t, worst, 500*time.Millisecond)
	assert.Equal(t, 1, manager.ConnectionCount(), "stuck client is disconnected")
	assert.Equal(t, 11, healthy.Len(), "ack plus every broadcast")
}
