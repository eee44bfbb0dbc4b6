package server

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/adred-codev/ws_channels/internal/cleanup"
	"github.com/adred-codev/ws_channels/internal/hub"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// wsTransport is a hub.Transport over a gobwas WebSocket connection.
//
// Send only queues: a single write pump goroutine owns the socket and
// batches queued frames into one flush. A full queue is reported to the
// manager as ErrSendBufferFull, which disconnects the slow client. The queue
// is registered with the buffer tracker for as long as the transport lives.
type wsTransport struct {
	conn         net.Conn
	remote       string
	send         chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	done         chan struct{}
	writeTimeout time.Duration
	buffers      *cleanup.BufferTracker
	bufferName   string
	logger       zerolog.Logger
}

// avgFrameSize estimates the tracked size of one queued frame.
const avgFrameSize = 512

func newWSTransport(conn net.Conn, remote string, sendBuffer int, writeTimeout time.Duration, buffers *cleanup.BufferTracker, logger zerolog.Logger) *wsTransport {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	t := &wsTransport{
		conn:         conn,
		remote:       remote,
		send:         make(chan []byte, sendBuffer),
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		buffers:      buffers,
		bufferName:   "ws-send:" + uuid.NewString(),
		logger:       logger,
	}
	if buffers != nil {
		buffers.Register(t.bufferName, sendBuffer*avgFrameSize)
	}
	go t.writePump()
	return t
}

// Send queues one text frame.
func (t *wsTransport) Send(data []byte) error {
	select {
	case <-t.closed:
		return hub.ErrTransportClosed
	default:
	}

	select {
	case t.send <- data:
		if t.buffers != nil {
			t.buffers.Touch(t.bufferName)
		}
		return nil
	default:
		return hub.ErrSendBufferFull
	}
}

// Close signals the write pump and returns at once. The pump flushes what is
// already queued, sends a close frame and closes the socket; each write is
// bounded by the write timeout, so a stuck peer only holds its own pump.
func (t *wsTransport) Close() error {
	t.shutdown()
	return nil
}

func (t *wsTransport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.buffers != nil {
			t.buffers.Release(t.bufferName)
		}
	})
}

func (t *wsTransport) RemoteAddr() string { return t.remote }

func (t *wsTransport) writePump() {
	writer := bufio.NewWriter(t.conn)
	defer func() {
		t.shutdown()
		t.conn.Close()
		close(t.done)
	}()

	for {
		select {
		case message := <-t.send:
			if err := t.writeBatch(writer, message); err != nil {
				t.logger.Debug().Err(err).Str("remote_addr", t.remote).Msg("Failed to write message")
				return
			}

		case <-t.closed:
			// Flush what the manager queued before closing, e.g. a shutdown notice.
			for len(t.send) > 0 {
				if err := t.writeBatch(writer, <-t.send); err != nil {
					return
				}
			}
			t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			_ = wsutil.WriteServerMessage(t.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			return
		}
	}
}

// writeBatch writes first plus whatever else is queued, then flushes once.
func (t *wsTransport) writeBatch(writer *bufio.Writer, first []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))

	if err := wsutil.WriteServerMessage(writer, ws.OpText, first); err != nil {
		return err
	}
	n := len(t.send)
	for i := 0; i < n; i++ {
		if err := wsutil.WriteServerMessage(writer, ws.OpText, <-t.send); err != nil {
			return err
		}
	}
	return writer.Flush()
}
