package server

import (
	"net"
	"sync"
	"time"

	"github.com/relaywire/relay/pkg/protocol"
)

// SafeConn wraps a net.Conn with automatic write synchronization to prevent
// concurrent writes from corrupting wire frames.
//
// A recipient's connection is written by its own session goroutine
// (responses) and by any sender's goroutine forwarding a message to it.
// Without synchronization their frame bytes interleave on the wire.
// SafeConn encapsulates the connection together with its write mutex, so
// there is no way to write around the lock.
type SafeConn struct {
	conn net.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// EncodeFrame encodes and sends a protocol frame under the write lock.
// This is the only way to write frames to the connection. The frame is
// buffered and written in one call, which message-oriented transports
// (WebSocket) rely on to keep one frame per message.
func (sc *SafeConn) EncodeFrame(frame *protocol.Frame) error {
	data, err := protocol.EncodeBytes(frame)
	if err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, err = sc.conn.Write(data)
	return err
}

// Read reads from the underlying connection. Reads are owned by a single
// session goroutine and need no locking.
func (sc *SafeConn) Read(b []byte) (int, error) {
	return sc.conn.Read(b)
}

// SetReadDeadline arms the read deadline on the underlying connection.
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
