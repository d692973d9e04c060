package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a WebSocket connection to the net.Conn interface so
// the normal connection loop and codec run unchanged on top of it.
type WebSocketConn struct {
	ws      *websocket.Conn
	readBuf bytes.Buffer
	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  protocolBufferSize,
	WriteBufferSize: protocolBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients may come from anywhere; the protocol itself
		// carries no cookies or ambient credentials.
		return true
	},
}

const protocolBufferSize = 1024 * 1024 // matches protocol.MaxFrameSize

// startWebSocketServer starts the WebSocket listener if configured.
func (s *Server) startWebSocketServer() error {
	if s.config.WSPort <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocketUpgrade)

	addr := fmt.Sprintf(":%d", s.config.WSPort)
	s.wsServer = &http.Server{Addr: addr, Handler: mux}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.wsListener = listener

	errorLog.Printf("WebSocket server listening on %s", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.wsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("WebSocket server error: %v", err)
		}
	}()

	return nil
}

func (s *Server) stopWebSocketServer() {
	if s.wsServer != nil {
		s.wsServer.Close()
		s.wsServer = nil
	}
}

// handleWebSocketUpgrade upgrades the HTTP request and hands the wrapped
// connection to the shared connection loop.
func (s *Server) handleWebSocketUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	go s.handleConnection(NewWebSocketConn(ws), "websocket")
}

// NewWebSocketConn creates a new WebSocket connection adapter
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

// Read implements net.Conn.Read. WebSocket messages are reframed into a
// byte stream; only binary messages are accepted.
func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readBuf.Len() > 0 {
		return c.readBuf.Read(b)
	}

	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, err
	}

	if messageType != websocket.BinaryMessage {
		return 0, io.ErrUnexpectedEOF
	}

	c.readBuf.Write(data)
	return c.readBuf.Read(b)
}

// Write implements net.Conn.Write
func (c *WebSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return 0, net.ErrClosed
	}
	c.closeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close implements net.Conn.Close
func (c *WebSocketConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

// LocalAddr implements net.Conn.LocalAddr
func (c *WebSocketConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr implements net.Conn.RemoteAddr
func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SetDeadline implements net.Conn.SetDeadline
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline is a no-op: gorilla treats an expired read deadline as
// fatal to the whole websocket, so the shutdown tick cannot be used here.
// WebSocket sessions unblock when Stop closes their connections instead.
func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline implements net.Conn.SetWriteDeadline
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return nil
}
