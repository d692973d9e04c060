// Package client implements the relay wire protocol from the client side:
// dialing, logging in, sending directed messages and receiving deliveries.
// It is used by the terminal client, the load tester and the integration
// tests.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaywire/relay/pkg/protocol"
)

var (
	ErrResponseTimeout = errors.New("timed out waiting for server response")
	ErrClosed          = errors.New("client is closed")
)

// DefaultResponseTimeout bounds how long request helpers wait for the
// matching Response frame.
const DefaultResponseTimeout = 5 * time.Second

// Client is one connection to a relay server. Messages forwarded to this
// client arrive on the Messages channel; responses to its own requests are
// matched by correlation id and returned from the request helpers.
type Client struct {
	conn net.Conn

	corr atomic.Uint32

	writeMu sync.Mutex

	waiterMu sync.Mutex
	waiters  map[uint32]chan uint16

	// Messages receives chat messages forwarded by the server. The
	// channel is buffered; a client that never drains it will stall its
	// own read loop, exactly like a client that stops reading its socket.
	Messages chan protocol.ChatMessage

	closeOnce sync.Once
	done      chan struct{}

	errMu   sync.Mutex
	readErr error
}

// Dial connects to a relay server over TCP.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection. Useful when the transport is
// something other than plain TCP.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:     conn,
		waiters:  make(map[uint32]chan uint16),
		Messages: make(chan protocol.ChatMessage, 256),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// readLoop pumps incoming frames: responses are routed to the request that
// owns the correlation id, forwarded messages go to the Messages channel.
func (c *Client) readLoop() {
	defer close(c.Messages)

	for {
		frame, err := protocol.DecodeFrame(c.conn)
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			c.Close()
			return
		}

		switch frame.Command {
		case protocol.CommandResponse:
			var resp protocol.Response
			if err := resp.Decode(frame.Payload); err != nil {
				continue
			}
			c.waiterMu.Lock()
			ch, ok := c.waiters[frame.CorrelationID]
			delete(c.waiters, frame.CorrelationID)
			c.waiterMu.Unlock()
			if ok {
				ch <- resp.Code
			}

		case protocol.CommandMessage:
			var msg protocol.ChatMessage
			if err := msg.Decode(frame.Payload); err != nil {
				continue
			}
			select {
			case c.Messages <- msg:
			case <-c.done:
				return
			}
		}
	}
}

// Login binds username to this connection and returns the server's
// response code.
func (c *Client) Login(username string) (uint16, error) {
	frame, err := protocol.NewLoginFrame(c.nextCorrelationID(), username)
	if err != nil {
		return 0, err
	}
	return c.roundTrip(frame)
}

// Send relays body to the named recipient and returns the server's
// response code. The from field is filled with the logged-in username by
// the server regardless of what is sent here.
func (c *Client) Send(to, from, body string) (uint16, error) {
	frame, err := protocol.NewMessageFrame(c.nextCorrelationID(), &protocol.ChatMessage{
		Body:      body,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
	})
	if err != nil {
		return 0, err
	}
	return c.roundTrip(frame)
}

// roundTrip sends a frame and waits for the response carrying the same
// correlation id.
func (c *Client) roundTrip(frame *protocol.Frame) (uint16, error) {
	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}

	ch := make(chan uint16, 1)
	c.waiterMu.Lock()
	c.waiters[frame.CorrelationID] = ch
	c.waiterMu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		c.waiterMu.Lock()
		delete(c.waiters, frame.CorrelationID)
		c.waiterMu.Unlock()
		return 0, err
	}

	select {
	case code := <-ch:
		return code, nil
	case <-c.done:
		return 0, c.Err()
	case <-time.After(DefaultResponseTimeout):
		c.waiterMu.Lock()
		delete(c.waiters, frame.CorrelationID)
		c.waiterMu.Unlock()
		return 0, ErrResponseTimeout
	}
}

func (c *Client) writeFrame(frame *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.EncodeFrame(c.conn, frame)
}

func (c *Client) nextCorrelationID() uint32 {
	return c.corr.Add(1)
}

// Err reports the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		return ErrClosed
	}
	return c.readErr
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
