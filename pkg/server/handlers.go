package server

import (
	"errors"
	"fmt"

	"github.com/relaywire/relay/pkg/protocol"
)

// errAlreadyLoggedIn fails a connection that tried to claim a username
// bound to another live connection. The peer got its Response(4) first.
var errAlreadyLoggedIn = errors.New("username already bound to another connection")

// handleFrame interprets one decoded frame against the directory. A nil
// return keeps the connection alive; any error is fatal to the connection
// and makes the loop close it.
func (s *Server) handleFrame(sess *Session, frame *protocol.Frame) error {
	if s.metrics != nil {
		s.metrics.RecordFrameReceived(protocol.CommandName(frame.Command))
	}

	switch frame.Command {
	case protocol.CommandLogin:
		return s.handleLogin(sess, frame)
	case protocol.CommandMessage:
		return s.handleMessage(sess, frame)
	default:
		return fmt.Errorf("%w: 0x%04X", protocol.ErrUnknownCommand, frame.Command)
	}
}

// handleLogin binds a username to the session. On success the response is
// sent before any queued mail is flushed, so the client always sees its
// Response(1) ahead of replayed messages.
func (s *Server) handleLogin(sess *Session, frame *protocol.Frame) error {
	var req protocol.LoginRequest
	if err := req.Decode(frame.Payload); err != nil {
		return fmt.Errorf("malformed login payload: %w", err)
	}
	if max := s.config.MaxUsernameLength; max > 0 && len(req.Username) > max {
		return fmt.Errorf("username exceeds %d bytes", max)
	}

	// A login on an authenticated session switches identity: the previous
	// user goes offline first so the name is free and its handle never
	// outlives this connection's binding.
	if sess.user != nil {
		errorLog.Printf("Session %d: user %q logged out by re-login", sess.ID, sess.user.Username)
		s.dir.Logout(sess.user)
		sess.user = nil
	}

	user, code := s.dir.Login(req.Username, sess.Conn)
	if code != protocol.ResponseSuccess {
		// Best effort: the connection dies either way.
		if err := s.sendResponse(sess, frame.CorrelationID, code); err != nil {
			errorLog.Printf("Session %d: failed to send rejection: %v", sess.ID, err)
		}
		errorLog.Printf("Session %d: login as %q rejected, already online", sess.ID, req.Username)
		return errAlreadyLoggedIn
	}

	sess.user = user
	if err := s.sendResponse(sess, frame.CorrelationID, code); err != nil {
		return err
	}

	debugLog.Printf("Session %d: user %q logged in via %s", sess.ID, user.Username, sess.Transport)
	s.dir.FlushPending(user)
	return nil
}

// handleMessage relays a directed message. The sender's Response(1) is
// written before delivery is attempted; delivery trouble is the
// recipient's problem, never the sender's.
func (s *Server) handleMessage(sess *Session, frame *protocol.Frame) error {
	if sess.user == nil {
		debugLog.Printf("Session %d: message before login rejected", sess.ID)
		return s.sendResponse(sess, frame.CorrelationID, protocol.ResponseNotLoggedIn)
	}

	var msg protocol.ChatMessage
	if err := msg.Decode(frame.Payload); err != nil {
		return fmt.Errorf("malformed message payload: %w", err)
	}
	if max := s.config.MaxMessageLength; max > 0 && len(msg.Body) > max {
		return fmt.Errorf("message body exceeds %d bytes", max)
	}
	if max := s.config.MaxUsernameLength; max > 0 && len(msg.To) > max {
		return fmt.Errorf("recipient name exceeds %d bytes", max)
	}

	// The from field on the wire is advisory. Stamp the authenticated
	// username over it so a client cannot impersonate another user.
	msg.From = sess.user.Username

	if err := s.sendResponse(sess, frame.CorrelationID, protocol.ResponseSuccess); err != nil {
		return err
	}

	online := s.dir.EnqueueAndMaybeDeliver(&QueuedMessage{
		CorrelationID: frame.CorrelationID,
		Msg:           &msg,
	})
	if !online {
		errorLog.Printf("User %q is offline, message from %q queued", msg.To, msg.From)
	}
	return nil
}

// sendResponse writes a Response frame echoing the request's correlation id.
func (s *Server) sendResponse(sess *Session, correlationID uint32, code uint16) error {
	if s.metrics != nil {
		s.metrics.RecordFrameSent("response")
	}
	return sess.Conn.EncodeFrame(protocol.NewResponseFrame(correlationID, code))
}
