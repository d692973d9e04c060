package server

import (
	"net"
	"sync"
)

// Session represents one live client connection. The protocol state
// machine is tiny: user is nil while the connection is anonymous and set
// once a login succeeds. It is touched only by the session's own goroutine.
type Session struct {
	ID        uint64
	Transport string // "tcp", "websocket" or "ssh"
	Conn      *SafeConn
	user      *User
}

// SessionManager tracks all live sessions so the server can count and
// close them on shutdown.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
	metrics  *Metrics
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the session manager.
func (sm *SessionManager) SetMetrics(m *Metrics) {
	sm.metrics = m
}

// CreateSession registers a new session for conn.
func (sm *SessionManager) CreateSession(transport string, conn net.Conn) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess := &Session{
		ID:        sm.nextID,
		Transport: transport,
		Conn:      NewSafeConn(conn),
	}
	sm.nextID++
	sm.sessions[sess.ID] = sess

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(len(sm.sessions))
		sm.metrics.RecordSessionCreated(transport)
	}
	return sess
}

// RemoveSession deregisters a session and closes its connection.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	count := len(sm.sessions)
	sm.mu.Unlock()

	sess.Conn.Close()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionDisconnected(sess.Transport)
	}
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every live connection. The per-connection goroutines
// notice the closed socket, log out their users and exit on their own.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sessions {
		sess.Conn.Close()
	}
	sm.sessions = make(map[uint64]*Session)
}
