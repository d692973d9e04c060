package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/relaywire/relay/pkg/protocol"
)

// acceptTick bounds how long the accept loop blocks before checking the
// shutdown channel.
const acceptTick = time.Second

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort        int
	WSPort         int
	SSHPort        int
	SSHHostKeyPath string
	MetricsPort    int
	ReadTimeout    time.Duration

	// MaxMessageLength and MaxUsernameLength cap field sizes in bytes
	// below the protocol's own u16 limit. Zero disables the cap.
	MaxMessageLength  int
	MaxUsernameLength int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           7465,
		WSPort:            0,
		SSHPort:           0,
		SSHHostKeyPath:    "~/.relaywire/ssh_host_key",
		MetricsPort:       0,
		ReadTimeout:       time.Second,
		MaxMessageLength:  4096,
		MaxUsernameLength: 64,
	}
}

// Server is one relay instance: its user directory, its live sessions and
// the listeners feeding them. Everything is owned by the instance so
// several servers can run side by side in one process.
type Server struct {
	config     ServerConfig
	configPath string

	dir      *Directory
	sessions *SessionManager
	metrics  *Metrics

	listener      net.Listener
	sshListener   net.Listener
	wsListener    net.Listener
	wsServer      *http.Server
	metricsServer *http.Server

	// Raw SSH connections. Their handshake goroutines block on the
	// channel stream, so Stop must close them explicitly; session
	// channels alone are tracked as sessions.
	sshMu    sync.Mutex
	sshConns map[net.Conn]struct{}

	startTime time.Time
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, configPath string) *Server {
	return &Server{
		config:     config,
		configPath: configPath,
		dir:        NewDirectory(),
		sessions:   NewSessionManager(),
		sshConns:   make(map[net.Conn]struct{}),
		shutdown:   make(chan struct{}),
	}
}

// SetMetrics attaches Prometheus metrics to the server and its parts.
// Must be called before Start; tests leave metrics nil.
func (s *Server) SetMetrics(m *Metrics) {
	s.metrics = m
	s.dir.SetMetrics(m)
	s.sessions.SetMetrics(m)
}

// Directory exposes the server's user directory, mainly for tests.
func (s *Server) Directory() *Directory {
	return s.dir
}

// Addr returns the TCP listener address, useful when the configured port
// was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// WSAddr returns the WebSocket listener address, or "" when disabled.
func (s *Server) WSAddr() string {
	if s.wsListener == nil {
		return ""
	}
	return s.wsListener.Addr().String()
}

// SSHAddr returns the SSH listener address, or "" when disabled.
func (s *Server) SSHAddr() string {
	if s.sshListener == nil {
		return ""
	}
	return s.sshListener.Addr().String()
}

// Start starts the configured listeners.
func (s *Server) Start() error {
	s.startTime = time.Now()

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	errorLog.Printf("TCP server listening on %s", listener.Addr())

	if err := s.startWebSocketServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	if err := s.startSSHServer(); err != nil {
		s.stopWebSocketServer()
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		s.stopWebSocketServer()
		s.listener.Close()
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server: listeners go first, then every live
// connection is closed so the session goroutines unblock and log their
// users out.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.shutdown)
	})

	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	s.closeSSHConns()
	s.stopWebSocketServer()
	s.stopMetricsServer()

	s.wg.Wait()
	s.sessions.CloseAll()
	return nil
}

// acceptLoop accepts incoming TCP connections. The listener deadline is
// re-armed every tick so the loop observes shutdown even when nobody
// connects.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		if tl, ok := s.listener.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(acceptTick))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn, "tcp")
	}
}

// handleConnection runs the read loop for one accepted connection, on any
// transport. It terminates on peer disconnect, unrecoverable protocol
// error or server shutdown, and always logs out whatever user the session
// had bound.
func (s *Server) handleConnection(conn net.Conn, transport string) {
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.sessions.CreateSession(transport, conn)
	defer s.sessions.RemoveSession(sess.ID)

	debugLog.Printf("New %s connection from %s (session %d)", transport, conn.RemoteAddr(), sess.ID)

	for {
		frame, err := s.readFrame(sess.Conn)
		if err != nil {
			switch {
			case err == io.EOF:
				debugLog.Printf("Session %d disconnected", sess.ID)
			case errors.Is(err, net.ErrClosed):
				debugLog.Printf("Session %d closed during shutdown", sess.ID)
			default:
				errorLog.Printf("Session %d read error: %v", sess.ID, err)
			}
			break
		}

		debugLog.Printf("Session %d ← RECV: Command=%s CorrelationID=%d PayloadLen=%d",
			sess.ID, protocol.CommandName(frame.Command), frame.CorrelationID, len(frame.Payload))

		if err := s.handleFrame(sess, frame); err != nil {
			errorLog.Printf("Session %d handle error: %v", sess.ID, err)
			break
		}
	}

	if sess.user != nil {
		s.dir.Logout(sess.user)
		errorLog.Printf("User %q logged out (session %d)", sess.user.Username, sess.ID)
	}
}

// readFrame reads one complete frame off the connection: exactly 4 length
// bytes, then exactly that many more. A peer that disappears mid-frame is
// a length mismatch, never a silently-accepted partial frame.
func (s *Server) readFrame(conn *SafeConn) (*protocol.Frame, error) {
	lenBuf := make([]byte, 4)
	if err := s.readFull(conn, lenBuf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, protocol.ErrFrameLengthMismatch
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf)
	if length > protocol.MaxFrameSize {
		return nil, protocol.ErrFrameTooLarge
	}

	body := make([]byte, 4+length)
	copy(body, lenBuf)
	if err := s.readFull(conn, body[4:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, protocol.ErrFrameLengthMismatch
		}
		return nil, err
	}

	return protocol.DecodeBytes(body)
}

// readFull fills buf, re-arming the read deadline every ReadTimeout so a
// blocked read wakes periodically to observe shutdown. A slow peer is not
// an error; only disconnects, shutdown and real I/O failures end the read.
func (s *Server) readFull(conn *SafeConn, buf []byte) error {
	n := 0
	for n < len(buf) {
		if t := s.config.ReadTimeout; t > 0 {
			conn.SetReadDeadline(time.Now().Add(t))
		}

		m, err := conn.Read(buf[n:])
		n += m
		if err == nil {
			continue
		}

		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			select {
			case <-s.shutdown:
				return net.ErrClosed
			default:
				continue
			}
		}

		if err == io.EOF && n > 0 {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
