package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH listener if configured. SSH is just
// another byte stream for the same binary protocol; clients that can only
// open SSH tunnels get the identical relay.
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		return nil
	}

	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		// Identity comes from the Login command, not from SSH auth.
		NoClientAuth: true,
	}
	config.ServerVersion = "SSH-2.0-RelayWire"
	config.AddHostKey(hostKey)

	addr := fmt.Sprintf(":%d", s.config.SSHPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener

	errorLog.Printf("SSH server listening on %s", addr)

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)

	return nil
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("SSH accept error: %v", err)
				continue
			}
		}

		s.trackSSHConn(conn)
		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// trackSSHConn registers a raw SSH connection so Stop can close it and
// unblock its handshake goroutine.
func (s *Server) trackSSHConn(conn net.Conn) {
	s.sshMu.Lock()
	s.sshConns[conn] = struct{}{}
	s.sshMu.Unlock()
}

func (s *Server) untrackSSHConn(conn net.Conn) {
	s.sshMu.Lock()
	delete(s.sshConns, conn)
	s.sshMu.Unlock()
}

func (s *Server) closeSSHConns() {
	s.sshMu.Lock()
	defer s.sshMu.Unlock()
	for conn := range s.sshConns {
		conn.Close()
	}
	s.sshConns = make(map[net.Conn]struct{})
}

// handleSSHConnection performs the handshake and runs each accepted
// session channel through the shared connection loop.
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer s.untrackSSHConn(conn)
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		errorLog.Printf("SSH handshake failed: %v", err)
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			errorLog.Printf("Could not accept SSH channel: %v", err)
			continue
		}

		go s.handleSSHChannelRequests(requests)
		go s.handleConnection(&sshChannelConn{channel: channel, remote: conn.RemoteAddr()}, "ssh")
	}
}

func (s *Server) handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement the net.Conn interface.
// SSH channels have no deadlines; these sessions unblock at shutdown when
// their connections are closed.
type sshChannelConn struct {
	channel ssh.Channel
	remote  net.Addr
}

func (c *sshChannelConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshChannelConn) Write(b []byte) (int, error) { return c.channel.Write(b) }
func (c *sshChannelConn) Close() error                { return c.channel.Close() }

func (c *sshChannelConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *sshChannelConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *sshChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// loadOrGenerateHostKey loads the SSH host key, generating and persisting
// a new RSA key on first start.
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath, err := ExpandPath(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}
	if keyPath == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key in %s", s.configPath)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	errorLog.Printf("Generating new SSH host key at %s", keyPath)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	if err := pem.Encode(keyFile, privateKeyPEM); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	return ssh.ParsePrivateKey(pem.EncodeToMemory(privateKeyPEM))
}
