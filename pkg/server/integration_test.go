package server

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/relaywire/relay/pkg/client"
	"github.com/relaywire/relay/pkg/protocol"
)

// startTestServer starts a real server on random ports.
func startTestServer(t *testing.T, mutate ...func(*ServerConfig)) *Server {
	t.Helper()

	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.ReadTimeout = 100 * time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}

	srv := NewServer(cfg, "")
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return srv
}

// dialClient connects a protocol client to the server.
func dialClient(t *testing.T, srv *Server) *client.Client {
	t.Helper()

	c, err := client.Dial(srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// recvMessage waits for one forwarded chat message.
func recvMessage(t *testing.T, c *client.Client) protocol.ChatMessage {
	t.Helper()

	select {
	case msg, ok := <-c.Messages:
		require.True(t, ok, "connection closed while waiting for a message")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return protocol.ChatMessage{}
	}
}

// requireClosed waits for the client's connection to end.
func requireClosed(t *testing.T, c *client.Client) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Messages:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected the server to close the connection")
		}
	}
}

// freePort grabs a free TCP port for listeners that cannot take port 0.
func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestLoginMessageScenario(t *testing.T) {
	srv := startTestServer(t)

	alice := dialClient(t, srv)
	code, err := alice.Login("alice")
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ResponseSuccess), code)

	bob := dialClient(t, srv)
	code, err = bob.Login("bob")
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ResponseSuccess), code)

	code, err = bob.Send("alice", "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ResponseSuccess), code)

	msg := recvMessage(t, alice)
	assert.Equal(t, "hi", msg.Body)
	assert.Equal(t, "bob", msg.From)
	assert.Equal(t, "alice", msg.To)

	// A third client trying to claim alice is rejected and dropped.
	impostor := dialClient(t, srv)
	code, err = impostor.Login("alice")
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ResponseAlreadyLoggedIn), code)
	requireClosed(t, impostor)

	// The original alice connection is unaffected.
	code, err = bob.Send("alice", "bob", "still there?")
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ResponseSuccess), code)
	assert.Equal(t, "still there?", recvMessage(t, alice).Body)
}

func TestOfflineMessagesDeliveredOnLogin(t *testing.T) {
	srv := startTestServer(t)

	alice := dialClient(t, srv)
	_, err := alice.Login("alice")
	require.NoError(t, err)

	// dave has never connected; his mail waits.
	for _, body := range []string{"one", "two", "three"} {
		code, err := alice.Send("dave", "alice", body)
		require.NoError(t, err)
		assert.Equal(t, uint16(protocol.ResponseSuccess), code)
	}

	dave := dialClient(t, srv)
	code, err := dave.Login("dave")
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ResponseSuccess), code)

	for _, want := range []string{"one", "two", "three"} {
		msg := recvMessage(t, dave)
		assert.Equal(t, want, msg.Body)
		assert.Equal(t, "alice", msg.From)
	}
}

func TestMessageBeforeLoginIsRecoverable(t *testing.T) {
	srv := startTestServer(t)

	c := dialClient(t, srv)

	code, err := c.Send("alice", "nobody", "sneaky")
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ResponseNotLoggedIn), code)

	// No message was created for alice.
	assert.Equal(t, 0, srv.Directory().PendingTotal())

	// The connection is still usable.
	code, err = c.Login("nobody")
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ResponseSuccess), code)
}

func TestUsernameFreedAfterDisconnect(t *testing.T) {
	srv := startTestServer(t)

	first := dialClient(t, srv)
	_, err := first.Login("alice")
	require.NoError(t, err)
	first.Close()

	// The server notices the disconnect and frees the name.
	require.Eventually(t, func() bool {
		return srv.Directory().OnlineCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	second := dialClient(t, srv)
	code, err := second.Login("alice")
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ResponseSuccess), code)
}

func TestReLoginFreesPreviousUsername(t *testing.T) {
	srv := startTestServer(t)

	c := dialClient(t, srv)
	code, err := c.Login("alice")
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ResponseSuccess), code)

	// Same connection switches to bob; alice must go offline.
	code, err = c.Login("bob")
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ResponseSuccess), code)
	assert.Equal(t, 1, srv.Directory().OnlineCount())

	c.Close()
	require.Eventually(t, func() bool {
		return srv.Directory().OnlineCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Neither name is locked out.
	fresh := dialClient(t, srv)
	code, err = fresh.Login("alice")
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ResponseSuccess), code)

	fresh2 := dialClient(t, srv)
	code, err = fresh2.Login("bob")
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ResponseSuccess), code)
}

func TestBadFrameLengthTerminatesConnection(t *testing.T) {
	srv := startTestServer(t)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// Declared length 3 cannot hold the frame header.
	_, err = conn.Write([]byte{0x00, 0x00, 0x00, 0x03, 0x01, 0x00, 0x01})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = protocol.DecodeFrame(conn)
	assert.Error(t, err, "server must close the connection on a length mismatch")
}

func TestUnknownCommandTerminatesConnection(t *testing.T) {
	srv := startTestServer(t)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.EncodeFrame(conn, &protocol.Frame{
		Version:       protocol.ProtocolVersion,
		Command:       0x99,
		CorrelationID: 1,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = protocol.DecodeFrame(conn)
	assert.Error(t, err, "server must close the connection on an unknown command")
}

func TestStopClosesLiveSessions(t *testing.T) {
	srv := startTestServer(t)

	c := dialClient(t, srv)
	_, err := c.Login("alice")
	require.NoError(t, err)

	require.NoError(t, srv.Stop())
	requireClosed(t, c)
}

func TestWebSocketTransport(t *testing.T) {
	srv := startTestServer(t, func(cfg *ServerConfig) {
		cfg.WSPort = freePort(t)
	})

	u := url.URL{Scheme: "ws", Host: srv.WSAddr(), Path: "/ws"}
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer ws.Close()

	frame, err := protocol.NewLoginFrame(1, "ws-user")
	require.NoError(t, err)
	data, err := protocol.EncodeBytes(frame)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, data))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := ws.ReadMessage()
	require.NoError(t, err)

	decoded, err := protocol.DecodeBytes(reply)
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.CommandResponse), decoded.Command)
	assert.Equal(t, uint32(1), decoded.CorrelationID)

	var resp protocol.Response
	require.NoError(t, resp.Decode(decoded.Payload))
	assert.Equal(t, uint16(protocol.ResponseSuccess), resp.Code)
}

func TestSSHTransport(t *testing.T) {
	srv := startTestServer(t, func(cfg *ServerConfig) {
		cfg.SSHPort = freePort(t)
		cfg.SSHHostKeyPath = filepath.Join(t.TempDir(), "host_key")
	})

	sshClient, err := ssh.Dial("tcp", srv.SSHAddr(), &ssh.ClientConfig{
		User:            "anonymous",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	})
	require.NoError(t, err)
	defer sshClient.Close()

	channel, requests, err := sshClient.OpenChannel("session", nil)
	require.NoError(t, err)
	defer channel.Close()
	go ssh.DiscardRequests(requests)

	frame, err := protocol.NewLoginFrame(1, "ssh-user")
	require.NoError(t, err)
	require.NoError(t, protocol.EncodeFrame(channel, frame))

	reply, err := protocol.DecodeFrame(channel)
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.CommandResponse), reply.Command)

	var resp protocol.Response
	require.NoError(t, resp.Decode(reply.Payload))
	assert.Equal(t, uint16(protocol.ResponseSuccess), resp.Code)
}

func TestStopClosesActiveSSHConnection(t *testing.T) {
	srv := startTestServer(t, func(cfg *ServerConfig) {
		cfg.SSHPort = freePort(t)
		cfg.SSHHostKeyPath = filepath.Join(t.TempDir(), "host_key")
	})

	sshClient, err := ssh.Dial("tcp", srv.SSHAddr(), &ssh.ClientConfig{
		User:            "anonymous",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	})
	require.NoError(t, err)
	defer sshClient.Close()

	channel, requests, err := sshClient.OpenChannel("session", nil)
	require.NoError(t, err)
	defer channel.Close()
	go ssh.DiscardRequests(requests)

	frame, err := protocol.NewLoginFrame(1, "ssh-user")
	require.NoError(t, err)
	require.NoError(t, protocol.EncodeFrame(channel, frame))
	_, err = protocol.DecodeFrame(channel)
	require.NoError(t, err)

	// Stop must tear down the raw SSH connection, not just its session
	// channels, and return without hanging on the handshake goroutine.
	stopped := make(chan error, 1)
	go func() { stopped <- srv.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return with a live SSH connection")
	}

	_, err = protocol.DecodeFrame(channel)
	assert.Error(t, err, "the SSH transport must be closed after Stop")
}

func TestConcurrentCrossDelivery(t *testing.T) {
	srv := startTestServer(t)

	const pairs = 8
	const perSender = 20

	receivers := make([]*client.Client, pairs)
	senders := make([]*client.Client, pairs)
	for i := 0; i < pairs; i++ {
		receivers[i] = dialClient(t, srv)
		_, err := receivers[i].Login(recvName(i))
		require.NoError(t, err)

		senders[i] = dialClient(t, srv)
		_, err = senders[i].Login(sendName(i))
		require.NoError(t, err)
	}

	done := make(chan error, pairs)
	for i := 0; i < pairs; i++ {
		go func(i int) {
			for n := 0; n < perSender; n++ {
				_, err := senders[i].Send(recvName(i), sendName(i), bodyFor(n))
				if err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(i)
	}
	for i := 0; i < pairs; i++ {
		require.NoError(t, <-done)
	}

	// Per-recipient delivery is FIFO.
	for i := 0; i < pairs; i++ {
		for n := 0; n < perSender; n++ {
			msg := recvMessage(t, receivers[i])
			assert.Equal(t, bodyFor(n), msg.Body, "receiver %d message %d", i, n)
			assert.Equal(t, sendName(i), msg.From)
		}
	}
}

func recvName(i int) string { return fmt.Sprintf("receiver-%d", i) }
func sendName(i int) string { return fmt.Sprintf("sender-%d", i) }
func bodyFor(n int) string  { return fmt.Sprintf("message %d", n) }
