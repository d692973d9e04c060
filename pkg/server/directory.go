package server

import (
	"sync"
	"time"

	"github.com/relaywire/relay/pkg/protocol"
)

// User is one known username and everything the relay tracks about it.
// A record is created lazily the first time the name is seen, either by a
// login attempt or by mail addressed to it, and lives for the rest of the
// process. All fields are guarded by the owning Directory's mutex.
type User struct {
	Username  string
	Online    bool
	Conn      *SafeConn // present iff Online
	LastLogin time.Time
	Pending   []*QueuedMessage // FIFO, oldest first

	// flushing marks an in-progress flush so only one goroutine pops the
	// queue; messages enqueued meanwhile are picked up by that flusher.
	flushing bool
}

// QueuedMessage is a chat message waiting in a recipient's queue, carrying
// the sender's correlation id so the forwarded frame echoes it untouched.
type QueuedMessage struct {
	CorrelationID uint32
	Msg           *protocol.ChatMessage
}

// Directory is the process-wide username -> User map shared by every
// session goroutine. A single directory-wide mutex serializes every
// read-then-write sequence (login, enqueue+flush); at expected load that
// is simpler than per-user locking and contention is negligible.
//
// Directories are constructed per server instance and injected, never held
// in a package-level variable, so servers can coexist in tests.
type Directory struct {
	mu      sync.Mutex
	users   map[string]*User
	metrics *Metrics
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{users: make(map[string]*User)}
}

// SetMetrics attaches metrics to the directory. A nil receiver value is
// fine; every metrics call is guarded.
func (d *Directory) SetMetrics(m *Metrics) {
	d.metrics = m
}

// getOrCreateLocked returns the record for username, creating an offline
// one if the name was never seen. Caller must hold d.mu.
func (d *Directory) getOrCreateLocked(username string) *User {
	u, ok := d.users[username]
	if !ok {
		u = &User{Username: username}
		d.users[username] = u
	}
	return u
}

// GetOrCreate returns the record for username, creating it if needed.
func (d *Directory) GetOrCreate(username string) *User {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getOrCreateLocked(username)
}

// Login attempts to bind username to conn. If the user is already online
// the directory is left untouched and ResponseAlreadyLoggedIn is returned;
// otherwise the user goes online on this connection, the login time is
// stamped and ResponseSuccess is returned. The outcome is a plain result
// value so callers handle both arms explicitly.
func (d *Directory) Login(username string, conn *SafeConn) (*User, uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := d.getOrCreateLocked(username)
	if u.Online {
		if d.metrics != nil {
			d.metrics.RecordLogin("already_logged_in")
		}
		return u, protocol.ResponseAlreadyLoggedIn
	}

	u.Online = true
	u.Conn = conn
	u.LastLogin = time.Now()

	if d.metrics != nil {
		d.metrics.RecordLogin("success")
		d.metrics.RecordOnlineUsers(d.onlineCountLocked())
	}
	return u, protocol.ResponseSuccess
}

// Logout marks the user offline and detaches its connection. Idempotent,
// and a nil user is a no-op so sessions that never logged in can call it
// unconditionally on teardown.
func (d *Directory) Logout(u *User) {
	if u == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	u.Online = false
	u.Conn = nil

	if d.metrics != nil {
		d.metrics.RecordOnlineUsers(d.onlineCountLocked())
	}
}

// EnqueueAndMaybeDeliver queues qm for its recipient, creating an offline
// record if the name was never seen: mail is never dropped just because
// nobody by that name has logged in yet. If the recipient is online the
// whole queue, this message included, is flushed to its connection oldest
// first. Reports whether the recipient was online.
func (d *Directory) EnqueueAndMaybeDeliver(qm *QueuedMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.getOrCreateLocked(qm.Msg.To)
	rec.Pending = append(rec.Pending, qm)

	if rec.Online {
		d.flushLocked(rec)
		return true
	}

	if d.metrics != nil {
		d.metrics.RecordQueued()
		d.metrics.RecordPendingDepth(d.pendingTotalLocked())
	}
	return false
}

// FlushPending delivers every queued message for u, oldest first. Used
// right after a successful login response so the fresh connection drains
// whatever accumulated while the user was away.
func (d *Directory) FlushPending(u *User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked(u)
}

// flushLocked writes u's queue to its connection in FIFO order. A message
// is popped only after its frame was fully written; on a write failure the
// failed message and everything behind it stay queued for a later flush,
// the error is logged and the flush stops. Caller must hold d.mu.
//
// The mutex is released around each socket write so a stalled recipient
// never blocks the rest of the directory. The flushing flag keeps the
// queue single-popper: a concurrent enqueue just appends and leaves
// delivery to the active flusher, which re-reads the queue every round.
func (d *Directory) flushLocked(u *User) {
	if u.flushing {
		return
	}
	u.flushing = true
	defer func() { u.flushing = false }()

	for u.Online && len(u.Pending) > 0 {
		qm := u.Pending[0]
		conn := u.Conn

		frame, err := protocol.NewMessageFrame(qm.CorrelationID, qm.Msg)
		if err != nil {
			// Field lengths were validated on decode, so this cannot
			// happen for messages that came off the wire.
			errorLog.Printf("Dropping undeliverable message for %q: %v", u.Username, err)
			u.Pending = u.Pending[1:]
			continue
		}

		d.mu.Unlock()
		writeErr := conn.EncodeFrame(frame)
		d.mu.Lock()

		if writeErr != nil {
			errorLog.Printf("Delivery to %q failed, %d message(s) kept queued: %v",
				u.Username, len(u.Pending), writeErr)
			break
		}

		u.Pending = u.Pending[1:]
		debugLog.Printf("Delivered message from %q to %q", qm.Msg.From, u.Username)
		if d.metrics != nil {
			d.metrics.RecordDelivered()
			d.metrics.RecordFrameSent("message")
		}
	}

	if d.metrics != nil {
		d.metrics.RecordPendingDepth(d.pendingTotalLocked())
	}
}

func (d *Directory) onlineCountLocked() int {
	n := 0
	for _, u := range d.users {
		if u.Online {
			n++
		}
	}
	return n
}

func (d *Directory) pendingTotalLocked() int {
	n := 0
	for _, u := range d.users {
		n += len(u.Pending)
	}
	return n
}

// OnlineCount returns the number of users currently online.
func (d *Directory) OnlineCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onlineCountLocked()
}

// PendingTotal returns the number of messages queued across all users.
func (d *Directory) PendingTotal() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingTotalLocked()
}
