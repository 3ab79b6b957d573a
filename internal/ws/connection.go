package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated client connection. Outbound frames go
// through a bounded send queue drained by a single writer goroutine, so a
// broadcaster never waits on a slow socket.
type Connection struct {
	ID         string    // connection id (UUID)
	IdentityID string    // authenticated identity
	Role       string    // identity role at connect time
	Conn       net.Conn  // underlying TCP connection
	RemoteIP   string    // client address used for handshake throttling
	CreatedAt  time.Time // when the connection was established

	lastActive atomic.Int64 // unix nanos of the last frame read
	processing int32        // atomic flag: 0 = idle, 1 = being read
	fd         int          // poller registration, -1 when unregistered; guarded by the poller

	writeMu      sync.Mutex // serializes frame writes
	writeTimeout time.Duration
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
}

func newConnection(id, identityID string, conn net.Conn, queueSize int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		IdentityID:   identityID,
		Conn:         conn,
		CreatedAt:    time.Now(),
		fd:           -1,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
	}
	c.touch()
	return c
}

// ConnID implements room.Sink.
func (c *Connection) ConnID() string { return c.ID }

// OwnerID implements room.Sink.
func (c *Connection) OwnerID() string { return c.IdentityID }

// Enqueue queues data for the writer without blocking. It returns false
// when the queue is full or the connection is closed.
func (c *Connection) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// LastActive returns the time of the last frame read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// writeLoop drains the send queue until the connection closes. A write
// error ends the loop and calls onError once.
func (c *Connection) writeLoop(onError func(error)) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.WriteMessage(data); err != nil {
				onError(err)
				return
			}
		}
	}
}

// WriteMessage writes a text frame directly, bypassing the queue. Only the
// writer goroutine and the handshake path use it.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.writeControl(ws.NewPingFrame(nil))
}

func (c *Connection) writeControl(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, f)
}

// Closed reports whether the connection has been shut down.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// shutdown stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}

// ConnectionManager maps connection ids to connections.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.ID] = c
	cm.mu.Unlock()
}

// Remove drops a connection by id. It returns false if it was already gone,
// which lets concurrent removals agree on a single winner.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	_, ok := cm.byID[id]
	delete(cm.byID, id)
	return ok
}

// Get returns the connection with the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// Count returns the number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		out = append(out, c)
	}
	return out
}
