// Package client provides a reusable WebSocket load test client for the
// Haven realtime server. It connects using gobwas/ws (the same library the
// server uses), authenticates with a signed token, waits for session:ready
// and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol event names (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeRoomJoin      = "room:join"
	TypeMessageSend   = "message:send"
	TypeMessageTyping = "message:typing"
	TypeMessageRead   = "message:read"
	TypeStatusUpdate  = "status:update"
	TypePing          = "ping"
)

// Server -> Client events.
const (
	TypeSessionReady    = "session:ready"
	TypeMessageNew      = "message:new"
	TypeMessageAck      = "message:ack"
	TypePresenceOnline  = "presence:online"
	TypePresenceOffline = "presence:offline"
	TypeNotification    = "notification:message"
	TypeBanned          = "banned"
	TypeError           = "error"
	TypePong            = "pong"
)

// Envelope is the frame shape shared with the server.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until session:ready
	MessagesReceived int
	MessagesSent     int
	Errors           int
	Closed           bool
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated identity connection. It manages the
// WebSocket lifecycle and dispatches incoming events to registered handlers.
type Client struct {
	conn       net.Conn
	rw         io.ReadWriter
	identityID string

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	connID   string

	writeMu   sync.Mutex
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	start     time.Time
}

// New dials serverURL with token and starts reading in the background.
func New(ctx context.Context, serverURL, identityID, token string) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &Client{
		conn:       conn,
		rw:         conn,
		identityID: identityID,
		handlers:   make(map[string]func(json.RawMessage)),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		start:      start,
	}
	if br != nil {
		// The server writes session:ready right after the upgrade, so part
		// of it may already be buffered.
		c.rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}
	go c.readLoop()
	return c, nil
}

// Send encodes payload under eventType and writes it. It is goroutine-safe.
func (c *Client) Send(eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// On registers a handler for a server event. Handlers receive the payload
// and run on the read goroutine, so they should not block. Register handlers
// before the events can arrive.
func (c *Client) On(eventType string, handler func(payload json.RawMessage)) {
	c.mu.Lock()
	c.handlers[eventType] = handler
	c.mu.Unlock()
}

// WaitReady blocks until session:ready arrives, the connection closes or ctx
// ends.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before session:ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// IdentityID returns the identity this client connected as.
func (c *Client) IdentityID() string { return c.identityID }

// ConnID returns the server-assigned connection id, empty before ready.
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			c.mu.Lock()
			c.metrics.Closed = true
			select {
			case <-c.done:
				// Closed by us; not an error.
			default:
				c.metrics.Errors++
			}
			c.mu.Unlock()
			c.Close()
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if env.Type == TypeSessionReady && c.connID == "" {
			var ready struct {
				ConnectionID string `json:"connectionId"`
			}
			json.Unmarshal(env.Payload, &ready)
			c.connID = ready.ConnectionID
			c.metrics.ConnectLatency = time.Since(c.start)
			close(c.ready)
		}
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(env.Payload)
		}
	}
}
