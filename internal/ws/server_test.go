package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/haven/realtime/internal/auth"
	"github.com/haven/realtime/internal/ratelimit"
)

type fakeAuth struct{}

func (fakeAuth) Verify(_ context.Context, token string) (*auth.Identity, error) {
	switch token {
	case "alice", "bob":
		return &auth.Identity{ID: token, Active: true}, nil
	case "banned":
		exp := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
		return nil, &auth.BannedError{Reason: "spam", ExpiresAt: &exp}
	}
	return nil, auth.ErrAuthFailure
}

type recHandler struct {
	mu           sync.Mutex
	connected    []string
	disconnected chan string
}

func newRecHandler() *recHandler {
	return &recHandler{disconnected: make(chan string, 16)}
}

func (h *recHandler) OnConnect(c *Connection) error {
	h.mu.Lock()
	h.connected = append(h.connected, c.IdentityID)
	h.mu.Unlock()
	c.Enqueue([]byte("hello " + c.IdentityID))
	return nil
}

func (h *recHandler) OnMessage(c *Connection, data []byte) {
	if string(data) == "panic" {
		panic("boom")
	}
	c.Enqueue(append([]byte("echo:"), data...))
}

func (h *recHandler) OnDisconnect(c *Connection) {
	h.disconnected <- c.IdentityID
}

func (h *recHandler) connectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connected)
}

func newTestServer(t *testing.T, cfg ServerConfig, opts ...Option) (*Server, *recHandler, string) {
	t.Helper()
	h := newRecHandler()
	s, err := NewServer(cfg, fakeAuth{}, h, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		s.Shutdown(context.Background())
	})
	return s, h, strings.TrimPrefix(hs.URL, "http://")
}

type client struct {
	net.Conn
	r io.Reader
}

func (c *client) Read(p []byte) (int, error) { return c.r.Read(p) }

func dial(t *testing.T, addr, token string) *client {
	t.Helper()
	conn, br, _, err := ws.Dial(context.Background(), "ws://"+addr+"/ws?token="+token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	c := &client{Conn: conn, r: conn}
	if br != nil {
		c.r = io.MultiReader(br, conn)
	}
	return c
}

func (c *client) read(t *testing.T) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func (c *client) write(t *testing.T, s string) {
	t.Helper()
	if err := wsutil.WriteClientText(c, []byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitDisconnect(t *testing.T, h *recHandler, want string) {
	t.Helper()
	select {
	case got := <-h.disconnected:
		if got != want {
			t.Errorf("disconnected %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no disconnect for %s", want)
	}
}

func TestUpgrade_RejectsBeforeUpgrade(t *testing.T) {
	_, h, addr := newTestServer(t, DefaultServerConfig())

	tests := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{"no token", "", http.StatusUnauthorized, "unauthorized"},
		{"bad token", "forged", http.StatusUnauthorized, "unauthorized"},
		{"banned", "banned", http.StatusForbidden, "banned"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get("http://" + addr + "/ws?token=" + tt.token)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var body rejection
			json.NewDecoder(resp.Body).Decode(&body)
			if body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if tt.code == "banned" && (body.Reason != "spam" || body.ExpiresAt == nil) {
				t.Errorf("ban body = %+v", body)
			}
		})
	}
	if n := h.connectedCount(); n != 0 {
		t.Errorf("%d connections registered for rejected attempts", n)
	}
}

func TestEchoAndDisconnect(t *testing.T) {
	s, h, addr := newTestServer(t, DefaultServerConfig())

	c := dial(t, addr, "alice")
	if got := c.read(t); got != "hello alice" {
		t.Fatalf("first frame = %q", got)
	}
	c.write(t, "hi")
	if got := c.read(t); got != "echo:hi" {
		t.Fatalf("echo = %q", got)
	}
	if n := s.Connections().Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}

	c.Close()
	waitDisconnect(t, h, "alice")
	if n := s.Connections().Count(); n != 0 {
		t.Errorf("Count after close = %d, want 0", n)
	}
}

func TestPanicClosesOnlyOffender(t *testing.T) {
	_, h, addr := newTestServer(t, DefaultServerConfig())

	bad := dial(t, addr, "alice")
	good := dial(t, addr, "bob")
	bad.read(t)
	good.read(t)

	bad.write(t, "panic")
	waitDisconnect(t, h, "alice")

	good.write(t, "still here")
	if got := good.read(t); got != "echo:still here" {
		t.Errorf("survivor got %q", got)
	}
}

func TestEvictClosesConnection(t *testing.T) {
	s, h, addr := newTestServer(t, DefaultServerConfig())
	c := dial(t, addr, "alice")
	c.read(t)

	conns := s.Connections().All()
	if len(conns) != 1 {
		t.Fatalf("connections = %d", len(conns))
	}
	s.Kick(conns[0].ID, []byte("bye"))
	if got := c.read(t); got != "bye" {
		t.Errorf("final frame = %q", got)
	}
	waitDisconnect(t, h, "alice")
}

func TestHandshakeThrottle(t *testing.T) {
	throttle := ratelimit.NewHandshakeThrottle(ratelimit.HandshakeConfig{RPS: 0.001, Burst: 1, TTL: time.Minute})
	_, _, addr := newTestServer(t, DefaultServerConfig(), WithThrottle(throttle))

	c := dial(t, addr, "alice")
	c.read(t)

	resp, err := http.Get("http://" + addr + "/ws?token=alice")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestMaxConnections(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxConnections = 1
	_, _, addr := newTestServer(t, cfg)

	c := dial(t, addr, "alice")
	c.read(t)

	resp, err := http.Get("http://" + addr + "/ws?token=bob")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHeartbeatEvictsIdle(t *testing.T) {
	s, h, addr := newTestServer(t, DefaultServerConfig())
	c := dial(t, addr, "alice")
	c.read(t)

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	if n := s.sweep(cfg, time.Now().Add(time.Minute)); n != 1 {
		t.Errorf("sweep evicted %d, want 1", n)
	}
	waitDisconnect(t, h, "alice")

	// A connection that just spoke is neither pinged nor evicted.
	dial(t, addr, "bob").read(t)
	if n := s.sweep(cfg, time.Now()); n != 0 {
		t.Errorf("sweep evicted %d active connections", n)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(r); got != "10.0.0.1" {
		t.Errorf("clientIP = %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.9" {
		t.Errorf("clientIP with XFF = %q", got)
	}
}
