// Package ws is the client transport: it authenticates and upgrades HTTP
// requests to WebSocket connections, reads frames through Linux epoll and a
// bounded worker pool, and writes through per-connection send queues.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/auth"
	"github.com/haven/realtime/internal/metrics"
	"github.com/haven/realtime/internal/ratelimit"
)

// MaxFrameBytes bounds one inbound message.
const MaxFrameBytes = 128 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on open connections
	ReadTimeout    time.Duration // deadline for reading one ready frame
	WriteTimeout   time.Duration // deadline for writing one frame
	SendQueueSize  int           // per-connection outbound queue length
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  256,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator verifies the credential presented on the upgrade request.
type Authenticator interface {
	Verify(ctx context.Context, token string) (*auth.Identity, error)
}

// Handler receives connection lifecycle events. OnConnect runs before the
// connection's first frame is read; returning an error closes it.
// OnDisconnect runs exactly once per connection that reached OnConnect.
type Handler interface {
	OnConnect(c *Connection) error
	OnMessage(c *Connection, data []byte)
	OnDisconnect(c *Connection)
}

// Option configures a Server.
type Option func(*Server)

// WithThrottle limits upgrade attempts per client IP.
func WithThrottle(t *ratelimit.HandshakeThrottle) Option {
	return func(s *Server) { s.throttle = t }
}

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server is the WebSocket server built on gobwas/ws and epoll.
type Server struct {
	config     ServerConfig
	authn      Authenticator
	handler    Handler
	throttle   *ratelimit.HandshakeThrottle
	log        zerolog.Logger
	poll       *poller
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	closing    atomic.Bool
	startedAt  time.Time
}

// NewServer creates a Server and starts its read loop and heartbeat.
func NewServer(config ServerConfig, authn Authenticator, handler Handler, opts ...Option) (*Server, error) {
	defaults := DefaultServerConfig()
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = defaults.WorkerPoolSize
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = defaults.SendQueueSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = defaults.Heartbeat
	}

	poll, err := newPoller()
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     config,
		authn:      authn,
		handler:    handler,
		log:        zerolog.Nop(),
		poll:       poll,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.startEventLoop()
	go s.runHeartbeat(config.Heartbeat)
	return s, nil
}

// Handler returns the HTTP handler serving /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().
		Str("listen_addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("ws server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

type rejection struct {
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func writeRejection(w http.ResponseWriter, status int, body rejection) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleUpgrade verifies the credential, then upgrades. Nothing about the
// identity is registered until verification has succeeded.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		writeRejection(w, http.StatusServiceUnavailable, rejection{Code: "shutting_down", Message: "server is shutting down"})
		return
	}

	ip := clientIP(r)
	if s.throttle != nil && !s.throttle.Allow(ip) {
		writeRejection(w, http.StatusTooManyRequests, rejection{Code: "rate_limited", Message: "too many connection attempts"})
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		writeRejection(w, http.StatusServiceUnavailable, rejection{Code: "capacity", Message: "too many connections"})
		return
	}

	ident, err := s.authn.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		var banned *auth.BannedError
		if errors.As(err, &banned) {
			writeRejection(w, http.StatusForbidden, rejection{
				Code:      "banned",
				Message:   "account suspended",
				Reason:    banned.Reason,
				ExpiresAt: banned.ExpiresAt,
			})
			return
		}
		writeRejection(w, http.StatusUnauthorized, rejection{Code: "unauthorized", Message: "authentication failed"})
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Str("ip", ip).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), ident.ID, conn, s.config.SendQueueSize, s.config.WriteTimeout)
	c.RemoteIP = ip
	c.Role = ident.Role
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	go c.writeLoop(func(err error) {
		s.log.Debug().Err(err).Str("conn_id", c.ID).Msg("write failed")
		s.RemoveConnection(c)
	})

	if err := s.connect(c); err != nil {
		ev := s.log.Warn()
		if c.Closed() {
			ev = s.log.Debug()
		}
		ev.Err(err).Str("conn_id", c.ID).Str("identity_id", c.IdentityID).Msg("connect handler failed")
		s.RemoveConnection(c)
		return
	}

	if nativePoll {
		if err := s.poll.add(c); err != nil {
			s.log.Error().Err(err).Str("conn_id", c.ID).Msg("poller add failed")
			s.RemoveConnection(c)
			return
		}
	} else {
		go s.readLoop(c)
	}

	s.log.Debug().
		Str("conn_id", c.ID).
		Str("identity_id", c.IdentityID).
		Int("total", s.conns.Count()).
		Msg("connection opened")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	status := http.StatusOK
	if s.closing.Load() {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every ready connection to a worker, bounded by the
// worker pool semaphore.
func (s *Server) startEventLoop() {
	var ready []*Connection
	for {
		select {
		case <-s.done:
			return
		default:
		}

		var err error
		ready, err = s.poll.wait(ready)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Error().Err(err).Msg("poller wait failed")
			continue
		}

		for _, c := range ready {
			c := c
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads one frame from a ready socket. A read timeout means the
// readiness was stale and the connection is left alone; the heartbeat deals
// with dead peers.
func (s *Server) handleConn(c *Connection) {
	if c.Closed() {
		return
	}

	// Level-triggered epoll may report the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	err := s.readFrame(c)
	_ = c.Conn.SetReadDeadline(time.Time{})

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
	}
}

// readLoop is the per-connection reader used where epoll is unavailable.
func (s *Server) readLoop(c *Connection) {
	for !c.Closed() {
		if err := s.readFrame(c); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
}

var errPeerClosed = errors.New("ws: peer closed")

// readFrame reads one message and dispatches it. Control frames are
// answered here.
func (s *Server) readFrame(c *Connection) error {
	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		return err
	}
	c.touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			return errPeerClosed
		case ws.OpPing:
			payload, err := io.ReadAll(reader)
			if err != nil {
				return err
			}
			return c.writeControl(ws.NewPongFrame(payload))
		}
		_, err := io.Copy(io.Discard, reader)
		return err
	}

	data, err := io.ReadAll(io.LimitReader(reader, MaxFrameBytes+1))
	if err != nil {
		return err
	}
	if len(data) > MaxFrameBytes {
		return fmt.Errorf("ws: frame exceeds %d bytes", MaxFrameBytes)
	}
	if len(data) == 0 {
		return nil
	}

	s.dispatch(c, data)
	return nil
}

// dispatch runs the message handler. A panic closes only the offending
// connection.
func (s *Server) dispatch(c *Connection, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().
				Interface("panic", rec).
				Str("conn_id", c.ID).
				Str("identity_id", c.IdentityID).
				Bytes("stack", debug.Stack()).
				Msg("message handler panic, closing connection")
			go s.RemoveConnection(c)
		}
	}()
	s.handler.OnMessage(c, data)
}

func (s *Server) connect(c *Connection) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("ws: connect handler panic: %v", rec)
		}
	}()
	return s.handler.OnConnect(c)
}

func (s *Server) disconnect(c *Connection) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Str("conn_id", c.ID).Msg("disconnect handler panic")
		}
	}()
	s.handler.OnDisconnect(c)
}

// RemoveConnection closes c and runs the disconnect handler. Concurrent
// calls for the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	s.poll.remove(c)

	if !s.conns.Remove(c.ID) {
		return
	}
	c.shutdown()
	metrics.ConnectionsTotal.Dec()
	s.disconnect(c)

	s.log.Debug().
		Str("conn_id", c.ID).
		Str("identity_id", c.IdentityID).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// Evict closes a connection from a goroutine of its own. It is safe to call
// while holding router locks, for example from the overflow callback.
func (s *Server) Evict(connID string) {
	go func() {
		if c := s.conns.Get(connID); c != nil {
			s.RemoveConnection(c)
		}
	}()
}

// Kick writes a final frame to the connection and closes it.
func (s *Server) Kick(connID string, final []byte) {
	go func() {
		c := s.conns.Get(connID)
		if c == nil {
			return
		}
		if final != nil {
			_ = c.WriteMessage(final)
		}
		s.RemoveConnection(c)
	}()
}

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting upgrades, closes every connection (running the
// disconnect handler for each) and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Info().Msg("ws server shutting down")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	close(s.done)

	for _, c := range s.conns.All() {
		_ = c.writeControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "shutdown")))
		s.RemoveConnection(c)
	}
	_ = s.poll.close()

	s.log.Info().Msg("ws server stopped")
	return err
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, _ := strings.Cut(xff, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
