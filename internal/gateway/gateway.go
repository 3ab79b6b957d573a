// Package gateway connects the transport to the realtime components. It
// owns the connection lifecycle (registry, room subscriptions, presence)
// and routes each client event to the pipeline, the call relay or the
// notification dispatcher, answering failures with an error event on the
// invoking connection only.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/call"
	"github.com/haven/realtime/internal/chat"
	"github.com/haven/realtime/internal/notify"
	"github.com/haven/realtime/internal/presence"
	"github.com/haven/realtime/internal/protocol"
	"github.com/haven/realtime/internal/registry"
	"github.com/haven/realtime/internal/room"
	"github.com/haven/realtime/internal/ws"
)

// DefaultOpTimeout bounds the store calls made while handling one event.
const DefaultOpTimeout = 5 * time.Second

// DefaultReviewerRoles are the roles subscribed to the reviewers room.
var DefaultReviewerRoles = []string{"reviewer", "moderator", "admin"}

// ErrClosedDuringConnect is returned when the connection closed while it was
// being set up. Everything connect registered has been released.
var ErrClosedDuringConnect = errors.New("gateway: connection closed during connect")

// closer is implemented by sinks that can report their transport closed.
type closer interface {
	Closed() bool
}

func isClosed(s room.Sink) bool {
	c, ok := s.(closer)
	return ok && c.Closed()
}

// Transport closes connections on behalf of the gateway. ws.Server
// implements it.
type Transport interface {
	Kick(connID string, final []byte)
	Evict(connID string)
}

// Calls is the call surface the gateway drives. A *call.Relay serves a
// single instance; a messaging.CallRouter also reaches calls owned by other
// instances.
type Calls interface {
	Start(ctx context.Context, initiatorID, connID string, invitees []string, media string) (*call.Session, error)
	Join(callID, identityID, connID string) error
	Leave(callID, identityID string) error
	Signal(fromID, callID, target, signalType string, signal json.RawMessage) error
	Control(callID, identityID, connID, action string, data json.RawMessage) error
	Disconnected(identityID, connID string)
}

// Config holds the gateway's collaborators.
type Config struct {
	Registry    *registry.Registry
	Router      *room.Router
	Presence    *presence.Tracker
	Pipeline    *chat.Pipeline
	Calls       Calls
	Notify      *notify.Dispatcher
	Memberships room.MembershipSource

	ReviewersRoom string
	ReviewerRoles []string // nil means DefaultReviewerRoles
	OpTimeout     time.Duration
	Log           zerolog.Logger
}

type handlerFunc func(ctx context.Context, s room.Sink, msg interface{}) error

// Gateway implements ws.Handler.
type Gateway struct {
	registry    *registry.Registry
	router      *room.Router
	presence    *presence.Tracker
	pipeline    *chat.Pipeline
	calls       Calls
	notify      *notify.Dispatcher
	memberships room.MembershipSource

	reviewersRoom string
	reviewerRoles map[string]bool
	opTimeout     time.Duration
	transport     Transport
	handlers      map[string]handlerFunc
	log           zerolog.Logger
	now           func() time.Time
}

// New creates a Gateway. SetTransport must be called before the transport
// starts accepting connections.
func New(cfg Config) *Gateway {
	g := &Gateway{
		registry:      cfg.Registry,
		router:        cfg.Router,
		presence:      cfg.Presence,
		pipeline:      cfg.Pipeline,
		calls:         cfg.Calls,
		notify:        cfg.Notify,
		memberships:   cfg.Memberships,
		reviewersRoom: cfg.ReviewersRoom,
		reviewerRoles: make(map[string]bool),
		opTimeout:     cfg.OpTimeout,
		log:           cfg.Log,
		now:           time.Now,
	}
	if g.opTimeout <= 0 {
		g.opTimeout = DefaultOpTimeout
	}
	roles := cfg.ReviewerRoles
	if roles == nil {
		roles = DefaultReviewerRoles
	}
	for _, r := range roles {
		g.reviewerRoles[r] = true
	}
	g.registerHandlers()
	return g
}

// SetTransport assigns the transport. The transport is created after the
// gateway because it needs the gateway as its handler.
func (g *Gateway) SetTransport(t Transport) {
	g.transport = t
}

func (g *Gateway) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.opTimeout)
}

// OnConnect implements ws.Handler.
func (g *Gateway) OnConnect(c *ws.Connection) error {
	return g.connect(c, c.Role)
}

// OnMessage implements ws.Handler.
func (g *Gateway) OnMessage(c *ws.Connection, data []byte) {
	g.handle(c, data)
}

// OnDisconnect implements ws.Handler.
func (g *Gateway) OnDisconnect(c *ws.Connection) {
	g.disconnect(c)
}

// connect subscribes the connection to its durable rooms, registers it and,
// on the identity's first connection, announces it online. A membership
// lookup failure refuses the connection before it is registered.
//
// The transport may close the connection at any point, running disconnect
// concurrently. A disconnect that ran before Register finds nothing to
// release, so connect checks the sink once registered and unwinds itself.
func (g *Gateway) connect(s room.Sink, role string) error {
	ctx, cancel := g.opContext()
	defer cancel()
	identityID, connID := s.OwnerID(), s.ConnID()

	g.router.Attach(s)
	rooms, err := g.router.AutoJoin(ctx, connID, identityID, g.memberships)
	if err != nil {
		g.router.Detach(connID)
		if isClosed(s) {
			return ErrClosedDuringConnect
		}
		return err
	}
	if g.reviewersRoom != "" && g.reviewerRoles[role] {
		if err := g.router.Join(connID, g.reviewersRoom, room.KindGroup); err != nil {
			g.log.Warn().Err(err).Str("conn_id", connID).Msg("reviewers room join failed")
		} else {
			rooms = append(rooms, g.reviewersRoom)
		}
	}
	if rooms == nil {
		rooms = []string{}
	}

	t, first := g.registry.Register(identityID, connID)
	s.Enqueue(protocol.MustServerMessage(protocol.TypeSessionReady, protocol.SessionReadyMsg{
		ConnectionID: connID,
		IdentityID:   identityID,
		Rooms:        rooms,
	}))
	if first {
		g.presence.Connected(ctx, t.IdentityID, t.Epoch)
	}

	if isClosed(s) {
		g.disconnect(s)
		return ErrClosedDuringConnect
	}

	g.log.Debug().
		Str("conn_id", connID).
		Str("identity_id", identityID).
		Int("rooms", len(rooms)).
		Bool("first", first).
		Msg("connection ready")
	return nil
}

// disconnect releases everything the connection held. When it was the
// identity's last connection, the identity is announced offline.
func (g *Gateway) disconnect(s room.Sink) {
	ctx, cancel := g.opContext()
	defer cancel()
	identityID, connID := s.OwnerID(), s.ConnID()

	g.calls.Disconnected(identityID, connID)
	g.router.Detach(connID)

	t, last, ok := g.registry.Unregister(connID)
	if ok && last {
		g.presence.Disconnected(ctx, t.IdentityID, t.Epoch)
	}
}

// Banned sends banned to every local connection of identityID and closes
// them. It is the rate guard's ban handler.
func (g *Gateway) Banned(identityID, reason string, d time.Duration) {
	if g.transport == nil {
		return
	}
	expires := g.now().Add(d).UTC()
	frame := protocol.MustServerMessage(protocol.TypeBanned, protocol.BannedMsg{Reason: reason, ExpiresAt: &expires})
	for _, connID := range g.registry.ConnectionsFor(identityID) {
		g.transport.Kick(connID, frame)
	}
	g.log.Info().Str("identity_id", identityID).Str("reason", reason).Msg("banned identity disconnected")
}

// Overflow is the room router's overflow callback: a connection whose send
// queue is full is closed.
func (g *Gateway) Overflow(s room.Sink) {
	if g.transport != nil {
		g.transport.Evict(s.ConnID())
	}
}
