// Package room routes events to the connections subscribed to a room.
//
// Rooms are held in shards keyed by room id. Broadcast takes the room's own
// lock for the whole fan-out and hands each frame to the subscriber's
// non-blocking send queue, so every subscriber sees frames of one room in
// the same relative order and a slow subscriber never stalls the sender. A
// subscriber whose queue is full is reported through the overflow callback
// and is expected to be force-closed by the transport.
package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/metrics"
	"github.com/haven/realtime/internal/shard"
)

// Kind is the type of a room.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
	KindCall   Kind = "call"
)

// Valid reports whether k is a known room kind.
func (k Kind) Valid() bool {
	return k == KindDirect || k == KindGroup || k == KindCall
}

// ErrUnknownConnection is returned when a room operation names a connection
// that was never attached or has been detached.
var ErrUnknownConnection = errors.New("room: unknown connection")

// Sink is the delivery side of a live connection.
type Sink interface {
	ConnID() string
	OwnerID() string
	// Enqueue hands data to the connection's send queue without blocking.
	// It returns false when the queue is full or closed.
	Enqueue(data []byte) bool
}

// Membership is one durable room an identity belongs to.
type Membership struct {
	RoomID string
	Kind   Kind
}

// MembershipSource lists the durable rooms of an identity.
type MembershipSource interface {
	MembershipsFor(ctx context.Context, identityID string) ([]Membership, error)
}

// Directory resolves an identity to its live connection ids.
type Directory interface {
	ConnectionsFor(identityID string) []string
}

// Bridge forwards locally originated fan-out to other instances.
type Bridge interface {
	PublishRoom(roomID string, data []byte, excludeConnID string) error
	PublishIdentity(identityID string, data []byte) error
	PublishAll(data []byte, exceptIdentity string) error
}

type room struct {
	id      string
	kind    Kind
	mu      sync.Mutex
	members map[string]Sink
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

type subscriber struct {
	sink  Sink
	mu    sync.Mutex
	rooms map[string]struct{}
}

// Router owns room membership for the local instance.
type Router struct {
	shards [shard.Count]*roomShard

	subsMu sync.RWMutex
	subs   map[string]*subscriber

	dir        Directory
	bridge     Bridge
	onOverflow func(Sink)
	log        zerolog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithBridge forwards local fan-out to other instances.
func WithBridge(b Bridge) Option {
	return func(r *Router) { r.bridge = b }
}

// WithOverflow sets the callback invoked when a subscriber's queue is full.
// The callback runs on the broadcasting goroutine and must not block.
func WithOverflow(fn func(Sink)) Option {
	return func(r *Router) { r.onOverflow = fn }
}

// WithLogger sets the router logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// NewRouter creates a Router. dir resolves identities for DeliverToIdentity.
func NewRouter(dir Directory, opts ...Option) *Router {
	r := &Router{
		subs: make(map[string]*subscriber),
		dir:  dir,
		log:  zerolog.Nop(),
	}
	for i := range r.shards {
		r.shards[i] = &roomShard{rooms: make(map[string]*room)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const (
	// DirectPrefix starts every direct room id.
	DirectPrefix = "dm:"

	// CallPrefix starts every call room id.
	CallPrefix = "call:"
)

// ErrReservedRoomID is returned when a group id uses a prefix reserved for
// direct or call rooms.
var ErrReservedRoomID = errors.New("room: reserved room id")

// Reserved reports whether roomID carries a prefix that group ids may not
// use.
func Reserved(roomID string) bool {
	return strings.HasPrefix(roomID, DirectPrefix) || strings.HasPrefix(roomID, CallPrefix)
}

// DirectRoomID returns the canonical room id for a 1:1 conversation. Both
// parties derive the same id regardless of argument order. The id is
// "dm:<len(a)>:<a>:<b>" with a <= b, so identity ids may contain any
// character.
func DirectRoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return DirectPrefix + strconv.Itoa(len(a)) + ":" + a + ":" + b
}

// ParseDirectRoomID splits a direct room id into its two identity ids. Only
// ids produced by DirectRoomID parse.
func ParseDirectRoomID(roomID string) (a, b string, ok bool) {
	rest, ok := strings.CutPrefix(roomID, DirectPrefix)
	if !ok {
		return "", "", false
	}
	size, rest, ok := strings.Cut(rest, ":")
	if !ok {
		return "", "", false
	}
	n, err := strconv.Atoi(size)
	if err != nil || n <= 0 || strconv.Itoa(n) != size || n+1 >= len(rest) || rest[n] != ':' {
		return "", "", false
	}
	a, b = rest[:n], rest[n+1:]
	if b < a {
		return "", "", false
	}
	return a, b, true
}

func (r *Router) shardFor(roomID string) *roomShard {
	return r.shards[shard.Index(roomID, shard.Count)]
}

// Attach registers a sink so it can join rooms.
func (r *Router) Attach(s Sink) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	if _, ok := r.subs[s.ConnID()]; ok {
		return
	}
	r.subs[s.ConnID()] = &subscriber{sink: s, rooms: make(map[string]struct{})}
}

// Detach removes a connection from every room it joined. Empty rooms are
// dropped. It is safe to call more than once.
func (r *Router) Detach(connID string) {
	r.subsMu.Lock()
	sub, ok := r.subs[connID]
	delete(r.subs, connID)
	r.subsMu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	rooms := make([]string, 0, len(sub.rooms))
	for id := range sub.rooms {
		rooms = append(rooms, id)
	}
	sub.rooms = map[string]struct{}{}
	sub.mu.Unlock()

	for _, id := range rooms {
		r.removeMember(id, connID)
	}
}

func (r *Router) subscriber(connID string) (*subscriber, bool) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	sub, ok := r.subs[connID]
	return sub, ok
}

// Join subscribes connID to roomID, creating the room on first join.
// Joining a room twice is a no-op.
func (r *Router) Join(connID, roomID string, kind Kind) error {
	sub, ok := r.subscriber(connID)
	if !ok {
		return ErrUnknownConnection
	}
	if roomID == "" {
		return fmt.Errorf("room: empty room id")
	}

	sh := r.shardFor(roomID)
	sh.mu.Lock()
	rm, exists := sh.rooms[roomID]
	if !exists {
		rm = &room{id: roomID, kind: kind, members: make(map[string]Sink)}
		sh.rooms[roomID] = rm
	}
	rm.mu.Lock()
	rm.members[connID] = sub.sink
	rm.mu.Unlock()
	sh.mu.Unlock()

	sub.mu.Lock()
	sub.rooms[roomID] = struct{}{}
	sub.mu.Unlock()

	// A Detach that raced with this Join has already swept sub.rooms.
	if _, still := r.subscriber(connID); !still {
		r.removeMember(roomID, connID)
		return ErrUnknownConnection
	}
	return nil
}

// Leave unsubscribes connID from roomID.
func (r *Router) Leave(connID, roomID string) {
	if sub, ok := r.subscriber(connID); ok {
		sub.mu.Lock()
		delete(sub.rooms, roomID)
		sub.mu.Unlock()
	}
	r.removeMember(roomID, connID)
}

func (r *Router) removeMember(roomID, connID string) {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rm, ok := sh.rooms[roomID]
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, connID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty {
		delete(sh.rooms, roomID)
	}
}

// JoinIdentity subscribes every live connection of identityID to roomID.
func (r *Router) JoinIdentity(identityID, roomID string, kind Kind) {
	for _, connID := range r.dir.ConnectionsFor(identityID) {
		if err := r.Join(connID, roomID, kind); err != nil && !errors.Is(err, ErrUnknownConnection) {
			r.log.Warn().Err(err).Str("room_id", roomID).Msg("join identity failed")
		}
	}
}

// AutoJoin subscribes connID to every durable room identityID belongs to
// and returns the joined room ids.
func (r *Router) AutoJoin(ctx context.Context, connID, identityID string, src MembershipSource) ([]string, error) {
	if src == nil {
		return nil, nil
	}
	memberships, err := src.MembershipsFor(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("room: memberships for %s: %w", identityID, err)
	}

	joined := make([]string, 0, len(memberships))
	for _, m := range memberships {
		if err := r.Join(connID, m.RoomID, m.Kind); err != nil {
			return joined, err
		}
		joined = append(joined, m.RoomID)
	}
	return joined, nil
}

// IsJoined reports whether connID is subscribed to roomID.
func (r *Router) IsJoined(connID, roomID string) bool {
	sub, ok := r.subscriber(connID)
	if !ok {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	_, joined := sub.rooms[roomID]
	return joined
}

// Members returns the connection ids subscribed to roomID, sorted.
func (r *Router) Members(roomID string) []string {
	sh := r.shardFor(roomID)
	sh.mu.RLock()
	rm, ok := sh.rooms[roomID]
	sh.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	rm.mu.Unlock()
	sort.Strings(out)
	return out
}

// RoomCount returns the number of rooms with at least one local subscriber.
func (r *Router) RoomCount() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.rooms)
		sh.mu.RUnlock()
	}
	return n
}

// Broadcast delivers data to every local subscriber of roomID except
// excludeConnID and forwards it to the bridge. It returns the number of
// local connections the frame was queued on.
func (r *Router) Broadcast(roomID string, data []byte, excludeConnID string) int {
	n := r.DeliverRoom(roomID, data, excludeConnID)
	if r.bridge != nil {
		if err := r.bridge.PublishRoom(roomID, data, excludeConnID); err != nil {
			r.log.Warn().Err(err).Str("room_id", roomID).Msg("bridge publish failed")
		}
	}
	return n
}

// DeliverRoom delivers data to local subscribers only. Remote fan-out
// arriving from the bridge uses this entry point.
func (r *Router) DeliverRoom(roomID string, data []byte, excludeConnID string) int {
	sh := r.shardFor(roomID)
	sh.mu.RLock()
	rm, ok := sh.rooms[roomID]
	sh.mu.RUnlock()
	if !ok {
		return 0
	}

	var overflowed []Sink
	n := 0

	rm.mu.Lock()
	for connID, s := range rm.members {
		if connID == excludeConnID {
			continue
		}
		if s.Enqueue(data) {
			n++
		} else {
			overflowed = append(overflowed, s)
		}
	}
	rm.mu.Unlock()

	r.overflow(overflowed)
	return n
}

// SendToConnections queues data on the listed local connections.
func (r *Router) SendToConnections(connIDs []string, data []byte) int {
	var overflowed []Sink
	n := 0
	for _, id := range connIDs {
		sub, ok := r.subscriber(id)
		if !ok {
			continue
		}
		if sub.sink.Enqueue(data) {
			n++
		} else {
			overflowed = append(overflowed, sub.sink)
		}
	}
	r.overflow(overflowed)
	return n
}

// DeliverToIdentity queues data on every local connection of identityID
// except excludeConnID and forwards it to the bridge.
func (r *Router) DeliverToIdentity(identityID string, data []byte, excludeConnID string) int {
	n := r.DeliverIdentityLocal(identityID, data, excludeConnID)
	if r.bridge != nil {
		if err := r.bridge.PublishIdentity(identityID, data); err != nil {
			r.log.Warn().Err(err).Str("identity_id", identityID).Msg("bridge publish failed")
		}
	}
	return n
}

// DeliverIdentityLocal is DeliverToIdentity without the bridge.
func (r *Router) DeliverIdentityLocal(identityID string, data []byte, excludeConnID string) int {
	conns := r.dir.ConnectionsFor(identityID)
	targets := conns[:0]
	for _, id := range conns {
		if id != excludeConnID {
			targets = append(targets, id)
		}
	}
	return r.SendToConnections(targets, data)
}

// BroadcastAll queues data on every attached connection not owned by
// exceptIdentity and forwards it to the bridge.
func (r *Router) BroadcastAll(data []byte, exceptIdentity string) int {
	n := r.DeliverAllLocal(data, exceptIdentity)
	if r.bridge != nil {
		if err := r.bridge.PublishAll(data, exceptIdentity); err != nil {
			r.log.Warn().Err(err).Msg("bridge publish failed")
		}
	}
	return n
}

// DeliverAllLocal is BroadcastAll without the bridge.
func (r *Router) DeliverAllLocal(data []byte, exceptIdentity string) int {
	r.subsMu.RLock()
	sinks := make([]Sink, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.sink.OwnerID() != exceptIdentity {
			sinks = append(sinks, sub.sink)
		}
	}
	r.subsMu.RUnlock()

	var overflowed []Sink
	n := 0
	for _, s := range sinks {
		if s.Enqueue(data) {
			n++
		} else {
			overflowed = append(overflowed, s)
		}
	}
	r.overflow(overflowed)
	return n
}

func (r *Router) overflow(sinks []Sink) {
	for _, s := range sinks {
		metrics.SlowConsumers.Inc()
		r.log.Warn().Str("conn_id", s.ConnID()).Str("identity_id", s.OwnerID()).Msg("send queue full, closing connection")
		if r.onOverflow != nil {
			r.onOverflow(s)
		}
	}
}
