package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/chat"
	"github.com/haven/realtime/internal/notify"
	"github.com/haven/realtime/internal/room"
)

// Fan-out scopes. Join and leave change the room membership of connections
// attached to another instance; they carry no frame.
const (
	scopeRoom     = "room"
	scopeIdentity = "identity"
	scopeAll      = "all"
	scopeConns    = "conns"
	scopeJoin     = "join"
	scopeLeave    = "leave"
)

// fanoutEnvelope carries one locally originated frame or membership change
// to other instances.
type fanoutEnvelope struct {
	Origin  string          `json:"origin"`
	Scope   string          `json:"scope"`
	Target  string          `json:"target,omitempty"`  // room or identity id
	Except  string          `json:"except,omitempty"`  // identity excluded from scope "all"
	Exclude string          `json:"exclude,omitempty"` // connection excluded from scope "room"
	Conns   []string        `json:"conns,omitempty"`
	Kind    room.Kind       `json:"kind,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// LocalDelivery is the local-only side of the room router.
type LocalDelivery interface {
	DeliverRoom(roomID string, data []byte, excludeConnID string) int
	DeliverIdentityLocal(identityID string, data []byte, excludeConnID string) int
	DeliverAllLocal(data []byte, exceptIdentity string) int
	SendToConnections(connIDs []string, data []byte) int
	JoinIdentity(identityID, roomID string, kind room.Kind)
	Join(connID, roomID string, kind room.Kind) error
	Leave(connID, roomID string)
}

// Bridge forwards room fan-out between instances over NATS. Frames published
// by this instance are ignored when they come back.
type Bridge struct {
	pub    Publisher
	origin string
	local  LocalDelivery
	log    zerolog.Logger
}

// NewBridge creates a Bridge publishing as origin (the instance name).
func NewBridge(pub Publisher, origin string, log zerolog.Logger) *Bridge {
	return &Bridge{pub: pub, origin: origin, log: log}
}

// Attach sets the local delivery target for remote frames. It must be
// called before Start.
func (b *Bridge) Attach(local LocalDelivery) {
	b.local = local
}

// Start subscribes to the fan-out subject.
func (b *Bridge) Start(client *NATSClient) error {
	return client.Subscribe(SubjectFanout, b.Handle)
}

func (b *Bridge) publish(env fanoutEnvelope) error {
	env.Origin = b.origin
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("messaging: encode fanout: %w", err)
	}
	return b.pub.Publish(SubjectFanout, data)
}

// PublishRoom forwards a room broadcast.
func (b *Bridge) PublishRoom(roomID string, data []byte, excludeConnID string) error {
	return b.publish(fanoutEnvelope{Scope: scopeRoom, Target: roomID, Exclude: excludeConnID, Data: data})
}

// PublishConnections forwards a frame addressed to specific connections.
// Connection ids are unique across instances, so only the holder delivers.
func (b *Bridge) PublishConnections(connIDs []string, data []byte) error {
	return b.publish(fanoutEnvelope{Scope: scopeConns, Conns: connIDs, Data: data})
}

// PublishJoin subscribes a connection held by another instance to roomID.
func (b *Bridge) PublishJoin(connID, roomID string, kind room.Kind) error {
	return b.publish(fanoutEnvelope{Scope: scopeJoin, Target: roomID, Conns: []string{connID}, Kind: kind})
}

// PublishLeave unsubscribes a connection held by another instance.
func (b *Bridge) PublishLeave(connID, roomID string) error {
	return b.publish(fanoutEnvelope{Scope: scopeLeave, Target: roomID, Conns: []string{connID}})
}

// PublishIdentity forwards a frame addressed to every connection of an
// identity.
func (b *Bridge) PublishIdentity(identityID string, data []byte) error {
	return b.publish(fanoutEnvelope{Scope: scopeIdentity, Target: identityID, Data: data})
}

// PublishAll forwards a system-wide broadcast.
func (b *Bridge) PublishAll(data []byte, exceptIdentity string) error {
	return b.publish(fanoutEnvelope{Scope: scopeAll, Except: exceptIdentity, Data: data})
}

// Handle delivers a remote frame to local connections only.
func (b *Bridge) Handle(data []byte) {
	var env fanoutEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Warn().Err(err).Msg("invalid fanout envelope")
		return
	}
	if env.Origin == b.origin || b.local == nil {
		return
	}

	switch env.Scope {
	case scopeRoom:
		if a, c, ok := room.ParseDirectRoomID(env.Target); ok {
			// Direct rooms are created lazily; local devices of either
			// party may not have joined yet.
			b.local.JoinIdentity(a, env.Target, room.KindDirect)
			b.local.JoinIdentity(c, env.Target, room.KindDirect)
		}
		b.local.DeliverRoom(env.Target, env.Data, env.Exclude)
	case scopeIdentity:
		b.local.DeliverIdentityLocal(env.Target, env.Data, "")
	case scopeAll:
		b.local.DeliverAllLocal(env.Data, env.Except)
	case scopeConns:
		b.local.SendToConnections(env.Conns, env.Data)
	case scopeJoin:
		for _, connID := range env.Conns {
			// Every instance but the holder sees an unknown connection.
			err := b.local.Join(connID, env.Target, env.Kind)
			if err != nil && !errors.Is(err, room.ErrUnknownConnection) {
				b.log.Warn().Err(err).Str("conn_id", connID).Str("room_id", env.Target).Msg("remote join failed")
			}
		}
	case scopeLeave:
		for _, connID := range env.Conns {
			b.local.Leave(connID, env.Target)
		}
	default:
		b.log.Warn().Str("scope", env.Scope).Msg("unknown fanout scope")
	}
}

// CrisisPublisher forwards crisis alerts to the crisis subject.
type CrisisPublisher struct {
	pub Publisher
}

// NewCrisisPublisher creates a CrisisPublisher.
func NewCrisisPublisher(pub Publisher) *CrisisPublisher {
	return &CrisisPublisher{pub: pub}
}

// PublishCrisis publishes a.
func (p *CrisisPublisher) PublishCrisis(_ context.Context, a chat.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("messaging: encode alert: %w", err)
	}
	return p.pub.Publish(SubjectCrisis, data)
}

// OfflineChannel hands undelivered notifications to push and email workers.
type OfflineChannel struct {
	pub Publisher
}

// NewOfflineChannel creates an OfflineChannel.
func NewOfflineChannel(pub Publisher) *OfflineChannel {
	return &OfflineChannel{pub: pub}
}

// HandOff publishes n to the offline notification subject.
func (o *OfflineChannel) HandOff(_ context.Context, n *notify.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("messaging: encode notification: %w", err)
	}
	return o.pub.Publish(SubjectNotifyOffline, data)
}
