package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/call"
	"github.com/haven/realtime/internal/room"
)

// DefaultCallTimeout bounds one forwarded call operation.
const DefaultCallTimeout = 3 * time.Second

// Requester sends a request and waits for its reply. NATSClient implements
// it.
type Requester interface {
	Request(subject string, data []byte, timeout time.Duration) ([]byte, error)
}

// CallFanout is the relay's fan-out on a clustered instance. Room
// membership and direct sends for connections held by other instances go
// over the bridge; everything else is the router's.
type CallFanout struct {
	*room.Router
	bridge *Bridge
	log    zerolog.Logger
}

// NewCallFanout wraps router for a relay whose participants may be
// connected to other instances.
func NewCallFanout(router *room.Router, bridge *Bridge, log zerolog.Logger) *CallFanout {
	return &CallFanout{Router: router, bridge: bridge, log: log}
}

// Join subscribes connID to roomID here, or on the instance that holds it.
func (f *CallFanout) Join(connID, roomID string, kind room.Kind) error {
	err := f.Router.Join(connID, roomID, kind)
	if !errors.Is(err, room.ErrUnknownConnection) {
		return err
	}
	return f.bridge.PublishJoin(connID, roomID, kind)
}

// Leave unsubscribes connID wherever it is held.
func (f *CallFanout) Leave(connID, roomID string) {
	if f.Router.IsJoined(connID, roomID) {
		f.Router.Leave(connID, roomID)
		return
	}
	if err := f.bridge.PublishLeave(connID, roomID); err != nil {
		f.log.Warn().Err(err).Str("conn_id", connID).Str("room_id", roomID).Msg("remote leave failed")
	}
}

// SendToConnections queues data locally and forwards it when some of the
// connections are not held here.
func (f *CallFanout) SendToConnections(connIDs []string, data []byte) int {
	n := f.Router.SendToConnections(connIDs, data)
	if n < len(connIDs) {
		if err := f.bridge.PublishConnections(connIDs, data); err != nil {
			f.log.Warn().Err(err).Msg("remote send failed")
		}
	}
	return n
}

// Call operations forwarded to the owning instance.
const (
	opJoin       = "join"
	opLeave      = "leave"
	opSignal     = "signal"
	opControl    = "control"
	opDisconnect = "disconnect"
)

type callRequest struct {
	Op         string          `json:"op"`
	CallID     string          `json:"callId,omitempty"`
	IdentityID string          `json:"identityId"`
	ConnID     string          `json:"connId,omitempty"`
	Target     string          `json:"target,omitempty"`
	SignalType string          `json:"signalType,omitempty"`
	Signal     json.RawMessage `json:"signal,omitempty"`
	Action     string          `json:"action,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type callReply struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// callErrors maps relay errors to wire codes so the requesting instance can
// match them with errors.Is.
var callErrors = []struct {
	code string
	err  error
}{
	{"not_found", call.ErrCallNotFound},
	{"not_participant", call.ErrNotParticipant},
	{"invalid_transition", call.ErrInvalidTransition},
	{"no_invitees", call.ErrNoInvitees},
	{"unknown_action", call.ErrUnknownAction},
}

func encodeCallError(err error) callReply {
	if err == nil {
		return callReply{}
	}
	for _, ce := range callErrors {
		if errors.Is(err, ce.err) {
			return callReply{Code: ce.code, Error: err.Error()}
		}
	}
	return callReply{Code: "internal", Error: err.Error()}
}

func decodeCallError(r callReply) error {
	if r.Code == "" {
		return nil
	}
	for _, ce := range callErrors {
		if r.Code == ce.code {
			if r.Error == ce.err.Error() {
				return ce.err
			}
			return fmt.Errorf("%w (%s)", ce.err, r.Error)
		}
	}
	return errors.New(r.Error)
}

// CallRouter sends each call operation to the instance that owns the call.
// Calls started here run on the local relay; operations on calls owned by
// another instance travel as NATS requests, and that instance's relay
// reaches connections held here through CallFanout.
type CallRouter struct {
	relay   *call.Relay
	origin  string
	req     Requester
	timeout time.Duration
	log     zerolog.Logger

	mu sync.Mutex
	// remote holds the calls owned elsewhere that a local connection has
	// joined: connID -> callID -> identityID.
	remote map[string]map[string]string
}

// NewCallRouter creates a CallRouter for relay, which must issue call ids
// owned by origin.
func NewCallRouter(relay *call.Relay, origin string, req Requester, log zerolog.Logger) *CallRouter {
	return &CallRouter{
		relay:   relay,
		origin:  origin,
		req:     req,
		timeout: DefaultCallTimeout,
		log:     log,
		remote:  make(map[string]map[string]string),
	}
}

// Listen answers call requests addressed to this instance.
func (c *CallRouter) Listen(client *NATSClient) error {
	return client.Reply(SubjectCallPrefix+c.origin, c.Handle)
}

func (c *CallRouter) local(callID string) bool {
	owner := call.OwnerOf(callID)
	return owner == "" || owner == c.origin
}

func (c *CallRouter) forward(owner string, r callRequest) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("messaging: encode call request: %w", err)
	}
	resp, err := c.req.Request(SubjectCallPrefix+owner, data, c.timeout)
	if err != nil {
		// The owner is gone, and with it the call.
		return fmt.Errorf("%w: owner %s unreachable: %v", call.ErrCallNotFound, owner, err)
	}
	var reply callReply
	if err := json.Unmarshal(resp, &reply); err != nil {
		return fmt.Errorf("messaging: decode call reply: %w", err)
	}
	return decodeCallError(reply)
}

func (c *CallRouter) track(connID, callID, identityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	calls, ok := c.remote[connID]
	if !ok {
		calls = make(map[string]string)
		c.remote[connID] = calls
	}
	calls[callID] = identityID
}

// untrack forgets identityID's entry for callID on connID, or on every
// connection when connID is empty.
func (c *CallRouter) untrack(connID, callID, identityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, calls := range c.remote {
		if (connID == "" || id == connID) && calls[callID] == identityID {
			delete(calls, callID)
			if len(calls) == 0 {
				delete(c.remote, id)
			}
		}
	}
}

// Start creates a call owned by this instance.
func (c *CallRouter) Start(ctx context.Context, initiatorID, connID string, invitees []string, media string) (*call.Session, error) {
	return c.relay.Start(ctx, initiatorID, connID, invitees, media)
}

// Join attaches a connection to a call.
func (c *CallRouter) Join(callID, identityID, connID string) error {
	if c.local(callID) {
		return c.relay.Join(callID, identityID, connID)
	}
	// Tracked before the request so a disconnect racing the join still
	// reaches the owner.
	c.track(connID, callID, identityID)
	err := c.forward(call.OwnerOf(callID), callRequest{Op: opJoin, CallID: callID, IdentityID: identityID, ConnID: connID})
	if err != nil {
		c.untrack(connID, callID, identityID)
	}
	return err
}

// Leave detaches identityID from a call.
func (c *CallRouter) Leave(callID, identityID string) error {
	if c.local(callID) {
		return c.relay.Leave(callID, identityID)
	}
	err := c.forward(call.OwnerOf(callID), callRequest{Op: opLeave, CallID: callID, IdentityID: identityID})
	if err == nil {
		c.untrack("", callID, identityID)
	}
	return err
}

// Signal relays a signaling payload within a call.
func (c *CallRouter) Signal(fromID, callID, target, signalType string, signal json.RawMessage) error {
	if c.local(callID) {
		return c.relay.Signal(fromID, callID, target, signalType, signal)
	}
	return c.forward(call.OwnerOf(callID), callRequest{
		Op: opSignal, CallID: callID, IdentityID: fromID, Target: target, SignalType: signalType, Signal: signal,
	})
}

// Control applies a participant action to a call.
func (c *CallRouter) Control(callID, identityID, connID, action string, data json.RawMessage) error {
	if c.local(callID) {
		return c.relay.Control(callID, identityID, connID, action, data)
	}
	if action == call.ActionJoin {
		c.track(connID, callID, identityID)
	}
	err := c.forward(call.OwnerOf(callID), callRequest{
		Op: opControl, CallID: callID, IdentityID: identityID, ConnID: connID, Action: action, Data: data,
	})
	switch {
	case err != nil && action == call.ActionJoin:
		c.untrack(connID, callID, identityID)
	case err == nil && (action == call.ActionLeave || action == call.ActionEnd):
		c.untrack("", callID, identityID)
	}
	return err
}

// Disconnected removes a closed connection from its local calls and tells
// each owning instance about the calls it joined elsewhere.
func (c *CallRouter) Disconnected(identityID, connID string) {
	c.relay.Disconnected(identityID, connID)

	c.mu.Lock()
	calls := c.remote[connID]
	delete(c.remote, connID)
	c.mu.Unlock()

	owners := make(map[string]bool, len(calls))
	for callID := range calls {
		owners[call.OwnerOf(callID)] = true
	}
	for owner := range owners {
		err := c.forward(owner, callRequest{Op: opDisconnect, IdentityID: identityID, ConnID: connID})
		if err != nil {
			c.log.Warn().Err(err).Str("owner", owner).Str("conn_id", connID).Msg("remote call disconnect failed")
		}
	}
}

// Handle runs one forwarded operation on the local relay and encodes the
// result.
func (c *CallRouter) Handle(data []byte) []byte {
	var r callRequest
	var err error
	if err = json.Unmarshal(data, &r); err != nil {
		err = fmt.Errorf("messaging: decode call request: %w", err)
	} else {
		err = c.apply(r)
	}
	out, mErr := json.Marshal(encodeCallError(err))
	if mErr != nil {
		c.log.Error().Err(mErr).Msg("encode call reply failed")
	}
	return out
}

func (c *CallRouter) apply(r callRequest) error {
	switch r.Op {
	case opJoin:
		return c.relay.Join(r.CallID, r.IdentityID, r.ConnID)
	case opLeave:
		return c.relay.Leave(r.CallID, r.IdentityID)
	case opSignal:
		return c.relay.Signal(r.IdentityID, r.CallID, r.Target, r.SignalType, r.Signal)
	case opControl:
		return c.relay.Control(r.CallID, r.IdentityID, r.ConnID, r.Action, r.Data)
	case opDisconnect:
		c.relay.Disconnected(r.IdentityID, r.ConnID)
		return nil
	}
	return fmt.Errorf("messaging: unknown call op %q", r.Op)
}
