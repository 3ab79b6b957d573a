package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/protocol"
	"github.com/haven/realtime/internal/ratelimit"
	"github.com/haven/realtime/internal/registry"
	"github.com/haven/realtime/internal/room"
)

type fakeSink struct {
	id, owner string
	mu        sync.Mutex
	frames    []protocol.Envelope
}

func (s *fakeSink) ConnID() string  { return s.id }
func (s *fakeSink) OwnerID() string { return s.owner }
func (s *fakeSink) Enqueue(data []byte) bool {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.frames = append(s.frames, env)
	s.mu.Unlock()
	return true
}

func (s *fakeSink) ofType(typ string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []json.RawMessage
	for _, f := range s.frames {
		if f.Type == typ {
			out = append(out, f.Payload)
		}
	}
	return out
}

type env struct {
	relay  *Relay
	reg    *registry.Registry
	router *room.Router
}

func newEnv(guard RateGuard) *env {
	reg := registry.New()
	router := room.NewRouter(reg)
	return &env{
		relay:  NewRelay(Config{Fanout: router, Guard: guard, Log: zerolog.Nop()}),
		reg:    reg,
		router: router,
	}
}

func (e *env) connect(identityID, connID string) *fakeSink {
	s := &fakeSink{id: connID, owner: identityID}
	e.reg.Register(identityID, connID)
	e.router.Attach(s)
	return s
}

func TestStartRingsInvitees(t *testing.T) {
	e := newEnv(nil)
	a1 := e.connect("alice", "a1")
	b1 := e.connect("bob", "b1")
	b2 := e.connect("bob", "b2")

	s, err := e.relay.Start(context.Background(), "alice", "a1", []string{"bob", "alice", "bob"}, "video")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State != StateRinging || len(s.Participants) != 2 {
		t.Fatalf("session = %+v", s)
	}
	if len(s.ID) <= len(IDPrefix) || s.ID[:len(IDPrefix)] != IDPrefix {
		t.Errorf("call id %q lacks prefix", s.ID)
	}
	for _, sink := range []*fakeSink{b1, b2} {
		if n := len(sink.ofType(protocol.TypeCallIncoming)); n != 1 {
			t.Errorf("%s rang %d times, want 1", sink.id, n)
		}
	}
	if n := len(a1.ofType(protocol.TypeCallStarted)); n != 1 {
		t.Errorf("initiator call:started = %d", n)
	}
	if !e.router.IsJoined("a1", s.ID) {
		t.Error("initiator connection should join the call room")
	}
}

func TestStartWithoutInvitees(t *testing.T) {
	e := newEnv(nil)
	e.connect("alice", "a1")
	if _, err := e.relay.Start(context.Background(), "alice", "a1", []string{"alice"}, ""); !errors.Is(err, ErrNoInvitees) {
		t.Errorf("err = %v, want ErrNoInvitees", err)
	}
}

func TestStartRateLimited(t *testing.T) {
	guard := ratelimit.NewGuard(ratelimit.NewMemory(), nil, zerolog.Nop())
	e := newEnv(guard)
	e.relay.rule = ratelimit.RuleCall.WithLimit(2)
	e.connect("alice", "a1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := e.relay.Start(ctx, "alice", "a1", []string{"bob"}, ""); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
	}
	if _, err := e.relay.Start(ctx, "alice", "a1", []string{"bob"}, ""); !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Errorf("third Start err = %v", err)
	}
}

func TestJoinActivatesAndLeaveEnds(t *testing.T) {
	e := newEnv(nil)
	a1 := e.connect("alice", "a1")
	b1 := e.connect("bob", "b1")
	s, _ := e.relay.Start(context.Background(), "alice", "a1", []string{"bob"}, "audio")

	if err := e.relay.Join(s.ID, "bob", "b1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got, _ := e.relay.Get(s.ID); got.State != StateActive {
		t.Fatalf("state = %s, want active", got.State)
	}
	if n := len(a1.ofType(protocol.TypeCallUserJoined)); n != 1 {
		t.Errorf("alice user-joined = %d", n)
	}
	if n := len(b1.ofType(protocol.TypeCallUserJoined)); n != 0 {
		t.Error("joining connection must not see its own join")
	}

	if err := e.relay.Leave(s.ID, "bob"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	got, _ := e.relay.Get(s.ID)
	if got.State != StateEnded || got.EndedAt == nil {
		t.Fatalf("state after last peer left = %s", got.State)
	}
	ended := a1.ofType(protocol.TypeCallEnded)
	if len(ended) != 1 {
		t.Fatalf("alice call:ended = %d", len(ended))
	}
	var msg protocol.CallEndedMsg
	json.Unmarshal(ended[0], &msg)
	if msg.Reason != ReasonCompleted {
		t.Errorf("reason = %q", msg.Reason)
	}
	if e.router.IsJoined("a1", s.ID) {
		t.Error("call room should be left after end")
	}
	if e.relay.ActiveCount() != 0 {
		t.Error("ended call still counted as active")
	}
}

func TestInvalidTransitions(t *testing.T) {
	e := newEnv(nil)
	e.connect("alice", "a1")
	e.connect("bob", "b1")
	s, _ := e.relay.Start(context.Background(), "alice", "a1", []string{"bob"}, "")
	e.relay.Join(s.ID, "bob", "b1")

	if err := e.relay.Decline(s.ID, "bob"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("decline active call err = %v", err)
	}
	if err := e.relay.End(s.ID, "alice"); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := e.relay.End(s.ID, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second End err = %v", err)
	}
	if err := e.relay.Join(s.ID, "bob", "b1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("join ended call err = %v", err)
	}
}

func TestDeclineEndsWhenEveryoneDeclines(t *testing.T) {
	e := newEnv(nil)
	a1 := e.connect("alice", "a1")
	e.connect("bob", "b1")
	e.connect("carol", "c1")
	s, _ := e.relay.Start(context.Background(), "alice", "a1", []string{"bob", "carol"}, "")

	if err := e.relay.Decline(s.ID, "bob"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if got, _ := e.relay.Get(s.ID); got.State != StateRinging {
		t.Fatalf("state after one decline = %s", got.State)
	}
	if err := e.relay.Decline(s.ID, "carol"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if got, _ := e.relay.Get(s.ID); got.State != StateEnded {
		t.Fatalf("state after all declined = %s", got.State)
	}
	if n := len(a1.ofType(protocol.TypeCallEnded)); n != 1 {
		t.Errorf("alice call:ended = %d", n)
	}
	if err := e.relay.Decline(s.ID, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("initiator decline err = %v", err)
	}
}

func TestSignalRelayedVerbatimToTargetOnly(t *testing.T) {
	e := newEnv(nil)
	a1 := e.connect("alice", "a1")
	b1 := e.connect("bob", "b1")
	b2 := e.connect("bob", "b2")
	c1 := e.connect("carol", "c1")
	s, _ := e.relay.Start(context.Background(), "alice", "a1", []string{"bob", "carol"}, "")
	e.relay.Join(s.ID, "bob", "b1")

	raw := json.RawMessage(`{"sdp":"v=0\r\n","type":"offer","extra":[1,2,{"x":null}]}`)
	if err := e.relay.Signal("alice", s.ID, "bob", "offer", raw); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	got := b1.ofType(protocol.TypeCallSignal)
	if len(got) != 1 {
		t.Fatalf("bob's call connection got %d signals", len(got))
	}
	var out protocol.CallSignalOutMsg
	json.Unmarshal(got[0], &out)
	if string(out.Signal) != string(raw) || out.From != "alice" || out.Type != "offer" || out.CallID != s.ID {
		t.Errorf("relayed = %+v", out)
	}
	for _, sink := range []*fakeSink{a1, b2, c1} {
		if n := len(sink.ofType(protocol.TypeCallSignal)); n != 0 {
			t.Errorf("%s received %d signals", sink.id, n)
		}
	}

	if err := e.relay.Signal("dave", s.ID, "bob", "offer", raw); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("outsider signal err = %v", err)
	}
	if err := e.relay.Signal("alice", s.ID, "dave", "offer", raw); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("signal to outsider err = %v", err)
	}
	if err := e.relay.Signal("alice", "call:nope", "bob", "offer", raw); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("unknown call err = %v", err)
	}
}

func TestSignalToRingingTargetReachesAllDevices(t *testing.T) {
	e := newEnv(nil)
	e.connect("alice", "a1")
	b1 := e.connect("bob", "b1")
	b2 := e.connect("bob", "b2")
	s, _ := e.relay.Start(context.Background(), "alice", "a1", []string{"bob"}, "")

	e.relay.Signal("alice", s.ID, "bob", "offer", json.RawMessage(`{}`))
	if len(b1.ofType(protocol.TypeCallSignal)) != 1 || len(b2.ofType(protocol.TypeCallSignal)) != 1 {
		t.Error("signal to an unjoined target should reach each of its connections")
	}
}

func TestControlMediaFlags(t *testing.T) {
	e := newEnv(nil)
	e.connect("alice", "a1")
	b1 := e.connect("bob", "b1")
	s, _ := e.relay.Start(context.Background(), "alice", "a1", []string{"bob"}, "video")
	e.relay.Join(s.ID, "bob", "b1")

	if err := e.relay.Control(s.ID, "alice", "a1", ActionMute, nil); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if err := e.relay.Control(s.ID, "alice", "a1", ActionVideoOff, nil); err != nil {
		t.Fatalf("video-off: %v", err)
	}
	got, _ := e.relay.Get(s.ID)
	if p := got.Participants["alice"]; p.AudioOn || p.VideoOn {
		t.Errorf("alice flags = %+v", p)
	}

	updates := b1.ofType(protocol.TypeCallUserUpdate)
	if len(updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(updates))
	}
	var last protocol.CallParticipantMsg
	json.Unmarshal(updates[1], &last)
	if last.Action != ActionVideoOff || last.IdentityID != "alice" {
		t.Errorf("update = %+v", last)
	}

	if err := e.relay.Control(s.ID, "alice", "a1", "teleport", nil); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("unknown action err = %v", err)
	}
	if err := e.relay.Control(s.ID, "alice", "a1", ActionEnd, nil); err != nil {
		t.Errorf("control end: %v", err)
	}
}

func TestDisconnectedCancelsRingingCall(t *testing.T) {
	e := newEnv(nil)
	e.connect("alice", "a1")
	b1 := e.connect("bob", "b1")
	s, _ := e.relay.Start(context.Background(), "alice", "a1", []string{"bob"}, "")

	e.relay.Disconnected("alice", "a1")

	got, _ := e.relay.Get(s.ID)
	if got.State != StateEnded {
		t.Fatalf("state = %s, want ended", got.State)
	}
	ended := b1.ofType(protocol.TypeCallEnded)
	if len(ended) != 1 {
		t.Fatalf("bob call:ended = %d, want 1", len(ended))
	}
	var msg protocol.CallEndedMsg
	json.Unmarshal(ended[0], &msg)
	if msg.Reason != ReasonCancelled {
		t.Errorf("reason = %q", msg.Reason)
	}
}

func TestDisconnectedOtherDeviceKeepsCall(t *testing.T) {
	e := newEnv(nil)
	e.connect("alice", "a1")
	e.connect("bob", "b1")
	e.connect("bob", "b2")
	s, _ := e.relay.Start(context.Background(), "alice", "a1", []string{"bob"}, "")
	e.relay.Join(s.ID, "bob", "b1")

	e.relay.Disconnected("bob", "b2")
	if got, _ := e.relay.Get(s.ID); got.State != StateActive {
		t.Errorf("state = %s, want active", got.State)
	}
}
