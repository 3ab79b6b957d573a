package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/call"
	"github.com/haven/realtime/internal/protocol"
)

// callNet answers call requests in process, like NATS request/reply.
type callNet struct {
	routers map[string]*CallRouter
}

func (n *callNet) Request(subject string, data []byte, _ time.Duration) ([]byte, error) {
	r, ok := n.routers[strings.TrimPrefix(subject, SubjectCallPrefix)]
	if !ok {
		return nil, errors.New("no responders")
	}
	return r.Handle(data), nil
}

type callInstance struct {
	*instance
	relay *call.Relay
	calls *CallRouter
}

func newCallInstance(b *bus, net *callNet, name string) *callInstance {
	in := newInstance(b, name)
	relay := call.NewRelay(call.Config{
		Fanout: NewCallFanout(in.router, in.bridge, zerolog.Nop()),
		Owner:  name,
		Log:    zerolog.Nop(),
	})
	calls := NewCallRouter(relay, name, net, zerolog.Nop())
	net.routers[name] = calls
	return &callInstance{instance: in, relay: relay, calls: calls}
}

func (s *fakeSink) countType(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		var env protocol.Envelope
		if json.Unmarshal(f, &env) == nil && env.Type == typ {
			n++
		}
	}
	return n
}

func TestCallAcrossInstances(t *testing.T) {
	b := newBus()
	net := &callNet{routers: map[string]*CallRouter{}}
	a := newCallInstance(b, net, "a")
	c := newCallInstance(b, net, "c")
	alice := a.connect("alice", "a1")
	bob := c.connect("bob", "b1")
	ctx := context.Background()

	sess, err := a.calls.Start(ctx, "alice", "a1", []string{"bob"}, "video")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if owner := call.OwnerOf(sess.ID); owner != "a" {
		t.Fatalf("OwnerOf(%q) = %q, want a", sess.ID, owner)
	}
	if bob.countType(protocol.TypeCallIncoming) != 1 {
		t.Fatal("bob should ring through the bridge")
	}

	if err := c.calls.Join(sess.ID, "bob", "b1"); err != nil {
		t.Fatalf("remote Join: %v", err)
	}
	if got, _ := a.relay.Get(sess.ID); got.State != call.StateActive {
		t.Errorf("state on owner = %s, want active", got.State)
	}
	if _, ok := c.relay.Get(sess.ID); ok {
		t.Error("the call must live only on its owner")
	}
	if !c.router.IsJoined("b1", sess.ID) {
		t.Error("bob's connection should be subscribed to the call room on its own instance")
	}
	if alice.countType(protocol.TypeCallUserJoined) != 1 || bob.countType(protocol.TypeCallUserJoined) != 0 {
		t.Errorf("user-joined: alice=%d bob=%d, want 1 and 0",
			alice.countType(protocol.TypeCallUserJoined), bob.countType(protocol.TypeCallUserJoined))
	}

	if err := a.calls.Signal("alice", sess.ID, "bob", "offer", json.RawMessage(`{"sdp":"o"}`)); err != nil {
		t.Fatalf("Signal to remote: %v", err)
	}
	if bob.countType(protocol.TypeCallSignal) != 1 {
		t.Error("bob should receive alice's offer")
	}
	if err := c.calls.Signal("bob", sess.ID, "alice", "answer", json.RawMessage(`{"sdp":"a"}`)); err != nil {
		t.Fatalf("forwarded Signal: %v", err)
	}
	if alice.countType(protocol.TypeCallSignal) != 1 {
		t.Error("alice should receive bob's answer")
	}

	if err := c.calls.Control(sess.ID, "bob", "b1", call.ActionMute, nil); err != nil {
		t.Fatalf("forwarded Control: %v", err)
	}
	if alice.countType(protocol.TypeCallUserUpdate) != 1 || bob.countType(protocol.TypeCallUserUpdate) != 1 {
		t.Errorf("user-update: alice=%d bob=%d, want 1 each",
			alice.countType(protocol.TypeCallUserUpdate), bob.countType(protocol.TypeCallUserUpdate))
	}

	if err := c.calls.Signal("bob", sess.ID, "carol", "offer", nil); !errors.Is(err, call.ErrNotParticipant) {
		t.Errorf("Signal to non-participant err = %v, want ErrNotParticipant", err)
	}

	// Bob's connection closing on his instance completes the call on the owner.
	c.calls.Disconnected("bob", "b1")
	if got, _ := a.relay.Get(sess.ID); got.State != call.StateEnded {
		t.Errorf("state after remote disconnect = %s, want ended", got.State)
	}
	if alice.countType(protocol.TypeCallEnded) != 1 {
		t.Error("alice should see call:ended")
	}
	if c.router.IsJoined("b1", sess.ID) {
		t.Error("bob's connection should have left the call room")
	}
}

func TestCallRouter_OwnerUnreachable(t *testing.T) {
	b := newBus()
	net := &callNet{routers: map[string]*CallRouter{}}
	c := newCallInstance(b, net, "c")
	c.connect("bob", "b1")

	err := c.calls.Join("call:gone/123", "bob", "b1")
	if !errors.Is(err, call.ErrCallNotFound) {
		t.Fatalf("Join err = %v, want ErrCallNotFound", err)
	}
	if n := len(c.calls.remote); n != 0 {
		t.Errorf("failed join left %d tracked connections", n)
	}
	// Nothing to forward for a connection that joined no remote call.
	c.calls.Disconnected("bob", "b1")
}

func TestCallRouter_HandleRejectsGarbage(t *testing.T) {
	net := &callNet{routers: map[string]*CallRouter{}}
	c := newCallInstance(newBus(), net, "c")

	var reply callReply
	json.Unmarshal(c.calls.Handle([]byte("not json")), &reply)
	if reply.Code != "internal" {
		t.Errorf("reply = %+v, want internal error", reply)
	}
	json.Unmarshal(c.calls.Handle([]byte(`{"op":"teleport","identityId":"bob"}`)), &reply)
	if reply.Code != "internal" || !strings.Contains(reply.Error, "teleport") {
		t.Errorf("reply = %+v", reply)
	}
	json.Unmarshal(c.calls.Handle([]byte(`{"op":"leave","callId":"call:c/none","identityId":"bob"}`)), &reply)
	if err := decodeCallError(reply); !errors.Is(err, call.ErrCallNotFound) {
		t.Errorf("decoded = %v, want ErrCallNotFound", err)
	}
}

func TestOwnerOf(t *testing.T) {
	tests := map[string]string{
		"call:node-a-1f2e/0b3c":     "node-a-1f2e",
		"call:0b3c-uuid":            "",
		"call:/x":                   "",
		"g1":                        "",
		"call:host/with/slash/abcd": "host/with/slash",
	}
	for id, want := range tests {
		if got := call.OwnerOf(id); got != want {
			t.Errorf("OwnerOf(%q) = %q, want %q", id, got, want)
		}
	}
}
