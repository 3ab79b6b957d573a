package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/chat"
	"github.com/haven/realtime/internal/crisis"
	"github.com/haven/realtime/internal/notify"
	"github.com/haven/realtime/internal/registry"
	"github.com/haven/realtime/internal/room"
)

// bus delivers every publish synchronously to all subscribed bridges,
// including the publisher's own, like a NATS subject would.
type bus struct {
	mu        sync.Mutex
	bridges   []*Bridge
	published map[string][][]byte
}

func newBus() *bus { return &bus{published: map[string][][]byte{}} }

func (b *bus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	b.published[subject] = append(b.published[subject], data)
	bridges := append([]*Bridge(nil), b.bridges...)
	b.mu.Unlock()
	if subject == SubjectFanout {
		for _, br := range bridges {
			br.Handle(data)
		}
	}
	return nil
}

type fakeSink struct {
	id, owner string
	mu        sync.Mutex
	frames    [][]byte
}

func (s *fakeSink) ConnID() string  { return s.id }
func (s *fakeSink) OwnerID() string { return s.owner }
func (s *fakeSink) Enqueue(data []byte) bool {
	s.mu.Lock()
	s.frames = append(s.frames, data)
	s.mu.Unlock()
	return true
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type instance struct {
	reg    *registry.Registry
	router *room.Router
	bridge *Bridge
}

func newInstance(b *bus, name string) *instance {
	reg := registry.New()
	br := NewBridge(b, name, zerolog.Nop())
	router := room.NewRouter(reg, room.WithBridge(br))
	br.Attach(router)
	b.bridges = append(b.bridges, br)
	return &instance{reg: reg, router: router, bridge: br}
}

func (in *instance) connect(identityID, connID string) *fakeSink {
	s := &fakeSink{id: connID, owner: identityID}
	in.reg.Register(identityID, connID)
	in.router.Attach(s)
	return s
}

func TestBridge_RoomAcrossInstances(t *testing.T) {
	b := newBus()
	a := newInstance(b, "a")
	c := newInstance(b, "c")

	alice := a.connect("alice", "a1")
	bob := c.connect("bob", "b1")
	a.router.Join("a1", "g1", room.KindGroup)
	c.router.Join("b1", "g1", room.KindGroup)

	a.router.Broadcast("g1", []byte(`{"type":"message:new","payload":{}}`), "")

	if alice.count() != 1 {
		t.Errorf("origin subscriber got %d frames, want 1 (no echo)", alice.count())
	}
	if bob.count() != 1 {
		t.Errorf("remote subscriber got %d frames, want 1", bob.count())
	}
}

func TestBridge_DirectRoomJoinsRemoteDevices(t *testing.T) {
	b := newBus()
	a := newInstance(b, "a")
	c := newInstance(b, "c")
	a.connect("alice", "a1")
	bob := c.connect("bob", "b1")

	roomID := room.DirectRoomID("alice", "bob")
	a.router.JoinIdentity("alice", roomID, room.KindDirect)
	a.router.Broadcast(roomID, []byte(`{"type":"message:new","payload":{}}`), "")

	if bob.count() != 1 {
		t.Fatalf("remote recipient got %d frames, want 1", bob.count())
	}
	if !c.router.IsJoined("b1", roomID) {
		t.Error("remote recipient should now be subscribed to the direct room")
	}
}

func TestBridge_IdentityAndAll(t *testing.T) {
	b := newBus()
	a := newInstance(b, "a")
	c := newInstance(b, "c")
	alice := a.connect("alice", "a1")
	bob1 := c.connect("bob", "b1")
	bob2 := c.connect("bob", "b2")
	carol := c.connect("carol", "c1")

	a.router.DeliverToIdentity("bob", []byte(`{"type":"notification:new","payload":{}}`), "")
	if bob1.count() != 1 || bob2.count() != 1 || carol.count() != 0 {
		t.Errorf("identity delivery: bob1=%d bob2=%d carol=%d", bob1.count(), bob2.count(), carol.count())
	}

	a.router.BroadcastAll([]byte(`{"type":"presence:online","payload":{}}`), "carol")
	if alice.count() != 1 || carol.count() != 0 || bob1.count() != 2 {
		t.Errorf("all delivery: alice=%d carol=%d bob1=%d", alice.count(), carol.count(), bob1.count())
	}
}

func TestBridge_IgnoresGarbage(t *testing.T) {
	br := NewBridge(newBus(), "a", zerolog.Nop())
	br.Handle([]byte("not json"))
	br.Handle([]byte(`{"origin":"x","scope":"room","target":"g1","data":{}}`)) // no local target
}

func TestCrisisPublisher(t *testing.T) {
	b := newBus()
	p := NewCrisisPublisher(b)
	alert := chat.Alert{MessageID: "m1", IdentityID: "alice", RoomID: room.DirectRoomID("alice", "bob"), Keywords: []string{"end it all"}, Severity: crisis.SeverityMedium, DetectedAt: time.Now()}
	if err := p.PublishCrisis(context.Background(), alert); err != nil {
		t.Fatalf("PublishCrisis: %v", err)
	}
	got := b.published[SubjectCrisis]
	if len(got) != 1 {
		t.Fatalf("published %d alerts", len(got))
	}
	var decoded chat.Alert
	json.Unmarshal(got[0], &decoded)
	if decoded.MessageID != "m1" || decoded.Severity != crisis.SeverityMedium {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestOfflineChannel(t *testing.T) {
	b := newBus()
	o := NewOfflineChannel(b)
	if err := o.HandOff(context.Background(), &notify.Notification{ID: "n1", RecipientID: "bob"}); err != nil {
		t.Fatalf("HandOff: %v", err)
	}
	if n := len(b.published[SubjectNotifyOffline]); n != 1 {
		t.Errorf("published %d", n)
	}
}

func TestNATSClient_RoundTrip(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer client.Close()

	subject := fmt.Sprintf("test.%d", time.Now().UnixNano())
	got := make(chan []byte, 1)
	if err := client.Subscribe(subject, func(data []byte) { got <- data }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := client.Subscribe(subject, func([]byte) {}); err == nil {
		t.Error("duplicate Subscribe should fail")
	}
	if !client.Connected() {
		t.Error("Connected = false")
	}
	if err := client.Publish(subject, []byte("ping")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	client.Flush()

	select {
	case data := <-got:
		if string(data) != "ping" {
			t.Errorf("got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	if err := client.Unsubscribe(subject); err != nil {
		t.Errorf("Unsubscribe: %v", err)
	}
}
