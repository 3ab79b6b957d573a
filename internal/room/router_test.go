package room

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

type fakeSink struct {
	id, owner string
	mu        sync.Mutex
	frames    []string
	full      bool
}

func (s *fakeSink) ConnID() string  { return s.id }
func (s *fakeSink) OwnerID() string { return s.owner }

func (s *fakeSink) Enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.frames = append(s.frames, string(data))
	return true
}

func (s *fakeSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

type fakeDir map[string][]string

func (d fakeDir) ConnectionsFor(identityID string) []string {
	return append([]string(nil), d[identityID]...)
}

type fakeBridge struct {
	mu         sync.Mutex
	rooms      []string
	identities []string
	all        int
}

func (b *fakeBridge) PublishRoom(roomID string, _ []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms = append(b.rooms, roomID)
	return nil
}

func (b *fakeBridge) PublishIdentity(identityID string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identities = append(b.identities, identityID)
	return nil
}

func (b *fakeBridge) PublishAll([]byte, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all++
	return nil
}

func TestDirectRoomID_Symmetric(t *testing.T) {
	pairs := [][2]string{{"alice", "bob"}, {"b", "a"}, {"x", "x"}, {"0f3c", "0f3b"}}
	for _, p := range pairs {
		if DirectRoomID(p[0], p[1]) != DirectRoomID(p[1], p[0]) {
			t.Errorf("DirectRoomID(%q,%q) not symmetric", p[0], p[1])
		}
	}
	if got := DirectRoomID("bob", "alice"); got != "dm:5:alice:bob" {
		t.Errorf("DirectRoomID = %q, want dm:5:alice:bob", got)
	}
}

func TestParseDirectRoomID(t *testing.T) {
	pairs := [][2]string{
		{"bob", "alice"},
		{"user_a", "user_b"},
		{"a:b", "c"},
		{"team_x", "x"},
		{"12", "3:4"},
	}
	for _, p := range pairs {
		a, b, ok := ParseDirectRoomID(DirectRoomID(p[0], p[1]))
		lo, hi := p[0], p[1]
		if hi < lo {
			lo, hi = hi, lo
		}
		if !ok || a != lo || b != hi {
			t.Errorf("ParseDirectRoomID(DirectRoomID(%q,%q)) = %q %q %v", p[0], p[1], a, b, ok)
		}
	}

	for _, bad := range []string{
		"group-1", "team_x", "alice_bob",
		"dm:", "dm:5:alice", "dm:5:alice:", "dm:0::bob", "dm:05:alice:bob",
		"dm:x:alice:bob", "dm:3:bob:alice", "dm:9:alice:bob",
	} {
		if _, _, ok := ParseDirectRoomID(bad); ok {
			t.Errorf("ParseDirectRoomID(%q) should fail", bad)
		}
	}
}

func TestReserved(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"team_x", false},
		{"group-1", false},
		{"dm:5:alice:bob", true},
		{"dm:anything", true},
		{"call:1234", true},
		{"calls", false},
	}
	for _, tt := range tests {
		if got := Reserved(tt.id); got != tt.want {
			t.Errorf("Reserved(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestJoinBroadcastExclude(t *testing.T) {
	r := NewRouter(fakeDir{})
	s1 := &fakeSink{id: "c1", owner: "alice"}
	s2 := &fakeSink{id: "c2", owner: "bob"}
	r.Attach(s1)
	r.Attach(s2)

	if err := r.Join("c1", "g1", KindGroup); err != nil {
		t.Fatalf("Join: %v", err)
	}
	r.Join("c2", "g1", KindGroup)
	r.Join("c2", "g1", KindGroup) // idempotent

	if n := r.Broadcast("g1", []byte("hello"), "c1"); n != 1 {
		t.Errorf("Broadcast delivered to %d, want 1", n)
	}
	if len(s1.got()) != 0 {
		t.Error("excluded connection received the frame")
	}
	if got := s2.got(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("c2 frames = %v", got)
	}

	if got := r.Members("g1"); !reflect.DeepEqual(got, []string{"c1", "c2"}) {
		t.Errorf("Members = %v", got)
	}
	if !r.IsJoined("c1", "g1") || r.IsJoined("c1", "g2") {
		t.Error("IsJoined mismatch")
	}
}

func TestJoin_UnknownConnection(t *testing.T) {
	r := NewRouter(fakeDir{})
	if err := r.Join("ghost", "g1", KindGroup); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("err = %v, want ErrUnknownConnection", err)
	}
}

func TestLeaveAndDetach_DropEmptyRooms(t *testing.T) {
	r := NewRouter(fakeDir{})
	r.Attach(&fakeSink{id: "c1"})
	r.Join("c1", "g1", KindGroup)
	r.Join("c1", "g2", KindGroup)

	r.Leave("c1", "g1")
	if r.IsJoined("c1", "g1") {
		t.Error("c1 still joined to g1 after Leave")
	}
	if r.RoomCount() != 1 {
		t.Errorf("RoomCount = %d, want 1", r.RoomCount())
	}

	r.Detach("c1")
	r.Detach("c1")
	if r.RoomCount() != 0 {
		t.Errorf("RoomCount after Detach = %d, want 0", r.RoomCount())
	}
	if n := r.Broadcast("g2", []byte("x"), ""); n != 0 {
		t.Errorf("Broadcast after Detach delivered to %d", n)
	}
}

func TestBroadcast_OrderingAcrossSubscribers(t *testing.T) {
	r := NewRouter(fakeDir{})
	var sinks []*fakeSink
	for i := 0; i < 5; i++ {
		s := &fakeSink{id: fmt.Sprintf("c%d", i)}
		sinks = append(sinks, s)
		r.Attach(s)
		r.Join(s.id, "g1", KindGroup)
	}

	var wg sync.WaitGroup
	for sender := 0; sender < 8; sender++ {
		wg.Add(1)
		go func(sender int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Broadcast("g1", []byte(fmt.Sprintf("s%d-m%d", sender, i)), "")
			}
		}(sender)
	}
	wg.Wait()

	want := sinks[0].got()
	if len(want) != 400 {
		t.Fatalf("c0 received %d frames, want 400", len(want))
	}
	for _, s := range sinks[1:] {
		if got := s.got(); !reflect.DeepEqual(got, want) {
			t.Fatalf("%s observed a different order than c0", s.id)
		}
	}
}

func TestBroadcast_SlowConsumerDoesNotBlock(t *testing.T) {
	var closed []string
	r := NewRouter(fakeDir{}, WithOverflow(func(s Sink) { closed = append(closed, s.ConnID()) }))
	slow := &fakeSink{id: "slow", full: true}
	fast := &fakeSink{id: "fast"}
	r.Attach(slow)
	r.Attach(fast)
	r.Join("slow", "g1", KindGroup)
	r.Join("fast", "g1", KindGroup)

	if n := r.Broadcast("g1", []byte("x"), ""); n != 1 {
		t.Errorf("delivered to %d, want 1", n)
	}
	if len(fast.got()) != 1 {
		t.Error("fast subscriber missed the frame")
	}
	if !reflect.DeepEqual(closed, []string{"slow"}) {
		t.Errorf("overflow callback got %v, want [slow]", closed)
	}
}

type fakeMemberships map[string][]Membership

func (f fakeMemberships) MembershipsFor(_ context.Context, identityID string) ([]Membership, error) {
	if identityID == "broken" {
		return nil, errors.New("store down")
	}
	return f[identityID], nil
}

func TestAutoJoin(t *testing.T) {
	r := NewRouter(fakeDir{})
	r.Attach(&fakeSink{id: "c1", owner: "alice"})
	src := fakeMemberships{"alice": {
		{RoomID: "g1", Kind: KindGroup},
		{RoomID: DirectRoomID("alice", "bob"), Kind: KindDirect},
	}}

	joined, err := r.AutoJoin(context.Background(), "c1", "alice", src)
	if err != nil {
		t.Fatalf("AutoJoin: %v", err)
	}
	if len(joined) != 2 || !r.IsJoined("c1", "g1") || !r.IsJoined("c1", DirectRoomID("alice", "bob")) {
		t.Errorf("joined = %v", joined)
	}

	r.Attach(&fakeSink{id: "c2", owner: "broken"})
	if _, err := r.AutoJoin(context.Background(), "c2", "broken", src); err == nil {
		t.Error("expected error from membership source")
	}
}

func TestDeliverToIdentity(t *testing.T) {
	dir := fakeDir{"alice": {"a1", "a2"}, "bob": {"b1"}}
	bridge := &fakeBridge{}
	r := NewRouter(dir, WithBridge(bridge))
	a1 := &fakeSink{id: "a1", owner: "alice"}
	a2 := &fakeSink{id: "a2", owner: "alice"}
	b1 := &fakeSink{id: "b1", owner: "bob"}
	r.Attach(a1)
	r.Attach(a2)
	r.Attach(b1)

	if n := r.DeliverToIdentity("alice", []byte("ping"), "a2"); n != 1 {
		t.Errorf("delivered to %d, want 1", n)
	}
	if len(a1.got()) != 1 || len(a2.got()) != 0 || len(b1.got()) != 0 {
		t.Error("frame delivered to the wrong connections")
	}
	if !reflect.DeepEqual(bridge.identities, []string{"alice"}) {
		t.Errorf("bridge identities = %v", bridge.identities)
	}
}

func TestBroadcastAll_ExceptIdentity(t *testing.T) {
	bridge := &fakeBridge{}
	r := NewRouter(fakeDir{}, WithBridge(bridge))
	a1 := &fakeSink{id: "a1", owner: "alice"}
	b1 := &fakeSink{id: "b1", owner: "bob"}
	c1 := &fakeSink{id: "c1", owner: "carol"}
	r.Attach(a1)
	r.Attach(b1)
	r.Attach(c1)

	if n := r.BroadcastAll([]byte("online"), "alice"); n != 2 {
		t.Errorf("delivered to %d, want 2", n)
	}
	if len(a1.got()) != 0 {
		t.Error("alice should not receive her own presence")
	}
	if bridge.all != 1 {
		t.Errorf("bridge PublishAll calls = %d, want 1", bridge.all)
	}
}

func TestDeliverRoom_DoesNotBridge(t *testing.T) {
	bridge := &fakeBridge{}
	r := NewRouter(fakeDir{}, WithBridge(bridge))
	s := &fakeSink{id: "c1"}
	r.Attach(s)
	r.Join("c1", "g1", KindGroup)

	r.DeliverRoom("g1", []byte("remote"), "")
	if len(bridge.rooms) != 0 {
		t.Error("remote delivery must not be re-published")
	}
	r.Broadcast("g1", []byte("local"), "")
	if !reflect.DeepEqual(bridge.rooms, []string{"g1"}) {
		t.Errorf("bridge rooms = %v", bridge.rooms)
	}
}
