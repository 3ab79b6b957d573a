package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegister_FirstTransition(t *testing.T) {
	r := New()

	tr, first := r.Register("alice", "c1")
	if !first || !tr.Online || tr.IdentityID != "alice" || tr.Epoch == 0 {
		t.Fatalf("first Register = %+v, %v; want online transition", tr, first)
	}

	if _, first := r.Register("alice", "c2"); first {
		t.Error("second connection must not be a first transition")
	}
	if _, first := r.Register("alice", "c1"); first {
		t.Error("re-registering c1 must be a no-op")
	}

	conns := r.ConnectionsFor("alice")
	sort.Strings(conns)
	if len(conns) != 2 || conns[0] != "c1" || conns[1] != "c2" {
		t.Errorf("ConnectionsFor = %v, want [c1 c2]", conns)
	}
	if r.Count() != 2 || r.OnlineCount() != 1 {
		t.Errorf("Count=%d OnlineCount=%d, want 2/1", r.Count(), r.OnlineCount())
	}
}

func TestUnregister_LastTransition(t *testing.T) {
	r := New()
	on, _ := r.Register("alice", "c1")
	r.Register("alice", "c2")

	if _, last, ok := r.Unregister("c1"); !ok || last {
		t.Fatalf("Unregister(c1) last=%v ok=%v, want ok and not last", last, ok)
	}
	if !r.IsOnline("alice") {
		t.Error("alice should still be online")
	}

	off, last, ok := r.Unregister("c2")
	if !ok || !last {
		t.Fatalf("Unregister(c2) last=%v ok=%v, want last", last, ok)
	}
	if off.Online || off.IdentityID != "alice" {
		t.Errorf("offline transition = %+v", off)
	}
	if off.Epoch <= on.Epoch {
		t.Errorf("offline epoch %d must exceed online epoch %d", off.Epoch, on.Epoch)
	}
	if r.IsOnline("alice") {
		t.Error("alice should be offline")
	}
	if _, last, ok := r.Unregister("c2"); ok || last {
		t.Error("second Unregister(c2) must be a no-op")
	}
	if _, ok := r.IdentityFor("c2"); ok {
		t.Error("IdentityFor(c2) should be gone")
	}
}

func TestIdentityFor(t *testing.T) {
	r := New()
	r.Register("bob", "c9")
	id, ok := r.IdentityFor("c9")
	if !ok || id != "bob" {
		t.Errorf("IdentityFor(c9) = %q, %v", id, ok)
	}
	if _, ok := r.IdentityFor("missing"); ok {
		t.Error("IdentityFor(missing) should be false")
	}
}

func TestConcurrentUnregister_ExactlyOneLast(t *testing.T) {
	const conns = 200
	for round := 0; round < 20; round++ {
		r := New()
		for i := 0; i < conns; i++ {
			r.Register("alice", fmt.Sprintf("c%d", i))
		}

		var lasts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < conns; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, last, _ := r.Unregister(fmt.Sprintf("c%d", i)); last {
					lasts.Add(1)
				}
			}(i)
		}
		wg.Wait()

		if got := lasts.Load(); got != 1 {
			t.Fatalf("round %d: %d last transitions, want exactly 1", round, got)
		}
		if r.Count() != 0 || r.OnlineCount() != 0 {
			t.Fatalf("round %d: Count=%d OnlineCount=%d", round, r.Count(), r.OnlineCount())
		}
	}
}

func TestConcurrentRegister_ExactlyOneFirst(t *testing.T) {
	r := New()
	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, first := r.Register("alice", fmt.Sprintf("c%d", i)); first {
				firsts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := firsts.Load(); got != 1 {
		t.Errorf("%d first transitions, want exactly 1", got)
	}
	if got := len(r.ConnectionsFor("alice")); got != 100 {
		t.Errorf("ConnectionsFor has %d entries, want 100", got)
	}
}

func TestEpochsIncreasePerIdentity(t *testing.T) {
	r := New()
	var last uint64
	for i := 0; i < 10; i++ {
		on, _ := r.Register("alice", "c")
		off, _, _ := r.Unregister("c")
		if on.Epoch <= last || off.Epoch <= on.Epoch {
			t.Fatalf("iteration %d: epochs not increasing (%d, %d after %d)", i, on.Epoch, off.Epoch, last)
		}
		last = off.Epoch
	}
}
