package chat

import (
	"fmt"
	"sync"
	"testing"
)

func TestRecentSends_AddAndLookup(t *testing.T) {
	rs := NewRecentSends(4)

	m1 := &Message{ID: "m1"}
	rs.Add("alice", "k1", m1)
	rs.Add("alice", "k2", &Message{ID: "m2"})

	got, ok := rs.Lookup("alice", "k1")
	if !ok || got != m1 {
		t.Fatalf("Lookup(k1) = %v, %v", got, ok)
	}
	if _, ok := rs.Lookup("bob", "k1"); ok {
		t.Error("keys must be scoped per sender")
	}
	if _, ok := rs.Lookup("alice", "k9"); ok {
		t.Error("unknown key should miss")
	}
}

func TestRecentSends_EmptyKeyIgnored(t *testing.T) {
	rs := NewRecentSends(4)
	rs.Add("alice", "", &Message{ID: "m1"})
	if _, ok := rs.Lookup("alice", ""); ok {
		t.Error("empty key must never match")
	}
}

func TestRecentSends_Wraparound(t *testing.T) {
	rs := NewRecentSends(5)

	// Add 7 keys; the buffer holds only 5.
	for i := 1; i <= 7; i++ {
		rs.Add("alice", fmt.Sprintf("k%d", i), &Message{ID: fmt.Sprintf("m%d", i)})
	}

	for i := 1; i <= 2; i++ {
		if _, ok := rs.Lookup("alice", fmt.Sprintf("k%d", i)); ok {
			t.Errorf("k%d should have been evicted", i)
		}
	}
	for i := 3; i <= 7; i++ {
		got, ok := rs.Lookup("alice", fmt.Sprintf("k%d", i))
		if !ok || got.ID != fmt.Sprintf("m%d", i) {
			t.Errorf("k%d: got %v, %v", i, got, ok)
		}
	}
}

func TestRecentSends_ConcurrentAccess(t *testing.T) {
	rs := NewRecentSends(MaxRecentSends)
	goroutines := 50
	perGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < perGoroutine; m++ {
				key := fmt.Sprintf("g%d-m%d", id, m)
				rs.Add("alice", key, &Message{ID: key})
				_, _ = rs.Lookup("alice", key)
			}
		}(g)
	}
	wg.Wait()

	rs.mu.Lock()
	count := rs.buffers["alice"].count
	rs.mu.Unlock()
	if count != MaxRecentSends {
		t.Fatalf("count = %d, want %d", count, MaxRecentSends)
	}
}
