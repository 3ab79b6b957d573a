package shard

import "testing"

func TestIndex_Stable(t *testing.T) {
	for _, key := range []string{"", "a", "identity-1", "dm:x:y"} {
		first := Index(key, Count)
		if first < 0 || first >= Count {
			t.Fatalf("Index(%q) = %d out of range", key, first)
		}
		if again := Index(key, Count); again != first {
			t.Errorf("Index(%q) not stable: %d then %d", key, first, again)
		}
	}
}

func TestIndex_SingleShard(t *testing.T) {
	if got := Index("anything", 1); got != 0 {
		t.Errorf("Index with n=1 = %d, want 0", got)
	}
	if got := Index("anything", 0); got != 0 {
		t.Errorf("Index with n=0 = %d, want 0", got)
	}
}
