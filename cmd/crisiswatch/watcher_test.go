package main

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
	"github.com/haven/realtime/internal/store/memstore"
)

type memGate struct {
	mu    sync.Mutex
	taken map[string]bool
}

func (g *memGate) Acquire(_ context.Context, id string, _ time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.taken == nil {
		g.taken = map[string]bool{}
	}
	if g.taken[id] {
		return false, nil
	}
	g.taken[id] = true
	return true, nil
}

func alertJSON(messageID, identityID string, sev crisis.Severity) []byte {
	data, _ := json.Marshal(chat.Alert{
		MessageID:  messageID,
		IdentityID: identityID,
		RoomID:     "group-1",
		Keywords:   []string{"hopeless"},
		Severity:   sev,
		DetectedAt: time.Now().UTC(),
	})
	return data
}

func TestWatcher_EscalatesAfterRepeatedAlerts(t *testing.T) {
	w := &watcher{store: memstore.New(), gate: &memGate{}, log: zerolog.Nop()}
	ctx := context.Background()

	for i := 1; i <= escalationThreshold+1; i++ {
		escalated, err := w.handle(ctx, alertJSON(fmt.Sprintf("m%d", i), "alice", crisis.SeverityMedium))
		if err != nil {
			t.Fatalf("handle #%d: %v", i, err)
		}
		want := i == escalationThreshold
		if escalated != want {
			t.Errorf("alert #%d escalated = %v, want %v", i, escalated, want)
		}
	}
}

func TestWatcher_CriticalEscalatesImmediately(t *testing.T) {
	w := &watcher{store: memstore.New(), log: zerolog.Nop()}
	escalated, err := w.handle(context.Background(), alertJSON("m1", "bob", crisis.SeverityCritical))
	if err != nil || !escalated {
		t.Errorf("handle = %v, %v; want escalation", escalated, err)
	}
}

func TestWatcher_RedeliveryIsIdempotent(t *testing.T) {
	store := memstore.New()
	w := &watcher{store: store, log: zerolog.Nop()}
	ctx := context.Background()

	data := alertJSON("m1", "carol", crisis.SeverityMedium)
	for i := 0; i < 3; i++ {
		if _, err := w.handle(ctx, data); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := store.CountRecentAlerts(ctx, "carol", time.Hour); n != 1 {
		t.Errorf("recorded %d alerts, want 1", n)
	}
}

func TestWatcher_RejectsBadInput(t *testing.T) {
	w := &watcher{store: memstore.New(), log: zerolog.Nop()}
	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("{")},
		{"missing identity", alertJSON("m1", "", crisis.SeverityHigh)},
		{"unknown severity", alertJSON("m1", "dave", crisis.Severity("extreme"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := w.handle(context.Background(), tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}
