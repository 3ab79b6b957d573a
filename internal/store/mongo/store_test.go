package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/haven/realtime/internal/chat"
	"github.com/haven/realtime/internal/notify"
	"github.com/haven/realtime/internal/room"
)

type recordedRoom struct{ id, a, b string }

type fakeRooms struct {
	rooms []recordedRoom
	err   error
}

func (f *fakeRooms) RecordDirectRoom(_ context.Context, roomID, a, b string) error {
	if f.err != nil {
		return f.err
	}
	f.rooms = append(f.rooms, recordedRoom{roomID, a, b})
	return nil
}

func TestRecordDirectRoom(t *testing.T) {
	rooms := &fakeRooms{}
	s := &Store{rooms: rooms}
	ctx := context.Background()

	direct := room.DirectRoomID("user_b", "user_a")
	for _, id := range []string{direct, "g1", "team_x"} {
		if err := s.recordDirectRoom(ctx, id); err != nil {
			t.Fatalf("recordDirectRoom(%q): %v", id, err)
		}
	}
	if len(rooms.rooms) != 1 || rooms.rooms[0] != (recordedRoom{direct, "user_a", "user_b"}) {
		t.Errorf("recorded = %+v", rooms.rooms)
	}

	rooms.err = errors.New("postgres down")
	if err := s.recordDirectRoom(ctx, direct); err == nil {
		t.Error("expected recorder error")
	}
	if err := (&Store{}).recordDirectRoom(ctx, direct); err != nil {
		t.Errorf("no recorder: %v", err)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	ctx := context.Background()
	client, err := Connect(ctx, uri)
	if err != nil {
		t.Skipf("mongo not available: %v", err)
	}
	db := client.Database(fmt.Sprintf("haven_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		db.Drop(context.Background())
		client.Disconnect(context.Background())
	})

	s := NewStore(db)
	if err := s.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}
	return s
}

func TestMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 3; i++ {
		m := &chat.Message{ID: fmt.Sprintf("m%d", i), SenderID: "alice", RoomID: "g1", Kind: chat.KindText, Content: fmt.Sprintf("c%d", i), SentAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.PersistMessage(ctx, m); err != nil {
			t.Fatalf("PersistMessage: %v", err)
		}
	}

	got, err := s.MessageByID(ctx, "m1")
	if err != nil || got.Content != "c1" || !got.SentAt.Equal(base.Add(time.Second)) {
		t.Fatalf("MessageByID = %+v, %v", got, err)
	}

	got.IsDeleted = true
	got.Content = ""
	if err := s.UpdateMessage(ctx, got); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	if again, _ := s.MessageByID(ctx, "m1"); !again.IsDeleted {
		t.Error("tombstone not stored")
	}
	if err := s.UpdateMessage(ctx, &chat.Message{ID: "nope"}); !errors.Is(err, chat.ErrMessageNotFound) {
		t.Errorf("update missing err = %v", err)
	}
	if _, err := s.MessageByID(ctx, "nope"); !errors.Is(err, chat.ErrMessageNotFound) {
		t.Errorf("missing err = %v", err)
	}

}

func TestNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n := &notify.Notification{ID: "n1", RecipientID: "bob", Kind: "message", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	old := &notify.Notification{ID: "n2", RecipientID: "bob", Kind: "message", CreatedAt: now, ExpiresAt: now.Add(-time.Hour)}
	for _, item := range []*notify.Notification{n, old} {
		if err := s.PersistNotification(ctx, item); err != nil {
			t.Fatalf("PersistNotification: %v", err)
		}
	}

	if err := s.MarkNotificationRead(ctx, "bob", "n1", now); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	if err := s.MarkNotificationRead(ctx, "bob", "n1", now.Add(time.Hour)); err != nil {
		t.Fatalf("repeat MarkNotificationRead: %v", err)
	}
	if err := s.MarkNotificationRead(ctx, "carol", "n1", now); !errors.Is(err, notify.ErrNotFound) {
		t.Errorf("foreign err = %v", err)
	}
	if changed, _ := s.MarkAllNotificationsRead(ctx, "bob", now); changed != 1 {
		t.Errorf("MarkAll changed %d, want 1", changed)
	}
	// The TTL monitor may already have removed n2.
	if purged, err := s.PurgeExpiredNotifications(ctx, now); err != nil || purged > 1 {
		t.Errorf("Purge = %d, %v", purged, err)
	}
}
