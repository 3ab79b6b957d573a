// Package mongo stores messages and notifications in MongoDB. It is the
// alternative to the PostgreSQL message store; identities and memberships
// always come from PostgreSQL.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/haven/realtime/internal/chat"
	"github.com/haven/realtime/internal/notify"
	"github.com/haven/realtime/internal/room"
)

const (
	messagesCollection      = "chat_messages"
	notificationsCollection = "notifications"
)

// Connect opens a client and verifies it with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	return client, nil
}

// DirectRoomRecorder records the participants of a direct room in the
// membership store. The PostgreSQL store implements it.
type DirectRoomRecorder interface {
	RecordDirectRoom(ctx context.Context, roomID, a, b string) error
}

// Store implements chat.MessageStore and notify.Store.
type Store struct {
	messages      *mongo.Collection
	notifications *mongo.Collection
	rooms         DirectRoomRecorder
}

// Option configures a Store.
type Option func(*Store)

// WithDirectRooms records direct rooms through r when their messages are
// persisted, so both parties rejoin them on their next connection.
func WithDirectRooms(r DirectRoomRecorder) Option {
	return func(s *Store) { s.rooms = r }
}

// NewStore creates a store on database db.
func NewStore(db *mongo.Database, opts ...Option) *Store {
	s := &Store{
		messages:      db.Collection(messagesCollection),
		notifications: db.Collection(notificationsCollection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIndexes configures the indexes both collections rely on. Called on
// startup after Mongo has connected.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	msgModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "room_id", Value: 1}, {Key: "sent_at", Value: -1}},
			Options: options.Index().SetName("idx_room_sent"),
		},
		{
			Keys:    bson.D{{Key: "sender_id", Value: 1}, {Key: "sent_at", Value: -1}},
			Options: options.Index().SetName("idx_sender_sent"),
		},
	}
	if _, err := s.messages.Indexes().CreateMany(ctx, msgModels); err != nil {
		return fmt.Errorf("mongo: message indexes: %w", err)
	}

	notifModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "recipient_id", Value: 1}, {Key: "read", Value: 1}},
			Options: options.Index().SetName("idx_recipient_read"),
		},
		{
			// Mongo's TTL monitor removes expired notifications on its own;
			// PurgeExpiredNotifications covers the gap until it runs.
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("idx_expires").SetExpireAfterSeconds(0),
		},
	}
	if _, err := s.notifications.Indexes().CreateMany(ctx, notifModels); err != nil {
		return fmt.Errorf("mongo: notification indexes: %w", err)
	}
	return nil
}

// PersistMessage inserts m. A direct room is recorded first; recording is
// idempotent, so a failed insert retried later leaves no stray state.
func (s *Store) PersistMessage(ctx context.Context, m *chat.Message) error {
	if err := s.recordDirectRoom(ctx, m.RoomID); err != nil {
		return err
	}
	if _, err := s.messages.InsertOne(ctx, m); err != nil {
		return fmt.Errorf("mongo: insert message: %w", err)
	}
	return nil
}

func (s *Store) recordDirectRoom(ctx context.Context, roomID string) error {
	if s.rooms == nil {
		return nil
	}
	a, b, ok := room.ParseDirectRoomID(roomID)
	if !ok {
		return nil
	}
	if err := s.rooms.RecordDirectRoom(ctx, roomID, a, b); err != nil {
		return fmt.Errorf("mongo: record direct room: %w", err)
	}
	return nil
}

// MessageByID loads a message. Unknown ids yield chat.ErrMessageNotFound.
func (s *Store) MessageByID(ctx context.Context, id string) (*chat.Message, error) {
	var m chat.Message
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, chat.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: load message: %w", err)
	}
	return &m, nil
}

// UpdateMessage replaces the stored message with m.
func (s *Store) UpdateMessage(ctx context.Context, m *chat.Message) error {
	res, err := s.messages.ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("mongo: update message: %w", err)
	}
	if res.MatchedCount == 0 {
		return chat.ErrMessageNotFound
	}
	return nil
}

// PersistNotification inserts n.
func (s *Store) PersistNotification(ctx context.Context, n *notify.Notification) error {
	if _, err := s.notifications.InsertOne(ctx, n); err != nil {
		return fmt.Errorf("mongo: insert notification: %w", err)
	}
	return nil
}

// MarkNotificationRead marks one notification read, keeping the original
// read time when it was already read.
func (s *Store) MarkNotificationRead(ctx context.Context, recipientID, id string, at time.Time) error {
	filter := bson.M{"_id": id, "recipient_id": recipientID}
	res, err := s.notifications.UpdateOne(ctx,
		bson.M{"_id": id, "recipient_id": recipientID, "read": false},
		bson.M{"$set": bson.M{"read": true, "read_at": at}},
	)
	if err != nil {
		return fmt.Errorf("mongo: mark read: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.notifications.CountDocuments(ctx, filter)
	if err != nil {
		return fmt.Errorf("mongo: mark read: %w", err)
	}
	if n == 0 {
		return notify.ErrNotFound
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification of recipientID
// read and returns how many changed.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, recipientID string, at time.Time) (int64, error) {
	res, err := s.notifications.UpdateMany(ctx,
		bson.M{"recipient_id": recipientID, "read": false},
		bson.M{"$set": bson.M{"read": true, "read_at": at}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongo: mark all read: %w", err)
	}
	return res.ModifiedCount, nil
}

// PurgeExpiredNotifications deletes notifications that expired before the
// given time.
func (s *Store) PurgeExpiredNotifications(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.notifications.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("mongo: purge notifications: %w", err)
	}
	return res.DeletedCount, nil
}
