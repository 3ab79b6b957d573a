// Package notify delivers in-app notifications to an identity's live
// connections and hands undelivered ones to an offline channel.
//
// The dispatcher's job ends at a well-formed, persisted record plus a
// delivered flag. Push and email delivery happen elsewhere, fed by the
// OfflineChannel.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/metrics"
	"github.com/haven/realtime/internal/protocol"
)

// Priority orders notifications for downstream channels.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// DefaultRetention is how long a notification lives when no expiry is given.
const DefaultRetention = 90 * 24 * time.Hour

var (
	// ErrNotFound is returned by stores for unknown notification ids.
	ErrNotFound = errors.New("notify: notification not found")

	// ErrInvalidRequest is returned for requests missing a recipient or kind.
	ErrInvalidRequest = errors.New("notify: invalid request")
)

// Notification is the durable record.
type Notification struct {
	ID          string          `json:"id" bson:"_id"`
	RecipientID string          `json:"recipientId" bson:"recipient_id"`
	SenderID    string          `json:"senderId,omitempty" bson:"sender_id,omitempty"`
	Kind        string          `json:"kind" bson:"kind"`
	Title       string          `json:"title" bson:"title"`
	Body        string          `json:"body" bson:"body"`
	Data        json.RawMessage `json:"data,omitempty" bson:"data,omitempty"`
	Priority    Priority        `json:"priority" bson:"priority"`
	Category    string          `json:"category,omitempty" bson:"category,omitempty"`
	Read        bool            `json:"read" bson:"read"`
	ReadAt      *time.Time      `json:"readAt,omitempty" bson:"read_at,omitempty"`
	Delivered   bool            `json:"delivered" bson:"delivered"`
	CreatedAt   time.Time       `json:"createdAt" bson:"created_at"`
	ExpiresAt   time.Time       `json:"expiresAt" bson:"expires_at"`
}

// Request describes a notification to send.
type Request struct {
	RecipientID string
	SenderID    string
	Kind        string
	Title       string
	Body        string
	Data        json.RawMessage
	Priority    Priority
	Category    string
	ExpiresAt   time.Time // zero means now + retention

	// Event and Payload override the live frame. When Event is empty the
	// record itself is sent as notification:new.
	Event   string
	Payload interface{}
}

// Store persists notification records. MarkRead and MarkAllRead must be
// idempotent: marking an already-read notification changes nothing.
type Store interface {
	PersistNotification(ctx context.Context, n *Notification) error
	MarkNotificationRead(ctx context.Context, recipientID, id string, at time.Time) error
	MarkAllNotificationsRead(ctx context.Context, recipientID string, at time.Time) (int64, error)
	PurgeExpiredNotifications(ctx context.Context, before time.Time) (int64, error)
}

// Delivery queues frames on an identity's live connections.
type Delivery interface {
	DeliverToIdentity(identityID string, data []byte, excludeConnID string) int
}

// Presence reports whether an identity holds a connection on any instance.
type Presence interface {
	Online(ctx context.Context, identityID string) (bool, error)
}

// OfflineChannel receives notifications that reached no live connection.
type OfflineChannel interface {
	HandOff(ctx context.Context, n *Notification) error
}

// Dispatcher sends, records and tracks notifications.
type Dispatcher struct {
	store     Store
	delivery  Delivery
	presence  Presence
	offline   OfflineChannel
	retention time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// Config holds Dispatcher collaborators. Presence and Offline may be nil;
// without Presence only this instance's connections count as delivered.
type Config struct {
	Store     Store
	Delivery  Delivery
	Presence  Presence
	Offline   OfflineChannel
	Retention time.Duration
	Log       zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	d := &Dispatcher{
		store:     cfg.Store,
		delivery:  cfg.Delivery,
		presence:  cfg.Presence,
		offline:   cfg.Offline,
		retention: cfg.Retention,
		log:       cfg.Log,
		now:       time.Now,
	}
	if d.retention <= 0 {
		d.retention = DefaultRetention
	}
	return d
}

// Notify builds a record, fans it to every live connection of the recipient,
// persists it with the delivered flag and, when nothing was delivered, hands
// it to the offline channel. A hand-off failure is logged, not returned.
func (d *Dispatcher) Notify(ctx context.Context, req Request) (*Notification, error) {
	if req.RecipientID == "" || req.Kind == "" {
		return nil, ErrInvalidRequest
	}

	now := d.now().UTC()
	n := &Notification{
		ID:          uuid.NewString(),
		RecipientID: req.RecipientID,
		SenderID:    req.SenderID,
		Kind:        req.Kind,
		Title:       req.Title,
		Body:        req.Body,
		Data:        req.Data,
		Priority:    req.Priority,
		Category:    req.Category,
		CreatedAt:   now,
		ExpiresAt:   req.ExpiresAt,
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.ExpiresAt.IsZero() {
		n.ExpiresAt = now.Add(d.retention)
	}

	event, payload := req.Event, req.Payload
	if event == "" {
		event, payload = protocol.TypeNotificationNew, n
	}
	frame, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		return nil, fmt.Errorf("notify: encode: %w", err)
	}

	if d.delivery.DeliverToIdentity(n.RecipientID, frame, "") > 0 || d.onlineElsewhere(ctx, n.RecipientID) {
		n.Delivered = true
		metrics.NotificationsTotal.WithLabelValues("live").Inc()
	}

	if err := d.store.PersistNotification(ctx, n); err != nil {
		return n, fmt.Errorf("notify: persist: %w", err)
	}

	if !n.Delivered && d.offline != nil {
		if err := d.offline.HandOff(ctx, n); err != nil {
			d.log.Warn().Err(err).Str("notification_id", n.ID).Msg("offline hand-off failed")
		} else {
			metrics.NotificationsTotal.WithLabelValues("offline").Inc()
		}
	}
	return n, nil
}

// onlineElsewhere reports whether the frame reached the recipient through
// another instance. A lookup failure counts as offline so the hand-off still
// happens.
func (d *Dispatcher) onlineElsewhere(ctx context.Context, identityID string) bool {
	if d.presence == nil {
		return false
	}
	online, err := d.presence.Online(ctx, identityID)
	if err != nil {
		d.log.Warn().Err(err).Str("identity_id", identityID).Msg("cluster presence lookup failed")
		return false
	}
	return online
}

// MarkRead marks one notification as read. Repeating it is harmless.
func (d *Dispatcher) MarkRead(ctx context.Context, recipientID, id string) error {
	if err := d.store.MarkNotificationRead(ctx, recipientID, id, d.now().UTC()); err != nil {
		return fmt.Errorf("notify: mark read: %w", err)
	}
	return nil
}

// MarkAllRead marks every unread notification of recipientID as read and
// returns how many changed.
func (d *Dispatcher) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	n, err := d.store.MarkAllNotificationsRead(ctx, recipientID, d.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("notify: mark all read: %w", err)
	}
	return n, nil
}

// PurgeExpired deletes notifications whose expiry has passed.
func (d *Dispatcher) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := d.store.PurgeExpiredNotifications(ctx, d.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("notify: purge: %w", err)
	}
	return n, nil
}

// RunRetention purges expired notifications every interval until ctx ends.
func (d *Dispatcher) RunRetention(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.PurgeExpired(ctx)
			if err != nil {
				d.log.Warn().Err(err).Msg("notification purge failed")
				continue
			}
			if n > 0 {
				d.log.Info().Int64("purged", n).Msg("expired notifications purged")
			}
		}
	}
}
