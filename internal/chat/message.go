package chat

import (
	"context"
	"errors"
	"time"

	"github.com/haven/realtime/internal/crisis"
	"github.com/haven/realtime/internal/notify"
	"github.com/haven/realtime/internal/ratelimit"
	"github.com/haven/realtime/internal/room"
)

// Kind is the content type of a message.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindFile   Kind = "file"
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
	KindSystem Kind = "system"
)

// ParseKind validates a client-supplied kind. Empty means text. Clients may
// not send system messages.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case "":
		return KindText, true
	case KindText, KindImage, KindFile, KindAudio, KindVideo:
		return k, true
	}
	return "", false
}

// Media reports whether k is an upload kind limited by the upload rule.
func (k Kind) Media() bool {
	return k == KindImage || k == KindFile || k == KindAudio || k == KindVideo
}

// Crisis is the risk annotation attached at creation. Edits may only
// escalate it.
type Crisis struct {
	Detected        bool            `json:"detected" bson:"detected"`
	MatchedKeywords []string        `json:"matchedKeywords,omitempty" bson:"matched_keywords,omitempty"`
	Severity        crisis.Severity `json:"severity" bson:"severity"`
}

func crisisFromResult(r crisis.Result) Crisis {
	return Crisis{Detected: r.Detected, MatchedKeywords: r.Matched, Severity: r.Severity}
}

func (c Crisis) result() crisis.Result {
	return crisis.Result{Detected: c.Detected, Matched: c.MatchedKeywords, Severity: c.Severity}
}

// Edit is one previous version of a message's content. When the message is
// encrypted the content is ciphertext.
type Edit struct {
	Content  string    `json:"content" bson:"content"`
	EditedAt time.Time `json:"editedAt" bson:"edited_at"`
}

// Message is the durable chat message. When IsEncrypted is set, Content
// holds ciphertext.
type Message struct {
	ID             string     `json:"id" bson:"_id"`
	SenderID       string     `json:"senderId" bson:"sender_id"`
	RoomID         string     `json:"roomId" bson:"room_id"`
	Kind           Kind       `json:"kind" bson:"kind"`
	Content        string     `json:"content" bson:"content"`
	IsEncrypted    bool       `json:"isEncrypted" bson:"is_encrypted"`
	SentAt         time.Time  `json:"sentAt" bson:"sent_at"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty" bson:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty" bson:"read_at,omitempty"`
	EditedAt       *time.Time `json:"editedAt,omitempty" bson:"edited_at,omitempty"`
	Crisis         Crisis     `json:"crisis" bson:"crisis"`
	ReplyToID      string     `json:"replyToId,omitempty" bson:"reply_to_id,omitempty"`
	IsDeleted      bool       `json:"isDeleted" bson:"is_deleted"`
	EditHistory    []Edit     `json:"editHistory,omitempty" bson:"edit_history,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty" bson:"idempotency_key,omitempty"`
}

// clone returns a deep copy so outbound views never alias stored state.
func (m *Message) clone() *Message {
	cp := *m
	cp.Crisis.MatchedKeywords = append([]string(nil), m.Crisis.MatchedKeywords...)
	cp.EditHistory = append([]Edit(nil), m.EditHistory...)
	return &cp
}

var (
	ErrEmptyMessage       = errors.New("chat: empty message")
	ErrContentTooLarge    = errors.New("chat: content too large")
	ErrInvalidContent     = errors.New("chat: content is not valid UTF-8")
	ErrInvalidKind        = errors.New("chat: invalid message kind")
	ErrNoTarget           = errors.New("chat: recipient or room required")
	ErrRoomNotFound       = errors.New("chat: room not found")
	ErrNotAMember         = errors.New("chat: not a member of room")
	ErrPersistenceFailure = errors.New("chat: persistence failure")
	ErrMessageNotFound    = errors.New("chat: message not found")
	ErrNotSender          = errors.New("chat: only the sender may change a message")
	ErrMessageDeleted     = errors.New("chat: message deleted")
)

// MessageStore is the durable message collaborator.
type MessageStore interface {
	PersistMessage(ctx context.Context, m *Message) error
	MessageByID(ctx context.Context, id string) (*Message, error) // ErrMessageNotFound when missing
	UpdateMessage(ctx context.Context, m *Message) error
}

// GroupDirectory answers group membership. GroupMembers returns
// ErrRoomNotFound for unknown groups.
type GroupDirectory interface {
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
}

// Fanout delivers frames to rooms and identities. The room router
// implements it.
type Fanout interface {
	Broadcast(roomID string, data []byte, excludeConnID string) int
	DeliverToIdentity(identityID string, data []byte, excludeConnID string) int
	JoinIdentity(identityID, roomID string, kind room.Kind)
	IsJoined(connID, roomID string) bool
}

// RateGuard rejects senders over their limit with a *ratelimit.LimitedError.
type RateGuard interface {
	Check(ctx context.Context, identityID string, rule ratelimit.Rule) error
}

// Notifier records and pushes notifications.
type Notifier interface {
	Notify(ctx context.Context, req notify.Request) (*notify.Notification, error)
}

// Alert is a crisis detection forwarded to reviewers. It never carries
// message text.
type Alert struct {
	MessageID  string          `json:"messageId"`
	IdentityID string          `json:"identityId"`
	RoomID     string          `json:"roomId"`
	Keywords   []string        `json:"keywords"`
	Severity   crisis.Severity `json:"severity"`
	DetectedAt time.Time       `json:"detectedAt"`
}

// AlertPublisher forwards crisis alerts off-instance.
type AlertPublisher interface {
	PublishCrisis(ctx context.Context, a Alert) error
}
