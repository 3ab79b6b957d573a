// Package chat implements the message pipeline: validation, membership,
// rate limiting, idempotency, crisis scanning, encryption at rest,
// persistence and fan-out of chat messages.
//
// The persisted copy of an encrypted message holds ciphertext only. The
// outbound copy delivered to connections carries the plaintext.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/crisis"
	"github.com/haven/realtime/internal/metrics"
	"github.com/haven/realtime/internal/notify"
	"github.com/haven/realtime/internal/protocol"
	"github.com/haven/realtime/internal/ratelimit"
	"github.com/haven/realtime/internal/room"
	"github.com/haven/realtime/internal/seal"
)

const (
	// DefaultPersistTimeout bounds one write to the message store.
	DefaultPersistTimeout = 3 * time.Second

	// PreviewRunes is the length of the preview in notification:message.
	PreviewRunes = 100
)

// Config holds Pipeline collaborators and settings. Cipher, Notifier and
// Alerts may be nil.
type Config struct {
	Store    MessageStore
	Groups   GroupDirectory
	Fanout   Fanout
	Guard    RateGuard
	Rule     ratelimit.Rule // zero means ratelimit.RuleMessage
	Upload   ratelimit.Rule // zero means ratelimit.RuleUpload; applies to media kinds
	Scanner  *crisis.Scanner
	Cipher   *seal.Cipher
	Notifier Notifier
	Alerts   AlertPublisher

	ReviewersRoom  string
	MaxRunes       int
	PersistTimeout time.Duration
	RecentSends    int
	Log            zerolog.Logger
}

// Pipeline processes chat operations.
type Pipeline struct {
	store    MessageStore
	groups   GroupDirectory
	fanout   Fanout
	guard    RateGuard
	rule     ratelimit.Rule
	upload   ratelimit.Rule
	scanner  *crisis.Scanner
	cipher   *seal.Cipher
	notifier Notifier
	alerts   AlertPublisher

	reviewersRoom  string
	maxRunes       int
	persistTimeout time.Duration
	recent         *RecentSends
	log            zerolog.Logger
	now            func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg Config) *Pipeline {
	p := &Pipeline{
		store:          cfg.Store,
		groups:         cfg.Groups,
		fanout:         cfg.Fanout,
		guard:          cfg.Guard,
		rule:           cfg.Rule,
		upload:         cfg.Upload,
		scanner:        cfg.Scanner,
		cipher:         cfg.Cipher,
		notifier:       cfg.Notifier,
		alerts:         cfg.Alerts,
		reviewersRoom:  cfg.ReviewersRoom,
		maxRunes:       cfg.MaxRunes,
		persistTimeout: cfg.PersistTimeout,
		recent:         NewRecentSends(cfg.RecentSends),
		log:            cfg.Log,
		now:            time.Now,
	}
	if p.rule.Name == "" {
		p.rule = ratelimit.RuleMessage
	}
	if p.upload.Name == "" {
		p.upload = ratelimit.RuleUpload
	}
	if p.scanner == nil {
		p.scanner = crisis.NewScanner(nil)
	}
	if p.persistTimeout <= 0 {
		p.persistTimeout = DefaultPersistTimeout
	}
	return p
}

// SendRequest is one message:send.
type SendRequest struct {
	SenderID       string
	RecipientID    string // direct message target
	RoomID         string // group or direct room; used when RecipientID is empty
	Content        string
	Kind           string
	ReplyToID      string
	IdempotencyKey string
	OriginConnID   string
}

// SendResult is the outcome of a successful Send. Message is the plaintext
// view.
type SendResult struct {
	Message   *Message
	Duplicate bool
}

// Send validates, scans, encrypts, persists and fans out one message.
//
// A send rejected before persistence has no side effects. The context only
// scopes the caller: once accepted, persistence runs on a detached context
// bounded by the persist timeout so a disconnect cannot cancel it halfway.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	start := p.now()

	kind, ok := ParseKind(req.Kind)
	if !ok {
		p.reject("invalid")
		return nil, ErrInvalidKind
	}
	if err := ValidateContent(req.Content, p.maxRunes); err != nil {
		p.reject("invalid")
		return nil, err
	}

	roomID, roomKind, err := p.resolveRoom(ctx, req)
	if err != nil {
		p.reject("rejected")
		return nil, err
	}

	// A retry of an accepted send is answered from the ring and does not
	// count against the sender's limits.
	if prev, ok := p.recent.Lookup(req.SenderID, req.IdempotencyKey); ok {
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		return &SendResult{Message: prev.clone(), Duplicate: true}, nil
	}

	if err := p.checkLimits(ctx, req.SenderID, kind); err != nil {
		p.reject("rate_limited")
		return nil, err
	}

	scan := p.scanner.Scan(req.Content)
	msg := &Message{
		ID:             uuid.NewString(),
		SenderID:       req.SenderID,
		RoomID:         roomID,
		Kind:           kind,
		Content:        req.Content,
		SentAt:         start.UTC(),
		Crisis:         crisisFromResult(scan),
		ReplyToID:      req.ReplyToID,
		IdempotencyKey: req.IdempotencyKey,
	}

	stored := msg.clone()
	if p.cipher != nil {
		ct, err := p.cipher.Encrypt(req.Content, []byte(msg.ID))
		if err != nil {
			p.reject("failed")
			return nil, fmt.Errorf("chat: encrypt: %w", err)
		}
		stored.Content = ct
		stored.IsEncrypted = true
	}

	if err := p.persist(ctx, stored, p.store.PersistMessage); err != nil {
		p.reject("failed")
		p.log.Error().Err(err).Str("message_id", msg.ID).Str("room_id", roomID).Msg("persist message failed")
		return nil, ErrPersistenceFailure
	}
	p.recent.Add(req.SenderID, req.IdempotencyKey, msg)

	var peer string
	if roomKind == room.KindDirect {
		peer = directPeer(req, roomID)
		// Subscribe both parties' live connections to the direct room so
		// devices connected before the room existed receive it.
		p.fanout.JoinIdentity(req.SenderID, roomID, room.KindDirect)
		p.fanout.JoinIdentity(peer, roomID, room.KindDirect)
	}

	frame, err := protocol.NewServerMessage(protocol.TypeMessageNew, protocol.MessageNewMsg{
		Message:        msg,
		CrisisDetected: scan.Detected,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: encode message: %w", err)
	}
	p.fanout.Broadcast(roomID, frame, "")

	if peer != "" {
		p.notifyRecipient(ctx, msg, peer)
	}
	if scan.Severity.AtLeast(crisis.SeverityMedium) {
		p.raiseAlert(ctx, msg, scan)
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.MessageLatency.Observe(p.now().Sub(start).Seconds())
	return &SendResult{Message: msg.clone()}, nil
}

// checkLimits applies the upload rule to media kinds, then the message rule.
func (p *Pipeline) checkLimits(ctx context.Context, senderID string, kind Kind) error {
	if p.guard == nil {
		return nil
	}
	if kind.Media() {
		if err := p.guard.Check(ctx, senderID, p.upload); err != nil {
			return err
		}
	}
	return p.guard.Check(ctx, senderID, p.rule)
}

func (p *Pipeline) reject(outcome string) {
	metrics.MessagesTotal.WithLabelValues(outcome).Inc()
}

// persist runs op on a context detached from the caller and bounded by the
// persist timeout.
func (p *Pipeline) persist(ctx context.Context, m *Message, op func(context.Context, *Message) error) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.persistTimeout)
	defer cancel()
	return op(pctx, m)
}

// resolveRoom maps a request to a room id and checks that the sender may
// post there.
func (p *Pipeline) resolveRoom(ctx context.Context, req SendRequest) (string, room.Kind, error) {
	if req.RecipientID != "" {
		if req.RecipientID == req.SenderID {
			return "", "", ErrNoTarget
		}
		return room.DirectRoomID(req.SenderID, req.RecipientID), room.KindDirect, nil
	}
	if req.RoomID == "" {
		return "", "", ErrNoTarget
	}
	kind, err := p.Authorize(ctx, req.SenderID, req.RoomID)
	if err != nil {
		return "", "", err
	}
	return req.RoomID, kind, nil
}

// Authorize checks that identityID belongs to roomID and returns the room
// kind. Direct rooms are decided by their id; group rooms by the group
// directory. Group ids never carry a reserved prefix.
func (p *Pipeline) Authorize(ctx context.Context, identityID, roomID string) (room.Kind, error) {
	if strings.HasPrefix(roomID, room.DirectPrefix) {
		a, b, ok := room.ParseDirectRoomID(roomID)
		if !ok {
			return "", ErrRoomNotFound
		}
		if identityID != a && identityID != b {
			return "", ErrNotAMember
		}
		return room.KindDirect, nil
	}
	if room.Reserved(roomID) {
		return "", ErrRoomNotFound
	}

	members, err := p.groups.GroupMembers(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return "", ErrRoomNotFound
		}
		return "", fmt.Errorf("chat: group members: %w", err)
	}
	for _, m := range members {
		if m == identityID {
			return room.KindGroup, nil
		}
	}
	return "", ErrNotAMember
}

// directPeer returns the other participant of a direct send.
func directPeer(req SendRequest, roomID string) string {
	if req.RecipientID != "" {
		return req.RecipientID
	}
	a, b, _ := room.ParseDirectRoomID(roomID)
	if a == req.SenderID {
		return b
	}
	return a
}

// notifyRecipient records a message notification and pushes
// notification:message to the recipient. The stored record carries no
// message text; only the live payload has a preview.
func (p *Pipeline) notifyRecipient(ctx context.Context, msg *Message, recipientID string) {
	if p.notifier == nil {
		return
	}
	_, err := p.notifier.Notify(ctx, notify.Request{
		RecipientID: recipientID,
		SenderID:    msg.SenderID,
		Kind:        "message",
		Title:       "New message",
		Category:    "chat",
		Event:       protocol.TypeNotificationMessage,
		Payload: protocol.NotificationMessageMsg{
			Type:           "message",
			Sender:         msg.SenderID,
			Preview:        preview(msg),
			ConversationID: msg.RoomID,
		},
	})
	if err != nil {
		p.log.Warn().Err(err).Str("message_id", msg.ID).Msg("message notification failed")
	}
}

func preview(msg *Message) string {
	if msg.Kind != KindText {
		return "[" + string(msg.Kind) + "]"
	}
	s := strings.TrimSpace(msg.Content)
	if utf8.RuneCountInString(s) <= PreviewRunes {
		return s
	}
	return string([]rune(s)[:PreviewRunes]) + "…"
}

// raiseAlert sends crisis:detected to the reviewers room and forwards the
// alert off-instance.
func (p *Pipeline) raiseAlert(ctx context.Context, msg *Message, scan crisis.Result) {
	metrics.CrisisAlerts.WithLabelValues(string(scan.Severity)).Inc()
	alert := Alert{
		MessageID:  msg.ID,
		IdentityID: msg.SenderID,
		RoomID:     msg.RoomID,
		Keywords:   scan.Matched,
		Severity:   scan.Severity,
		DetectedAt: p.now().UTC(),
	}
	p.log.Warn().
		Str("message_id", msg.ID).
		Str("identity_id", msg.SenderID).
		Str("severity", string(scan.Severity)).
		Int("keywords", len(scan.Matched)).
		Msg("crisis detected")

	if p.reviewersRoom != "" {
		frame, err := protocol.NewServerMessage(protocol.TypeCrisisDetected, protocol.CrisisDetectedMsg{
			MessageID:  alert.MessageID,
			IdentityID: alert.IdentityID,
			Keywords:   alert.Keywords,
			Severity:   string(alert.Severity),
			RoomID:     alert.RoomID,
		})
		if err == nil {
			p.fanout.Broadcast(p.reviewersRoom, frame, "")
		}
	}
	if p.alerts != nil {
		if err := p.alerts.PublishCrisis(ctx, alert); err != nil {
			p.log.Error().Err(err).Str("message_id", msg.ID).Msg("publish crisis alert failed")
		}
	}
}
