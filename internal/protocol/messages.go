// Package protocol defines the event names and payload structures exchanged
// between clients and the realtime server. Every frame is a JSON envelope
// carrying the event name and a payload object:
//
//	{"type": "message:send", "payload": {...}, "ts": 1700000000000}
//
// Keeping the payload nested lets payloads use any field name, including
// "type" (call:signal carries its own signal type).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeRoomJoin      = "room:join"
	TypeRoomLeave     = "room:leave"
	TypeMessageSend   = "message:send"
	TypeMessageTyping = "message:typing"
	TypeMessageRead   = "message:read" // also Server -> Client
	TypeMessageEdit   = "message:edit"
	TypeMessageDelete = "message:delete"
	TypeStatusUpdate  = "status:update"
	TypeCallStart     = "call:start"
	TypeCallSignal    = "call:signal" // also Server -> Client
	TypeCallControl   = "call:control"
	TypeNotifyRead    = "notification:read"
	TypePing          = "ping"
)

// Server -> Client events.
const (
	TypeSessionReady        = "session:ready"
	TypeMessageNew          = "message:new"
	TypeMessageAck          = "message:ack"
	TypeMessageEdited       = "message:edited"
	TypeMessageDeleted      = "message:deleted"
	TypeUserTyping          = "user:typing"
	TypePresenceOnline      = "presence:online"
	TypePresenceOffline     = "presence:offline"
	TypePresenceStatus      = "presence:status"
	TypeNotificationMessage = "notification:message"
	TypeNotificationNew     = "notification:new"
	TypeCrisisDetected      = "crisis:detected"
	TypeCallIncoming        = "call:incoming"
	TypeCallStarted         = "call:started"
	TypeCallUserJoined      = "call:user-joined"
	TypeCallUserLeft        = "call:user-left"
	TypeCallUserUpdate      = "call:user-update"
	TypeCallEnded           = "call:ended"
	TypeBanned              = "banned"
	TypeError               = "error"
	TypePong                = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadRequest         = "bad_request"
	CodeNotAMember         = "not_a_member"
	CodeRateLimited        = "rate_limited"
	CodeEmptyMessage       = "empty_message"
	CodeContentTooLarge    = "content_too_large"
	CodeRoomNotFound       = "room_not_found"
	CodePersistenceFailure = "persistence_failure"
	CodeNotSender          = "not_sender"
	CodeMessageNotFound    = "message_not_found"
	CodeMessageDeleted     = "message_deleted"
	CodeNotFound           = "not_found"
	CodeCallNotFound       = "call_not_found"
	CodeNotParticipant     = "not_participant"
	CodeInvalidTransition  = "invalid_transition"
	CodeInternal           = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer frame of every event.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
}

// UnmarshalJSON rejects frames without an event name.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type plain Envelope
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if p.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	*e = Envelope(p)
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// RoomMsg joins or leaves a room.
type RoomMsg struct {
	RoomID   string `json:"roomId"`
	RoomKind string `json:"roomKind"`
}

// SendMsg submits a chat message. Exactly one of RecipientID (direct) or
// RoomID (group or direct room id) should be set.
type SendMsg struct {
	RecipientID    string `json:"recipientId,omitempty"`
	RoomID         string `json:"roomId,omitempty"`
	Content        string `json:"content"`
	Kind           string `json:"kind,omitempty"`
	ReplyToID      string `json:"replyToId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// TypingMsg toggles the typing indicator in a conversation.
type TypingMsg struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadMsg marks a message as read.
type ReadMsg struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// EditMsg replaces a message's content.
type EditMsg struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// DeleteMsg tombstones a message.
type DeleteMsg struct {
	MessageID string `json:"messageId"`
}

// StatusMsg sets the presence status override.
type StatusMsg struct {
	Status        string `json:"status"`
	CustomMessage string `json:"customMessage,omitempty"`
}

// CallStartMsg starts a call with the listed participants.
type CallStartMsg struct {
	Participants []string `json:"participants"`
	Media        string   `json:"media,omitempty"` // "audio" or "video"
}

// CallSignalMsg relays an opaque signaling blob to one participant.
type CallSignalMsg struct {
	Type   string          `json:"type"`
	Target string          `json:"target"`
	Signal json.RawMessage `json:"signal"`
	CallID string          `json:"callId"`
}

// CallControlMsg changes call participation or media state.
type CallControlMsg struct {
	CallID string          `json:"callId"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NotifyReadMsg marks one notification, or all of them, as read.
type NotifyReadMsg struct {
	NotificationID string `json:"notificationId,omitempty"`
	All            bool   `json:"all,omitempty"`
}

// PingMsg is a client keepalive.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// SessionReadyMsg confirms an authenticated connection.
type SessionReadyMsg struct {
	ConnectionID string   `json:"connectionId"`
	IdentityID   string   `json:"identityId"`
	Rooms        []string `json:"rooms"`
}

// MessageNewMsg delivers a message to room members.
type MessageNewMsg struct {
	Message        interface{} `json:"message"`
	CrisisDetected bool        `json:"crisisDetected"`
}

// MessageAckMsg confirms a send to the sending connection.
type MessageAckMsg struct {
	MessageID      string `json:"messageId"`
	RoomID         string `json:"roomId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// MessageEditedMsg announces an edit.
type MessageEditedMsg struct {
	Message interface{} `json:"message"`
}

// MessageDeletedMsg announces a tombstone.
type MessageDeletedMsg struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

// UserTypingMsg relays a typing indicator.
type UserTypingMsg struct {
	IdentityID     string `json:"identityId"`
	IsTyping       bool   `json:"isTyping"`
	ConversationID string `json:"conversationId"`
}

// ReadReceiptMsg announces that a message was read.
type ReadReceiptMsg struct {
	MessageID string    `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

// PresenceMsg announces an online or offline transition.
type PresenceMsg struct {
	IdentityID string     `json:"identityId"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// PresenceStatusMsg announces a status override change.
type PresenceStatusMsg struct {
	IdentityID    string `json:"identityId"`
	Status        string `json:"status"`
	CustomMessage string `json:"customMessage,omitempty"`
}

// NotificationMessageMsg tells a recipient about a new direct message.
type NotificationMessageMsg struct {
	Type           string `json:"type"`
	Sender         string `json:"sender"`
	Preview        string `json:"preview"`
	ConversationID string `json:"conversationId"`
}

// CrisisDetectedMsg alerts reviewers. It never carries message text.
type CrisisDetectedMsg struct {
	MessageID  string   `json:"messageId"`
	IdentityID string   `json:"identityId"`
	Keywords   []string `json:"keywords"`
	Severity   string   `json:"severity"`
	RoomID     string   `json:"roomId"`
}

// CallSignalOutMsg is the relayed form of CallSignalMsg.
type CallSignalOutMsg struct {
	Type   string          `json:"type"`
	Signal json.RawMessage `json:"signal"`
	CallID string          `json:"callId"`
	From   string          `json:"from"`
}

// CallIncomingMsg rings an invitee.
type CallIncomingMsg struct {
	CallID       string   `json:"callId"`
	From         string   `json:"from"`
	Participants []string `json:"participants"`
	Media        string   `json:"media,omitempty"`
}

// CallParticipantMsg announces a join, leave or media change.
type CallParticipantMsg struct {
	CallID     string          `json:"callId"`
	IdentityID string          `json:"identityId"`
	Action     string          `json:"action,omitempty"`
	AudioOn    bool            `json:"audioOn"`
	VideoOn    bool            `json:"videoOn"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// CallEndedMsg announces the end of a call.
type CallEndedMsg struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// BannedMsg is sent before closing a banned identity's connection.
type BannedMsg struct {
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ErrorMsg reports a per-operation failure to the invoking connection.
type ErrorMsg struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RetryAfter  int64  `json:"retryAfter,omitempty"`  // milliseconds
	RequestType string `json:"requestType,omitempty"` // event that failed
}

// PongMsg answers a ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw frame bytes into a typed client payload. It
// returns the event name, the decoded struct and any parse error. Unknown
// and server-only events are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRoomJoin, TypeRoomLeave:
		var m RoomMsg
		err = decodePayload(env.Payload, &m)
		msg = m
	case TypeMessageSend:
		var m SendMsg
		err = decodePayload(env.Payload, &m)
		msg = m
	case TypeMessageTyping:
		var m TypingMsg
		err = decodePayload(env.Payload, &m)
		msg = m
	case TypeMessageRead:
		var m ReadMsg
		err = decodePayload(env.Payload, &m)
		msg = m
	case TypeMessageEdit:
		var m EditMsg
		err = decodePayload(env.Payload, &m)
		msg = m
	case TypeMessageDelete:
		var m DeleteMsg
		err = decodePayload(env.Payload, &m)
		msg = m
	case TypeStatusUpdate:
		var m StatusMsg
		err = decodePayload(env.Payload, &m)
		msg = m
	case TypeCallStart:
		var m CallStartMsg
		err = decodePayload(env.Payload, &m)
		msg = m
	case TypeCallSignal:
		var m CallSignalMsg
		err = decodePayload(env.Payload, &m)
		msg = m
	case TypeCallControl:
		var m CallControlMsg
		err = decodePayload(env.Payload, &m)
		msg = m
	case TypeNotifyRead:
		var m NotifyReadMsg
		err = decodePayload(env.Payload, &m)
		msg = m
	case TypePing:
		msg = PingMsg{}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(raw, v)
}

// NewServerMessage encodes a server event with the given payload and the
// current time in milliseconds.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	out, err := json.Marshal(Envelope{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that always marshal.
// It panics on error.
func MustServerMessage(msgType string, payload interface{}) []byte {
	out, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return out
}
