package gateway

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/haven/realtime/internal/call"
	"github.com/haven/realtime/internal/chat"
	"github.com/haven/realtime/internal/notify"
	"github.com/haven/realtime/internal/presence"
	"github.com/haven/realtime/internal/protocol"
	"github.com/haven/realtime/internal/ratelimit"
	"github.com/haven/realtime/internal/room"
)

// MaxCustomStatusRunes bounds the custom presence message.
const MaxCustomStatusRunes = 140

var errBadRequest = errors.New("gateway: bad request")

func (g *Gateway) registerHandlers() {
	g.handlers = map[string]handlerFunc{
		protocol.TypeRoomJoin:      g.handleRoomJoin,
		protocol.TypeRoomLeave:     g.handleRoomLeave,
		protocol.TypeMessageSend:   g.handleSend,
		protocol.TypeMessageTyping: g.handleTyping,
		protocol.TypeMessageRead:   g.handleRead,
		protocol.TypeMessageEdit:   g.handleEdit,
		protocol.TypeMessageDelete: g.handleDelete,
		protocol.TypeStatusUpdate:  g.handleStatus,
		protocol.TypeCallStart:     g.handleCallStart,
		protocol.TypeCallSignal:    g.handleCallSignal,
		protocol.TypeCallControl:   g.handleCallControl,
		protocol.TypeNotifyRead:    g.handleNotifyRead,
	}
}

// handle parses one client frame and runs its handler. Failures are
// reported to the invoking connection only.
func (g *Gateway) handle(s room.Sink, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		g.log.Debug().Err(err).Str("conn_id", s.ConnID()).Msg("parse error")
		g.sendError(s, msgType, protocol.ErrorMsg{Code: protocol.CodeBadRequest, Message: "invalid message format"})
		return
	}

	if msgType == protocol.TypePing {
		s.Enqueue(protocol.MustServerMessage(protocol.TypePong, protocol.PongMsg{}))
		return
	}

	handler, ok := g.handlers[msgType]
	if !ok {
		g.sendError(s, msgType, protocol.ErrorMsg{Code: protocol.CodeBadRequest, Message: "unsupported message type"})
		return
	}

	ctx, cancel := g.opContext()
	defer cancel()
	if err := handler(ctx, s, msg); err != nil {
		g.sendError(s, msgType, g.errorFor(s, msgType, err))
	}
}

func (g *Gateway) sendError(s room.Sink, requestType string, e protocol.ErrorMsg) {
	e.RequestType = requestType
	s.Enqueue(protocol.MustServerMessage(protocol.TypeError, e))
}

// errorFor maps a component error to its wire form. Unexpected errors are
// logged and reported as internal.
func (g *Gateway) errorFor(s room.Sink, requestType string, err error) protocol.ErrorMsg {
	var limited *ratelimit.LimitedError
	if errors.As(err, &limited) {
		return protocol.ErrorMsg{
			Code:       protocol.CodeRateLimited,
			Message:    "rate limit exceeded",
			RetryAfter: limited.RetryAfter.Milliseconds(),
		}
	}

	code := ""
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		code = protocol.CodeEmptyMessage
	case errors.Is(err, chat.ErrContentTooLarge):
		code = protocol.CodeContentTooLarge
	case errors.Is(err, chat.ErrRoomNotFound):
		code = protocol.CodeRoomNotFound
	case errors.Is(err, chat.ErrNotAMember):
		code = protocol.CodeNotAMember
	case errors.Is(err, chat.ErrPersistenceFailure):
		code = protocol.CodePersistenceFailure
	case errors.Is(err, chat.ErrNotSender):
		code = protocol.CodeNotSender
	case errors.Is(err, chat.ErrMessageNotFound):
		code = protocol.CodeMessageNotFound
	case errors.Is(err, chat.ErrMessageDeleted):
		code = protocol.CodeMessageDeleted
	case errors.Is(err, notify.ErrNotFound):
		code = protocol.CodeNotFound
	case errors.Is(err, call.ErrCallNotFound):
		code = protocol.CodeCallNotFound
	case errors.Is(err, call.ErrNotParticipant):
		code = protocol.CodeNotParticipant
	case errors.Is(err, call.ErrInvalidTransition):
		code = protocol.CodeInvalidTransition
	case errors.Is(err, errBadRequest),
		errors.Is(err, chat.ErrInvalidContent),
		errors.Is(err, chat.ErrInvalidKind),
		errors.Is(err, chat.ErrNoTarget),
		errors.Is(err, call.ErrNoInvitees),
		errors.Is(err, call.ErrUnknownAction),
		errors.Is(err, presence.ErrInvalidStatus),
		errors.Is(err, room.ErrUnknownConnection):
		code = protocol.CodeBadRequest
	}
	if code != "" {
		return protocol.ErrorMsg{Code: code, Message: errorText(err)}
	}

	g.log.Error().
		Err(err).
		Str("conn_id", s.ConnID()).
		Str("identity_id", s.OwnerID()).
		Str("request_type", requestType).
		Msg("request failed")
	return protocol.ErrorMsg{Code: protocol.CodeInternal, Message: "internal error"}
}

// errorText strips the package prefix from a sentinel's message.
func errorText(err error) string {
	msg := err.Error()
	if _, rest, ok := strings.Cut(msg, ": "); ok {
		return rest
	}
	return msg
}

func isCallRoom(roomID string, kind room.Kind) bool {
	return kind == room.KindCall || strings.HasPrefix(roomID, call.IDPrefix)
}

func (g *Gateway) handleRoomJoin(ctx context.Context, s room.Sink, msg interface{}) error {
	m := msg.(protocol.RoomMsg)
	if m.RoomID == "" {
		return errBadRequest
	}
	if isCallRoom(m.RoomID, room.Kind(m.RoomKind)) {
		return g.calls.Join(m.RoomID, s.OwnerID(), s.ConnID())
	}
	kind, err := g.pipeline.Authorize(ctx, s.OwnerID(), m.RoomID)
	if err != nil {
		return err
	}
	return g.router.Join(s.ConnID(), m.RoomID, kind)
}

func (g *Gateway) handleRoomLeave(_ context.Context, s room.Sink, msg interface{}) error {
	m := msg.(protocol.RoomMsg)
	if m.RoomID == "" {
		return errBadRequest
	}
	if isCallRoom(m.RoomID, room.Kind(m.RoomKind)) {
		return g.calls.Leave(m.RoomID, s.OwnerID())
	}
	g.router.Leave(s.ConnID(), m.RoomID)
	return nil
}

func (g *Gateway) handleSend(ctx context.Context, s room.Sink, msg interface{}) error {
	m := msg.(protocol.SendMsg)
	res, err := g.pipeline.Send(ctx, chat.SendRequest{
		SenderID:       s.OwnerID(),
		RecipientID:    m.RecipientID,
		RoomID:         m.RoomID,
		Content:        m.Content,
		Kind:           m.Kind,
		ReplyToID:      m.ReplyToID,
		IdempotencyKey: m.IdempotencyKey,
		OriginConnID:   s.ConnID(),
	})
	if err != nil {
		return err
	}
	s.Enqueue(protocol.MustServerMessage(protocol.TypeMessageAck, protocol.MessageAckMsg{
		MessageID:      res.Message.ID,
		RoomID:         res.Message.RoomID,
		IdempotencyKey: res.Message.IdempotencyKey,
		Duplicate:      res.Duplicate,
	}))
	return nil
}

func (g *Gateway) handleTyping(_ context.Context, s room.Sink, msg interface{}) error {
	m := msg.(protocol.TypingMsg)
	if m.ConversationID == "" {
		return errBadRequest
	}
	return g.pipeline.Typing(s.OwnerID(), s.ConnID(), m.ConversationID, m.IsTyping)
}

func (g *Gateway) handleRead(ctx context.Context, s room.Sink, msg interface{}) error {
	m := msg.(protocol.ReadMsg)
	if m.MessageID == "" {
		return errBadRequest
	}
	_, err := g.pipeline.MarkRead(ctx, s.OwnerID(), m.MessageID, m.ConversationID)
	return err
}

func (g *Gateway) handleEdit(ctx context.Context, s room.Sink, msg interface{}) error {
	m := msg.(protocol.EditMsg)
	if m.MessageID == "" {
		return errBadRequest
	}
	_, err := g.pipeline.Edit(ctx, s.OwnerID(), m.MessageID, m.Content)
	return err
}

func (g *Gateway) handleDelete(ctx context.Context, s room.Sink, msg interface{}) error {
	m := msg.(protocol.DeleteMsg)
	if m.MessageID == "" {
		return errBadRequest
	}
	return g.pipeline.Delete(ctx, s.OwnerID(), m.MessageID)
}

func (g *Gateway) handleStatus(ctx context.Context, s room.Sink, msg interface{}) error {
	m := msg.(protocol.StatusMsg)
	status, err := presence.ParseStatus(m.Status)
	if err != nil {
		return err
	}
	if utf8.RuneCountInString(m.CustomMessage) > MaxCustomStatusRunes {
		return errBadRequest
	}
	return g.presence.SetStatus(ctx, s.OwnerID(), status, m.CustomMessage)
}

func (g *Gateway) handleCallStart(ctx context.Context, s room.Sink, msg interface{}) error {
	m := msg.(protocol.CallStartMsg)
	if m.Media != "" && m.Media != "audio" && m.Media != "video" {
		return errBadRequest
	}
	_, err := g.calls.Start(ctx, s.OwnerID(), s.ConnID(), m.Participants, m.Media)
	return err
}

func (g *Gateway) handleCallSignal(_ context.Context, s room.Sink, msg interface{}) error {
	m := msg.(protocol.CallSignalMsg)
	if m.CallID == "" || m.Target == "" {
		return errBadRequest
	}
	return g.calls.Signal(s.OwnerID(), m.CallID, m.Target, m.Type, m.Signal)
}

func (g *Gateway) handleCallControl(_ context.Context, s room.Sink, msg interface{}) error {
	m := msg.(protocol.CallControlMsg)
	if m.CallID == "" {
		return errBadRequest
	}
	return g.calls.Control(m.CallID, s.OwnerID(), s.ConnID(), m.Action, m.Data)
}

func (g *Gateway) handleNotifyRead(ctx context.Context, s room.Sink, msg interface{}) error {
	m := msg.(protocol.NotifyReadMsg)
	if m.All {
		_, err := g.notify.MarkAllRead(ctx, s.OwnerID())
		return err
	}
	if m.NotificationID == "" {
		return errBadRequest
	}
	return g.notify.MarkRead(ctx, s.OwnerID(), m.NotificationID)
}
