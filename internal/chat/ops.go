package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haven/realtime/internal/crisis"
	"github.com/haven/realtime/internal/protocol"
)

// load fetches a message and maps store misses to ErrMessageNotFound.
func (p *Pipeline) load(ctx context.Context, messageID string) (*Message, error) {
	m, err := p.store.MessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("chat: load message: %w", err)
	}
	if m == nil {
		return nil, ErrMessageNotFound
	}
	return m, nil
}

// Edit replaces the content of editorID's message. The previous content is
// appended to the edit history as stored. The crisis annotation is
// re-scanned and may only escalate.
func (p *Pipeline) Edit(ctx context.Context, editorID, messageID, content string) (*Message, error) {
	if err := ValidateContent(content, p.maxRunes); err != nil {
		return nil, err
	}
	m, err := p.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != editorID {
		return nil, ErrNotSender
	}
	if m.IsDeleted {
		return nil, ErrMessageDeleted
	}

	now := p.now().UTC()
	prev := m.Crisis
	next := crisis.Escalate(prev.result(), p.scanner.Scan(content))

	updated := m.clone()
	updated.EditHistory = append(updated.EditHistory, Edit{Content: m.Content, EditedAt: now})
	updated.EditedAt = &now
	updated.Crisis = crisisFromResult(next)
	updated.Content = content
	if updated.IsEncrypted {
		if p.cipher == nil {
			return nil, fmt.Errorf("chat: message %s is encrypted but no key is configured", m.ID)
		}
		ct, err := p.cipher.Encrypt(content, []byte(m.ID))
		if err != nil {
			return nil, fmt.Errorf("chat: encrypt: %w", err)
		}
		updated.Content = ct
	}

	if err := p.persist(ctx, updated, p.store.UpdateMessage); err != nil {
		p.log.Error().Err(err).Str("message_id", m.ID).Msg("update message failed")
		return nil, ErrPersistenceFailure
	}

	view, err := p.Decrypt(updated)
	if err != nil {
		return nil, err
	}
	p.emit(m.RoomID, protocol.TypeMessageEdited, protocol.MessageEditedMsg{Message: view})

	if !prev.Severity.AtLeast(next.Severity) && next.Severity.AtLeast(crisis.SeverityMedium) {
		p.raiseAlert(ctx, view, next)
	}
	return view, nil
}

// Delete tombstones actorID's message. Deleting an already deleted message
// is a no-op.
func (p *Pipeline) Delete(ctx context.Context, actorID, messageID string) error {
	m, err := p.load(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != actorID {
		return ErrNotSender
	}
	if m.IsDeleted {
		return nil
	}

	updated := m.clone()
	updated.IsDeleted = true
	updated.Content = ""
	if err := p.persist(ctx, updated, p.store.UpdateMessage); err != nil {
		p.log.Error().Err(err).Str("message_id", m.ID).Msg("tombstone message failed")
		return ErrPersistenceFailure
	}

	p.emit(m.RoomID, protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{MessageID: m.ID, RoomID: m.RoomID})
	return nil
}

// MarkRead stamps a message as read by readerID and announces the receipt
// to the room. The first read wins; repeats re-announce the original time.
func (p *Pipeline) MarkRead(ctx context.Context, readerID, messageID, conversationID string) (time.Time, error) {
	m, err := p.load(ctx, messageID)
	if err != nil {
		return time.Time{}, err
	}
	if conversationID != "" && conversationID != m.RoomID {
		return time.Time{}, ErrMessageNotFound
	}
	if _, err := p.Authorize(ctx, readerID, m.RoomID); err != nil {
		return time.Time{}, err
	}

	readAt := p.now().UTC()
	if m.ReadAt != nil {
		readAt = *m.ReadAt
	} else if m.SenderID != readerID {
		updated := m.clone()
		updated.ReadAt = &readAt
		if updated.DeliveredAt == nil {
			updated.DeliveredAt = &readAt
		}
		if err := p.persist(ctx, updated, p.store.UpdateMessage); err != nil {
			p.log.Error().Err(err).Str("message_id", m.ID).Msg("mark read failed")
			return time.Time{}, ErrPersistenceFailure
		}
	}

	p.emit(m.RoomID, protocol.TypeMessageRead, protocol.ReadReceiptMsg{
		MessageID: m.ID,
		ReadBy:    readerID,
		ReadAt:    readAt,
	})
	return readAt, nil
}

// Typing relays a typing indicator to the conversation, excluding the
// originating connection, which must have joined the conversation.
func (p *Pipeline) Typing(identityID, originConnID, conversationID string, isTyping bool) error {
	if !p.fanout.IsJoined(originConnID, conversationID) {
		return ErrNotAMember
	}
	frame, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		IdentityID:     identityID,
		IsTyping:       isTyping,
		ConversationID: conversationID,
	})
	if err != nil {
		return fmt.Errorf("chat: encode typing: %w", err)
	}
	p.fanout.Broadcast(conversationID, frame, originConnID)
	return nil
}

// Decrypt returns a plaintext view of a stored message, including its edit
// history. Unencrypted messages are returned as a copy.
func (p *Pipeline) Decrypt(m *Message) (*Message, error) {
	view := m.clone()
	if !m.IsEncrypted {
		return view, nil
	}
	if p.cipher == nil {
		return nil, fmt.Errorf("chat: message %s is encrypted but no key is configured", m.ID)
	}

	ad := []byte(m.ID)
	if view.Content != "" {
		pt, err := p.cipher.Decrypt(view.Content, ad)
		if err != nil {
			return nil, fmt.Errorf("chat: decrypt %s: %w", m.ID, err)
		}
		view.Content = pt
	}
	for i, e := range view.EditHistory {
		pt, err := p.cipher.Decrypt(e.Content, ad)
		if err != nil {
			return nil, fmt.Errorf("chat: decrypt %s history: %w", m.ID, err)
		}
		view.EditHistory[i].Content = pt
	}
	view.IsEncrypted = false
	return view, nil
}

func (p *Pipeline) emit(roomID, eventType string, payload interface{}) {
	frame, err := protocol.NewServerMessage(eventType, payload)
	if err != nil {
		p.log.Error().Err(err).Str("type", eventType).Msg("encode event failed")
		return
	}
	p.fanout.Broadcast(roomID, frame, "")
}
