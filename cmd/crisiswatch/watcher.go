package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/chat"
	"github.com/haven/realtime/internal/crisis"
)

const (
	// escalationWindow is the look-back for repeated alerts.
	escalationWindow = 24 * time.Hour

	// escalationThreshold alerts within the window escalate an identity.
	escalationThreshold = 3
)

// AlertStore records alerts and counts recent ones per identity.
type AlertStore interface {
	RecordCrisisAlert(ctx context.Context, a chat.Alert) error
	CountRecentAlerts(ctx context.Context, identityID string, window time.Duration) (int, error)
}

// EscalationGate admits at most one escalation per identity per window.
type EscalationGate interface {
	Acquire(ctx context.Context, identityID string, window time.Duration) (bool, error)
}

type watcher struct {
	store AlertStore
	gate  EscalationGate
	log   zerolog.Logger
}

// handle records one alert from the crisis subject and reports whether it
// escalated the identity.
func (w *watcher) handle(ctx context.Context, data []byte) (bool, error) {
	var a chat.Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return false, fmt.Errorf("decode alert: %w", err)
	}
	if a.MessageID == "" || a.IdentityID == "" || !a.Severity.Valid() {
		return false, fmt.Errorf("incomplete alert for message %q", a.MessageID)
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now().UTC()
	}

	if err := w.store.RecordCrisisAlert(ctx, a); err != nil {
		return false, err
	}
	w.log.Info().
		Str("message_id", a.MessageID).
		Str("identity_id", a.IdentityID).
		Str("severity", string(a.Severity)).
		Strs("keywords", a.Keywords).
		Msg("crisis alert recorded")

	count, err := w.store.CountRecentAlerts(ctx, a.IdentityID, escalationWindow)
	if err != nil {
		return false, err
	}
	if count < escalationThreshold && a.Severity != crisis.SeverityCritical {
		return false, nil
	}

	if w.gate != nil {
		ok, err := w.gate.Acquire(ctx, a.IdentityID, escalationWindow)
		if err != nil {
			w.log.Warn().Err(err).Str("identity_id", a.IdentityID).Msg("escalation gate failed")
		} else if !ok {
			return false, nil
		}
	}

	w.log.Error().
		Str("identity_id", a.IdentityID).
		Int("alerts_24h", count).
		Str("severity", string(a.Severity)).
		Str("room_id", a.RoomID).
		Msg("ESCALATION: identity needs immediate review")
	return true, nil
}
