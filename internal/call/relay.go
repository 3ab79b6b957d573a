// Package call relays call signaling between participants and tracks the
// lifecycle of each call session.
//
// A call moves ringing -> active -> ended; a ringing call may also end
// directly (declined, cancelled, initiator gone). Signal payloads are opaque
// and forwarded verbatim to the target's connections.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/metrics"
	"github.com/haven/realtime/internal/protocol"
	"github.com/haven/realtime/internal/ratelimit"
	"github.com/haven/realtime/internal/room"
)

// State is the lifecycle state of a call.
type State string

const (
	StateRinging State = "ringing"
	StateActive  State = "active"
	StateEnded   State = "ended"
)

// IDPrefix starts every call id, which is also the call's room id. A relay
// with an owner name issues ids of the form "call:<owner>/<uuid>".
const IDPrefix = room.CallPrefix

// OwnerOf returns the owner name embedded in callID, or "" if there is none.
func OwnerOf(callID string) string {
	rest, ok := strings.CutPrefix(callID, IDPrefix)
	if !ok {
		return ""
	}
	if i := strings.LastIndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return ""
}

// EndedRetention is how long an ended call stays queryable.
const EndedRetention = 10 * time.Minute

// End reasons carried in call:ended.
const (
	ReasonEnded     = "ended"
	ReasonCompleted = "completed"
	ReasonDeclined  = "declined"
	ReasonCancelled = "cancelled"
)

// Control actions.
const (
	ActionJoin     = "join"
	ActionLeave    = "leave"
	ActionDecline  = "decline"
	ActionEnd      = "end"
	ActionMute     = "mute"
	ActionUnmute   = "unmute"
	ActionVideoOn  = "video-on"
	ActionVideoOff = "video-off"
)

var (
	ErrCallNotFound      = errors.New("call: not found")
	ErrNotParticipant    = errors.New("call: not a participant")
	ErrInvalidTransition = errors.New("call: invalid state transition")
	ErrNoInvitees        = errors.New("call: at least one other participant required")
	ErrUnknownAction     = errors.New("call: unknown control action")
)

// Participant is one invited identity.
type Participant struct {
	IdentityID string     `json:"identityId"`
	ConnID     string     `json:"-"`
	Joined     bool       `json:"joined"`
	Declined   bool       `json:"declined,omitempty"`
	JoinedAt   *time.Time `json:"joinedAt,omitempty"`
	LeftAt     *time.Time `json:"leftAt,omitempty"`
	AudioOn    bool       `json:"audioOn"`
	VideoOn    bool       `json:"videoOn"`
}

// Session is one call.
type Session struct {
	ID           string                  `json:"id"`
	State        State                   `json:"state"`
	InitiatorID  string                  `json:"initiatorId"`
	Media        string                  `json:"media"`
	Participants map[string]*Participant `json:"participants"`
	CreatedAt    time.Time               `json:"createdAt"`
	EndedAt      *time.Time              `json:"endedAt,omitempty"`
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Participants = make(map[string]*Participant, len(s.Participants))
	for id, p := range s.Participants {
		pc := *p
		cp.Participants[id] = &pc
	}
	return &cp
}

func (s *Session) joinedCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Joined {
			n++
		}
	}
	return n
}

func (s *Session) participantIDs() []string {
	ids := make([]string, 0, len(s.Participants))
	for id := range s.Participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// transition moves s to next if the move is allowed.
func (s *Session) transition(next State) error {
	switch {
	case s.State == StateRinging && next == StateActive,
		s.State == StateRinging && next == StateEnded,
		s.State == StateActive && next == StateEnded:
		s.State = next
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, next)
}

// Fanout is the room router surface the relay needs.
type Fanout interface {
	Join(connID, roomID string, kind room.Kind) error
	Leave(connID, roomID string)
	Broadcast(roomID string, data []byte, excludeConnID string) int
	SendToConnections(connIDs []string, data []byte) int
	DeliverToIdentity(identityID string, data []byte, excludeConnID string) int
}

// RateGuard limits call initiations.
type RateGuard interface {
	Check(ctx context.Context, identityID string, rule ratelimit.Rule) error
}

// Config holds Relay collaborators. Guard may be nil.
type Config struct {
	Fanout Fanout
	Guard  RateGuard
	Rule   ratelimit.Rule // zero means ratelimit.RuleCall
	Owner  string         // instance name embedded in call ids; may be empty
	Log    zerolog.Logger
}

// Relay owns every call session started on this instance.
type Relay struct {
	fanout Fanout
	guard  RateGuard
	rule   ratelimit.Rule
	owner  string
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	calls map[string]*Session
}

// NewRelay creates a Relay.
func NewRelay(cfg Config) *Relay {
	r := &Relay{
		fanout: cfg.Fanout,
		guard:  cfg.Guard,
		rule:   cfg.Rule,
		owner:  cfg.Owner,
		log:    cfg.Log,
		now:    time.Now,
		calls:  make(map[string]*Session),
	}
	if r.rule.Name == "" {
		r.rule = ratelimit.RuleCall
	}
	return r
}

// Start creates a ringing call from initiatorID's connection and rings every
// invitee's live connections with call:incoming.
func (r *Relay) Start(ctx context.Context, initiatorID, connID string, invitees []string, media string) (*Session, error) {
	seen := map[string]bool{initiatorID: true}
	var others []string
	for _, id := range invitees {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		others = append(others, id)
	}
	if len(others) == 0 {
		return nil, ErrNoInvitees
	}
	if media == "" {
		media = "audio"
	}

	if r.guard != nil {
		if err := r.guard.Check(ctx, initiatorID, r.rule); err != nil {
			return nil, err
		}
	}

	id := IDPrefix + uuid.NewString()
	if r.owner != "" {
		id = IDPrefix + r.owner + "/" + uuid.NewString()
	}
	now := r.now().UTC()
	s := &Session{
		ID:           id,
		State:        StateRinging,
		InitiatorID:  initiatorID,
		Media:        media,
		Participants: make(map[string]*Participant, len(others)+1),
		CreatedAt:    now,
	}
	s.Participants[initiatorID] = &Participant{
		IdentityID: initiatorID,
		ConnID:     connID,
		Joined:     true,
		JoinedAt:   &now,
		AudioOn:    true,
		VideoOn:    media == "video",
	}
	for _, id := range others {
		s.Participants[id] = &Participant{IdentityID: id}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	r.calls[s.ID] = s
	metrics.ActiveCalls.Inc()

	if err := r.fanout.Join(connID, s.ID, room.KindCall); err != nil {
		r.log.Warn().Err(err).Str("call_id", s.ID).Msg("initiator join failed")
	}

	r.sendTo([]string{connID}, protocol.TypeCallStarted, protocol.CallIncomingMsg{
		CallID: s.ID, From: initiatorID, Participants: s.participantIDs(), Media: media,
	})
	incoming := protocol.CallIncomingMsg{CallID: s.ID, From: initiatorID, Participants: s.participantIDs(), Media: media}
	for _, id := range others {
		r.deliver(id, protocol.TypeCallIncoming, incoming)
	}

	r.log.Info().Str("call_id", s.ID).Str("initiator", initiatorID).Int("invitees", len(others)).Msg("call started")
	return s.clone(), nil
}

// lookup returns a live call and the caller's participant entry. r.mu must
// be held.
func (r *Relay) lookup(callID, identityID string) (*Session, *Participant, error) {
	s, ok := r.calls[callID]
	if !ok {
		return nil, nil, ErrCallNotFound
	}
	p, ok := s.Participants[identityID]
	if !ok {
		return nil, nil, ErrNotParticipant
	}
	return s, p, nil
}

// Join attaches identityID's connection to the call. The first join by a
// non-initiator makes a ringing call active.
func (r *Relay) Join(callID, identityID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, p, err := r.lookup(callID, identityID)
	if err != nil {
		return err
	}
	if s.State == StateEnded {
		return fmt.Errorf("%w: join after end", ErrInvalidTransition)
	}
	if p.Joined && p.ConnID == connID {
		return nil
	}
	if s.State == StateRinging && identityID != s.InitiatorID {
		if err := s.transition(StateActive); err != nil {
			return err
		}
	}

	if p.Joined && p.ConnID != connID {
		// Moving the call to another device.
		r.fanout.Leave(p.ConnID, callID)
	}
	now := r.now().UTC()
	p.ConnID = connID
	p.Joined = true
	p.Declined = false
	p.JoinedAt = &now
	p.LeftAt = nil
	p.AudioOn = true
	p.VideoOn = s.Media == "video"

	if err := r.fanout.Join(connID, callID, room.KindCall); err != nil {
		return fmt.Errorf("call: join room: %w", err)
	}
	r.broadcast(s.ID, connID, protocol.TypeCallUserJoined, protocol.CallParticipantMsg{
		CallID: s.ID, IdentityID: identityID, AudioOn: p.AudioOn, VideoOn: p.VideoOn,
	})
	return nil
}

// Leave detaches identityID from the call. An active call ends when fewer
// than two participants remain; a ringing call ends when its initiator
// leaves.
func (r *Relay) Leave(callID, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, p, err := r.lookup(callID, identityID)
	if err != nil {
		return err
	}
	if !p.Joined {
		return ErrNotParticipant
	}
	r.leaveLocked(s, p)
	return nil
}

func (r *Relay) leaveLocked(s *Session, p *Participant) {
	now := r.now().UTC()
	connID := p.ConnID
	p.Joined = false
	p.LeftAt = &now
	p.ConnID = ""

	r.fanout.Leave(connID, s.ID)
	r.broadcast(s.ID, "", protocol.TypeCallUserLeft, protocol.CallParticipantMsg{
		CallID: s.ID, IdentityID: p.IdentityID, Action: ActionLeave,
	})

	switch {
	case s.State == StateActive && s.joinedCount() < 2:
		r.endLocked(s, ReasonCompleted)
	case s.State == StateRinging && p.IdentityID == s.InitiatorID:
		r.endLocked(s, ReasonCancelled)
	}
}

// Decline rejects a ringing call. When every invitee has declined the call
// ends.
func (r *Relay) Decline(callID, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, p, err := r.lookup(callID, identityID)
	if err != nil {
		return err
	}
	if s.State != StateRinging || identityID == s.InitiatorID {
		return fmt.Errorf("%w: decline in %s", ErrInvalidTransition, s.State)
	}
	p.Declined = true

	r.broadcast(s.ID, "", protocol.TypeCallUserLeft, protocol.CallParticipantMsg{
		CallID: s.ID, IdentityID: identityID, Action: ActionDecline,
	})

	for id, other := range s.Participants {
		if id != s.InitiatorID && !other.Declined {
			return nil
		}
	}
	return r.endLocked(s, ReasonDeclined)
}

// End terminates the call for everyone.
func (r *Relay) End(callID, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, _, err := r.lookup(callID, identityID)
	if err != nil {
		return err
	}
	return r.endLocked(s, ReasonEnded)
}

func (r *Relay) endLocked(s *Session, reason string) error {
	if err := s.transition(StateEnded); err != nil {
		return err
	}
	now := r.now().UTC()
	s.EndedAt = &now

	ended := protocol.CallEndedMsg{CallID: s.ID, Reason: reason}
	r.broadcast(s.ID, "", protocol.TypeCallEnded, ended)
	for _, p := range s.Participants {
		if p.Joined {
			r.fanout.Leave(p.ConnID, s.ID)
			p.Joined = false
			p.LeftAt = &now
		} else if p.JoinedAt == nil {
			// Stop ringing on devices that never picked up.
			r.deliver(p.IdentityID, protocol.TypeCallEnded, ended)
		}
	}

	metrics.ActiveCalls.Dec()
	r.log.Info().Str("call_id", s.ID).Str("reason", reason).Msg("call ended")
	return nil
}

// pruneLocked forgets calls that ended more than EndedRetention ago.
func (r *Relay) pruneLocked(now time.Time) {
	for id, s := range r.calls {
		if s.EndedAt != nil && now.Sub(*s.EndedAt) > EndedRetention {
			delete(r.calls, id)
		}
	}
}

// Signal relays an opaque signaling payload from fromID to target. Both must
// be participants of a live call.
func (r *Relay) Signal(fromID, callID, target, signalType string, signal json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, _, err := r.lookup(callID, fromID); err != nil {
		return err
	}
	s := r.calls[callID]
	if s.State == StateEnded {
		return ErrCallNotFound
	}
	tp, ok := s.Participants[target]
	if !ok || target == fromID {
		return ErrNotParticipant
	}

	out := protocol.CallSignalOutMsg{Type: signalType, Signal: signal, CallID: callID, From: fromID}
	if tp.Joined {
		r.sendTo([]string{tp.ConnID}, protocol.TypeCallSignal, out)
	} else {
		r.deliver(target, protocol.TypeCallSignal, out)
	}
	return nil
}

// Control applies a participant action. Join, leave, decline and end
// delegate to the lifecycle methods; media actions update the
// participant's flags and announce call:user-update.
func (r *Relay) Control(callID, identityID, connID, action string, data json.RawMessage) error {
	switch action {
	case ActionJoin:
		return r.Join(callID, identityID, connID)
	case ActionLeave:
		return r.Leave(callID, identityID)
	case ActionDecline:
		return r.Decline(callID, identityID)
	case ActionEnd:
		return r.End(callID, identityID)
	case ActionMute, ActionUnmute, ActionVideoOn, ActionVideoOff:
	default:
		return ErrUnknownAction
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, p, err := r.lookup(callID, identityID)
	if err != nil {
		return err
	}
	if !p.Joined {
		return ErrNotParticipant
	}
	switch action {
	case ActionMute:
		p.AudioOn = false
	case ActionUnmute:
		p.AudioOn = true
	case ActionVideoOn:
		p.VideoOn = true
	case ActionVideoOff:
		p.VideoOn = false
	}
	r.broadcast(s.ID, "", protocol.TypeCallUserUpdate, protocol.CallParticipantMsg{
		CallID: s.ID, IdentityID: identityID, Action: action, AudioOn: p.AudioOn, VideoOn: p.VideoOn, Data: data,
	})
	return nil
}

// Disconnected removes a closed connection from every call it had joined.
func (r *Relay) Disconnected(identityID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.calls {
		p, ok := s.Participants[identityID]
		if ok && p.Joined && p.ConnID == connID {
			r.leaveLocked(s, p)
		}
	}
}

// Get returns a copy of a call, including recently ended ones.
func (r *Relay) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.calls[callID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// ActiveCount returns the number of calls that have not ended.
func (r *Relay) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.calls {
		if s.State != StateEnded {
			n++
		}
	}
	return n
}

func (r *Relay) frame(eventType string, payload interface{}) []byte {
	data, err := protocol.NewServerMessage(eventType, payload)
	if err != nil {
		r.log.Error().Err(err).Str("type", eventType).Msg("encode call event failed")
		return nil
	}
	return data
}

func (r *Relay) broadcast(callID, excludeConnID, eventType string, payload interface{}) {
	if data := r.frame(eventType, payload); data != nil {
		r.fanout.Broadcast(callID, data, excludeConnID)
	}
}

func (r *Relay) sendTo(connIDs []string, eventType string, payload interface{}) {
	if data := r.frame(eventType, payload); data != nil {
		r.fanout.SendToConnections(connIDs, data)
	}
}

func (r *Relay) deliver(identityID, eventType string, payload interface{}) {
	if data := r.frame(eventType, payload); data != nil {
		r.fanout.DeliverToIdentity(identityID, data, "")
	}
}
