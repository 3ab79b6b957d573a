// Package presence maintains per-identity online state and status overrides
// and announces changes to other connections.
//
// Online and offline transitions are driven exclusively by the connection
// registry's first-connection and last-disconnection events. Each transition
// carries the registry epoch; a transition older than the last one applied
// for that identity is dropped, so an online can never be announced after a
// later offline. Announcements are queued while the identity's shard lock is
// held, which keeps them in epoch order for every observer.
//
// With a Cluster configured, an identity also connected to another instance
// is neither announced online again nor announced offline here.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/metrics"
	"github.com/haven/realtime/internal/protocol"
	"github.com/haven/realtime/internal/shard"
)

// Status is a client-chosen presence override.
type Status string

const (
	StatusOnline    Status = "online"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusInvisible Status = "invisible"
)

// ErrInvalidStatus is returned by SetStatus for unknown statuses.
var ErrInvalidStatus = errors.New("presence: invalid status")

// ParseStatus validates a client-supplied status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOnline, StatusAway, StatusBusy, StatusInvisible:
		return st, nil
	}
	return "", ErrInvalidStatus
}

// Record is the presence state of one identity.
type Record struct {
	IdentityID    string
	IsOnline      bool
	LastSeenAt    *time.Time
	Status        Status
	CustomMessage string
}

// Scope selects who receives presence announcements.
type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeContacts Scope = "contacts"
)

// Broadcaster delivers presence frames. The room router implements it.
type Broadcaster interface {
	BroadcastAll(data []byte, exceptIdentity string) int
	DeliverToIdentity(identityID string, data []byte, excludeConnID string) int
}

// ContactSource resolves the audience when Scope is ScopeContacts.
type ContactSource interface {
	ContactsOf(ctx context.Context, identityID string) ([]string, error)
}

type entry struct {
	rec     Record
	epoch   uint64
	touched time.Time
}

type presenceShard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Tracker owns presence records for identities seen by this instance.
type Tracker struct {
	shards    [shard.Count]*presenceShard
	out       Broadcaster
	snapshots SnapshotStore
	cluster   Cluster
	contacts  ContactSource
	scope     Scope
	log       zerolog.Logger
	now       func() time.Time
}

// Config holds Tracker collaborators. Only Out is required.
type Config struct {
	Out       Broadcaster
	Snapshots SnapshotStore
	Cluster   Cluster
	Contacts  ContactSource
	Scope     Scope
	Log       zerolog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(cfg Config) *Tracker {
	t := &Tracker{
		out:       cfg.Out,
		snapshots: cfg.Snapshots,
		cluster:   cfg.Cluster,
		contacts:  cfg.Contacts,
		scope:     cfg.Scope,
		log:       cfg.Log,
		now:       time.Now,
	}
	if t.snapshots == nil {
		t.snapshots = NopSnapshots{}
	}
	if t.scope == "" || (t.scope == ScopeContacts && t.contacts == nil) {
		t.scope = ScopeAll
	}
	for i := range t.shards {
		t.shards[i] = &presenceShard{entries: make(map[string]*entry)}
	}
	return t
}

func (t *Tracker) shardFor(identityID string) *presenceShard {
	return t.shards[shard.Index(identityID, shard.Count)]
}

// Connected applies a first-connection transition.
func (t *Tracker) Connected(ctx context.Context, identityID string, epoch uint64) {
	t.restore(ctx, identityID)
	audience := t.audience(ctx, identityID)
	elsewhere, stale := t.clusterTransition(ctx, identityID, epoch, true)

	sh := t.shardFor(identityID)
	sh.mu.Lock()
	e := sh.entry(identityID, t.now())
	if stale || epoch <= e.epoch {
		sh.mu.Unlock()
		t.log.Debug().Str("identity_id", identityID).Uint64("epoch", epoch).Msg("stale online transition dropped")
		return
	}
	e.epoch = epoch
	e.rec.IsOnline = true
	rec := e.rec
	if rec.Status != StatusInvisible && !elsewhere {
		t.announce(identityID, audience, protocol.TypePresenceOnline, protocol.PresenceMsg{IdentityID: identityID})
	}
	sh.mu.Unlock()

	metrics.OnlineIdentities.Inc()
	t.save(ctx, rec)
}

// Disconnected applies a last-disconnection transition and stamps LastSeenAt.
// The local record goes offline either way; the announcement and the shared
// snapshot wait until no other instance holds the identity.
func (t *Tracker) Disconnected(ctx context.Context, identityID string, epoch uint64) {
	audience := t.audience(ctx, identityID)
	elsewhere, stale := t.clusterTransition(ctx, identityID, epoch, false)

	sh := t.shardFor(identityID)
	sh.mu.Lock()
	e := sh.entry(identityID, t.now())
	if stale || epoch <= e.epoch {
		sh.mu.Unlock()
		t.log.Debug().Str("identity_id", identityID).Uint64("epoch", epoch).Msg("stale offline transition dropped")
		return
	}
	wasOnline := e.rec.IsOnline
	seen := t.now().UTC()
	e.epoch = epoch
	e.rec.IsOnline = false
	e.rec.LastSeenAt = &seen
	rec := e.rec
	if rec.Status != StatusInvisible && !elsewhere {
		t.announce(identityID, audience, protocol.TypePresenceOffline, protocol.PresenceMsg{IdentityID: identityID, LastSeenAt: &seen})
	}
	sh.mu.Unlock()

	if wasOnline {
		metrics.OnlineIdentities.Dec()
	}
	if elsewhere {
		rec.IsOnline = true
	}
	t.save(ctx, rec)
}

// clusterTransition records the transition in the cluster. It reports
// whether another instance holds the identity and whether the cluster has
// already seen a later transition from this instance. Without a cluster, or
// when it is unreachable, the instance behaves as if it were alone.
func (t *Tracker) clusterTransition(ctx context.Context, identityID string, epoch uint64, online bool) (elsewhere, stale bool) {
	if t.cluster == nil {
		return false, false
	}
	var (
		others int
		err    error
	)
	if online {
		others, err = t.cluster.Connected(ctx, identityID, epoch)
	} else {
		others, err = t.cluster.Disconnected(ctx, identityID, epoch)
	}
	if err != nil {
		t.log.Warn().Err(err).Str("identity_id", identityID).Msg("cluster presence update failed")
		return false, false
	}
	return others > 0, others < 0
}

// Sweep forgets identities that have been offline and untouched for longer
// than idle, and returns how many were dropped. A dropped identity's status
// and last-seen time come back from the snapshot store when it reconnects.
func (t *Tracker) Sweep(idle time.Duration) int {
	cutoff := t.now().Add(-idle)
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for id, e := range sh.entries {
			if !e.rec.IsOnline && e.touched.Before(cutoff) {
				delete(sh.entries, id)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// RunJanitor sweeps idle offline identities every interval until ctx is done.
func (t *Tracker) RunJanitor(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(idle); n > 0 {
				t.log.Debug().Int("evicted", n).Msg("presence sweep")
			}
		}
	}
}

// SetStatus sets the status override. It persists across reconnects until
// changed again. Switching to invisible looks like going offline to others;
// leaving invisible while connected looks like coming online.
func (t *Tracker) SetStatus(ctx context.Context, identityID string, status Status, customMessage string) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	t.restore(ctx, identityID)
	audience := t.audience(ctx, identityID)

	sh := t.shardFor(identityID)
	sh.mu.Lock()
	e := sh.entry(identityID, t.now())
	prev := e.rec.Status
	e.rec.Status = status
	e.rec.CustomMessage = customMessage
	rec := e.rec

	if rec.IsOnline {
		switch {
		case status == StatusInvisible && prev != StatusInvisible:
			now := t.now().UTC()
			t.announce(identityID, audience, protocol.TypePresenceOffline, protocol.PresenceMsg{IdentityID: identityID, LastSeenAt: &now})
		case status != StatusInvisible:
			if prev == StatusInvisible {
				t.announce(identityID, audience, protocol.TypePresenceOnline, protocol.PresenceMsg{IdentityID: identityID})
			}
			t.announce(identityID, audience, protocol.TypePresenceStatus, protocol.PresenceStatusMsg{
				IdentityID:    identityID,
				Status:        string(status),
				CustomMessage: customMessage,
			})
		}
	}
	sh.mu.Unlock()

	t.save(ctx, rec)
	return nil
}

// Get returns the full presence record of identityID.
func (t *Tracker) Get(identityID string) (Record, bool) {
	sh := t.shardFor(identityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[identityID]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Visible returns the record as other identities should see it. Invisible
// identities appear offline with their custom message hidden.
func (t *Tracker) Visible(identityID string) (Record, bool) {
	rec, ok := t.Get(identityID)
	if !ok {
		return Record{}, false
	}
	if rec.Status == StatusInvisible {
		rec.IsOnline = false
		rec.Status = StatusOnline
		rec.CustomMessage = ""
	}
	return rec, true
}

// entry returns the identity's entry, creating it if needed, and marks it
// touched at now.
func (sh *presenceShard) entry(identityID string, now time.Time) *entry {
	e, ok := sh.entries[identityID]
	if !ok {
		e = &entry{rec: Record{IdentityID: identityID, Status: StatusOnline}}
		sh.entries[identityID] = e
	}
	e.touched = now
	return e
}

// restore loads a stored status override the first time this instance
// sees identityID.
func (t *Tracker) restore(ctx context.Context, identityID string) {
	sh := t.shardFor(identityID)
	sh.mu.Lock()
	_, known := sh.entries[identityID]
	sh.mu.Unlock()
	if known {
		return
	}

	snap, err := t.snapshots.Load(ctx, identityID)
	if err != nil {
		t.log.Warn().Err(err).Str("identity_id", identityID).Msg("presence snapshot load failed")
		return
	}
	if snap == nil {
		return
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, known := sh.entries[identityID]; known {
		return
	}
	sh.entries[identityID] = &entry{
		rec: Record{
			IdentityID:    identityID,
			LastSeenAt:    snap.LastSeenAt,
			Status:        snap.Status,
			CustomMessage: snap.CustomMessage,
		},
		touched: t.now(),
	}
}

// audience returns nil for ScopeAll, otherwise the contact list.
func (t *Tracker) audience(ctx context.Context, identityID string) []string {
	if t.scope != ScopeContacts {
		return nil
	}
	ids, err := t.contacts.ContactsOf(ctx, identityID)
	if err != nil {
		t.log.Warn().Err(err).Str("identity_id", identityID).Msg("presence audience lookup failed")
		return []string{}
	}
	if ids == nil {
		return []string{}
	}
	return ids
}

// announce must be called with the identity's shard lock held.
func (t *Tracker) announce(identityID string, audience []string, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		t.log.Error().Err(err).Str("type", msgType).Msg("presence encode failed")
		return
	}
	if audience == nil {
		t.out.BroadcastAll(data, identityID)
		return
	}
	for _, contact := range audience {
		if contact != identityID {
			t.out.DeliverToIdentity(contact, data, "")
		}
	}
}

func (t *Tracker) save(ctx context.Context, rec Record) {
	if err := t.snapshots.Save(ctx, rec); err != nil {
		t.log.Warn().Err(err).Str("identity_id", rec.IdentityID).Msg("presence snapshot save failed")
	}
}
