// Package presence keeps the local participant's presence record alive and
// maintains the live directory of a room.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type Config struct {
	HeartbeatInterval time.Duration
	TTL               time.Duration
}

// Directory is the set of live records of a room, ordered by join time.
type Directory struct {
	Room      domain.RoomName
	Records   []domain.PresenceRecord
	ServerNow time.Time
}

func (d Directory) Lookup(id domain.ParticipantID) (domain.PresenceRecord, bool) {
	for _, r := range d.Records {
		if r.ID == id {
			return r, true
		}
	}
	return domain.PresenceRecord{}, false
}

// Tracker owns every presence write of the local participant: the initial
// record, heartbeats, the hand flag and the final delete.
type Tracker struct {
	store    core.PresenceStore
	self     domain.PresenceRecord
	cfg      Config
	onChange func(Directory)

	mu   sync.Mutex
	dir  Directory
	hand bool

	sub    core.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store core.PresenceStore, self domain.PresenceRecord, cfg Config, onChange func(Directory)) *Tracker {
	if onChange == nil {
		onChange = func(Directory) {}
	}
	return &Tracker{
		store:    store,
		self:     self,
		cfg:      cfg,
		onChange: onChange,
		hand:     self.HandRaised,
		dir:      Directory{Room: self.Room},
	}
}

// Register writes the local record, replacing any earlier record of the
// same account in the room.
func (t *Tracker) Register(ctx context.Context) error {
	if err := t.store.Upsert(ctx, t.self); err != nil {
		return fmt.Errorf("register presence: %w", err)
	}
	log.Info().Str("module", "app.presence").Str("room", string(t.self.Room)).Uint32("uid", uint32(t.self.ID)).Msg("presence registered")
	return nil
}

// Start subscribes to the room and begins heartbeating.
func (t *Tracker) Start(ctx context.Context) error {
	sub, err := t.store.Subscribe(ctx, t.self.Room, t.observe)
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.sub = sub
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go t.heartbeat(hbCtx, done)
	return nil
}

func (t *Tracker) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := t.store.Touch(ctx, t.self.Room, t.self.ID)
			switch {
			case err == nil, ctx.Err() != nil:
			case errors.Is(err, domain.ErrRecordNotFound):
				log.Warn().Str("module", "app.presence").Uint32("uid", uint32(t.self.ID)).Msg("heartbeat: own record is gone")
			default:
				log.Warn().Err(err).Str("module", "app.presence").Uint32("uid", uint32(t.self.ID)).Msg("heartbeat failed")
			}
		}
	}
}

func (t *Tracker) observe(snap domain.PresenceSnapshot) {
	dir := Directory{Room: snap.Room, Records: snap.Live(t.cfg.TTL), ServerNow: snap.ServerNow}

	t.mu.Lock()
	if rec, ok := dir.Lookup(t.self.ID); ok {
		t.hand = rec.HandRaised
	}
	t.dir = dir
	t.mu.Unlock()

	t.onChange(dir)
}

// Stop ends the heartbeat and the subscription. When it returns no further
// heartbeat write or directory callback will start.
func (t *Tracker) Stop() {
	t.mu.Lock()
	sub, cancel, done := t.sub, t.cancel, t.done
	t.sub, t.cancel, t.done = nil, nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Remove deletes the local record. Failures are only logged; orphaned
// records age out by TTL.
func (t *Tracker) Remove(ctx context.Context) {
	if err := t.store.Delete(ctx, t.self.Room, t.self.ID); err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Uint32("uid", uint32(t.self.ID)).Msg("presence delete failed")
	}
}

func (t *Tracker) Directory() Directory {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir
}

func (t *Tracker) HandRaised() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hand
}

// ToggleHand flips the hand flag locally first and rolls it back when the
// write fails. It returns the resulting flag.
func (t *Tracker) ToggleHand(ctx context.Context) (bool, error) {
	t.mu.Lock()
	prev := t.hand
	t.hand = !prev
	dir := t.patchSelf(t.hand)
	t.mu.Unlock()
	t.onChange(dir)

	if err := t.store.SetHandRaised(ctx, t.self.Room, t.self.ID, !prev); err != nil {
		t.mu.Lock()
		t.hand = prev
		dir = t.patchSelf(prev)
		t.mu.Unlock()
		t.onChange(dir)
		return prev, fmt.Errorf("toggle hand: %w", err)
	}
	return !prev, nil
}

// patchSelf must be called with mu held.
func (t *Tracker) patchSelf(hand bool) Directory {
	recs := make([]domain.PresenceRecord, len(t.dir.Records))
	copy(recs, t.dir.Records)
	for i := range recs {
		if recs[i].ID == t.self.ID {
			recs[i].HandRaised = hand
		}
	}
	t.dir.Records = recs
	return t.dir
}
