// Package memstore is an in-process presence and chat store. It backs tests
// and single-process demos; state is lost on exit.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/adapters/watch"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type Option func(*Store)

// WithClock replaces the server clock.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLivenessTTL sets the TTL used to decide whether a uid is still held.
func WithLivenessTTL(ttl time.Duration) Option { return func(s *Store) { s.ttl = ttl } }

// WithPollInterval makes subscriptions re-deliver periodically, so records
// age out of views even when nothing is written.
func WithPollInterval(d time.Duration) Option { return func(s *Store) { s.poll = d } }

type Store struct {
	mu   sync.Mutex
	now  func() time.Time
	ttl  time.Duration
	poll time.Duration
	seq  uint64

	presence map[domain.RoomName]map[domain.ParticipantID]domain.PresenceRecord
	chat     map[domain.RoomName][]domain.ChatEvent

	presenceWatchers map[domain.RoomName]map[*watch.Watcher]struct{}
	chatWatchers     map[domain.RoomName]map[*watch.Watcher]struct{}
}

var (
	_ core.PresenceStore = (*Store)(nil)
	_ core.ChatLog       = chatView{}
)

func New(opts ...Option) *Store {
	s := &Store{
		now:              time.Now,
		ttl:              20 * time.Second,
		presence:         make(map[domain.RoomName]map[domain.ParticipantID]domain.PresenceRecord),
		chat:             make(map[domain.RoomName][]domain.ChatEvent),
		presenceWatchers: make(map[domain.RoomName]map[*watch.Watcher]struct{}),
		chatWatchers:     make(map[domain.RoomName]map[*watch.Watcher]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Upsert(_ context.Context, rec domain.PresenceRecord) error {
	s.mu.Lock()
	now := s.now()
	recs := s.presence[rec.Room]
	if recs == nil {
		recs = make(map[domain.ParticipantID]domain.PresenceRecord)
		s.presence[rec.Room] = recs
	}
	if held, ok := recs[rec.ID]; ok && held.AccountID != rec.AccountID && held.IsLive(now, s.ttl) {
		s.mu.Unlock()
		return domain.ErrParticipantIDTaken
	}
	for id, r := range recs {
		if id != rec.ID && sameOwner(r, rec) {
			delete(recs, id)
		}
	}
	rec.JoinedAt = now
	rec.LastPing = now
	recs[rec.ID] = rec
	s.mu.Unlock()

	s.kick(s.presenceWatchers, rec.Room)
	return nil
}

// sameOwner decides which earlier record a new one replaces: the same
// account, or for anonymous records the same display name.
func sameOwner(old, rec domain.PresenceRecord) bool {
	if rec.AccountID != "" {
		return old.AccountID == rec.AccountID
	}
	return old.AccountID == "" && old.DisplayName == rec.DisplayName
}

func (s *Store) Touch(_ context.Context, room domain.RoomName, id domain.ParticipantID) error {
	return s.update(room, id, func(r *domain.PresenceRecord) { r.LastPing = s.now() })
}

func (s *Store) SetHandRaised(_ context.Context, room domain.RoomName, id domain.ParticipantID, raised bool) error {
	return s.update(room, id, func(r *domain.PresenceRecord) { r.HandRaised = raised })
}

func (s *Store) update(room domain.RoomName, id domain.ParticipantID, fn func(*domain.PresenceRecord)) error {
	s.mu.Lock()
	r, ok := s.presence[room][id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrRecordNotFound
	}
	fn(&r)
	s.presence[room][id] = r
	s.mu.Unlock()

	s.kick(s.presenceWatchers, room)
	return nil
}

func (s *Store) Delete(_ context.Context, room domain.RoomName, id domain.ParticipantID) error {
	s.mu.Lock()
	delete(s.presence[room], id)
	s.mu.Unlock()

	s.kick(s.presenceWatchers, room)
	return nil
}

func (s *Store) Snapshot(_ context.Context, room domain.RoomName) (domain.PresenceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(room), nil
}

func (s *Store) snapshotLocked(room domain.RoomName) domain.PresenceSnapshot {
	recs := make([]domain.PresenceRecord, 0, len(s.presence[room]))
	for _, r := range s.presence[room] {
		recs = append(recs, r)
	}
	slices.SortFunc(recs, func(a, b domain.PresenceRecord) int { return a.JoinedAt.Compare(b.JoinedAt) })
	return domain.PresenceSnapshot{Room: room, Records: recs, ServerNow: s.now()}
}

func (s *Store) Subscribe(ctx context.Context, room domain.RoomName, fn func(domain.PresenceSnapshot)) (core.Subscription, error) {
	return s.watch(ctx, s.presenceWatchers, room, func() { fn(s.lockedPresence(room)) }), nil
}

func (s *Store) lockedPresence(room domain.RoomName) domain.PresenceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(room)
}

func (s *Store) Append(_ context.Context, ev domain.ChatEvent) (domain.ChatEvent, error) {
	s.mu.Lock()
	now := s.now()
	s.seq++
	ev.ID = fmt.Sprintf("%d-%d", now.UnixMilli(), s.seq)
	ev.SentAt = now
	s.chat[ev.Room] = append(s.chat[ev.Room], ev)
	s.mu.Unlock()

	s.kick(s.chatWatchers, ev.Room)
	return ev, nil
}

func (s *Store) List(_ context.Context, room domain.RoomName) (domain.ChatSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatLocked(room), nil
}

func (s *Store) chatLocked(room domain.RoomName) domain.ChatSnapshot {
	return domain.ChatSnapshot{Room: room, Events: slices.Clone(s.chat[room]), ServerNow: s.now()}
}

func (s *Store) SubscribeChat(ctx context.Context, room domain.RoomName, fn func(domain.ChatSnapshot)) core.Subscription {
	return s.watch(ctx, s.chatWatchers, room, func() {
		s.mu.Lock()
		snap := s.chatLocked(room)
		s.mu.Unlock()
		fn(snap)
	})
}

// Chat exposes the chat side of the store; its Subscribe has the ChatLog
// signature, which collides with the presence one on Store.
func (s *Store) Chat() core.ChatLog { return chatView{s} }

type chatView struct{ s *Store }

func (c chatView) Append(ctx context.Context, ev domain.ChatEvent) (domain.ChatEvent, error) {
	return c.s.Append(ctx, ev)
}

func (c chatView) List(ctx context.Context, room domain.RoomName) (domain.ChatSnapshot, error) {
	return c.s.List(ctx, room)
}

func (c chatView) Subscribe(ctx context.Context, room domain.RoomName, fn func(domain.ChatSnapshot)) (core.Subscription, error) {
	return c.s.SubscribeChat(ctx, room, fn), nil
}

func (s *Store) watch(ctx context.Context, set map[domain.RoomName]map[*watch.Watcher]struct{}, room domain.RoomName, deliver func()) core.Subscription {
	w := watch.Run(ctx, s.poll, func(context.Context) { deliver() })

	s.mu.Lock()
	if set[room] == nil {
		set[room] = make(map[*watch.Watcher]struct{})
	}
	set[room][w] = struct{}{}
	s.mu.Unlock()

	w.OnStop(func() {
		s.mu.Lock()
		delete(set[room], w)
		s.mu.Unlock()
	})
	return w
}

func (s *Store) kick(set map[domain.RoomName]map[*watch.Watcher]struct{}, room domain.RoomName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range set[room] {
		w.Kick()
	}
}
