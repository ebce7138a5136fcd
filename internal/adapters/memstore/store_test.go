package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore() (*Store, *clock) {
	c := &clock{now: time.UnixMilli(1_700_000_000_000)}
	return New(WithClock(c.Now), WithLivenessTTL(20*time.Second)), c
}

func TestUpsertReplacesPreviousRecordOfAccount(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, domain.PresenceRecord{Room: "r", ID: 1, AccountID: "acc", DisplayName: "Ada"}))
	require.NoError(t, s.Upsert(ctx, domain.PresenceRecord{Room: "r", ID: 2, AccountID: "acc", DisplayName: "Ada"}))

	snap, err := s.Snapshot(ctx, "r")
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, domain.ParticipantID(2), snap.Records[0].ID)
}

func TestUpsertAnonymousDedupByDisplayName(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, domain.PresenceRecord{Room: "r", ID: 1, DisplayName: "Guest"}))
	require.NoError(t, s.Upsert(ctx, domain.PresenceRecord{Room: "r", ID: 2, AccountID: "other", DisplayName: "Guest"}))
	require.NoError(t, s.Upsert(ctx, domain.PresenceRecord{Room: "r", ID: 3, DisplayName: "Guest"}))

	snap, _ := s.Snapshot(ctx, "r")
	ids := []domain.ParticipantID{}
	for _, r := range snap.Records {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []domain.ParticipantID{2, 3}, ids)
}

func TestUpsertRejectsLiveUIDOfOtherAccount(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, domain.PresenceRecord{Room: "r", ID: 9, AccountID: "a"}))
	err := s.Upsert(ctx, domain.PresenceRecord{Room: "r", ID: 9, AccountID: "b"})
	assert.ErrorIs(t, err, domain.ErrParticipantIDTaken)

	c.Advance(21 * time.Second)
	assert.NoError(t, s.Upsert(ctx, domain.PresenceRecord{Room: "r", ID: 9, AccountID: "b"}))
}

func TestTouchDoesNotRecreate(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()

	assert.ErrorIs(t, s.Touch(ctx, "r", 5), domain.ErrRecordNotFound)

	require.NoError(t, s.Upsert(ctx, domain.PresenceRecord{Room: "r", ID: 5, DisplayName: "Ada", HandRaised: true}))
	c.Advance(3 * time.Second)
	require.NoError(t, s.Touch(ctx, "r", 5))

	snap, _ := s.Snapshot(ctx, "r")
	require.Len(t, snap.Records, 1)
	rec := snap.Records[0]
	assert.Equal(t, c.Now(), rec.LastPing)
	assert.Equal(t, "Ada", rec.DisplayName)
	assert.True(t, rec.HandRaised)
}

func TestSubscribeDeliversOnChange(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()

	var mu sync.Mutex
	var got []domain.PresenceSnapshot
	sub, err := s.Subscribe(ctx, "r", func(snap domain.PresenceSnapshot) {
		mu.Lock()
		got = append(got, snap)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, domain.PresenceRecord{Room: "r", ID: 1, DisplayName: "Ada"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && len(got[len(got)-1].Records) == 1
	}, time.Second, time.Millisecond)

	sub.Unsubscribe()
	mu.Lock()
	n := len(got)
	mu.Unlock()
	require.NoError(t, s.Delete(ctx, "r", 1))
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, n, len(got))
	mu.Unlock()
}

func TestChatAppendOrdersEvents(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	chat := s.Chat()

	first, err := chat.Append(ctx, domain.ChatEvent{Room: "r", Text: "one", Type: domain.EventChat})
	require.NoError(t, err)
	c.Advance(time.Millisecond)
	_, err = chat.Append(ctx, domain.ChatEvent{Room: "r", Text: "two", Type: domain.EventReaction})
	require.NoError(t, err)

	snap, err := chat.List(ctx, "r")
	require.NoError(t, err)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, first.ID, snap.Events[0].ID)
	assert.Equal(t, "two", snap.Events[1].Text)
	assert.True(t, snap.Events[1].SentAt.After(snap.Events[0].SentAt))
}
