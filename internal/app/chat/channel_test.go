package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/adapters/memstore"
	"github.com/dkeye/Meet/internal/domain"
)

var sender = domain.PresenceRecord{ID: 1, DisplayName: "Ada"}

func TestSendValidation(t *testing.T) {
	ch := New(memstore.New().Chat(), "r", sender, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, ch.SendMessage(ctx, "   "), domain.ErrEmptyMessage)
	assert.ErrorIs(t, ch.SendMessage(ctx, strings.Repeat("x", domain.MaxMessageLen+1)), domain.ErrMessageTooLong)
	assert.NoError(t, ch.SendMessage(ctx, strings.Repeat("é", domain.MaxMessageLen)))
}

func TestSendRateLimited(t *testing.T) {
	ch := New(memstore.New().Chat(), "r", sender, Options{Rate: 0.001, Burst: 2})
	ctx := context.Background()

	require.NoError(t, ch.SendMessage(ctx, "one"))
	require.NoError(t, ch.SendReaction(ctx, "🎉"))
	assert.ErrorIs(t, ch.SendMessage(ctx, "three"), domain.ErrRateLimited)
}

func TestLogIsOrderedAndStamped(t *testing.T) {
	store := memstore.New()
	logs := make(chan []domain.ChatEvent, 16)
	ch := New(store.Chat(), "r", sender, Options{OnLog: func(evs []domain.ChatEvent) { logs <- evs }})
	ctx := context.Background()
	require.NoError(t, ch.Start(ctx))
	defer ch.Stop()
	<-logs

	require.NoError(t, ch.SendMessage(ctx, "hello"))
	require.NoError(t, ch.SendMessage(ctx, "world"))

	require.Eventually(t, func() bool { return len(ch.Log()) == 2 }, time.Second, time.Millisecond)
	got := ch.Log()
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, "world", got[1].Text)
	assert.Equal(t, "Ada", got[0].SenderName)
	assert.Equal(t, domain.ParticipantID(1), got[0].SenderID)
}

func TestReactionOverlayWindowAndOnce(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	var mu sync.Mutex
	var overlay []string
	ch := New(memstore.New().Chat(), "r", sender, Options{
		ReactionWindow: 5 * time.Second,
		OnReaction: func(ev domain.ChatEvent) {
			mu.Lock()
			overlay = append(overlay, ev.ID)
			mu.Unlock()
		},
	})

	events := []domain.ChatEvent{
		{ID: "old", Type: domain.EventReaction, SentAt: now.Add(-6 * time.Second)},
		{ID: "msg", Type: domain.EventChat, SentAt: now.Add(-time.Second)},
		{ID: "new", Type: domain.EventReaction, SentAt: now.Add(-4 * time.Second)},
	}
	ch.observe(domain.ChatSnapshot{Room: "r", Events: events, ServerNow: now})
	ch.observe(domain.ChatSnapshot{Room: "r", Events: events, ServerNow: now.Add(500 * time.Millisecond)})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"new"}, overlay)
}
