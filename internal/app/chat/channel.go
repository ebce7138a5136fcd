// Package chat sends and observes a room's chat and reaction log.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type Options struct {
	ReactionWindow time.Duration
	Rate           float64
	Burst          int
	// OnLog receives the full ordered log after every change.
	OnLog func([]domain.ChatEvent)
	// OnReaction fires once per reaction still inside the window when first seen.
	OnReaction func(domain.ChatEvent)
}

type Channel struct {
	log     core.ChatLog
	room    domain.RoomName
	sender  domain.PresenceRecord
	opts    Options
	limiter *rate.Limiter

	mu     sync.Mutex
	events []domain.ChatEvent
	seen   map[string]struct{}
	sub    core.Subscription
}

// New binds a channel to room; sender provides the name and id stamped on
// outgoing events.
func New(chatLog core.ChatLog, room domain.RoomName, sender domain.PresenceRecord, opts Options) *Channel {
	if opts.OnLog == nil {
		opts.OnLog = func([]domain.ChatEvent) {}
	}
	if opts.OnReaction == nil {
		opts.OnReaction = func(domain.ChatEvent) {}
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &Channel{
		log:     chatLog,
		room:    room,
		sender:  sender,
		opts:    opts,
		limiter: rate.NewLimiter(limit, max(opts.Burst, 1)),
		seen:    make(map[string]struct{}),
	}
}

func (c *Channel) Start(ctx context.Context) error {
	sub, err := c.log.Subscribe(ctx, c.room, c.observe)
	if err != nil {
		return fmt.Errorf("subscribe chat: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// Stop cancels the subscription; no callback starts after it returns.
func (c *Channel) Stop() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (c *Channel) observe(snap domain.ChatSnapshot) {
	var fresh []domain.ChatEvent

	c.mu.Lock()
	c.events = snap.Events
	for _, ev := range snap.Events {
		if !ev.IsReaction() {
			continue
		}
		if _, ok := c.seen[ev.ID]; ok {
			continue
		}
		c.seen[ev.ID] = struct{}{}
		if ev.VisibleAt(snap.ServerNow, c.opts.ReactionWindow) {
			fresh = append(fresh, ev)
		}
	}
	c.mu.Unlock()

	c.opts.OnLog(snap.Events)
	for _, ev := range fresh {
		c.opts.OnReaction(ev)
	}
}

func (c *Channel) Log() []domain.ChatEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *Channel) SendMessage(ctx context.Context, text string) error {
	return c.send(ctx, text, domain.EventChat)
}

func (c *Channel) SendReaction(ctx context.Context, emoji string) error {
	return c.send(ctx, emoji, domain.EventReaction)
}

func (c *Channel) send(ctx context.Context, text string, typ domain.EventType) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > domain.MaxMessageLen {
		return domain.ErrMessageTooLong
	}
	if !c.limiter.Allow() {
		return domain.ErrRateLimited
	}

	ev, err := c.log.Append(ctx, domain.ChatEvent{
		Room:       c.room,
		SenderName: c.sender.DisplayName,
		SenderID:   c.sender.ID,
		Text:       text,
		Type:       typ,
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	log.Debug().Str("module", "app.chat").Str("room", string(c.room)).Str("id", ev.ID).Str("type", string(typ)).Msg("sent")
	return nil
}
