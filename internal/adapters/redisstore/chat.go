package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// Chat stores each room's log as a Redis stream. Stream ids are assigned by
// the server, so their order is server-timestamp order.
type Chat struct {
	rdb redis.UniversalClient
	o   options
}

var _ core.ChatLog = (*Chat)(nil)

func NewChat(rdb redis.UniversalClient, opts ...Option) *Chat {
	return &Chat{rdb: rdb, o: buildOptions(rdb, opts)}
}

func (c *Chat) Append(ctx context.Context, ev domain.ChatEvent) (domain.ChatEvent, error) {
	key := c.o.chatKey(ev.Room)
	typ := ev.Type
	if typ == "" {
		typ = domain.EventChat
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: c.o.maxChat,
		Approx: true,
		Values: map[string]any{
			"senderName": ev.SenderName,
			"senderId":   strconv.FormatUint(uint64(ev.SenderID), 10),
			"text":       ev.Text,
			"type":       string(typ),
		},
	}).Result()
	if err != nil {
		return ev, fmt.Errorf("append chat: %w", err)
	}
	if err := c.rdb.PExpire(ctx, key, c.o.keyTTL).Err(); err != nil {
		log.Warn().Err(err).Str("module", "redisstore").Str("room", string(ev.Room)).Msg("chat expire failed")
	}

	ev.ID = id
	ev.Type = typ
	ev.SentAt = streamTime(id)
	if err := c.rdb.Publish(ctx, c.o.chatChannel(ev.Room), id).Err(); err != nil {
		log.Warn().Err(err).Str("module", "redisstore").Str("room", string(ev.Room)).Msg("chat notify failed")
	}
	return ev, nil
}

func (c *Chat) List(ctx context.Context, room domain.RoomName) (domain.ChatSnapshot, error) {
	snap := domain.ChatSnapshot{Room: room}
	msgs, err := c.rdb.XRange(ctx, c.o.chatKey(room), "-", "+").Result()
	if err != nil {
		return snap, fmt.Errorf("list chat: %w", err)
	}
	snap.Events = make([]domain.ChatEvent, 0, len(msgs))
	for _, m := range msgs {
		snap.Events = append(snap.Events, decodeEvent(room, m))
	}
	if snap.ServerNow, err = c.o.now(ctx); err != nil {
		return snap, fmt.Errorf("server time: %w", err)
	}
	return snap, nil
}

func (c *Chat) Subscribe(ctx context.Context, room domain.RoomName, fn func(domain.ChatSnapshot)) (core.Subscription, error) {
	return subscribe(ctx, c.rdb, c.o.chatChannel(room), c.o.poll, func(ctx context.Context) error {
		snap, err := c.List(ctx, room)
		if err != nil {
			return err
		}
		fn(snap)
		return nil
	})
}

func decodeEvent(room domain.RoomName, m redis.XMessage) domain.ChatEvent {
	str := func(k string) string {
		s, _ := m.Values[k].(string)
		return s
	}
	sender, _ := strconv.ParseUint(str("senderId"), 10, 32)
	return domain.ChatEvent{
		ID:         m.ID,
		Room:       room,
		SenderName: str("senderName"),
		SenderID:   domain.ParticipantID(sender),
		Text:       str("text"),
		Type:       domain.EventType(str("type")),
		SentAt:     streamTime(m.ID),
	}
}

// streamTime extracts the millisecond part of a stream id ("<ms>-<seq>").
func streamTime(id string) time.Time {
	msPart, _, _ := strings.Cut(id, "-")
	v, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
