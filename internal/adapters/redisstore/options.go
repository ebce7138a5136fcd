// Package redisstore keeps presence records and chat logs in Redis.
//
// Layout per room (the braces are a cluster hash tag, so every key of a room
// lives in one slot and the Lua scripts may touch them together):
//
//	<prefix>:presence:{room}:members   SET of participant ids
//	<prefix>:presence:{room}:p:<id>    HASH of one presence record
//	<prefix>:presence:{room}:changed   pub/sub notification channel
//	<prefix>:chat:{room}               STREAM of chat and reaction events
//	<prefix>:chat:{room}:changed       pub/sub notification channel
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/Meet/internal/domain"
)

type options struct {
	prefix  string
	ttl     time.Duration
	keyTTL  time.Duration
	poll    time.Duration
	maxChat int64
	now     func(ctx context.Context) (time.Time, error)
}

type Option func(*options)

func WithPrefix(p string) Option { return func(o *options) { o.prefix = p } }

// WithLivenessTTL sets the TTL used to decide whether a uid is still held.
func WithLivenessTTL(d time.Duration) Option { return func(o *options) { o.ttl = d } }

// WithKeyTTL sets the expiry refreshed on every write; abandoned rooms vanish after it.
func WithKeyTTL(d time.Duration) Option { return func(o *options) { o.keyTTL = d } }

// WithPollInterval re-delivers snapshots periodically in addition to pub/sub kicks.
func WithPollInterval(d time.Duration) Option { return func(o *options) { o.poll = d } }

// WithMaxChatEvents caps the chat stream length (approximate trimming).
func WithMaxChatEvents(n int64) Option { return func(o *options) { o.maxChat = n } }

// WithClock replaces the Redis TIME based server clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = func(context.Context) (time.Time, error) { return now(), nil }
	}
}

func buildOptions(rdb redis.UniversalClient, opts []Option) options {
	o := options{
		prefix:  "meet",
		ttl:     20 * time.Second,
		keyTTL:  10 * time.Minute,
		poll:    2 * time.Second,
		maxChat: 1000,
		now: func(ctx context.Context) (time.Time, error) {
			return rdb.Time(ctx).Result()
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o options) membersKey(room domain.RoomName) string {
	return fmt.Sprintf("%s:presence:{%s}:members", o.prefix, room)
}

// recordPrefix is concatenated with the uid inside Lua.
func (o options) recordPrefix(room domain.RoomName) string {
	return fmt.Sprintf("%s:presence:{%s}:p:", o.prefix, room)
}

func (o options) recordKey(room domain.RoomName, id domain.ParticipantID) string {
	return fmt.Sprintf("%s%d", o.recordPrefix(room), id)
}

func (o options) presenceChannel(room domain.RoomName) string {
	return fmt.Sprintf("%s:presence:{%s}:changed", o.prefix, room)
}

func (o options) chatKey(room domain.RoomName) string {
	return fmt.Sprintf("%s:chat:{%s}", o.prefix, room)
}

func (o options) chatChannel(room domain.RoomName) string {
	return fmt.Sprintf("%s:chat:{%s}:changed", o.prefix, room)
}

func ms(t time.Time) string { return fmt.Sprintf("%d", t.UnixMilli()) }
