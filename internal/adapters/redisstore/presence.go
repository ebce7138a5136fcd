package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/adapters/watch"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type Presence struct {
	rdb redis.UniversalClient
	o   options
}

var _ core.PresenceStore = (*Presence)(nil)

func NewPresence(rdb redis.UniversalClient, opts ...Option) *Presence {
	return &Presence{rdb: rdb, o: buildOptions(rdb, opts)}
}

func (p *Presence) Upsert(ctx context.Context, rec domain.PresenceRecord) error {
	now, err := p.o.now(ctx)
	if err != nil {
		return fmt.Errorf("server time: %w", err)
	}
	hand := "0"
	if rec.HandRaised {
		hand = "1"
	}
	keys := []string{p.o.membersKey(rec.Room), p.o.recordKey(rec.Room, rec.ID)}
	ok, err := upsertScript.Run(ctx, p.rdb, keys,
		strconv.FormatUint(uint64(rec.ID), 10), string(rec.AccountID), rec.DisplayName, rec.Avatar, hand,
		ms(now), p.o.ttl.Milliseconds(), p.o.keyTTL.Milliseconds(), p.o.recordPrefix(rec.Room),
	).Int()
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	if ok == 0 {
		return domain.ErrParticipantIDTaken
	}
	p.notify(ctx, rec.Room)
	return nil
}

func (p *Presence) Touch(ctx context.Context, room domain.RoomName, id domain.ParticipantID) error {
	now, err := p.o.now(ctx)
	if err != nil {
		return fmt.Errorf("server time: %w", err)
	}
	return p.setIfExists(ctx, room, id, "lastPing", ms(now))
}

func (p *Presence) SetHandRaised(ctx context.Context, room domain.RoomName, id domain.ParticipantID, raised bool) error {
	v := "0"
	if raised {
		v = "1"
	}
	return p.setIfExists(ctx, room, id, "handRaised", v)
}

func (p *Presence) setIfExists(ctx context.Context, room domain.RoomName, id domain.ParticipantID, field, value string) error {
	keys := []string{p.o.recordKey(room, id), p.o.membersKey(room)}
	ok, err := setIfExistsScript.Run(ctx, p.rdb, keys, field, value, p.o.keyTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("update presence %s: %w", field, err)
	}
	if ok == 0 {
		return domain.ErrRecordNotFound
	}
	p.notify(ctx, room)
	return nil
}

func (p *Presence) Delete(ctx context.Context, room domain.RoomName, id domain.ParticipantID) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.o.recordKey(room, id))
		pipe.SRem(ctx, p.o.membersKey(room), strconv.FormatUint(uint64(id), 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	p.notify(ctx, room)
	return nil
}

func (p *Presence) Snapshot(ctx context.Context, room domain.RoomName) (domain.PresenceSnapshot, error) {
	snap := domain.PresenceSnapshot{Room: room}

	ids, err := p.rdb.SMembers(ctx, p.o.membersKey(room)).Result()
	if err != nil {
		return snap, fmt.Errorf("list presence: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if len(ids) > 0 {
		_, err = p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range ids {
				cmds[i] = pipe.HGetAll(ctx, p.o.recordPrefix(room)+id)
			}
			return nil
		})
		if err != nil {
			return snap, fmt.Errorf("read presence: %w", err)
		}
	}

	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(room, fields)
		if err != nil {
			log.Warn().Err(err).Str("module", "redisstore").Str("room", string(room)).Msg("skip malformed presence record")
			continue
		}
		snap.Records = append(snap.Records, rec)
	}
	slices.SortFunc(snap.Records, func(a, b domain.PresenceRecord) int { return a.JoinedAt.Compare(b.JoinedAt) })

	if snap.ServerNow, err = p.o.now(ctx); err != nil {
		return snap, fmt.Errorf("server time: %w", err)
	}
	return snap, nil
}

func (p *Presence) Subscribe(ctx context.Context, room domain.RoomName, fn func(domain.PresenceSnapshot)) (core.Subscription, error) {
	return subscribe(ctx, p.rdb, p.o.presenceChannel(room), p.o.poll, func(ctx context.Context) error {
		snap, err := p.Snapshot(ctx, room)
		if err != nil {
			return err
		}
		fn(snap)
		return nil
	})
}

func (p *Presence) notify(ctx context.Context, room domain.RoomName) {
	if err := p.rdb.Publish(ctx, p.o.presenceChannel(room), "changed").Err(); err != nil {
		log.Warn().Err(err).Str("module", "redisstore").Str("room", string(room)).Msg("presence notify failed")
	}
}

func decodeRecord(room domain.RoomName, f map[string]string) (domain.PresenceRecord, error) {
	id, err := strconv.ParseUint(f["id"], 10, 32)
	if err != nil {
		return domain.PresenceRecord{}, fmt.Errorf("id: %w", err)
	}
	joined, err := parseMillis(f["joinedAt"])
	if err != nil {
		return domain.PresenceRecord{}, fmt.Errorf("joinedAt: %w", err)
	}
	ping, err := parseMillis(f["lastPing"])
	if err != nil {
		return domain.PresenceRecord{}, fmt.Errorf("lastPing: %w", err)
	}
	return domain.PresenceRecord{
		Room:        room,
		ID:          domain.ParticipantID(id),
		AccountID:   domain.AccountID(f["accountId"]),
		DisplayName: f["displayName"],
		Avatar:      f["avatar"],
		HandRaised:  f["handRaised"] == "1",
		JoinedAt:    joined,
		LastPing:    ping,
	}, nil
}

func parseMillis(s string) (time.Time, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(v), nil
}

// subscribe runs a watcher that delivers on start, on every notification
// published to channel and every poll interval.
func subscribe(ctx context.Context, rdb redis.UniversalClient, channel string, poll time.Duration, deliver func(context.Context) error) (core.Subscription, error) {
	ps := rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	w := watch.Run(ctx, poll, func(ctx context.Context) {
		if err := deliver(ctx); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "redisstore").Str("channel", channel).Msg("snapshot delivery failed")
		}
	})

	msgs := ps.Channel()
	go func() {
		for {
			select {
			case <-w.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				w.Kick()
			}
		}
	}()
	w.OnStop(func() { _ = ps.Close() })
	return w, nil
}
