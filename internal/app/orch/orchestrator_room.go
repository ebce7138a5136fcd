package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/app/sfu"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
)

// Join admits sid to the channel named in msg after checking its credential,
// opens its media connection and announces the channel's current publishers
// to it. ctx bounds the media connection.
func (o *Orchestrator) Join(ctx context.Context, sid core.SessionID, msg protocol.Join) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = Code(err)
		}
		o.Metrics.Joins.WithLabelValues(result).Inc()
	}()

	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return ErrNotJoined
	}
	if _, _, in := o.Registry.ChannelOf(sid); in {
		return ErrAlreadyJoined
	}
	channel, err := domain.ParseRoomName(string(msg.Channel))
	if err != nil || channel != msg.Channel || msg.UID == 0 {
		return ErrBadRequest
	}
	if msg.AppID != o.AppID {
		return fmt.Errorf("%w: app id", ErrUnauthorized)
	}
	claims, err := o.Tokens.Verify(msg.Token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !claims.Admits(o.AppID, channel, msg.UID) {
		return fmt.Errorf("%w: token not issued for %s/%d", ErrUnauthorized, channel, msg.UID)
	}

	o.joinMu.Lock()
	defer o.joinMu.Unlock()

	ch := o.Channels.GetOrCreate(channel)
	if _, _, taken := ch.Lookup(msg.UID); taken {
		return ErrUIDTaken
	}

	mc, err := o.NewMedia(sid)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	o.BindMediaHandlers(mc, sid)
	if err := mc.Start(ctx); err != nil {
		mc.Close()
		return fmt.Errorf("%w: %w", ErrNegotiation, err)
	}

	sess.UpdateMeta(domain.NewMember(msg.UID, domain.AccountID(claims.Subject), channel, claims.Role)).UpdateMedia(mc)
	ch.AddMember(sid, sess)
	o.Registry.SetChannel(sid, channel)
	o.Metrics.Members.Inc()

	o.send(sess, protocol.Joined{Type: protocol.TypeJoined, Channel: channel, UID: msg.UID})
	o.announcePublishers(sid, channel, sess)

	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("channel", string(channel)).Uint32("uid", uint32(msg.UID)).Msg("joined")
	return nil
}

func (o *Orchestrator) announcePublishers(sid core.SessionID, channel domain.RoomName, to core.MemberSession) {
	for _, snap := range o.Registry.MembersOf(channel) {
		if snap.SID == sid {
			continue
		}
		for _, kind := range []domain.MediaKind{domain.KindAudio, domain.KindVideo} {
			if o.Relays.HasRelay(sfu.RelayKey{SID: snap.SID, Kind: kind}) {
				o.send(to, protocol.Track{Type: protocol.TypePublished, UID: snap.Session.Meta().ID, Kind: kind})
			}
		}
	}
}

// Leave takes sid out of its channel; the signaling connection stays open.
func (o *Orchestrator) Leave(sid core.SessionID) {
	log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("leave")
	o.KickBySID(sid)
}

// KickBySID releases sid's media and membership and tells the channel it left.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.cleanupMedia(sid)
	o.cleanupMembership(sid)
}

func (o *Orchestrator) cleanupMembership(sid core.SessionID) {
	channel, sess, ok := o.Registry.ChannelOf(sid)
	if !ok {
		return
	}
	o.Registry.ClearChannel(sid)
	ch, ok := o.Channels.Get(channel)
	if !ok {
		return
	}
	ch.RemoveMember(sid)
	o.Metrics.Members.Dec()

	o.broadcast(channel, sid, protocol.Left{Type: protocol.TypeLeft, UID: sess.Meta().ID})
	if ch.MemberCount() == 0 {
		o.Channels.StopChannel(channel)
		log.Info().Str("module", "orch").Str("channel", string(channel)).Msg("channel empty, stopped")
	}
}

// Disconnect is called when sid's signaling connection is gone.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	o.KickBySID(sid)
	o.Registry.Unbind(sid)
}

// EvictChannel kicks every member of name and drops the channel.
func (o *Orchestrator) EvictChannel(name domain.RoomName) {
	for _, snap := range o.Registry.MembersOf(name) {
		o.KickBySID(snap.SID)
		o.Registry.Cancel(snap.SID)
	}
	o.Channels.StopChannel(name)
}
