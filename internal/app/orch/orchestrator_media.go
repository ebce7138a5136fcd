package orch

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/app/sfu"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
)

func (o *Orchestrator) BindMediaHandlers(mc core.MediaConnection, sid core.SessionID) {
	mc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		o.OnTrack(trackCtx, sid, track)
	})
	mc.OnClosed(func() {
		// pion runs this on its own goroutine holding internal locks
		go o.OnMediaDisconnect(sid, mc)
	})
}

// OnMediaDisconnect kicks sid when its current media connection failed.
func (o *Orchestrator) OnMediaDisconnect(sid core.SessionID, mc core.MediaConnection) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Media() != mc {
		return
	}
	log.Warn().Str("module", "orch").Str("sid", string(sid)).Msg("media connection lost")
	o.KickBySID(sid)
}

func (o *Orchestrator) cleanupMedia(sid core.SessionID) {
	if o.Relays != nil {
		o.Relays.StopAll(sid)
		o.Relays.DropSubscriber(sid)
	}
	if sess, ok := o.Registry.GetSession(sid); ok {
		if mc := sess.Media(); mc != nil {
			sess.UpdateMedia(nil)
			mc.Close()
		}
	}
}

// OnTrack is called when a new remote media track appears for a given session.
func (o *Orchestrator) OnTrack(ctx context.Context, sid core.SessionID, track *webrtc.TrackRemote) {
	channel, sess, ok := o.Registry.ChannelOf(sid)
	if !ok {
		log.Info().Str("module", "sfu").Str("sid", string(sid)).Msg("OnTrack: no channel for sid")
		return
	}
	kind := domain.MediaKind(track.Kind().String())
	if !kind.Valid() {
		return
	}
	key := sfu.RelayKey{SID: sid, Kind: kind}
	o.Relays.StartRelay(ctx, key, track, sfu.SourceInfo{Codec: track.Codec().RTPCodecCapability, SSRC: track.SSRC()})
	o.broadcast(channel, sid, protocol.Track{Type: protocol.TypePublished, UID: sess.Meta().ID, Kind: kind})
}

func offer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

// answer replies to one offer; requests from one session are handled in order
// so answers arrive in request order.
func (o *Orchestrator) answer(request string, sess core.MemberSession, desc *webrtc.SessionDescription, err error) {
	msg := protocol.Answer{Type: protocol.TypeAnswer}
	if desc != nil {
		msg.SDP = desc.SDP
	}
	result := "ok"
	if err != nil {
		msg.Error = Code(err)
		result = msg.Error
		log.Warn().Err(err).Str("module", "orch").Str("request", request).Msg("request rejected")
	}
	o.Metrics.Answers.WithLabelValues(request, result).Inc()
	o.send(sess, msg)
}

func (o *Orchestrator) joined(sid core.SessionID) (domain.RoomName, core.MemberSession, core.MediaConnection, error) {
	channel, sess, ok := o.Registry.ChannelOf(sid)
	if !ok {
		return "", nil, nil, ErrNotJoined
	}
	mc := sess.Media()
	if mc == nil || mc.IsClosed() {
		return "", nil, nil, ErrNotJoined
	}
	return channel, sess, mc, nil
}

// Publish answers an offer that adds senders. Relays start from OnTrack once
// media flows.
func (o *Orchestrator) Publish(sid core.SessionID, msg protocol.Publish) {
	_, sess, mc, err := o.joined(sid)
	if err != nil {
		o.reject(sid, protocol.TypePublish, err)
		return
	}
	if sess.Meta().Role != domain.RolePublisher {
		o.answer(protocol.TypePublish, sess, nil, ErrUnauthorized)
		return
	}
	desc, err := mc.Answer(offer(msg.SDP), nil)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	o.answer(protocol.TypePublish, sess, desc, err)
}

// Unpublish answers an offer that removed senders and stops their relays.
func (o *Orchestrator) Unpublish(sid core.SessionID, msg protocol.Unpublish) {
	channel, sess, mc, err := o.joined(sid)
	if err != nil {
		o.reject(sid, protocol.TypeUnpublish, err)
		return
	}
	desc, err := mc.Answer(offer(msg.SDP), nil)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	o.answer(protocol.TypeUnpublish, sess, desc, err)

	for _, kind := range msg.Kinds {
		if !kind.Valid() {
			continue
		}
		if o.Relays.StopRelay(sfu.RelayKey{SID: sid, Kind: kind}) {
			o.broadcast(channel, sid, protocol.Track{Type: protocol.TypeUnpublished, UID: sess.Meta().ID, Kind: kind})
		}
	}
}

// Subscribe answers an offer carrying one recvonly transceiver by binding an
// out-track of the (uid, kind) relay to it. The offer is answered even when
// the track does not exist so the client's signaling state stays stable.
func (o *Orchestrator) Subscribe(sid core.SessionID, msg protocol.Subscribe) {
	channel, sess, mc, err := o.joined(sid)
	if err != nil {
		o.reject(sid, protocol.TypeSubscribe, err)
		return
	}

	var (
		key      sfu.RelayKey
		info     sfu.SourceInfo
		pub      core.MemberSession
		attached bool
	)
	attach := func() error {
		ch, ok := o.Channels.Get(channel)
		if !ok || !msg.Kind.Valid() {
			return ErrNoSuchTrack
		}
		pubSID, pubSess, ok := ch.Lookup(msg.UID)
		if !ok || pubSID == sid {
			return ErrNoSuchTrack
		}
		key = sfu.RelayKey{SID: pubSID, Kind: msg.Kind}
		if info, ok = o.Relays.Source(key); !ok {
			return ErrNoSuchTrack
		}
		track, err := webrtc.NewTrackLocalStaticRTP(info.Codec, string(msg.Kind), protocol.StreamID(msg.UID))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNegotiation, err)
		}
		if _, err := mc.AttachTrack(track); err != nil {
			return fmt.Errorf("%w: %w", ErrNegotiation, err)
		}
		if !o.Relays.AddSubscriber(key, sid, track) {
			return ErrNoSuchTrack
		}
		pub, attached = pubSess, true
		return nil
	}

	desc, err := mc.Answer(offer(msg.SDP), attach)
	if err != nil && desc == nil {
		err = fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	o.answer(protocol.TypeSubscribe, sess, desc, err)
	if err != nil || !attached {
		if attached {
			o.Relays.MarkSubscriberDelete(key, sid)
		}
		return
	}

	o.Relays.Activate(key, sid)
	if msg.Kind == domain.KindVideo {
		if pmc := pub.Media(); pmc != nil {
			if err := pmc.RequestKeyframe(info.SSRC); err != nil {
				log.Debug().Err(err).Str("module", "orch").Msg("keyframe request")
			}
		}
	}
}

func (o *Orchestrator) reject(sid core.SessionID, request string, err error) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	o.answer(request, sess, nil, err)
}
