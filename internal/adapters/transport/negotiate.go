package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
)

// ErrRejected wraps an error code returned by the server in an answer.
var ErrRejected = errors.New("transport: rejected by server")

// exchange runs one offer/answer round. The server answers every offer it can
// parse, so a rejected request still leaves signaling state stable.
func (c *Client) exchange(ctx context.Context, l *link, build func(sdp string) any) error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}

	// a late answer from an abandoned round must not be taken for ours
	select {
	case <-l.answers:
	default:
	}
	if err := c.sendJSON(l, build(l.pc.LocalDescription().SDP)); err != nil {
		return err
	}

	var ans protocol.Answer
	select {
	case ans = <-l.answers:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}

	if ans.SDP != "" {
		err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: ans.SDP})
		if err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
	}
	if ans.Error != "" {
		return fmt.Errorf("%w: %s", ErrRejected, ans.Error)
	}
	if ans.SDP == "" {
		return fmt.Errorf("%w: empty answer", ErrRejected)
	}
	return nil
}

// Publish attaches tracks and negotiates them in one exchange. When the
// exchange fails every track attached by this call is detached again.
func (c *Client) Publish(ctx context.Context, tracks ...core.LocalTrack) error {
	c.negotiate.Lock()
	defer c.negotiate.Unlock()

	l, err := c.current()
	if err != nil {
		return err
	}

	added := make([]string, 0, len(tracks))
	for _, t := range tracks {
		rt, ok := t.(RTCTrack)
		if !ok {
			c.detach(l, added)
			return fmt.Errorf("%w: %s", ErrNotPublishable, t.ID())
		}
		tr, err := l.pc.AddTransceiverFromTrack(rt.TrackLocal(), webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly})
		if err != nil {
			c.detach(l, added)
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		sender := tr.Sender()
		go drainRTCP(sender)

		c.mu.Lock()
		c.sending[t.ID()] = &sent{kind: t.Kind(), track: rt.TrackLocal(), tr: tr, sender: sender}
		c.mu.Unlock()
		added = append(added, t.ID())
	}

	err = c.exchange(ctx, l, func(sdp string) any {
		return protocol.Publish{Type: protocol.TypePublish, SDP: sdp}
	})
	if err != nil {
		c.detach(l, added)
		return fmt.Errorf("publish: %w", err)
	}
	log.Debug().Str("module", "adapters.transport").Int("tracks", len(tracks)).Msg("published")
	return nil
}

// Unpublish detaches tracks and negotiates the removal. The tracks stay
// published when the exchange fails.
func (c *Client) Unpublish(ctx context.Context, tracks ...core.LocalTrack) error {
	c.negotiate.Lock()
	defer c.negotiate.Unlock()

	l, err := c.current()
	if err != nil {
		return err
	}

	removed := make(map[string]*sent, len(tracks))
	kinds := make([]domain.MediaKind, 0, len(tracks))
	c.mu.Lock()
	for _, t := range tracks {
		if s, ok := c.sending[t.ID()]; ok {
			removed[t.ID()] = s
			kinds = append(kinds, s.kind)
		}
	}
	c.mu.Unlock()
	if len(removed) == 0 {
		return nil
	}
	for id, s := range removed {
		if err := l.pc.RemoveTrack(s.sender); err != nil {
			log.Warn().Err(err).Str("module", "adapters.transport").Str("track", id).Msg("remove track")
		}
	}

	err = c.exchange(ctx, l, func(sdp string) any {
		return protocol.Unpublish{Type: protocol.TypeUnpublish, SDP: sdp, Kinds: kinds}
	})
	if err != nil {
		for id, s := range removed {
			if rerr := c.reattach(l, s); rerr != nil {
				log.Warn().Err(rerr).Str("module", "adapters.transport").Str("track", id).Msg("reattach track")
				c.mu.Lock()
				delete(c.sending, id)
				c.mu.Unlock()
			}
		}
		return fmt.Errorf("unpublish: %w", err)
	}

	c.mu.Lock()
	for id := range removed {
		delete(c.sending, id)
	}
	c.mu.Unlock()
	return nil
}

// detach removes the tracks of ids from the peer connection and forgets them.
func (c *Client) detach(l *link, ids []string) {
	for _, id := range ids {
		c.mu.Lock()
		s, ok := c.sending[id]
		delete(c.sending, id)
		c.mu.Unlock()
		if !ok {
			continue
		}
		if err := l.pc.RemoveTrack(s.sender); err != nil {
			log.Warn().Err(err).Str("module", "adapters.transport").Str("track", id).Msg("remove track")
		}
	}
}

// reattach puts a removed track back on its transceiver with a fresh sender;
// the next exchange carries it again.
func (c *Client) reattach(l *link, s *sent) error {
	sender, err := l.api.NewRTPSender(s.track, l.pc.SCTP().Transport())
	if err != nil {
		return err
	}
	if err := s.tr.SetSender(sender, s.track); err != nil {
		_ = sender.Stop()
		return err
	}
	go drainRTCP(sender)
	c.mu.Lock()
	s.sender = sender
	c.mu.Unlock()
	return nil
}

func (c *Client) Subscribe(ctx context.Context, id domain.ParticipantID, kind domain.MediaKind) (core.RemoteTrack, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("subscribe: bad kind %q", kind)
	}
	c.negotiate.Lock()
	defer c.negotiate.Unlock()

	l, err := c.current()
	if err != nil {
		return nil, err
	}

	codec := webrtc.RTPCodecTypeVideo
	if kind == domain.KindAudio {
		codec = webrtc.RTPCodecTypeAudio
	}
	tr, err := l.pc.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	if err != nil {
		return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
	}

	rt := newRemoteTrack(id, kind, func() { c.release(tr) })
	c.mu.Lock()
	c.pending[tr.Receiver()] = rt
	c.mu.Unlock()

	err = c.exchange(ctx, l, func(sdp string) any {
		return protocol.Subscribe{Type: protocol.TypeSubscribe, UID: id, Kind: kind, SDP: sdp}
	})
	if err != nil {
		rt.Stop()
		return nil, fmt.Errorf("subscribe %d/%s: %w", id, kind, err)
	}
	return rt, nil
}

// release forgets a subscription and stops its transceiver, so later offers
// carry the media line as inactive.
func (c *Client) release(tr *webrtc.RTPTransceiver) {
	c.mu.Lock()
	delete(c.pending, tr.Receiver())
	c.mu.Unlock()
	if err := tr.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "adapters.transport").Msg("stop transceiver")
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
