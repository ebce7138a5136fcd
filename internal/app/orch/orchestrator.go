// Package orch wires signaling sessions, channels and SFU relays together on
// the media channel server.
package orch

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/sfu"
	"github.com/dkeye/Meet/internal/app/token"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
)

var (
	ErrBadRequest    = errors.New("bad request")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrUIDTaken      = errors.New("participant id taken")
	ErrAlreadyJoined = errors.New("already joined")
	ErrNotJoined     = errors.New("not joined")
	ErrNoSuchTrack   = errors.New("no such track")
	ErrNegotiation   = errors.New("negotiation failed")
)

// Code maps an orchestrator error to its wire error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return protocol.ErrUnauthorized
	case errors.Is(err, ErrUIDTaken):
		return protocol.ErrUIDTaken
	case errors.Is(err, ErrAlreadyJoined):
		return protocol.ErrAlreadyJoined
	case errors.Is(err, ErrNotJoined):
		return protocol.ErrNotJoined
	case errors.Is(err, ErrNoSuchTrack):
		return protocol.ErrNoSuchTrack
	case errors.Is(err, ErrNegotiation):
		return protocol.ErrNegotiation
	default:
		return protocol.ErrBadPayload
	}
}

type TokenVerifier interface {
	Verify(raw string) (*token.Claims, error)
}

// MediaFactory opens the server end of a participant's peer connection.
type MediaFactory func(sid core.SessionID) (core.MediaConnection, error)

type Orchestrator struct {
	Registry *app.Registry
	Channels core.ChannelManager
	Policy   app.Policy
	Relays   *sfu.RelayManager
	Tokens   TokenVerifier
	AppID    string
	NewMedia MediaFactory
	Metrics  *Metrics

	// joinMu makes the uid check and the member insert atomic.
	joinMu sync.Mutex
}

func (o *Orchestrator) send(sess core.MemberSession, v any) {
	sc := sess.Signal()
	if sc == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode frame")
		return
	}
	if err := sc.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("send to member")
	}
}

// broadcast sends v to every member of channel except from and applies the
// backpressure policy to members that could not take it.
func (o *Orchestrator) broadcast(channel domain.RoomName, from core.SessionID, v any) {
	ch, ok := o.Channels.Get(channel)
	if !ok {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode broadcast")
		return
	}

	res := ch.Broadcast(from, b)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(ch, slow) {
		case app.KickMember:
			for _, snap := range o.Registry.MembersOf(channel) {
				if snap.Session == slow {
					log.Warn().Str("module", "orch").Str("sid", string(snap.SID)).Msg("kicking slow member")
					o.Metrics.Kicks.Inc()
					o.KickBySID(snap.SID)
					o.Registry.Cancel(snap.SID)
				}
			}
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}
