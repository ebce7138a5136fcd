package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
)

// WebRTCConnection is the server end of one participant's peer connection.
// Offers always come from the client; candidates travel inside the SDP.
type WebRTCConnection struct {
	api    *webrtc.API
	pc     *webrtc.PeerConnection
	sid    core.SessionID
	cancel context.CancelFunc
	closed atomic.Bool

	// negotiate serializes offer application; pion rejects overlapping rounds.
	negotiate sync.Mutex

	onTrack    func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed   func()
	closedOnce sync.Once
}

var _ core.MediaConnection = (*WebRTCConnection)(nil)

// ErrNoTransceiver means the last offer opened no free send slot for a track.
var ErrNoTransceiver = errors.New("rtc: no free transceiver")

// NewAPI builds a pion API with the default codecs and interceptors (NACK,
// RTCP reports) shared by every connection of the server.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)), nil
}

func DefaultWebRTCConfig(iceServers ...string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, sid core.SessionID) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &WebRTCConnection{api: api, pc: pc, sid: sid}, nil
}

func (c *WebRTCConnection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("sid", string(c.sid)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("sid", string(c.sid)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.fireClosed()
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("sid", string(c.sid)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if c.onTrack != nil {
			c.onTrack(ctx, track, receiver)
		}
	})

	return nil
}

// Answer applies offer, lets attach bind out-tracks to the transceivers the
// offer created, and returns the answer once ICE gathering is complete.
func (c *WebRTCConnection) Answer(offer webrtc.SessionDescription, attach func() error) (*webrtc.SessionDescription, error) {
	c.negotiate.Lock()
	defer c.negotiate.Unlock()

	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	var attachErr error
	if attach != nil {
		// the round is still answered so client signaling state stays stable
		attachErr = attach()
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	return c.pc.LocalDescription(), attachErr
}

func (c *WebRTCConnection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("sid", string(c.sid)).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("sid", string(c.sid)).Msg("closed")
	}
	c.fireClosed()
}

func (c *WebRTCConnection) IsClosed() bool { return c.closed.Load() }

func (c *WebRTCConnection) fireClosed() {
	c.closedOnce.Do(func() {
		if c.onClosed != nil {
			c.onClosed()
		}
	})
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

// OnClosed sets application-level callback for cleanup tracks
func (c *WebRTCConnection) OnClosed(fn func()) { c.onClosed = fn }

// AttachTrack binds track to the newest transceiver of its kind that the
// remote offer opened for receiving and that carries no sender yet. AddTrack
// cannot be used here: it would reuse transceivers the client sends on.
// Call it from the attach hook of Answer.
func (c *WebRTCConnection) AttachTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	trs := c.pc.GetTransceivers()
	for i := len(trs) - 1; i >= 0; i-- {
		tr := trs[i]
		if tr.Kind() != track.Kind() || tr.Sender() != nil || tr.Direction() != webrtc.RTPTransceiverDirectionSendonly {
			continue
		}
		sender, err := c.api.NewRTPSender(track, c.pc.SCTP().Transport())
		if err != nil {
			return nil, fmt.Errorf("new sender: %w", err)
		}
		if err := tr.SetSender(sender, track); err != nil {
			return nil, fmt.Errorf("set sender: %w", err)
		}
		go drainRTCP(sender)
		return sender, nil
	}
	return nil, ErrNoTransceiver
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *WebRTCConnection) RequestKeyframe(ssrc webrtc.SSRC) error {
	return c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
}
