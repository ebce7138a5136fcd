package transport

import (
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// rtpSource is the read side of a *webrtc.TrackRemote.
type rtpSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// remoteTrack is a subscription handle. The pion track arrives with the
// first RTP packet, possibly after Play.
type remoteTrack struct {
	id      domain.ParticipantID
	kind    domain.MediaKind
	release func()

	mu      sync.Mutex
	track   rtpSource
	sink    core.Sink
	running bool
	stopped bool
	once    sync.Once
}

var _ core.RemoteTrack = (*remoteTrack)(nil)

func newRemoteTrack(id domain.ParticipantID, kind domain.MediaKind, release func()) *remoteTrack {
	return &remoteTrack{id: id, kind: kind, release: release}
}

func (r *remoteTrack) Participant() domain.ParticipantID { return r.id }
func (r *remoteTrack) Kind() domain.MediaKind            { return r.kind }

func (r *remoteTrack) Play(target core.Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrClosed
	}
	r.sink = target
	r.startLocked()
	return nil
}

func (r *remoteTrack) attach(track rtpSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.track != nil {
		return
	}
	r.track = track
	r.startLocked()
}

func (r *remoteTrack) startLocked() {
	if r.running || r.track == nil || r.sink == nil {
		return
	}
	r.running = true
	go r.pump(r.track)
}

func (r *remoteTrack) pump(track rtpSource) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "adapters.transport").Uint32("uid", uint32(r.id)).Str("kind", string(r.kind)).Msg("remote track ended")
			return
		}
		r.mu.Lock()
		sink, stopped := r.sink, r.stopped
		r.mu.Unlock()
		if stopped {
			return
		}
		if err := sink.WriteRTP(pkt); err != nil {
			log.Warn().Err(err).Str("module", "adapters.transport").Uint32("uid", uint32(r.id)).Msg("sink write")
			return
		}
	}
}

// Stop is idempotent. Packets already read are dropped.
func (r *remoteTrack) Stop() {
	r.once.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		if r.release != nil {
			r.release()
		}
	})
}
