package core

import (
	"context"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/rtp"
)

// LocalTrack is a local media source (camera, screen or microphone).
type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	Source() domain.TrackSource
	Enabled() bool
	// SetEnabled mutes or unmutes the track in place without renegotiation.
	SetEnabled(bool)
	// OnEnded fires when the platform stops the source (e.g. the native
	// "stop sharing" control). It never fires after Close.
	OnEnded(func())
	Close()
}

// Sink consumes RTP from a remote track; pion's ivf/ogg writers and local
// static tracks satisfy it.
type Sink interface {
	WriteRTP(p *rtp.Packet) error
}

// RemoteTrack is a subscribed track of another participant.
type RemoteTrack interface {
	Participant() domain.ParticipantID
	Kind() domain.MediaKind
	Play(target Sink) error
	Stop()
}

// MediaDevices acquires local sources from the platform.
type MediaDevices interface {
	Camera(ctx context.Context) (LocalTrack, error)
	Microphone(ctx context.Context) (LocalTrack, error)
	Screen(ctx context.Context) (LocalTrack, error)
}

// Publisher is the part of the transport the media state machine needs.
type Publisher interface {
	Publish(ctx context.Context, tracks ...LocalTrack) error
	Unpublish(ctx context.Context, tracks ...LocalTrack) error
}

// Subscriber is the part of the transport the remote registry needs.
type Subscriber interface {
	Subscribe(ctx context.Context, id domain.ParticipantID, kind domain.MediaKind) (RemoteTrack, error)
}

// TransportEvents registers peer lifecycle handlers. Handlers run on the
// transport's event goroutine and must not block on transport calls.
type TransportEvents interface {
	OnPublished(fn func(id domain.ParticipantID, kind domain.MediaKind)) Subscription
	OnUnpublished(fn func(id domain.ParticipantID, kind domain.MediaKind)) Subscription
	OnLeft(fn func(id domain.ParticipantID)) Subscription
}

// Transport is the media channel client. One Transport serves one channel
// membership at a time.
type Transport interface {
	TransportEvents
	Publisher
	Subscriber
	Join(ctx context.Context, appID string, channel domain.RoomName, token string, uid domain.ParticipantID) error
	Leave(ctx context.Context) error
}
