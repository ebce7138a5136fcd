package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaConnection is the server side of one participant's peer connection.
// The server only ever answers; every offer comes from the client.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	// Answer applies a remote offer, runs attach (may add local tracks to
	// transceivers created by the offer) and returns the gathered answer.
	Answer(offer webrtc.SessionDescription, attach func() error) (*webrtc.SessionDescription, error)
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// AttachTrack binds an out-track to the transceiver the current offer
	// opened for it. Only valid inside the attach hook of Answer.
	AttachTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)
	// RequestKeyframe asks the remote sender of ssrc for a fresh keyframe.
	RequestKeyframe(ssrc webrtc.SSRC) error
	// OnClosed sets a callback for cleanup media session.
	OnClosed(func())
}
