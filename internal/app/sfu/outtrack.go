package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// RTPWriter is the sending half of an out-track.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

var _ RTPWriter = (*webrtc.TrackLocalStaticRTP)(nil)

// OutTrack represents a single outgoing track to a subscriber.
// A new OutTrack starts muted until its answer has been delivered.
type OutTrack struct {
	Track RTPWriter
	state atomic.Int32
}

func NewOutTrack(track RTPWriter) *OutTrack {
	ot := &OutTrack{Track: track}
	ot.MarkMuted()
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	// a deleted track never comes back
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
