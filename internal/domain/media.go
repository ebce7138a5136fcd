package domain

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }

type TrackSource string

const (
	SourceMicrophone TrackSource = "microphone"
	SourceCamera     TrackSource = "camera"
	SourceScreen     TrackSource = "screen"
)

func (s TrackSource) Kind() MediaKind {
	if s == SourceMicrophone {
		return KindAudio
	}
	return KindVideo
}

type VideoSource string

const (
	VideoNone        VideoSource = "none"
	VideoCamera      VideoSource = "camera"
	VideoScreenShare VideoSource = "screen-share"
)

type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

func (r Role) Valid() bool { return r == RolePublisher || r == RoleSubscriber }

// CallState is the coarse lifecycle of the local session.
type CallState string

const (
	StateNotInCall CallState = "not-in-call"
	StateJoining   CallState = "joining"
	StateInCall    CallState = "in-call"
	StateLeaving   CallState = "leaving"
)
