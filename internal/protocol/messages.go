// Package protocol defines the JSON envelopes exchanged over the signaling
// WebSocket. Every message carries a "type" field.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Meet/internal/domain"
)

// Client to server.
const (
	TypeJoin      = "join"
	TypePublish   = "publish"
	TypeUnpublish = "unpublish"
	TypeSubscribe = "subscribe"
	TypeLeave     = "leave"
	TypePing      = "ping"
)

// Server to client.
const (
	TypeJoined      = "joined"
	TypeAnswer      = "answer"
	TypePublished   = "published"
	TypeUnpublished = "unpublished"
	TypeLeft        = "left"
	TypeError       = "error"
	TypePong        = "pong"
)

type Envelope struct {
	Type string `json:"type"`
}

type Join struct {
	Type    string               `json:"type"`
	AppID   string               `json:"appId"`
	Channel domain.RoomName      `json:"channel"`
	Token   string               `json:"token"`
	UID     domain.ParticipantID `json:"uid"`
}

// Publish carries an offer that adds or removes local senders.
type Publish struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Unpublish struct {
	Type  string             `json:"type"`
	SDP   string             `json:"sdp"`
	Kinds []domain.MediaKind `json:"kinds"`
}

// Subscribe carries an offer with one new recvonly transceiver for the
// requested (uid, kind).
type Subscribe struct {
	Type string               `json:"type"`
	UID  domain.ParticipantID `json:"uid"`
	Kind domain.MediaKind     `json:"kind"`
	SDP  string               `json:"sdp"`
}

type Joined struct {
	Type    string               `json:"type"`
	Channel domain.RoomName      `json:"channel"`
	UID     domain.ParticipantID `json:"uid"`
}

// Answer replies to publish, unpublish and subscribe, in request order.
type Answer struct {
	Type  string `json:"type"`
	SDP   string `json:"sdp,omitempty"`
	Error string `json:"error,omitempty"`
}

type Track struct {
	Type string               `json:"type"`
	UID  domain.ParticipantID `json:"uid"`
	Kind domain.MediaKind     `json:"kind"`
}

type Left struct {
	Type string               `json:"type"`
	UID  domain.ParticipantID `json:"uid"`
}

type Error struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Error codes sent in Error and Answer.
const (
	ErrBadPayload    = "bad_payload"
	ErrUnauthorized  = "unauthorized"
	ErrUIDTaken      = "uid_taken"
	ErrAlreadyJoined = "already_joined"
	ErrNotJoined     = "not_joined"
	ErrNoSuchTrack   = "no_such_track"
	ErrNegotiation   = "negotiation_failed"
	ErrRateLimited   = "rate_limited"
)

// StreamID is the media stream id the server gives every track it forwards
// from participant uid. Receivers map tracks back to participants by it.
func StreamID(uid domain.ParticipantID) string { return fmt.Sprintf("uid-%d", uid) }

// ParseStreamID is the inverse of StreamID.
func ParseStreamID(s string) (domain.ParticipantID, bool) {
	var v uint32
	if _, err := fmt.Sscanf(s, "uid-%d", &v); err != nil || v == 0 {
		return 0, false
	}
	if StreamID(domain.ParticipantID(v)) != s {
		return 0, false
	}
	return domain.ParticipantID(v), true
}

// Peek returns the envelope type of raw.
func Peek(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	return env.Type, nil
}
