package core

import (
	"context"
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

type TokenRequest struct {
	ChannelName domain.RoomName      `json:"channelName"`
	UID         domain.ParticipantID `json:"uid"`
	Role        domain.Role          `json:"role"`
}

// Credential is a short-lived, per-channel media credential.
type Credential struct {
	Token     string               `json:"token"`
	AppID     string               `json:"appId"`
	ExpiresAt time.Time            `json:"expiresAt"`
	Channel   domain.RoomName      `json:"channel"`
	UID       domain.ParticipantID `json:"uid"`
}

type TokenClient interface {
	Token(ctx context.Context, req TokenRequest) (*Credential, error)
}
