package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTokenAcquisition      = errors.New("token acquisition failed")
	ErrMediaPermissionDenied = errors.New("media permission denied")
	ErrMediaDeviceNotFound   = errors.New("media device not found")
	ErrJoinAborted           = errors.New("join aborted")
	ErrScreenShareDenied     = errors.New("screen share denied or cancelled")
	ErrScreenShareActive     = errors.New("screen share is active")
	ErrAlreadyInCall         = errors.New("already in call")
	ErrNotInCall             = errors.New("not in call")
	ErrParticipantIDTaken    = errors.New("participant id taken")
	ErrRecordNotFound        = errors.New("presence record not found")
	ErrRateLimited           = errors.New("rate limited")
)

// TokenErrorCode mirrors the token service failure codes.
type TokenErrorCode string

const (
	TokenInvalidArgument TokenErrorCode = "invalid-argument"
	TokenInternal        TokenErrorCode = "internal"
)

// TokenError is a failure reported by the token service.
type TokenError struct {
	Code    TokenErrorCode `json:"error"`
	Message string         `json:"message"`
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token service: %s: %s", e.Code, e.Message)
}

func (e *TokenError) Is(target error) bool { return target == ErrTokenAcquisition }

// UserMessage maps an error from the join sequence or a mid-call operation
// to the text shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidChannelName):
		return "Room names may only use letters, digits, '-' and '_' (1-64 characters)."
	case errors.Is(err, ErrTokenAcquisition):
		return "Could not get access to the room. Please try again."
	case errors.Is(err, ErrMediaPermissionDenied):
		return "Camera or microphone access was denied. Allow access and try again."
	case errors.Is(err, ErrMediaDeviceNotFound):
		return "No camera or microphone was found."
	case errors.Is(err, ErrScreenShareDenied):
		return "Screen sharing was cancelled."
	case errors.Is(err, ErrScreenShareActive):
		return "Stop sharing your screen to use the camera."
	case errors.Is(err, ErrAlreadyInCall):
		return "You are already in a call."
	case errors.Is(err, ErrRateLimited):
		return "You are sending messages too fast."
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLong):
		return "Message must be between 1 and 1000 characters."
	case errors.Is(err, ErrJoinAborted):
		return "Joining the room failed. Please try again."
	default:
		return "Something went wrong."
	}
}
