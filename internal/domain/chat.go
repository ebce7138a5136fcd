package domain

import (
	"errors"
	"time"
)

type EventType string

const (
	EventChat     EventType = "chat"
	EventReaction EventType = "reaction"
)

const MaxMessageLen = 1000

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrMessageTooLong = errors.New("message too long")
)

// ChatEvent is one entry of a room's append-only log. ID and SentAt are
// assigned by the store.
type ChatEvent struct {
	ID         string        `json:"id"`
	Room       RoomName      `json:"room"`
	SenderName string        `json:"senderName"`
	SenderID   ParticipantID `json:"senderId"`
	Text       string        `json:"text"`
	Type       EventType     `json:"type,omitempty"`
	SentAt     time.Time     `json:"sentAt"`
}

func (e ChatEvent) IsReaction() bool { return e.Type == EventReaction }

// VisibleAt reports whether a reaction should still be on screen at now.
func (e ChatEvent) VisibleAt(now time.Time, window time.Duration) bool {
	return e.IsReaction() && now.Sub(e.SentAt) < window
}

// ChatSnapshot is the full ordered log of a room as observed at ServerNow.
type ChatSnapshot struct {
	Room      RoomName
	Events    []ChatEvent
	ServerNow time.Time
}
