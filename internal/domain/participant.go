// Package domain contains entities without transport logic, just meta-data.
package domain

import (
	"errors"
	"time"
)

const MaxDisplayNameLen = 64

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

// ParticipantID is the numeric uid a participant uses on the media channel.
// Zero is never a valid id.
type ParticipantID uint32

type AccountID string

// Identity describes the local user before they join a room.
type Identity struct {
	AccountID   AccountID `json:"accountId"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar,omitempty"`
}

func (i Identity) Validate() error {
	if len(i.DisplayName) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(i.DisplayName) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}

// PresenceRecord is the advisory liveness document of one participant in a room.
type PresenceRecord struct {
	Room        RoomName      `json:"room"`
	ID          ParticipantID `json:"id"`
	AccountID   AccountID     `json:"accountId"`
	DisplayName string        `json:"displayName"`
	Avatar      string        `json:"avatar,omitempty"`
	HandRaised  bool          `json:"handRaised"`
	JoinedAt    time.Time     `json:"joinedAt"`
	LastPing    time.Time     `json:"lastPing"`
}

// IsLive reports whether the record heartbeated within ttl of now.
func (r PresenceRecord) IsLive(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.LastPing) < ttl
}

// PresenceSnapshot is a consistent read of all records in a room together
// with the store's clock at read time.
type PresenceSnapshot struct {
	Room      RoomName
	Records   []PresenceRecord
	ServerNow time.Time
}

// Live returns only the records that are live at the snapshot's server time.
func (s PresenceSnapshot) Live(ttl time.Duration) []PresenceRecord {
	out := make([]PresenceRecord, 0, len(s.Records))
	for _, r := range s.Records {
		if r.IsLive(s.ServerNow, ttl) {
			out = append(out, r)
		}
	}
	return out
}
