package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const ttl = 20 * time.Second

func TestPresenceRecordLivenessBoundary(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	live := PresenceRecord{LastPing: now.Add(-19999 * time.Millisecond)}
	stale := PresenceRecord{LastPing: now.Add(-20001 * time.Millisecond)}
	exact := PresenceRecord{LastPing: now.Add(-ttl)}

	assert.True(t, live.IsLive(now, ttl))
	assert.False(t, stale.IsLive(now, ttl))
	assert.False(t, exact.IsLive(now, ttl))
}

func TestPresenceSnapshotLive(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	snap := PresenceSnapshot{
		Room: "r",
		Records: []PresenceRecord{
			{ID: 10, LastPing: now.Add(-3 * time.Second)},
			{ID: 11, LastPing: now.Add(-25 * time.Second)},
		},
		ServerNow: now,
	}

	live := snap.Live(ttl)
	if assert.Len(t, live, 1) {
		assert.Equal(t, ParticipantID(10), live[0].ID)
	}
}

func TestIdentityValidate(t *testing.T) {
	assert.ErrorIs(t, Identity{}.Validate(), ErrDisplayNameEmpty)
	assert.NoError(t, Identity{DisplayName: "Ada"}.Validate())
}
