package core

import (
	"errors"
	"testing"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignal struct {
	frames []Frame
	full   bool
}

func (f *fakeSignal) TrySend(fr Frame) error {
	if f.full {
		return errors.New("backpressure")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {}

func member(id domain.ParticipantID, sc SignalConnection) MemberSession {
	return NewMemberSession(domain.NewMember(id, "acc", "room", domain.RolePublisher)).UpdateSignal(sc)
}

func TestChannelBroadcastSkipsSenderAndReportsDropped(t *testing.T) {
	ch := NewChannelService("room")
	a, b, c := &fakeSignal{}, &fakeSignal{}, &fakeSignal{full: true}
	ch.AddMember("a", member(1, a))
	ch.AddMember("b", member(2, b))
	ch.AddMember("c", member(3, c))

	res := ch.Broadcast("a", Frame("hi"))

	assert.Equal(t, 1, res.SendTo)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, domain.ParticipantID(3), res.Dropped[0].Meta().ID)
	assert.Empty(t, a.frames)
	assert.Equal(t, []Frame{Frame("hi")}, b.frames)
}

func TestChannelLookupAndRemove(t *testing.T) {
	ch := NewChannelService("room")
	ch.AddMember("a", member(7, &fakeSignal{}))

	sid, ms, ok := ch.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, SessionID("a"), sid)
	assert.Equal(t, domain.ParticipantID(7), ms.Meta().ID)

	ch.RemoveMember("a")
	_, _, ok = ch.Lookup(7)
	assert.False(t, ok)
	assert.Equal(t, 0, ch.MemberCount())
}
