package session

import (
	"github.com/dkeye/Meet/internal/app/media"
	"github.com/dkeye/Meet/internal/app/presence"
	"github.com/dkeye/Meet/internal/app/remote"
	"github.com/dkeye/Meet/internal/domain"
)

// Event is anything the UI may render. Delivered on Controller.Events.
type Event interface{ event() }

type StateChanged struct {
	State domain.CallState
	Room  domain.RoomName
	UID   domain.ParticipantID
}

type DirectoryChanged struct{ Directory presence.Directory }

type GridChanged struct{ Tiles []remote.Tile }

type ChatChanged struct{ Events []domain.ChatEvent }

// ReactionShown asks the UI to overlay a reaction briefly.
type ReactionShown struct{ Reaction domain.ChatEvent }

type MediaChanged struct{ State media.State }

// Failure reports a mid-call error that has no caller to return to.
type Failure struct {
	Err     error
	Message string
}

func (StateChanged) event()     {}
func (DirectoryChanged) event() {}
func (GridChanged) event()      {}
func (ChatChanged) event()      {}
func (ReactionShown) event()    {}
func (MediaChanged) event()     {}
func (Failure) event()          {}
