package core

import (
	"context"

	"github.com/dkeye/Meet/internal/domain"
)

// PresenceStore is the advisory, multi-writer presence document store.
type PresenceStore interface {
	// Upsert creates or replaces the record keyed by (room, account id).
	// Any previous record of the same account in the room is removed in the
	// same atomic step. A uid held by a live record of another account yields
	// domain.ErrParticipantIDTaken. LastPing and JoinedAt are set to server time.
	Upsert(ctx context.Context, rec domain.PresenceRecord) error
	// Touch merge-writes lastPing = server now. Missing records are not
	// recreated and yield domain.ErrRecordNotFound.
	Touch(ctx context.Context, room domain.RoomName, id domain.ParticipantID) error
	SetHandRaised(ctx context.Context, room domain.RoomName, id domain.ParticipantID, raised bool) error
	Delete(ctx context.Context, room domain.RoomName, id domain.ParticipantID) error
	Snapshot(ctx context.Context, room domain.RoomName) (domain.PresenceSnapshot, error)
	// Subscribe delivers a snapshot now and after every change, until the
	// returned subscription is cancelled or ctx ends.
	Subscribe(ctx context.Context, room domain.RoomName, fn func(domain.PresenceSnapshot)) (Subscription, error)
}

// ChatLog is the append-only ordered event log of a room.
type ChatLog interface {
	Append(ctx context.Context, ev domain.ChatEvent) (domain.ChatEvent, error)
	List(ctx context.Context, room domain.RoomName) (domain.ChatSnapshot, error)
	Subscribe(ctx context.Context, room domain.RoomName, fn func(domain.ChatSnapshot)) (Subscription, error)
}
