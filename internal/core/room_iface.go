package core

import "github.com/dkeye/Meet/internal/domain"

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID        domain.ParticipantID `json:"id"`
	AccountID domain.AccountID     `json:"accountId,omitempty"`
}

// ChannelService is the core-facing API of one media channel.
// It owns the membership set but never touches transport resources.
type ChannelService interface {
	Name() domain.RoomName
	MemberCount() int
	MembersSnapshot() []MemberDTO
	Lookup(id domain.ParticipantID) (SessionID, MemberSession, bool)

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID)
	Broadcast(from SessionID, data Frame) PublishResult
}

type ChannelInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"memberCount"`
}

type ChannelManager interface {
	GetOrCreate(name domain.RoomName) ChannelService
	Get(name domain.RoomName) (ChannelService, bool)
	List() []ChannelInfo
	StopChannel(name domain.RoomName)
}
