package domain

// Member is a server-side view of one admitted participant on a media channel.
type Member struct {
	ID        ParticipantID
	AccountID AccountID
	Room      RoomName
	Role      Role
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(id ParticipantID, account AccountID, room RoomName, role Role) *Member {
	return &Member{ID: id, AccountID: account, Room: room, Role: role}
}
