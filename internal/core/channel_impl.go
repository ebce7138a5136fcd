package core

import (
	"sync"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

// channelImpl is a threadsafe in-memory media channel.
// It never closes adapter-owned resources.
type channelImpl struct {
	name  domain.RoomName
	mu    sync.RWMutex
	bySID map[SessionID]MemberSession
	byUID map[domain.ParticipantID]SessionID
}

func NewChannelService(name domain.RoomName) ChannelService {
	return &channelImpl{
		name:  name,
		bySID: make(map[SessionID]MemberSession),
		byUID: make(map[domain.ParticipantID]SessionID),
	}
}

func (c *channelImpl) Name() domain.RoomName { return c.name }

func (c *channelImpl) MemberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySID)
}

func (c *channelImpl) AddMember(sid SessionID, ms MemberSession) {
	uid := ms.Meta().ID
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bySID[sid] = ms
	c.byUID[uid] = sid
	log.Info().Str("module", "core.channel").Str("channel", string(c.name)).Str("sid", string(sid)).Uint32("uid", uint32(uid)).Msg("member added")
}

func (c *channelImpl) RemoveMember(sid SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms, ok := c.bySID[sid]; ok {
		uid := ms.Meta().ID
		if c.byUID[uid] == sid {
			delete(c.byUID, uid)
		}
	}
	delete(c.bySID, sid)
	log.Info().Str("module", "core.channel").Str("channel", string(c.name)).Str("sid", string(sid)).Msg("member removed")
}

func (c *channelImpl) Lookup(id domain.ParticipantID) (SessionID, MemberSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sid, ok := c.byUID[id]
	if !ok {
		return "", nil, false
	}
	return sid, c.bySID[sid], true
}

func (c *channelImpl) Broadcast(from SessionID, data Frame) PublishResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range c.bySID {
		if sid == from {
			continue
		}
		sc := m.Signal()
		if sc == nil {
			continue
		}
		if err := sc.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.channel").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (c *channelImpl) MembersSnapshot() []MemberDTO {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MemberDTO, 0, len(c.bySID))
	for _, ms := range c.bySID {
		m := ms.Meta()
		out = append(out, MemberDTO{ID: m.ID, AccountID: m.AccountID})
	}
	return out
}
