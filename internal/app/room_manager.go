package app

import (
	"cmp"
	"slices"
	"sync"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type ChannelManagerImpl struct {
	mu       sync.RWMutex
	channels map[domain.RoomName]core.ChannelService
}

func NewChannelManager() core.ChannelManager {
	return &ChannelManagerImpl{channels: make(map[domain.RoomName]core.ChannelService)}
}

func (f *ChannelManagerImpl) GetOrCreate(name domain.RoomName) core.ChannelService {
	f.mu.RLock()
	ch, ok := f.channels[name]
	f.mu.RUnlock()
	if ok {
		return ch
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok = f.channels[name]; ok {
		return ch
	}
	ch = core.NewChannelService(name)
	f.channels[name] = ch
	return ch
}

func (f *ChannelManagerImpl) Get(name domain.RoomName) (core.ChannelService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ch, ok := f.channels[name]
	return ch, ok
}

func (f *ChannelManagerImpl) List() []core.ChannelInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.ChannelInfo, 0, len(f.channels))
	for name, ch := range f.channels {
		out = append(out, core.ChannelInfo{Name: name, MemberCount: ch.MemberCount()})
	}
	slices.SortFunc(out, func(a, b core.ChannelInfo) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func (f *ChannelManagerImpl) StopChannel(name domain.RoomName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, name)
}
