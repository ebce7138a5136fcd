package sfu

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// RelayKey names one published track: its publisher and media kind.
type RelayKey struct {
	SID  core.SessionID
	Kind domain.MediaKind
}

// SourceInfo describes the publisher track behind a relay.
type SourceInfo struct {
	Codec webrtc.RTPCodecCapability
	SSRC  webrtc.SSRC
}

type RelayManager struct {
	mu     sync.RWMutex
	relays map[RelayKey]*relayEntry

	active  prometheus.Gauge
	packets *prometheus.CounterVec
}

type relayEntry struct {
	*Relay
	info SourceInfo
}

// NewRelayManager registers its collectors on reg when reg is non-nil.
func NewRelayManager(reg prometheus.Registerer) *RelayManager {
	m := &RelayManager{
		relays: make(map[RelayKey]*relayEntry),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meet",
			Subsystem: "sfu",
			Name:      "relays_active",
			Help:      "Published tracks currently relayed.",
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meet",
			Subsystem: "sfu",
			Name:      "rtp_packets_total",
			Help:      "RTP packets read from publishers.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.active, m.packets)
	}
	return m
}

// StartRelay creates a relay for key, replacing any previous one, and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, key RelayKey, src Source, info SourceInfo) {
	logger := log.With().
		Str("module", "relay").
		Str("sid", string(key.SID)).
		Str("kind", string(key.Kind)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)
	entry := &relayEntry{Relay: relay, info: info}

	m.mu.Lock()
	if old, ok := m.relays[key]; ok {
		logger.Info().Msg("replacing existing relay")
		old.markAllDelete()
		old.cancel()
	} else {
		m.active.Inc()
	}
	m.relays[key] = entry
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	packets := m.packets.WithLabelValues(string(key.Kind))
	go func() {
		relay.loop(relayCtx, &logger, packets.Inc)
		m.mu.Lock()
		if m.relays[key] == entry {
			delete(m.relays, key)
			m.active.Dec()
		}
		m.mu.Unlock()
	}()
}

// AddSubscriber attaches an OutTrack to the relay of key for dstSID. The
// out-track stays muted until Activate.
func (m *RelayManager) AddSubscriber(key RelayKey, dstSID core.SessionID, track RTPWriter) bool {
	m.mu.RLock()
	entry, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	entry.AddOutTrack(dstSID, NewOutTrack(track))
	return true
}

// Activate starts forwarding to dstSID's out-track of key.
func (m *RelayManager) Activate(key RelayKey, dstSID core.SessionID) {
	if ot, ok := m.outTrack(key, dstSID); ok {
		ot.MarkOk()
	}
}

// MarkSubscriberDelete marks subscriber's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(key RelayKey, dstSID core.SessionID) {
	if ot, ok := m.outTrack(key, dstSID); ok {
		ot.MarkDelete()
	}
}

// DropSubscriber removes dstSID from every relay.
func (m *RelayManager) DropSubscriber(dstSID core.SessionID) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entry := range m.relays {
		if ot, ok := entry.outTrack(dstSID); ok {
			ot.MarkDelete()
		}
	}
}

func (m *RelayManager) outTrack(key RelayKey, dstSID core.SessionID) (*OutTrack, bool) {
	m.mu.RLock()
	entry, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return entry.outTrack(dstSID)
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(key RelayKey) bool {
	m.mu.Lock()
	entry, ok := m.relays[key]
	if ok {
		delete(m.relays, key)
		m.active.Dec()
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	entry.markAllDelete()
	entry.cancel()
	return true
}

// StopAll stops every relay published by sid and returns their kinds.
func (m *RelayManager) StopAll(sid core.SessionID) []domain.MediaKind {
	var kinds []domain.MediaKind
	for _, k := range []domain.MediaKind{domain.KindAudio, domain.KindVideo} {
		if m.StopRelay(RelayKey{SID: sid, Kind: k}) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// HasRelay reports whether a relay exists for key.
func (m *RelayManager) HasRelay(key RelayKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[key]
	return ok
}

// Source returns the codec and SSRC of the published track behind key.
func (m *RelayManager) Source(key RelayKey) (SourceInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.relays[key]
	if !ok {
		return SourceInfo{}, false
	}
	return entry.info, true
}
