// Package remote tracks the other participants' published media.
package remote

import (
	"cmp"
	"context"
	"io"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// Participant is a read-only view of one registry entry.
type Participant struct {
	ID    domain.ParticipantID
	Video core.RemoteTrack
	Audio core.RemoteTrack
}

// Tile is one cell of the call grid: a live presence record and whatever
// media the participant currently publishes.
type Tile struct {
	Record domain.PresenceRecord
	Video  core.RemoteTrack
	Audio  core.RemoteTrack
}

type Options struct {
	// AudioSink receives every subscribed audio track. Nil disables playback.
	AudioSink func(id domain.ParticipantID) core.Sink
	// VideoSink optionally plays video tracks too, e.g. into a recorder.
	VideoSink func(id domain.ParticipantID) core.Sink
	// OnChange is called after every registry change, outside any lock.
	OnChange func()
}

type handle struct {
	track core.RemoteTrack
	sink  core.Sink
}

type entry struct {
	id     domain.ParticipantID
	tracks map[domain.MediaKind]handle
	gen    map[domain.MediaKind]uint64
}

type Registry struct {
	sub  core.Subscriber
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	seq     uint64
	entries map[domain.ParticipantID]*entry
	closed  bool
}

func New(ctx context.Context, sub core.Subscriber, opts Options) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	if opts.OnChange == nil {
		opts.OnChange = func() {}
	}
	return &Registry{
		sub:     sub,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[domain.ParticipantID]*entry),
	}
}

// Published records the kind and subscribes to it in the background; the
// caller is usually the transport's event goroutine and must not block.
func (r *Registry) Published(id domain.ParticipantID, kind domain.MediaKind) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	e, ok := r.entries[id]
	if !ok {
		e = &entry{id: id, tracks: make(map[domain.MediaKind]handle), gen: make(map[domain.MediaKind]uint64)}
		r.entries[id] = e
	}
	old, hadOld := e.tracks[kind]
	delete(e.tracks, kind)
	r.seq++
	gen := r.seq
	e.gen[kind] = gen
	r.wg.Add(1)
	r.mu.Unlock()

	if hadOld {
		stop(old)
	}
	r.opts.OnChange()

	go r.subscribe(e, kind, gen)
}

func (r *Registry) subscribe(e *entry, kind domain.MediaKind, gen uint64) {
	defer r.wg.Done()

	track, err := r.sub.Subscribe(r.ctx, e.id, kind)
	if err != nil {
		if r.ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "app.remote").Uint32("uid", uint32(e.id)).Str("kind", string(kind)).Msg("subscribe failed")
		}
		return
	}

	r.mu.Lock()
	if r.closed || r.entries[e.id] != e || e.gen[kind] != gen {
		r.mu.Unlock()
		track.Stop()
		return
	}
	h := handle{track: track, sink: r.sinkFor(e.id, kind)}
	e.tracks[kind] = h
	r.mu.Unlock()

	if h.sink != nil {
		if err := track.Play(h.sink); err != nil {
			log.Warn().Err(err).Str("module", "app.remote").Uint32("uid", uint32(e.id)).Str("kind", string(kind)).Msg("play failed")
		}
	}
	r.opts.OnChange()
}

func (r *Registry) sinkFor(id domain.ParticipantID, kind domain.MediaKind) core.Sink {
	switch {
	case kind == domain.KindAudio && r.opts.AudioSink != nil:
		return r.opts.AudioSink(id)
	case kind == domain.KindVideo && r.opts.VideoSink != nil:
		return r.opts.VideoSink(id)
	}
	return nil
}

// Unpublished clears only the given kind; a pending subscription for it is discarded.
func (r *Registry) Unpublished(id domain.ParticipantID, kind domain.MediaKind) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	h, had := e.tracks[kind]
	delete(e.tracks, kind)
	delete(e.gen, kind)
	r.mu.Unlock()

	if had {
		stop(h)
	}
	r.opts.OnChange()
}

func (r *Registry) Left(id domain.ParticipantID) {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, h := range e.tracks {
		stop(h)
	}
	r.opts.OnChange()
}

// Clear stops every handle and waits for in-flight subscriptions. The
// registry ignores events afterwards.
func (r *Registry) Clear() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[domain.ParticipantID]*entry)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	for _, e := range entries {
		for _, h := range e.tracks {
			stop(h)
		}
	}
}

func (r *Registry) Participants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Participant{ID: e.id, Video: e.tracks[domain.KindVideo].track, Audio: e.tracks[domain.KindAudio].track})
	}
	slices.SortFunc(out, func(a, b Participant) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Grid joins the registry with the live directory by id. Registry entries
// with no live record are left out.
func (r *Registry) Grid(live []domain.PresenceRecord) []Tile {
	byID := make(map[domain.ParticipantID]domain.PresenceRecord, len(live))
	for _, rec := range live {
		byID[rec.ID] = rec
	}

	out := make([]Tile, 0, len(live))
	for _, p := range r.Participants() {
		rec, ok := byID[p.ID]
		if !ok {
			continue
		}
		out = append(out, Tile{Record: rec, Video: p.Video, Audio: p.Audio})
	}
	return out
}

func stop(h handle) {
	h.track.Stop()
	if c, ok := h.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("module", "app.remote").Msg("sink close failed")
		}
	}
}
