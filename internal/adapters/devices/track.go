package devices

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/domain"
)

// Track is a file-backed local track. It starts pacing samples as soon as it
// is acquired; samples written before the track is bound to a peer
// connection are dropped by pion.
type Track struct {
	id     string
	source domain.TrackSource
	local  *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	closed  bool
	onEnded func()
}

func start(id string, src domain.TrackSource, path string, loop bool, rd reader, local *webrtc.TrackLocalStaticSample) *Track {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Track{id: id, source: src, local: local, cancel: cancel, done: make(chan struct{})}
	t.enabled.Store(true)
	go t.pump(ctx, path, loop, rd)
	return t
}

func (t *Track) ID() string                 { return t.id }
func (t *Track) Kind() domain.MediaKind     { return t.source.Kind() }
func (t *Track) Source() domain.TrackSource { return t.source }
func (t *Track) Enabled() bool              { return t.enabled.Load() }
func (t *Track) SetEnabled(on bool)         { t.enabled.Store(on) }

// TrackLocal is the pion track the transport adds to its peer connection.
func (t *Track) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// Close stops the pump without waiting for it.
func (t *Track) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
}

// Done is closed when the pump has released the file.
func (t *Track) Done() <-chan struct{} { return t.done }

func (t *Track) pump(ctx context.Context, path string, loop bool, rd reader) {
	defer close(t.done)
	defer func() { _ = rd.Close() }()

	logger := log.With().Str("module", "adapters.devices").Str("source", string(t.source)).Str("file", path).Logger()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s, err := rd.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if !loop {
				logger.Info().Msg("source ended")
				t.ended()
				return
			}
			if err := rd.Rewind(); err != nil {
				logger.Error().Err(err).Msg("rewind failed")
				t.ended()
				return
			}
			timer.Reset(0)
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("read sample failed")
			t.ended()
			return
		}

		if t.enabled.Load() {
			if err := t.local.WriteSample(media.Sample{Data: s.data, Duration: s.duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				logger.Warn().Err(err).Msg("write sample failed")
			}
		}
		timer.Reset(s.duration)
	}
}

// ended fires OnEnded unless the track was closed first.
func (t *Track) ended() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.onEnded == nil {
		return
	}
	t.onEnded()
}
