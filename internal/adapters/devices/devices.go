// Package devices provides file-backed media sources. Camera and screen read
// VP8 from IVF files, the microphone reads Opus from an Ogg file; samples
// are paced in real time into pion sample tracks.
package devices

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type Config struct {
	Camera     string
	Microphone string
	// Screen is optional; without it every share request is denied.
	Screen string
}

type Files struct {
	cfg Config
}

var _ core.MediaDevices = (*Files)(nil)

func New(cfg Config) *Files { return &Files{cfg: cfg} }

func (f *Files) Camera(ctx context.Context) (core.LocalTrack, error) {
	return open(ctx, f.cfg.Camera, domain.SourceCamera, true)
}

func (f *Files) Microphone(ctx context.Context) (core.LocalTrack, error) {
	return open(ctx, f.cfg.Microphone, domain.SourceMicrophone, true)
}

// Screen plays the file once; reaching its end is the "stop sharing" signal.
func (f *Files) Screen(ctx context.Context) (core.LocalTrack, error) {
	if f.cfg.Screen == "" {
		return nil, domain.ErrScreenShareDenied
	}
	t, err := open(ctx, f.cfg.Screen, domain.SourceScreen, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrScreenShareDenied, err)
	}
	return t, nil
}

func open(ctx context.Context, path string, src domain.TrackSource, loop bool) (*Track, error) {
	if path == "" {
		return nil, fmt.Errorf("%s: %w", src, domain.ErrMediaDeviceNotFound)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		rd  reader
		err error
	)
	if src.Kind() == domain.KindAudio {
		rd, err = openOgg(path)
	} else {
		rd, err = openIVF(path)
	}
	if err != nil {
		return nil, mapOpenErr(src, err)
	}

	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if src.Kind() == domain.KindAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	id := fmt.Sprintf("%s-%s", src, uuid.NewString())
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, "local-"+string(src))
	if err != nil {
		_ = rd.Close()
		return nil, fmt.Errorf("%s: new sample track: %w", src, err)
	}

	log.Info().Str("module", "adapters.devices").Str("source", string(src)).Str("file", path).Msg("device acquired")
	return start(id, src, path, loop, rd, local), nil
}

func mapOpenErr(src domain.TrackSource, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w: %w", src, domain.ErrMediaDeviceNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w: %w", src, domain.ErrMediaPermissionDenied, err)
	}
	return fmt.Errorf("%s: %w", src, err)
}

// reader yields paced samples from a media file.
type reader interface {
	// Next returns the next sample; io.EOF at the end of the file.
	Next() (sample, error)
	// Rewind restarts from the first sample.
	Rewind() error
	Close() error
}

func openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}
