package devices

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// Recorder writes remote tracks into dir: Opus audio as .ogg, VP8 video as
// .ivf. Returned sinks also implement io.Closer.
type Recorder struct {
	dir string
}

func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("record dir: %w", err)
	}
	return &Recorder{dir: dir}, nil
}

func (r *Recorder) path(id domain.ParticipantID, ext string) string {
	return filepath.Join(r.dir, fmt.Sprintf("%d-%d.%s", id, time.Now().UnixMilli(), ext))
}

// Audio returns a sink for one participant's audio, or nil on failure.
func (r *Recorder) Audio(id domain.ParticipantID) core.Sink {
	w, err := oggwriter.New(r.path(id, "ogg"), 48000, 2)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.devices").Uint32("uid", uint32(id)).Msg("open audio recording")
		return nil
	}
	return w
}

// Video returns a sink for one participant's video, or nil on failure.
func (r *Recorder) Video(id domain.ParticipantID) core.Sink {
	w, err := ivfwriter.New(r.path(id, "ivf"))
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.devices").Uint32("uid", uint32(id)).Msg("open video recording")
		return nil
	}
	return w
}
