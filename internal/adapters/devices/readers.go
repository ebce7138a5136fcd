package devices

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

type sample struct {
	data     []byte
	duration time.Duration
}

type ivfSource struct {
	f     *os.File
	r     *ivfreader.IVFReader
	frame time.Duration
}

func openIVF(path string) (*ivfSource, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	s := &ivfSource{f: f}
	if err := s.Rewind(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *ivfSource) Rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r, h, err := ivfreader.NewWith(s.f)
	if err != nil {
		return fmt.Errorf("ivf header: %w", err)
	}
	if h.TimebaseDenominator == 0 {
		return fmt.Errorf("ivf header: zero timebase")
	}
	s.r = r
	s.frame = time.Duration(float64(time.Second) * float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator))
	return nil
}

func (s *ivfSource) Next() (sample, error) {
	frame, _, err := s.r.ParseNextFrame()
	if err != nil {
		return sample{}, err
	}
	return sample{data: frame, duration: s.frame}, nil
}

func (s *ivfSource) Close() error { return s.f.Close() }

type oggSource struct {
	f       *os.File
	r       *oggreader.OggReader
	granule uint64
}

func openOgg(path string) (*oggSource, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	s := &oggSource{f: f}
	if err := s.Rewind(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *oggSource) Rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r, _, err := oggreader.NewWith(s.f)
	if err != nil {
		return fmt.Errorf("ogg header: %w", err)
	}
	s.r = r
	s.granule = 0
	return nil
}

// Next returns one Ogg page; its duration is derived from the granule
// position delta at 48 kHz.
func (s *oggSource) Next() (sample, error) {
	for {
		page, hdr, err := s.r.ParseNextPage()
		if err != nil {
			return sample{}, err
		}
		count := hdr.GranulePosition - s.granule
		s.granule = hdr.GranulePosition
		if len(page) == 0 || count == 0 {
			continue
		}
		return sample{data: page, duration: time.Duration(float64(count) / 48000 * float64(time.Second))}, nil
	}
}

func (s *oggSource) Close() error { return s.f.Close() }
