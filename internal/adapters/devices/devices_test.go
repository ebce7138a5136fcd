package devices

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/domain"
)

// writeIVF writes a VP8 IVF file with n tiny frames of 10 ms each.
func writeIVF(t *testing.T, n int) string {
	t.Helper()
	hdr := make([]byte, 32)
	copy(hdr[0:4], "DKIF")
	binary.LittleEndian.PutUint16(hdr[4:], 0)
	binary.LittleEndian.PutUint16(hdr[6:], 32)
	copy(hdr[8:12], "VP80")
	binary.LittleEndian.PutUint16(hdr[12:], 64)
	binary.LittleEndian.PutUint16(hdr[14:], 48)
	binary.LittleEndian.PutUint32(hdr[16:], 100)
	binary.LittleEndian.PutUint32(hdr[20:], 1)
	binary.LittleEndian.PutUint32(hdr[24:], uint32(n))

	buf := append([]byte(nil), hdr...)
	for i := 0; i < n; i++ {
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], 4)
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		buf = append(buf, fh...)
		buf = append(buf, 0x10, 0x02, 0x00, 0x9d)
	}

	path := filepath.Join(t.TempDir(), "clip.ivf")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestMissingFilesMapToTaxonomy(t *testing.T) {
	ctx := context.Background()
	dev := New(Config{Camera: filepath.Join(t.TempDir(), "nope.ivf")})

	_, err := dev.Camera(ctx)
	assert.ErrorIs(t, err, domain.ErrMediaDeviceNotFound)

	_, err = dev.Microphone(ctx)
	assert.ErrorIs(t, err, domain.ErrMediaDeviceNotFound)

	_, err = dev.Screen(ctx)
	assert.ErrorIs(t, err, domain.ErrScreenShareDenied)
}

func TestScreenEndsAtEOF(t *testing.T) {
	dev := New(Config{Screen: writeIVF(t, 3)})
	tr, err := dev.Screen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SourceScreen, tr.Source())
	assert.Equal(t, domain.KindVideo, tr.Kind())

	ended := make(chan struct{})
	tr.OnEnded(func() { close(ended) })

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("screen source never ended")
	}
	tr.Close()
}

func TestCloseSuppressesOnEnded(t *testing.T) {
	dev := New(Config{Screen: writeIVF(t, 50)})
	lt, err := dev.Screen(context.Background())
	require.NoError(t, err)
	tr := lt.(*Track)

	fired := make(chan struct{}, 1)
	tr.OnEnded(func() { fired <- struct{}{} })
	tr.Close()

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop")
	}
	select {
	case <-fired:
		t.Fatal("OnEnded fired after Close")
	default:
	}
}

func TestCameraLoops(t *testing.T) {
	dev := New(Config{Camera: writeIVF(t, 2)})
	lt, err := dev.Camera(context.Background())
	require.NoError(t, err)
	tr := lt.(*Track)

	ended := make(chan struct{}, 1)
	tr.OnEnded(func() { ended <- struct{}{} })

	tr.SetEnabled(false)
	assert.False(t, tr.Enabled())

	select {
	case <-ended:
		t.Fatal("looping camera ended")
	case <-tr.Done():
		t.Fatal("looping camera stopped")
	case <-time.After(100 * time.Millisecond):
	}
	tr.Close()
	<-tr.Done()
}
