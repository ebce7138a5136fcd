// Package media owns the local track set: one microphone and at most one
// video track, camera or screen.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// State is a snapshot of the local media for the UI.
type State struct {
	Video        domain.VideoSource
	VideoEnabled bool
	MicEnabled   bool
}

// Machine serializes every transition of the local track set. onChange runs
// under the machine lock and must not call back into it.
type Machine struct {
	devices  core.MediaDevices
	pub      core.Publisher
	onChange func(State)
	onError  func(error)

	mu     sync.Mutex
	source domain.VideoSource
	video  core.LocalTrack
	mic    core.LocalTrack
	gen    uint64

	// epoch changes on Stop so work started before it can tell
	epoch uint64
}

func NewMachine(devices core.MediaDevices, pub core.Publisher, onChange func(State), onError func(error)) *Machine {
	if onChange == nil {
		onChange = func(State) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Machine{devices: devices, pub: pub, onChange: onChange, onError: onError, source: domain.VideoNone}
}

// Start acquires camera and microphone together and publishes both.
// On failure nothing stays acquired.
func (m *Machine) Start(ctx context.Context) error {
	var cam, mic core.LocalTrack
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		cam, err = m.devices.Camera(gctx)
		return err
	})
	g.Go(func() (err error) {
		mic, err = m.devices.Microphone(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		closeAll(cam, mic)
		return fmt.Errorf("acquire devices: %w", err)
	}

	if err := m.pub.Publish(ctx, cam, mic); err != nil {
		closeAll(cam, mic)
		return fmt.Errorf("publish tracks: %w", err)
	}

	m.mu.Lock()
	m.mic = mic
	m.setVideoLocked(cam, domain.VideoCamera)
	m.notifyLocked()
	m.mu.Unlock()
	return nil
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Machine) stateLocked() State {
	st := State{Video: m.source}
	if m.video != nil {
		st.VideoEnabled = m.video.Enabled()
	}
	if m.mic != nil {
		st.MicEnabled = m.mic.Enabled()
	}
	return st
}

// ToggleMic mutes or unmutes the microphone in place.
func (m *Machine) ToggleMic() (bool, error) {
	m.mu.Lock()
	if m.mic == nil {
		m.mu.Unlock()
		return false, domain.ErrNotInCall
	}
	on := !m.mic.Enabled()
	m.mic.SetEnabled(on)
	m.notifyLocked()
	m.mu.Unlock()
	return on, nil
}

// ToggleCamera flips the camera in place. With no video source it brings up
// a fresh camera; during a screen share it refuses.
func (m *Machine) ToggleCamera(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.source {
	case domain.VideoScreenShare:
		return false, domain.ErrScreenShareActive
	case domain.VideoCamera:
		on := !m.video.Enabled()
		m.video.SetEnabled(on)
		m.notifyLocked()
		return on, nil
	}

	if m.mic == nil {
		return false, domain.ErrNotInCall
	}
	if err := m.publishCameraLocked(ctx); err != nil {
		return false, err
	}
	m.notifyLocked()
	return true, nil
}

// StartScreenShare swaps the camera for the screen. A denied or cancelled
// picker leaves the state unchanged.
func (m *Machine) StartScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if m.mic == nil {
		m.mu.Unlock()
		return domain.ErrNotInCall
	}
	if m.source == domain.VideoScreenShare {
		m.mu.Unlock()
		return nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	// the picker may wait on the user; other transitions go on meanwhile
	screen, err := m.devices.Screen(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrScreenShareDenied) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrScreenShareDenied, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mic == nil || m.epoch != epoch {
		screen.Close()
		return domain.ErrNotInCall
	}
	if m.source == domain.VideoScreenShare {
		screen.Close()
		return nil
	}

	if err := m.dropVideoLocked(ctx); err != nil {
		screen.Close()
		return err
	}

	if err := m.pub.Publish(ctx, screen); err != nil {
		screen.Close()
		log.Error().Err(err).Str("module", "app.media").Msg("publish screen failed, restoring camera")
		if cerr := m.publishCameraLocked(ctx); cerr != nil {
			log.Error().Err(cerr).Str("module", "app.media").Msg("restore camera failed")
		}
		m.notifyLocked()
		return fmt.Errorf("publish screen: %w", err)
	}

	m.setVideoLocked(screen, domain.VideoScreenShare)
	log.Info().Str("module", "app.media").Msg("screen share started")
	m.notifyLocked()
	return nil
}

// StopScreenShare drops the screen and brings up a fresh camera.
func (m *Machine) StopScreenShare(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.source != domain.VideoScreenShare {
		return nil
	}
	if err := m.dropVideoLocked(ctx); err != nil {
		return err
	}
	err := m.publishCameraLocked(ctx)
	m.notifyLocked()
	if err != nil {
		return fmt.Errorf("restore camera: %w", err)
	}
	log.Info().Str("module", "app.media").Msg("screen share stopped")
	return nil
}

// screenEnded handles the platform "stop sharing" control.
func (m *Machine) screenEnded(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.source != domain.VideoScreenShare {
		return
	}
	if err := m.dropVideoLocked(context.Background()); err != nil {
		log.Error().Err(err).Str("module", "app.media").Msg("unpublish ended screen failed")
		m.onError(err)
	}
	log.Info().Str("module", "app.media").Msg("screen share ended by platform")
	m.notifyLocked()
}

// Stop releases every local track without unpublishing; the transport is
// left right after.
func (m *Machine) Stop() {
	m.mu.Lock()
	video, mic := m.video, m.mic
	m.video, m.mic = nil, nil
	m.source = domain.VideoNone
	m.gen++
	m.epoch++
	m.mu.Unlock()

	closeAll(video, mic)
}

func (m *Machine) publishCameraLocked(ctx context.Context) error {
	cam, err := m.devices.Camera(ctx)
	if err != nil {
		return fmt.Errorf("acquire camera: %w", err)
	}
	if err := m.pub.Publish(ctx, cam); err != nil {
		cam.Close()
		return fmt.Errorf("publish camera: %w", err)
	}
	m.setVideoLocked(cam, domain.VideoCamera)
	return nil
}

// dropVideoLocked unpublishes and closes the current video track. On
// unpublish failure the track stays in place.
func (m *Machine) dropVideoLocked(ctx context.Context) error {
	if m.video == nil {
		m.source = domain.VideoNone
		return nil
	}
	if err := m.pub.Unpublish(ctx, m.video); err != nil {
		return fmt.Errorf("unpublish %s: %w", m.source, err)
	}
	m.video.Close()
	m.video = nil
	m.source = domain.VideoNone
	m.gen++
	return nil
}

func (m *Machine) setVideoLocked(t core.LocalTrack, src domain.VideoSource) {
	m.gen++
	gen := m.gen
	m.video = t
	m.source = src
	if src == domain.VideoScreenShare {
		t.OnEnded(func() { go m.screenEnded(gen) })
	}
}

func (m *Machine) notifyLocked() { m.onChange(m.stateLocked()) }

func closeAll(tracks ...core.LocalTrack) {
	for _, t := range tracks {
		if t != nil {
			t.Close()
		}
	}
}
