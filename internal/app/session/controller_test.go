package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/adapters/memstore"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type fakeTokens struct {
	mu   sync.Mutex
	reqs []core.TokenRequest
	err  error
}

func (f *fakeTokens) Token(_ context.Context, req core.TokenRequest) (*core.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &core.Credential{Token: "tok", AppID: "meet", Channel: req.ChannelName, UID: req.UID}, nil
}

func (f *fakeTokens) calls() []core.TokenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.TokenRequest(nil), f.reqs...)
}

type remoteTrack struct {
	id   domain.ParticipantID
	kind domain.MediaKind
}

func (r remoteTrack) Participant() domain.ParticipantID { return r.id }
func (r remoteTrack) Kind() domain.MediaKind            { return r.kind }
func (r remoteTrack) Play(core.Sink) error              { return nil }
func (r remoteTrack) Stop()                             {}

type fakeTransport struct {
	mu          sync.Mutex
	joinErr     error
	joined      bool
	leaves      int
	published   map[string]core.LocalTrack
	onPublished map[int]func(domain.ParticipantID, domain.MediaKind)
	onLeft      map[int]func(domain.ParticipantID)
	next        int

	// entered and gate, when set, hold Join until the test releases it
	entered   chan struct{}
	gate      chan struct{}
	honourCtx bool
}

func newTransport() *fakeTransport {
	return &fakeTransport{
		published:   make(map[string]core.LocalTrack),
		onPublished: make(map[int]func(domain.ParticipantID, domain.MediaKind)),
		onLeft:      make(map[int]func(domain.ParticipantID)),
	}
}

func (f *fakeTransport) OnPublished(fn func(domain.ParticipantID, domain.MediaKind)) core.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.onPublished[id] = fn
	return core.OnceSubscription(func() {
		f.mu.Lock()
		delete(f.onPublished, id)
		f.mu.Unlock()
	})
}

func (f *fakeTransport) OnUnpublished(func(domain.ParticipantID, domain.MediaKind)) core.Subscription {
	return core.OnceSubscription(func() {})
}

func (f *fakeTransport) OnLeft(fn func(domain.ParticipantID)) core.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.onLeft[id] = fn
	return core.OnceSubscription(func() {
		f.mu.Lock()
		delete(f.onLeft, id)
		f.mu.Unlock()
	})
}

func (f *fakeTransport) firePublished(id domain.ParticipantID, kind domain.MediaKind) {
	f.mu.Lock()
	fns := make([]func(domain.ParticipantID, domain.MediaKind), 0, len(f.onPublished))
	for _, fn := range f.onPublished {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(id, kind)
	}
}

func (f *fakeTransport) handlers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onPublished) + len(f.onLeft)
}

func (f *fakeTransport) Publish(_ context.Context, tracks ...core.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tracks {
		f.published[t.ID()] = t
	}
	return nil
}

func (f *fakeTransport) Unpublish(_ context.Context, tracks ...core.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tracks {
		delete(f.published, t.ID())
	}
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, id domain.ParticipantID, kind domain.MediaKind) (core.RemoteTrack, error) {
	return remoteTrack{id: id, kind: kind}, nil
}

func (f *fakeTransport) Join(ctx context.Context, _ string, _ domain.RoomName, _ string, _ domain.ParticipantID) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			if f.honourCtx {
				return ctx.Err()
			}
			<-f.gate
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = true
	return nil
}

func (f *fakeTransport) Leave(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = false
	f.leaves++
	return nil
}

type track struct {
	id      string
	src     domain.TrackSource
	mu      sync.Mutex
	enabled bool
	closed  bool
}

func (t *track) ID() string                 { return t.id }
func (t *track) Kind() domain.MediaKind     { return t.src.Kind() }
func (t *track) Source() domain.TrackSource { return t.src }
func (t *track) Enabled() bool              { t.mu.Lock(); defer t.mu.Unlock(); return t.enabled }
func (t *track) SetEnabled(on bool)         { t.mu.Lock(); t.enabled = on; t.mu.Unlock() }
func (t *track) OnEnded(func())             {}
func (t *track) Close()                     { t.mu.Lock(); t.closed = true; t.mu.Unlock() }

type devices struct {
	n      atomic.Int32
	camErr error
	made   sync.Map
}

func (d *devices) mk(src domain.TrackSource) *track {
	t := &track{id: fmt.Sprintf("%s-%d", src, d.n.Add(1)), src: src, enabled: true}
	d.made.Store(t.id, t)
	return t
}

func (d *devices) Camera(context.Context) (core.LocalTrack, error) {
	if d.camErr != nil {
		return nil, d.camErr
	}
	return d.mk(domain.SourceCamera), nil
}

func (d *devices) Microphone(context.Context) (core.LocalTrack, error) {
	return d.mk(domain.SourceMicrophone), nil
}

func (d *devices) Screen(context.Context) (core.LocalTrack, error) {
	return d.mk(domain.SourceScreen), nil
}

func (d *devices) allClosed() bool {
	ok := true
	d.made.Range(func(_, v any) bool {
		t := v.(*track)
		t.mu.Lock()
		ok = ok && t.closed
		t.mu.Unlock()
		return true
	})
	return ok
}

var testCfg = Config{
	HeartbeatInterval: time.Hour,
	PresenceTTL:       20 * time.Second,
	ReactionWindow:    5 * time.Second,
	UIDAttempts:       5,
	LeaveTimeout:      time.Second,
	EventBuffer:       256,
}

type harness struct {
	ctl    *Controller
	tokens *fakeTokens
	tr     *fakeTransport
	dev    *devices
	store  *memstore.Store
	closed atomic.Int32
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{tokens: &fakeTokens{}, tr: newTransport(), dev: &devices{}, store: memstore.New()}
	opts = append([]Option{WithWindowCloser(func() { h.closed.Add(1) })}, opts...)
	h.ctl = NewController(testCfg, Deps{
		Tokens:    h.tokens,
		Transport: h.tr,
		Devices:   h.dev,
		Presence:  h.store,
		Chat:      h.store.Chat(),
	}, domain.Identity{AccountID: "acc-1", DisplayName: "Ada"}, opts...)
	t.Cleanup(h.ctl.Close)
	return h
}

func fixedUIDs(ids ...domain.ParticipantID) Option {
	var i atomic.Int32
	return WithUIDSource(func() domain.ParticipantID {
		n := int(i.Add(1)) - 1
		if n >= len(ids) {
			n = len(ids) - 1
		}
		return ids[n]
	})
}

func TestJoinRejectsInvalidRoomWithoutNetwork(t *testing.T) {
	h := newHarness(t)
	err := h.ctl.Join(context.Background(), "   ")
	require.ErrorIs(t, err, domain.ErrInvalidChannelName)
	assert.Empty(t, h.tokens.calls())
	assert.Equal(t, domain.StateNotInCall, h.ctl.State())
}

func TestJoinTokenFailureHoldsNothing(t *testing.T) {
	h := newHarness(t)
	h.tokens.err = &domain.TokenError{Code: domain.TokenInternal, Message: "down"}

	err := h.ctl.Join(context.Background(), "my room")
	require.ErrorIs(t, err, domain.ErrTokenAcquisition)
	require.ErrorIs(t, err, domain.ErrJoinAborted)
	assert.False(t, h.tr.joined)
	assert.Zero(t, h.tr.handlers())
	assert.Equal(t, domain.StateNotInCall, h.ctl.State())
}

func TestJoinSuccess(t *testing.T) {
	h := newHarness(t, fixedUIDs(42))
	ctx := context.Background()

	require.NoError(t, h.ctl.Join(ctx, "  my room  "))
	assert.Equal(t, domain.StateInCall, h.ctl.State())

	info, ok := h.ctl.Current()
	require.True(t, ok)
	assert.Equal(t, domain.RoomName("my-room"), info.Room)
	assert.Equal(t, domain.ParticipantID(42), info.UID)

	reqs := h.tokens.calls()
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.RolePublisher, reqs[0].Role)
	assert.Equal(t, domain.RoomName("my-room"), reqs[0].ChannelName)

	snap, err := h.store.Snapshot(ctx, "my-room")
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, domain.AccountID("acc-1"), snap.Records[0].AccountID)

	assert.Len(t, h.tr.published, 2)
	assert.Equal(t, domain.VideoCamera, h.ctl.Media().Video)

	assert.ErrorIs(t, h.ctl.Join(ctx, "other"), domain.ErrAlreadyInCall)
}

func TestJoinRollsBackOnDeviceFailure(t *testing.T) {
	h := newHarness(t)
	h.dev.camErr = domain.ErrMediaPermissionDenied
	ctx := context.Background()

	err := h.ctl.Join(ctx, "room")
	require.ErrorIs(t, err, domain.ErrJoinAborted)
	require.ErrorIs(t, err, domain.ErrMediaPermissionDenied)

	assert.False(t, h.tr.joined)
	assert.Equal(t, 1, h.tr.leaves)
	assert.Zero(t, h.tr.handlers())
	assert.True(t, h.dev.allClosed())
	snap, _ := h.store.Snapshot(ctx, "room")
	assert.Empty(t, snap.Records)
	assert.Equal(t, domain.StateNotInCall, h.ctl.State())

	// a failed join leaves the controller reusable
	h.dev.camErr = nil
	require.NoError(t, h.ctl.Join(ctx, "room"))
}

func TestJoinRollsBackOnTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.tr.joinErr = errors.New("sfu unreachable")

	err := h.ctl.Join(context.Background(), "room")
	require.ErrorIs(t, err, domain.ErrJoinAborted)
	assert.Zero(t, h.tr.handlers())
	assert.Zero(t, h.tr.leaves)
}

func TestJoinRedrawsCollidingUID(t *testing.T) {
	h := newHarness(t, fixedUIDs(5, 6))
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, domain.PresenceRecord{Room: "room", ID: 5, AccountID: "someone", DisplayName: "Bob"}))

	require.NoError(t, h.ctl.Join(ctx, "room"))
	reqs := h.tokens.calls()
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.ParticipantID(6), reqs[0].UID)
}

func TestJoinReclaimsGhostOfSameAccount(t *testing.T) {
	h := newHarness(t, fixedUIDs(2))
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, domain.PresenceRecord{Room: "room", ID: 1, AccountID: "acc-1", DisplayName: "Ada"}))

	require.NoError(t, h.ctl.Join(ctx, "room"))
	snap, err := h.store.Snapshot(ctx, "room")
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, domain.ParticipantID(2), snap.Records[0].ID)
}

func TestLeaveIsIdempotent(t *testing.T) {
	h := newHarness(t, fixedUIDs(3))
	ctx := context.Background()
	require.NoError(t, h.ctl.Join(ctx, "room"))

	h.ctl.Leave(ctx)
	h.ctl.Leave(ctx)
	h.ctl.Close()

	assert.Equal(t, domain.StateNotInCall, h.ctl.State())
	assert.Equal(t, 1, h.tr.leaves)
	assert.EqualValues(t, 1, h.closed.Load())
	assert.Zero(t, h.tr.handlers())
	assert.True(t, h.dev.allClosed())
	snap, _ := h.store.Snapshot(ctx, "room")
	assert.Empty(t, snap.Records)

	assert.ErrorIs(t, h.ctl.ToggleMic(), domain.ErrNotInCall)
	_, ok := h.ctl.Current()
	assert.False(t, ok)
}

func TestGridShowsOnlyLiveParticipants(t *testing.T) {
	h := newHarness(t, fixedUIDs(1))
	ctx := context.Background()
	require.NoError(t, h.ctl.Join(ctx, "room"))
	require.NoError(t, h.store.Upsert(ctx, domain.PresenceRecord{Room: "room", ID: 9, AccountID: "bob", DisplayName: "Bob"}))

	h.tr.firePublished(7, domain.KindVideo)
	h.tr.firePublished(9, domain.KindVideo)
	h.tr.firePublished(1, domain.KindVideo)

	require.Eventually(t, func() bool {
		g := h.ctl.Grid()
		return len(g) == 1 && g[0].Record.ID == 9 && g[0].Video != nil
	}, time.Second, 5*time.Millisecond)
}

func TestMidCallOperations(t *testing.T) {
	h := newHarness(t, fixedUIDs(1))
	ctx := context.Background()
	require.NoError(t, h.ctl.Join(ctx, "room"))

	require.NoError(t, h.ctl.ToggleHand(ctx))
	snap, _ := h.store.Snapshot(ctx, "room")
	require.Len(t, snap.Records, 1)
	assert.True(t, snap.Records[0].HandRaised)

	require.NoError(t, h.ctl.StartScreenShare(ctx))
	assert.ErrorIs(t, h.ctl.ToggleCamera(ctx), domain.ErrScreenShareActive)
	require.NoError(t, h.ctl.StopScreenShare(ctx))
	assert.Equal(t, domain.VideoCamera, h.ctl.Media().Video)

	require.NoError(t, h.ctl.SendMessage(ctx, "hello"))
	assert.ErrorIs(t, h.ctl.SendMessage(ctx, ""), domain.ErrEmptyMessage)
}

func TestEventsReportStateChanges(t *testing.T) {
	h := newHarness(t, fixedUIDs(1))
	ctx := context.Background()
	require.NoError(t, h.ctl.Join(ctx, "room"))
	h.ctl.Leave(ctx)

	var states []domain.CallState
	for {
		select {
		case ev := <-h.ctl.Events():
			if sc, ok := ev.(StateChanged); ok {
				states = append(states, sc.State)
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, []domain.CallState{
		domain.StateJoining, domain.StateInCall, domain.StateLeaving, domain.StateNotInCall,
	}, states)
}

func startGatedJoin(t *testing.T, h *harness) <-chan error {
	t.Helper()
	h.tr.entered = make(chan struct{})
	h.tr.gate = make(chan struct{})
	errc := make(chan error, 1)
	go func() { errc <- h.ctl.Join(context.Background(), "room") }()
	select {
	case <-h.tr.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("join never reached the transport")
	}
	return errc
}

func TestCloseDuringJoinTearsDownWhenJoinCompletes(t *testing.T) {
	h := newHarness(t)
	errc := startGatedJoin(t, h)

	h.ctl.Close()
	assert.Equal(t, domain.StateJoining, h.ctl.State())
	close(h.tr.gate)

	err := <-errc
	require.ErrorIs(t, err, domain.ErrJoinAborted)
	assert.Equal(t, domain.StateNotInCall, h.ctl.State())
	_, ok := h.ctl.Current()
	assert.False(t, ok)
	assert.False(t, h.tr.joined)
	assert.Equal(t, 1, h.tr.leaves)
	assert.True(t, h.dev.allClosed())
	assert.Zero(t, h.tr.handlers())
	snap, _ := h.store.Snapshot(context.Background(), "room")
	assert.Empty(t, snap.Records)
	assert.Equal(t, int32(1), h.closed.Load())

	// the pending leave is consumed; the next join stays up
	h.tr.entered, h.tr.gate = nil, nil
	require.NoError(t, h.ctl.Join(context.Background(), "room"))
	assert.Equal(t, domain.StateInCall, h.ctl.State())
}

func TestLeaveDuringJoinCancelsIt(t *testing.T) {
	h := newHarness(t)
	h.tr.honourCtx = true
	errc := startGatedJoin(t, h)

	h.ctl.Leave(context.Background())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, domain.ErrJoinAborted)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("join not cancelled")
	}
	assert.Equal(t, domain.StateNotInCall, h.ctl.State())
	assert.False(t, h.tr.joined)
	assert.Zero(t, h.tr.handlers())
	assert.Equal(t, int32(1), h.closed.Load())
}
