// Package session runs the join and teardown sequences of a call and owns
// the single active session of the process.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/app/chat"
	"github.com/dkeye/Meet/internal/app/media"
	"github.com/dkeye/Meet/internal/app/presence"
	"github.com/dkeye/Meet/internal/app/remote"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type Config struct {
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration
	ReactionWindow    time.Duration
	UIDAttempts       int
	LeaveTimeout      time.Duration
	ChatRate          float64
	ChatBurst         int
	EventBuffer       int
}

// Deps are the collaborators a session is built from.
type Deps struct {
	Tokens    core.TokenClient
	Transport core.Transport
	Devices   core.MediaDevices
	Presence  core.PresenceStore
	Chat      core.ChatLog
	AudioSink func(id domain.ParticipantID) core.Sink
	VideoSink func(id domain.ParticipantID) core.Sink
}

type Option func(*Controller)

// WithWindowCloser enables dedicated-window mode: every teardown ends by
// calling closer.
func WithWindowCloser(closer func()) Option { return func(c *Controller) { c.closer = closer } }

// WithUIDSource replaces the random participant id generator.
func WithUIDSource(next func() domain.ParticipantID) Option {
	return func(c *Controller) { c.nextUID = next }
}

// Info is the read-only part of the active session context.
type Info struct {
	Room       domain.RoomName
	UID        domain.ParticipantID
	Identity   domain.Identity
	Credential core.Credential
}

// Context is the active session: identity, credential and the per-session
// collaborators. It lives from a successful Join until Leave.
type Context struct {
	Info

	cancel   context.CancelFunc
	handlers []core.Subscription
	presence *presence.Tracker
	remote   *remote.Registry
	media    *media.Machine
	chat     *chat.Channel
}

type Controller struct {
	cfg      Config
	deps     Deps
	identity domain.Identity
	closer   func()
	nextUID  func() domain.ParticipantID
	events   chan Event

	mu    sync.Mutex
	state domain.CallState
	sess  *Context

	// set by Leave while a join is in flight; Join tears down when it ends
	leavePending bool
	cancelJoin   context.CancelFunc
}

func NewController(cfg Config, deps Deps, identity domain.Identity, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		identity: identity,
		nextUID:  randomUID,
		events:   make(chan Event, max(cfg.EventBuffer, 1)),
		state:    domain.StateNotInCall,
	}
	for _, o := range opts {
		o(c)
	}
	if c.cfg.UIDAttempts < 1 {
		c.cfg.UIDAttempts = 1
	}
	return c
}

func randomUID() domain.ParticipantID {
	for {
		if v := rand.Uint32(); v != 0 {
			return domain.ParticipantID(v)
		}
	}
}

// Events delivers UI updates. Slow consumers lose events, never block the call.
func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("module", "app.session").Type("event", ev).Msg("event buffer full, dropping")
	}
}

func (c *Controller) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the active session, if any.
func (c *Controller) Current() (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return Info{}, false
	}
	return c.sess.Info, true
}

func (c *Controller) setState(st domain.CallState, room domain.RoomName, uid domain.ParticipantID) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.announce(st, room, uid)
}

func (c *Controller) announce(st domain.CallState, room domain.RoomName, uid domain.ParticipantID) {
	log.Info().Str("module", "app.session").Str("state", string(st)).Str("room", string(room)).Uint32("uid", uint32(uid)).Msg("call state")
	c.emit(StateChanged{State: st, Room: room, UID: uid})
}

// Join enters the room named by raw. Invalid names fail before any network
// call; every later failure returns an error wrapping domain.ErrJoinAborted
// and its cause, with everything acquired so far released.
func (c *Controller) Join(ctx context.Context, raw string) error {
	room, err := domain.ParseRoomName(raw)
	if err != nil {
		return err
	}
	if err := c.identity.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != domain.StateNotInCall {
		c.mu.Unlock()
		return domain.ErrAlreadyInCall
	}
	joinCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.state = domain.StateJoining
	c.cancelJoin = cancel
	c.mu.Unlock()
	c.emit(StateChanged{State: domain.StateJoining, Room: room})

	sess, err := c.join(joinCtx, room)

	c.mu.Lock()
	pending := c.leavePending
	c.leavePending = false
	c.cancelJoin = nil
	if err == nil {
		c.sess = sess
		c.state = domain.StateInCall
	} else {
		c.state = domain.StateNotInCall
	}
	c.mu.Unlock()

	if err != nil {
		c.announce(domain.StateNotInCall, room, 0)
		c.emit(Failure{Err: err, Message: domain.UserMessage(err)})
		if pending && c.closer != nil {
			c.closer()
		}
		return fmt.Errorf("%w: %w", domain.ErrJoinAborted, err)
	}
	c.announce(domain.StateInCall, room, sess.UID)
	if pending {
		log.Info().Str("module", "app.session").Str("room", string(room)).Msg("leave requested during join")
		c.Close()
		return fmt.Errorf("%w: %w", domain.ErrJoinAborted, context.Canceled)
	}
	return nil
}

func (c *Controller) join(ctx context.Context, room domain.RoomName) (_ *Context, err error) {
	var undo []func()
	defer func() {
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("module", "app.session").Str("room", string(room)).Int("steps", len(undo)).Msg("join failed, rolling back")
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}()

	uid := c.pickUID(ctx, room)

	cred, err := c.deps.Tokens.Token(ctx, core.TokenRequest{ChannelName: room, UID: uid, Role: domain.RolePublisher})
	if err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	undo = append(undo, cancel)

	self := domain.PresenceRecord{
		Room:        room,
		ID:          uid,
		AccountID:   c.identity.AccountID,
		DisplayName: c.identity.DisplayName,
		Avatar:      c.identity.Avatar,
	}
	s := &Context{
		Info:   Info{Room: room, UID: uid, Identity: c.identity, Credential: *cred},
		cancel: cancel,
	}
	s.presence = presence.New(c.deps.Presence, self, presence.Config{
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		TTL:               c.cfg.PresenceTTL,
	}, func(d presence.Directory) {
		c.emit(DirectoryChanged{Directory: d})
		c.emit(GridChanged{Tiles: s.remote.Grid(d.Records)})
	})
	s.remote = remote.New(sessCtx, c.deps.Transport, remote.Options{
		AudioSink: c.deps.AudioSink,
		VideoSink: c.deps.VideoSink,
		OnChange: func() {
			c.emit(GridChanged{Tiles: s.remote.Grid(s.presence.Directory().Records)})
		},
	})
	undo = append(undo, s.remote.Clear)
	s.media = media.NewMachine(c.deps.Devices, c.deps.Transport,
		func(st media.State) { c.emit(MediaChanged{State: st}) },
		func(err error) { c.emit(Failure{Err: err, Message: domain.UserMessage(err)}) },
	)
	s.chat = chat.New(c.deps.Chat, room, self, chat.Options{
		ReactionWindow: c.cfg.ReactionWindow,
		Rate:           c.cfg.ChatRate,
		Burst:          c.cfg.ChatBurst,
		OnLog:          func(evs []domain.ChatEvent) { c.emit(ChatChanged{Events: evs}) },
		OnReaction:     func(ev domain.ChatEvent) { c.emit(ReactionShown{Reaction: ev}) },
	})

	// Handlers go in before the join so no announcement is missed.
	tr := c.deps.Transport
	s.handlers = []core.Subscription{
		tr.OnPublished(func(id domain.ParticipantID, kind domain.MediaKind) {
			if id != uid {
				s.remote.Published(id, kind)
			}
		}),
		tr.OnUnpublished(func(id domain.ParticipantID, kind domain.MediaKind) {
			if id != uid {
				s.remote.Unpublished(id, kind)
			}
		}),
		tr.OnLeft(func(id domain.ParticipantID) {
			if id != uid {
				s.remote.Left(id)
			}
		}),
	}
	undo = append(undo, s.unsubscribeHandlers)

	if err := tr.Join(ctx, cred.AppID, room, cred.Token, uid); err != nil {
		return nil, fmt.Errorf("join channel: %w", err)
	}
	undo = append(undo, func() { c.leaveTransport() })

	if err := s.presence.Register(ctx); err != nil {
		return nil, err
	}
	undo = append(undo, func() { c.bestEffort(s.presence.Remove) })

	if err := s.media.Start(ctx); err != nil {
		return nil, err
	}
	undo = append(undo, s.media.Stop)

	if err := s.presence.Start(sessCtx); err != nil {
		return nil, err
	}
	undo = append(undo, s.presence.Stop)

	if err := s.chat.Start(sessCtx); err != nil {
		return nil, err
	}

	log.Info().Str("module", "app.session").Str("room", string(room)).Uint32("uid", uint32(uid)).Msg("joined")
	return s, nil
}

// pickUID draws random ids until one is not held by a live record. The
// store still rejects a collision atomically on upsert.
func (c *Controller) pickUID(ctx context.Context, room domain.RoomName) domain.ParticipantID {
	uid := c.nextUID()
	snap, err := c.deps.Presence.Snapshot(ctx, room)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.session").Msg("presence snapshot failed, skipping uid check")
		return uid
	}
	taken := make(map[domain.ParticipantID]struct{})
	for _, r := range snap.Live(c.cfg.PresenceTTL) {
		taken[r.ID] = struct{}{}
	}
	for i := 1; i < c.cfg.UIDAttempts; i++ {
		if _, ok := taken[uid]; !ok {
			break
		}
		log.Debug().Str("module", "app.session").Uint32("uid", uint32(uid)).Msg("uid collision, redrawing")
		uid = c.nextUID()
	}
	return uid
}

func (s *Context) unsubscribeHandlers() {
	for _, h := range s.handlers {
		h.Unsubscribe()
	}
}

func (c *Controller) bestEffort(fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), c.leaveTimeout())
	defer cancel()
	fn(ctx)
}

func (c *Controller) leaveTransport() {
	c.bestEffort(func(ctx context.Context) {
		if err := c.deps.Transport.Leave(ctx); err != nil {
			log.Warn().Err(err).Str("module", "app.session").Msg("transport leave failed")
		}
	})
}

func (c *Controller) leaveTimeout() time.Duration {
	if c.cfg.LeaveTimeout > 0 {
		return c.cfg.LeaveTimeout
	}
	return 3 * time.Second
}

// Leave tears the session down. It is idempotent and never fails; problems
// are logged. During a join it cancels the join, which then rolls back or
// tears down on its own.
func (c *Controller) Leave(ctx context.Context) {
	c.mu.Lock()
	if c.state == domain.StateJoining {
		c.leavePending = true
		cancel := c.cancelJoin
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	s := c.sess
	if s == nil || c.state != domain.StateInCall {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.state = domain.StateLeaving
	c.mu.Unlock()
	c.emit(StateChanged{State: domain.StateLeaving, Room: s.Room, UID: s.UID})

	s.presence.Stop()
	s.chat.Stop()
	s.unsubscribeHandlers()
	s.media.Stop()
	if err := c.deps.Transport.Leave(ctx); err != nil {
		log.Warn().Err(err).Str("module", "app.session").Msg("transport leave failed")
	}
	s.presence.Remove(ctx)
	s.remote.Clear()
	s.cancel()

	c.setState(domain.StateNotInCall, s.Room, s.UID)
	log.Info().Str("module", "app.session").Str("room", string(s.Room)).Uint32("uid", uint32(s.UID)).Msg("left")
	if c.closer != nil {
		c.closer()
	}
}

// Close is the window or signal close path: a best-effort Leave with a
// short deadline.
func (c *Controller) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), c.leaveTimeout())
	defer cancel()
	c.Leave(ctx)
}

func (c *Controller) active() (*Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.state != domain.StateInCall {
		return nil, domain.ErrNotInCall
	}
	return c.sess, nil
}

// try runs a mid-call operation and reports its failure to the UI as well.
func (c *Controller) try(op string, fn func(s *Context) error) error {
	s, err := c.active()
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		log.Warn().Err(err).Str("module", "app.session").Str("op", op).Msg("operation failed")
		if !errors.Is(err, domain.ErrScreenShareDenied) {
			c.emit(Failure{Err: err, Message: domain.UserMessage(err)})
		}
		return err
	}
	return nil
}

func (c *Controller) ToggleHand(ctx context.Context) error {
	return c.try("hand", func(s *Context) error {
		_, err := s.presence.ToggleHand(ctx)
		return err
	})
}

func (c *Controller) ToggleCamera(ctx context.Context) error {
	return c.try("camera", func(s *Context) error {
		_, err := s.media.ToggleCamera(ctx)
		return err
	})
}

func (c *Controller) ToggleMic() error {
	return c.try("mic", func(s *Context) error {
		_, err := s.media.ToggleMic()
		return err
	})
}

func (c *Controller) StartScreenShare(ctx context.Context) error {
	return c.try("share", func(s *Context) error { return s.media.StartScreenShare(ctx) })
}

func (c *Controller) StopScreenShare(ctx context.Context) error {
	return c.try("unshare", func(s *Context) error { return s.media.StopScreenShare(ctx) })
}

func (c *Controller) SendMessage(ctx context.Context, text string) error {
	return c.try("chat", func(s *Context) error { return s.chat.SendMessage(ctx, text) })
}

func (c *Controller) SendReaction(ctx context.Context, emoji string) error {
	return c.try("react", func(s *Context) error { return s.chat.SendReaction(ctx, emoji) })
}

// Grid is the current call grid of the active session.
func (c *Controller) Grid() []remote.Tile {
	s, err := c.active()
	if err != nil {
		return nil
	}
	return s.remote.Grid(s.presence.Directory().Records)
}

// Directory is the live presence directory of the active session.
func (c *Controller) Directory() presence.Directory {
	s, err := c.active()
	if err != nil {
		return presence.Directory{}
	}
	return s.presence.Directory()
}

func (c *Controller) Media() media.State {
	s, err := c.active()
	if err != nil {
		return media.State{Video: domain.VideoNone}
	}
	return s.media.State()
}
