// Package transport is the media channel client: a signaling WebSocket to the
// channel server plus one pion PeerConnection carrying every published and
// subscribed track.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
)

var (
	ErrNotJoined      = errors.New("transport: not joined")
	ErrClosed         = errors.New("transport: connection closed")
	ErrNotPublishable = errors.New("transport: track has no local RTP source")
)

// RTCTrack is implemented by local tracks that can be sent over WebRTC.
type RTCTrack interface {
	core.LocalTrack
	TrackLocal() webrtc.TrackLocal
}

type Config struct {
	SignalURL    string
	ICEServers   []string
	ReadLimit    int64
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	// Jar, when set, supplies cookies for the signaling handshake.
	Jar http.CookieJar
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	published   handlerSet[func(domain.ParticipantID, domain.MediaKind)]
	unpublished handlerSet[func(domain.ParticipantID, domain.MediaKind)]
	left        handlerSet[func(domain.ParticipantID)]

	// negotiate serializes offer/answer exchanges; only one is in flight.
	negotiate sync.Mutex

	mu      sync.Mutex
	link    *link
	sending map[string]*sent
	pending map[*webrtc.RTPReceiver]*remoteTrack
}

// sent is a published local track and the transceiver carrying it.
type sent struct {
	kind   domain.MediaKind
	track  webrtc.TrackLocal
	tr     *webrtc.RTPTransceiver
	sender *webrtc.RTPSender
}

var _ core.Transport = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Jar: cfg.Jar},
		sending: make(map[string]*sent),
		pending: make(map[*webrtc.RTPReceiver]*remoteTrack),
	}
}

func (c *Client) OnPublished(fn func(domain.ParticipantID, domain.MediaKind)) core.Subscription {
	return c.published.add(fn)
}

func (c *Client) OnUnpublished(fn func(domain.ParticipantID, domain.MediaKind)) core.Subscription {
	return c.unpublished.add(fn)
}

func (c *Client) OnLeft(fn func(domain.ParticipantID)) core.Subscription {
	return c.left.add(fn)
}

// link is one joined session: socket, peer connection and pumps.
type link struct {
	uid     domain.ParticipantID
	conn    *websocket.Conn
	api     *webrtc.API
	pc      *webrtc.PeerConnection
	send    chan []byte
	answers chan protocol.Answer
	joined  chan error
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		l.cancel()
		_ = l.conn.Close()
		if err := l.pc.Close(); err != nil {
			log.Warn().Err(err).Str("module", "adapters.transport").Msg("peer connection close")
		}
	})
}

func (c *Client) iceServers() []webrtc.ICEServer {
	if len(c.cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.cfg.ICEServers}}
}

func (c *Client) Join(ctx context.Context, appID string, channel domain.RoomName, token string, uid domain.ParticipantID) error {
	c.mu.Lock()
	if c.link != nil {
		c.mu.Unlock()
		return fmt.Errorf("transport: already joined")
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.SignalURL, nil)
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}
	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}

	api, err := rtc.NewAPI()
	if err != nil {
		_ = conn.Close()
		return err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers()})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("new peer connection: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &link{
		uid:     uid,
		conn:    conn,
		api:     api,
		pc:      pc,
		send:    make(chan []byte, 32),
		answers: make(chan protocol.Answer, 1),
		joined:  make(chan error, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.bindPeer(l)

	c.mu.Lock()
	c.link = l
	c.mu.Unlock()

	go c.writePump(lctx, l)
	go c.readPump(lctx, l)

	if err := c.sendJSON(l, protocol.Join{Type: protocol.TypeJoin, AppID: appID, Channel: channel, Token: token, UID: uid}); err != nil {
		c.drop(l)
		return err
	}

	select {
	case err = <-l.joined:
	case <-ctx.Done():
		err = ctx.Err()
	case <-l.done:
		err = ErrClosed
	}
	if err != nil {
		c.drop(l)
		return fmt.Errorf("join %s: %w", channel, err)
	}
	log.Info().Str("module", "adapters.transport").Str("channel", string(channel)).Uint32("uid", uint32(uid)).Msg("joined channel")
	return nil
}

func (c *Client) bindPeer(l *link) {
	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "adapters.transport").Str("peer_connection_state", s.String()).Msg("peer state")
	})
	l.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.mu.Lock()
		rt, ok := c.pending[receiver]
		c.mu.Unlock()
		if !ok {
			log.Warn().Str("module", "adapters.transport").Str("stream_id", track.StreamID()).Msg("track with no subscription")
			return
		}
		if id, ok := protocol.ParseStreamID(track.StreamID()); ok && id != rt.id {
			log.Warn().Str("module", "adapters.transport").Uint32("want", uint32(rt.id)).Uint32("got", uint32(id)).Msg("stream id mismatch")
		}
		rt.attach(track)
	})
}

// Leave is idempotent; it always releases the socket and the peer connection.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return nil
	}

	err := c.sendJSON(l, protocol.Envelope{Type: protocol.TypeLeave})
	if err == nil {
		// let the write pump flush the leave before closing the socket
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
	}
	c.drop(l)
	log.Info().Str("module", "adapters.transport").Uint32("uid", uint32(l.uid)).Msg("left channel")
	return err
}

func (c *Client) drop(l *link) {
	l.close()
	<-l.done

	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	pending := c.pending
	c.pending = make(map[*webrtc.RTPReceiver]*remoteTrack)
	c.sending = make(map[string]*sent)
	c.mu.Unlock()

	for _, rt := range pending {
		rt.Stop()
	}
}

func (c *Client) current() (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil, ErrNotJoined
	}
	return c.link, nil
}

func (c *Client) sendJSON(l *link, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	select {
	case l.send <- b:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

func (c *Client) writePump(ctx context.Context, l *link) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	ping, _ := json.Marshal(protocol.Envelope{Type: protocol.TypePing})

	write := func(data []byte) bool {
		if err := l.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return false
		}
		if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("module", "adapters.transport").Msg("write failed")
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-l.send:
			if !write(data) {
				l.close()
				return
			}
		case <-ticker.C:
			if !write(ping) {
				l.close()
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, l *link) {
	defer close(l.done)
	defer l.close()
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "adapters.transport").Msg("signaling read failed")
			}
			return
		}
		c.dispatch(l, data)
	}
}

// dispatch runs on the read goroutine; peer event handlers must not block.
func (c *Client) dispatch(l *link, data []byte) {
	typ, err := protocol.Peek(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.transport").Msg("bad frame")
		return
	}

	switch typ {
	case protocol.TypeJoined:
		select {
		case l.joined <- nil:
		default:
		}
	case protocol.TypeError:
		var m protocol.Error
		_ = json.Unmarshal(data, &m)
		log.Warn().Str("module", "adapters.transport").Str("error", m.Error).Msg("server error")
		select {
		case l.joined <- fmt.Errorf("server: %s", m.Error):
		default:
		}
	case protocol.TypeAnswer:
		var m protocol.Answer
		if err := json.Unmarshal(data, &m); err != nil {
			m.Error = protocol.ErrBadPayload
		}
		select {
		case l.answers <- m:
		default:
			log.Warn().Str("module", "adapters.transport").Msg("unexpected answer dropped")
		}
	case protocol.TypePublished, protocol.TypeUnpublished:
		var m protocol.Track
		if err := json.Unmarshal(data, &m); err != nil || !m.Kind.Valid() {
			log.Warn().Str("module", "adapters.transport").Str("type", typ).Msg("bad track event")
			return
		}
		set := &c.published
		if typ == protocol.TypeUnpublished {
			set = &c.unpublished
		}
		set.each(func(fn func(domain.ParticipantID, domain.MediaKind)) { fn(m.UID, m.Kind) })
	case protocol.TypeLeft:
		var m protocol.Left
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		c.left.each(func(fn func(domain.ParticipantID)) { fn(m.UID) })
	case protocol.TypePong:
	default:
		log.Debug().Str("module", "adapters.transport").Str("type", typ).Msg("unknown frame")
	}
}
