package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
)

type fakeServer struct {
	*httptest.Server
	frames chan []byte
	conns  chan *websocket.Conn
}

// newFakeServer answers the join frame with reply and forwards every frame
// it receives to frames.
func newFakeServer(t *testing.T, reply any) *fakeServer {
	t.Helper()
	fs := &fakeServer{frames: make(chan []byte, 16), conns: make(chan *websocket.Conn, 1)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fs.frames <- data
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
		fs.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fs.frames <- data
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) url() string { return "ws" + strings.TrimPrefix(fs.URL, "http") }

func (fs *fakeServer) next(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-fs.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from client")
		return nil
	}
}

func TestJoinSendsCredentialAndWaitsForJoined(t *testing.T) {
	fs := newFakeServer(t, protocol.Joined{Type: protocol.TypeJoined, Channel: "standup", UID: 42})
	c := New(Config{SignalURL: fs.url()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Join(ctx, "meet", "standup", "tok", 42))

	var join protocol.Join
	require.NoError(t, json.Unmarshal(fs.next(t), &join))
	assert.Equal(t, protocol.TypeJoin, join.Type)
	assert.Equal(t, "meet", join.AppID)
	assert.Equal(t, domain.RoomName("standup"), join.Channel)
	assert.Equal(t, "tok", join.Token)
	assert.Equal(t, domain.ParticipantID(42), join.UID)

	require.NoError(t, c.Leave(ctx))
	typ, err := protocol.Peek(fs.next(t))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeLeave, typ)

	require.NoError(t, c.Leave(ctx))
	assert.ErrorIs(t, c.Publish(ctx), ErrNotJoined)
}

func TestJoinRejected(t *testing.T) {
	fs := newFakeServer(t, protocol.Error{Type: protocol.TypeError, Error: protocol.ErrUnauthorized})
	c := New(Config{SignalURL: fs.url()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Join(ctx, "meet", "standup", "bad", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), protocol.ErrUnauthorized)

	_, err = c.Subscribe(ctx, 2, domain.KindAudio)
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestPeerEventsReachHandlers(t *testing.T) {
	fs := newFakeServer(t, protocol.Joined{Type: protocol.TypeJoined, Channel: "standup", UID: 1})
	c := New(Config{SignalURL: fs.url()})

	published := make(chan protocol.Track, 4)
	unpublished := make(chan protocol.Track, 4)
	left := make(chan domain.ParticipantID, 4)
	c.OnPublished(func(id domain.ParticipantID, k domain.MediaKind) { published <- protocol.Track{UID: id, Kind: k} })
	sub := c.OnUnpublished(func(id domain.ParticipantID, k domain.MediaKind) { unpublished <- protocol.Track{UID: id, Kind: k} })
	c.OnLeft(func(id domain.ParticipantID) { left <- id })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Join(ctx, "meet", "standup", "tok", 1))
	defer c.Leave(ctx)

	conn := <-fs.conns
	require.NoError(t, conn.WriteJSON(protocol.Track{Type: protocol.TypePublished, UID: 7, Kind: domain.KindVideo}))
	require.NoError(t, conn.WriteJSON(protocol.Track{Type: protocol.TypeUnpublished, UID: 7, Kind: domain.KindVideo}))
	require.NoError(t, conn.WriteJSON(protocol.Track{Type: protocol.TypePublished, UID: 7, Kind: "bogus"}))
	require.NoError(t, conn.WriteJSON(protocol.Left{Type: protocol.TypeLeft, UID: 7}))

	select {
	case ev := <-published:
		assert.Equal(t, protocol.Track{UID: 7, Kind: domain.KindVideo}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("published not delivered")
	}
	select {
	case ev := <-unpublished:
		assert.Equal(t, domain.KindVideo, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("unpublished not delivered")
	}
	select {
	case id := <-left:
		assert.Equal(t, domain.ParticipantID(7), id)
	case <-time.After(2 * time.Second):
		t.Fatal("left not delivered")
	}
	assert.Empty(t, published, "invalid kind must be dropped")

	sub.Unsubscribe()
	require.NoError(t, conn.WriteJSON(protocol.Track{Type: protocol.TypeUnpublished, UID: 8, Kind: domain.KindAudio}))
	require.NoError(t, conn.WriteJSON(protocol.Left{Type: protocol.TypeLeft, UID: 8}))
	<-left
	assert.Empty(t, unpublished)
}

func TestSubscribeRejectsBadKind(t *testing.T) {
	c := New(Config{SignalURL: "ws://127.0.0.1:1"})
	_, err := c.Subscribe(context.Background(), 3, "text")
	assert.Error(t, err)
}
