package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/app/control"
	"github.com/dkeye/meshroom/internal/app/session"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, limiter *RateLimiter) (*httptest.Server, *control.Controller) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())

	reg := app.NewRegistry()
	rooms := app.NewRoomManager(ctx, 16)
	ctl := control.New(reg, app.NewRelay(reg, nil), session.NewOrchestrator(session.Config{}), rooms, nil)
	ws := NewSignalWSController(ctl, limiter, Options{PingPeriod: time.Second, PongWait: 2 * time.Second})

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.Query("token"))
		ws.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		rooms.Close()
	})
	return srv, ctl
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

// expect reads until a frame of type typ arrives and decodes it into v.
func expect(t *testing.T, ws *websocket.Conn, typ string, v any) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		var env core.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == typ {
			if v != nil {
				require.NoError(t, json.Unmarshal(data, v))
			}
			return
		}
	}
}

func TestSignalJoinAndNegotiate(t *testing.T) {
	srv, ctl := newTestServer(t, nil)
	a := dial(t, srv, "ta")
	b := dial(t, srv, "tb")

	send(t, a, core.JoinRequest{Type: core.TypeJoinRoom, RoomID: "r1", Username: "Alice", ParticipantID: "a"})
	var joined core.RoomJoinedEvent
	expect(t, a, core.TypeRoomJoined, &joined)
	assert.Equal(t, domain.ParticipantID("a"), joined.ParticipantID)

	send(t, b, core.JoinRequest{Type: core.TypeJoinRoom, RoomID: "r1", Username: "Bob", ParticipantID: "b"})
	expect(t, b, core.TypeRoomJoined, &joined)
	require.Len(t, joined.ConnectTo, 1)

	var neg core.NegotiateRequest
	expect(t, a, core.TypeNegotiate, &neg)
	assert.Equal(t, domain.ParticipantID("b"), neg.Peer)

	// From and room are filled from the socket binding.
	send(t, a, map[string]any{"type": "offer", "to": "b", "epoch": 0, "body": map[string]string{"type": "offer", "sdp": "v=0"}})
	var offer core.NegotiationPayload
	expect(t, b, string(core.KindOffer), &offer)
	assert.Equal(t, domain.ParticipantID("a"), offer.From)
	assert.Equal(t, domain.RoomID("r1"), offer.RoomID)

	// Spoofed sender is rejected.
	send(t, b, map[string]any{"type": "answer", "from": "a", "to": "a"})
	var ev core.ErrorEvent
	expect(t, b, core.TypeError, &ev)
	assert.Equal(t, "bad_payload", ev.Error)

	snap, ok := ctl.Sessions.Get("r1", "a", "b")
	require.True(t, ok)
	assert.Equal(t, session.PhaseAnswerReceived, snap.Phase("b"))
}

func TestSignalDisconnectLeaves(t *testing.T) {
	srv, ctl := newTestServer(t, nil)
	a := dial(t, srv, "ta")
	b := dial(t, srv, "tb")

	send(t, a, core.JoinRequest{Type: core.TypeJoinRoom, RoomID: "r1", Username: "Alice", ParticipantID: "a"})
	expect(t, a, core.TypeRoomJoined, nil)
	send(t, b, core.JoinRequest{Type: core.TypeJoinRoom, RoomID: "r1", Username: "Bob", ParticipantID: "b"})
	expect(t, b, core.TypeRoomJoined, nil)

	require.NoError(t, b.Close())

	var left core.MembershipEvent
	expect(t, a, core.TypeParticipantLeft, &left)
	assert.Equal(t, domain.ParticipantID("b"), left.ParticipantID)
	assert.Eventually(t, func() bool { return !ctl.Registry.IsMember("r1", "b") }, time.Second, 10*time.Millisecond)
}

func TestSignalLeaveAndRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	a := dial(t, srv, "ta")

	send(t, a, core.Envelope{Type: core.TypePing})
	expect(t, a, core.TypePong, nil)

	send(t, a, core.Envelope{Type: core.TypeSendMessage})
	var ev core.ErrorEvent
	expect(t, a, core.TypeError, &ev)
	assert.Equal(t, "unknown_participant", ev.Error)

	send(t, a, core.JoinRequest{Type: core.TypeJoinRoom, RoomID: "r1", Username: "Alice"})
	var joined core.RoomJoinedEvent
	expect(t, a, core.TypeRoomJoined, &joined)
	assert.NotEmpty(t, joined.ParticipantID)

	send(t, a, map[string]any{"type": core.TypeCapability, "flag": "screen", "value": true})
	var capEv core.CapabilityEvent
	expect(t, a, core.TypeCapability, &capEv)
	assert.True(t, capEv.Capabilities.ScreenSharing)

	send(t, a, map[string]any{"type": core.TypeSendMessage, "message": "hi"})
	var chat core.ChatEvent
	expect(t, a, core.TypeReceiveMessage, &chat)
	assert.Equal(t, "hi", chat.Message)

	send(t, a, map[string]any{"type": core.TypeParticipantsReq})
	var list core.ParticipantsListEvent
	expect(t, a, core.TypeParticipantsList, &list)
	assert.Len(t, list.Participants, 1)

	send(t, a, map[string]any{"type": core.TypeLeaveRoom})
	var left core.LeftEvent
	expect(t, a, core.TypeLeft, &left)
	assert.Equal(t, joined.ParticipantID, left.ParticipantID)

	send(t, a, map[string]any{"type": "dance"})
	expect(t, a, core.TypeError, &ev)
	assert.Equal(t, "unknown_type", ev.Error)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{nope")))
	expect(t, a, core.TypeError, &ev)
	assert.Equal(t, "bad_payload", ev.Error)
}

func TestSignalMuteAndFileShare(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	a := dial(t, srv, "ta")
	b := dial(t, srv, "tb")

	send(t, a, core.JoinRequest{Type: core.TypeJoinRoom, RoomID: "r1", ParticipantID: "a", Username: "Alice"})
	expect(t, a, core.TypeRoomJoined, nil)
	send(t, b, core.JoinRequest{Type: core.TypeJoinRoom, RoomID: "r1", ParticipantID: "b", Username: "Bob"})
	expect(t, b, core.TypeRoomJoined, nil)

	send(t, a, core.MuteRequest{Type: core.TypeMuteParticipant, RoomID: "r1", TargetID: "b"})
	var muted core.ParticipantMutedEvent
	expect(t, b, core.TypeParticipantMuted, &muted)
	assert.Equal(t, domain.ParticipantID("b"), muted.TargetID)
	assert.Equal(t, domain.ParticipantID("a"), muted.MutedBy)

	send(t, b, core.FileShareRequest{Type: core.TypeFileShare, RoomID: "r1", FileInfo: json.RawMessage(`{"name":"a.png"}`)})
	var shared core.FileSharedEvent
	expect(t, a, core.TypeFileShared, &shared)
	assert.Equal(t, domain.ParticipantID("b"), shared.ParticipantID)
	assert.Equal(t, "Bob", shared.Username)
	assert.JSONEq(t, `{"name":"a.png"}`, string(shared.FileInfo))

	send(t, a, core.MuteRequest{Type: core.TypeMuteParticipant, RoomID: "r1", TargetID: "zed"})
	var ev core.ErrorEvent
	expect(t, a, core.TypeError, &ev)
	assert.Equal(t, "unknown_participant", ev.Error)

	send(t, a, core.FileShareRequest{Type: core.TypeFileShare, RoomID: "r2", FileInfo: json.RawMessage(`{}`)})
	expect(t, a, core.TypeError, &ev)
	assert.Equal(t, "unknown_participant", ev.Error)
}

func TestSignalRejoinMovesRoom(t *testing.T) {
	srv, ctl := newTestServer(t, nil)
	a := dial(t, srv, "ta")

	send(t, a, core.JoinRequest{Type: core.TypeJoinRoom, RoomID: "r1", Username: "Alice", ParticipantID: "a"})
	expect(t, a, core.TypeRoomJoined, nil)
	send(t, a, core.JoinRequest{Type: core.TypeJoinRoom, RoomID: "r2", Username: "Alice", ParticipantID: "a"})
	var joined core.RoomJoinedEvent
	expect(t, a, core.TypeRoomJoined, &joined)
	assert.Equal(t, domain.RoomID("r2"), joined.RoomID)

	assert.False(t, ctl.Registry.Exists("r1"))
	assert.True(t, ctl.Registry.IsMember("r2", "a"))
}

func TestSignalRateLimited(t *testing.T) {
	srv, _ := newTestServer(t, NewRateLimiter(0.001, 1))
	a := dial(t, srv, "ta")

	send(t, a, core.Envelope{Type: core.TypePing})
	expect(t, a, core.TypePong, nil)
	send(t, a, core.Envelope{Type: core.TypePing})
	var ev core.ErrorEvent
	expect(t, a, core.TypeError, &ev)
	assert.Equal(t, "rate_limited", ev.Error)
}

func TestSignalRateLimitSurvivesReconnect(t *testing.T) {
	srv, _ := newTestServer(t, NewRateLimiter(0.001, 1))
	a := dial(t, srv, "ta")
	send(t, a, core.Envelope{Type: core.TypePing})
	expect(t, a, core.TypePong, nil)
	require.NoError(t, a.Close())

	b := dial(t, srv, "ta")
	send(t, b, core.Envelope{Type: core.TypePing})
	var ev core.ErrorEvent
	expect(t, b, core.TypeError, &ev)
	assert.Equal(t, "rate_limited", ev.Error)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("k"))
	}

	rl = NewRateLimiter(0.001, 2)
	assert.True(t, rl.Allow("k"))
	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))
	assert.True(t, rl.Allow("other"))
	assert.Equal(t, 2, rl.Len())
}

func TestRateLimiterKeepsBucketsOfLiveSockets(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(0.001, 1)
	rl.IdleTTL = time.Minute
	rl.now = func() time.Time { return now }

	// Two sockets share one token.
	rl.Acquire("k")
	rl.Acquire("k")
	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))

	rl.Release("k")
	now = now.Add(time.Hour)
	assert.Equal(t, 0, rl.Prune())
	assert.False(t, rl.Allow("k"), "closing one socket must not refill the bucket")

	rl.Release("k")
	now = now.Add(30 * time.Second)
	assert.Equal(t, 0, rl.Prune())
	assert.False(t, rl.Allow("k"), "bucket survives a quick reconnect")

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, rl.Prune())
	assert.Equal(t, 0, rl.Len())
	assert.True(t, rl.Allow("k"))

	// Release without Acquire is ignored.
	rl.Release("unknown")
	rl.Release("k")
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiterRunStops(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rl.Run(ctx, 10*time.Millisecond) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{SendBuffer: 8}.withDefaults()
	assert.Equal(t, 8, o.SendBuffer)
	assert.Equal(t, DefaultOptions().PongWait, o.PongWait)
	assert.Equal(t, DefaultOptions().ReadLimit, o.ReadLimit)
}
