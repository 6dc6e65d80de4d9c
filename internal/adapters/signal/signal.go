package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/app/control"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrConnClosed = errors.New("connection closed")

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:  64 * 1024,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
		SendBuffer: 64,
	}
}

type SignalWSController struct {
	Ctl     *control.Controller
	Limiter *RateLimiter
	Opts    Options
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = d.PingPeriod
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	return o
}

func NewSignalWSController(ctl *control.Controller, limiter *RateLimiter, opts Options) *SignalWSController {
	return &SignalWSController{
		Ctl:     ctl,
		Limiter: limiter,
		Opts:    opts.withDefaults(),
	}
}

// WsSignalConn is one client socket. It is bound to at most one room
// membership at a time.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame
	// token is the client token from the session cookie.
	token string

	mu     sync.RWMutex
	closed bool
	room   domain.RoomID
	pid    domain.ParticipantID
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *WsSignalConn) binding() (domain.RoomID, domain.ParticipantID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room, c.pid, c.pid != ""
}

func (c *WsSignalConn) bind(room domain.RoomID, pid domain.ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room, c.pid = room, pid
}

func (c *WsSignalConn) unbind() {
	c.bind("", "")
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("token", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ctl.Serve(ctx, ws, token)
}

// Serve starts the pumps of an upgraded socket and returns immediately.
func (ctl *SignalWSController) Serve(ctx context.Context, ws *websocket.Conn, token string) {
	conn := &WsSignalConn{
		conn:  ws,
		send:  make(chan core.Frame, ctl.Opts.SendBuffer),
		token: token,
	}
	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, conn)
	}()
}
