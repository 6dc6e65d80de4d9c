package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(ctl.Opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("token", c.token).Msg("readPump closing")
		if room, pid, ok := c.binding(); ok {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := ctl.Ctl.HandleDisconnect(dctx, room, pid, c); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("room", string(room)).Str("participant", string(pid)).Msg("disconnect")
			}
			cancel()
		}
		if ctl.Limiter != nil {
			ctl.Limiter.Release(c.token)
		}
		c.Close()
	}()

	if ctl.Limiter != nil {
		ctl.Limiter.Acquire(c.token)
	}
	if ctl.Opts.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.Opts.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if ctl.Limiter != nil && !ctl.Limiter.Allow(c.token) {
			log.Warn().Str("module", "signal").Str("token", c.token).Msg("rate limited")
			ctl.sendJSON(c, core.ErrorEvent{Type: core.TypeError, Error: "rate_limited"})
			continue
		}
		ctl.handleSignal(ctx, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, c *WsSignalConn, data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, domain.ErrInvalidPayload)
		return
	}

	switch env.Type {
	case core.TypeJoinRoom:
		ctl.handleJoin(ctx, c, data)
	case core.TypeLeaveRoom:
		ctl.handleLeave(ctx, c, data)
	case string(core.KindOffer), string(core.KindAnswer), string(core.KindICECandidate):
		ctl.handleNegotiation(ctx, c, data)
	case core.TypeCapability:
		ctl.handleCapability(ctx, c, data)
	case core.TypeLinkHealth:
		ctl.handleLinkHealth(ctx, c, data)
	case core.TypeParticipantsReq:
		ctl.handleParticipants(ctx, c, data)
	case core.TypeSendMessage:
		ctl.handleChat(ctx, c, data)
	case core.TypeMuteParticipant:
		ctl.handleMute(ctx, c, data)
	case core.TypeFileShare:
		ctl.handleFileShare(ctx, c, data)
	case core.TypePing:
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendJSON(c, core.ErrorEvent{Type: core.TypeError, Error: "unknown_type", Detail: env.Type})
	}
}

// decode unmarshals data into v and replies bad_payload on failure.
func (ctl *SignalWSController) decode(c *WsSignalConn, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad payload")
		ctl.sendError(c, domain.ErrInvalidPayload)
		return false
	}
	return true
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil && !errors.Is(err, ErrConnClosed) {
		log.Warn().Err(err).Str("module", "signal").Msg("sendJSON")
	}
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, err error) {
	ctl.sendJSON(c, core.NewError(err))
}
