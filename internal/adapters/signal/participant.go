package signal

import (
	"context"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleCapability(
	ctx context.Context,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.CapabilityRequest
	if !ctl.decode(conn, data, &p) {
		return
	}
	room, pid, ok := conn.binding()
	if !ok {
		ctl.sendError(conn, domain.ErrUnknownParticipant)
		return
	}
	caps, err := ctl.Ctl.HandleCapabilityChange(ctx, room, pid, p.Flag, p.Value)
	if err != nil {
		ctl.sendError(conn, err)
		return
	}
	log.Debug().Str("module", "signal").Str("room", string(room)).Str("participant", string(pid)).
		Str("flag", p.Flag).Bool("value", p.Value).Msg("capability")
	ctl.sendJSON(conn, core.CapabilityEvent{
		Type:          core.TypeCapability,
		RoomID:        room,
		ParticipantID: pid,
		Flag:          domain.Capability(p.Flag),
		Value:         p.Value,
		Capabilities:  caps,
	})
}

func (ctl *SignalWSController) handleMute(
	ctx context.Context,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.MuteRequest
	if !ctl.decode(conn, data, &p) {
		return
	}
	room, pid, ok := conn.binding()
	if !ok || (p.RoomID != "" && p.RoomID != room) {
		ctl.sendError(conn, domain.ErrUnknownParticipant)
		return
	}
	if err := ctl.Ctl.MuteParticipant(ctx, room, pid, p.TargetID); err != nil {
		ctl.sendError(conn, err)
	}
}

func (ctl *SignalWSController) handleFileShare(
	ctx context.Context,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.FileShareRequest
	if !ctl.decode(conn, data, &p) {
		return
	}
	room, pid, ok := conn.binding()
	if !ok || (p.RoomID != "" && p.RoomID != room) {
		ctl.sendError(conn, domain.ErrUnknownParticipant)
		return
	}
	if err := ctl.Ctl.ShareFile(ctx, room, pid, p.FileInfo); err != nil {
		ctl.sendError(conn, err)
	}
}
