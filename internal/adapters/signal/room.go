package signal

import (
	"context"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(
	ctx context.Context,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.JoinRequest
	if !ctl.decode(conn, data, &p) {
		return
	}

	// A socket holds one membership; joining elsewhere leaves the old room.
	if room, pid, ok := conn.binding(); ok {
		if _, err := ctl.Ctl.HandleLeave(ctx, room, pid); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("room", string(room)).Msg("leave before join")
		}
		conn.unbind()
		log.Info().Str("module", "signal").Str("participant", string(pid)).Str("from_room", string(room)).Msg("left previous room")
	}

	joined, err := ctl.Ctl.HandleJoin(ctx, p.RoomID, p.ParticipantID, p.Username, conn)
	if err != nil {
		ctl.sendError(conn, err)
		return
	}
	conn.bind(p.RoomID, joined.ID)
	log.Info().Str("module", "signal").Str("room", string(p.RoomID)).Str("participant", string(joined.ID)).Msg("join")
}

func (ctl *SignalWSController) handleLeave(
	ctx context.Context,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.LeaveRequest
	if !ctl.decode(conn, data, &p) {
		return
	}
	room, pid, ok := conn.binding()
	if !ok || (p.RoomID != "" && p.RoomID != room) || (p.ParticipantID != "" && p.ParticipantID != pid) {
		ctl.sendError(conn, domain.ErrUnknownParticipant)
		return
	}
	if _, err := ctl.Ctl.HandleLeave(ctx, room, pid); err != nil {
		ctl.sendError(conn, err)
		return
	}
	conn.unbind()
	log.Info().Str("module", "signal").Str("room", string(room)).Str("participant", string(pid)).Msg("leave")
	ctl.sendJSON(conn, core.LeftEvent{Type: core.TypeLeft, RoomID: room, ParticipantID: pid})
}

func (ctl *SignalWSController) handleParticipants(
	ctx context.Context,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.ParticipantsRequest
	if !ctl.decode(conn, data, &p) {
		return
	}
	if p.RoomID == "" {
		p.RoomID, _, _ = conn.binding()
	}
	list, err := ctl.Ctl.Participants(ctx, p.RoomID)
	if err != nil {
		ctl.sendError(conn, err)
		return
	}
	ctl.sendJSON(conn, core.ParticipantsListEvent{
		Type:         core.TypeParticipantsList,
		RoomID:       p.RoomID,
		Participants: list,
	})
}

func (ctl *SignalWSController) handleChat(
	ctx context.Context,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.ChatRequest
	if !ctl.decode(conn, data, &p) {
		return
	}
	room, pid, ok := conn.binding()
	if !ok {
		ctl.sendError(conn, domain.ErrUnknownParticipant)
		return
	}
	if err := ctl.Ctl.SendChat(ctx, room, pid, p.Message); err != nil {
		ctl.sendError(conn, err)
	}
}
