package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

// handleNegotiation relays offer, answer and ice_candidate. The sender is
// always the participant bound to the socket.
func (ctl *SignalWSController) handleNegotiation(
	ctx context.Context,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.NegotiationPayload
	if !ctl.decode(conn, data, &p) {
		return
	}
	room, pid, ok := conn.binding()
	if !ok {
		ctl.sendError(conn, domain.ErrUnknownParticipant)
		return
	}
	if p.From == "" {
		p.From = pid
	}
	if p.RoomID == "" {
		p.RoomID = room
	}
	if p.From != pid || p.RoomID != room {
		ctl.sendError(conn, fmt.Errorf("%w: sender does not match connection", domain.ErrInvalidPayload))
		return
	}
	if err := ctl.Ctl.HandleNegotiationMessage(ctx, &p); err != nil {
		ctl.sendError(conn, err)
	}
}

func (ctl *SignalWSController) handleLinkHealth(
	ctx context.Context,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.LinkHealthRequest
	if !ctl.decode(conn, data, &p) {
		return
	}
	room, pid, ok := conn.binding()
	if !ok {
		ctl.sendError(conn, domain.ErrUnknownParticipant)
		return
	}
	if err := ctl.Ctl.HandleLinkHealth(ctx, room, pid, p.Peer, p.Epoch, p.Status); err != nil {
		ctl.sendError(conn, err)
	}
}
