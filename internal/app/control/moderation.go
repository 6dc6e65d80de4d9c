package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	maxFileInfoLen = 16 * 1024

	ReasonKicked = "kicked"
)

// MuteParticipant tells the whole room that by muted target. Clients
// apply it; the target's capabilities are not changed.
func (c *Controller) MuteParticipant(ctx context.Context, room domain.RoomID, by, target domain.ParticipantID) error {
	err := c.onRoom(ctx, room, false, func() error {
		for _, pid := range []domain.ParticipantID{by, target} {
			if !c.Registry.IsMember(room, pid) {
				return fmt.Errorf("%w: %s in %s", domain.ErrUnknownParticipant, pid, room)
			}
		}
		c.Relay.BroadcastAll(room, core.ParticipantMutedEvent{
			Type:      core.TypeParticipantMuted,
			RoomID:    room,
			TargetID:  target,
			MutedBy:   by,
			Timestamp: c.now(),
		})
		return nil
	})
	if err != nil {
		return asMember(err, room, by)
	}
	log.Info().Str("module", "app.control").Str("room", string(room)).Str("participant", string(by)).
		Str("target", string(target)).Msg("participant muted")
	return nil
}

// ShareFile relays file metadata from pid to the whole room.
func (c *Controller) ShareFile(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, info json.RawMessage) error {
	if len(info) == 0 || len(info) > maxFileInfoLen || !json.Valid(info) {
		return fmt.Errorf("%w: file info of %d bytes", domain.ErrInvalidPayload, len(info))
	}
	err := c.onRoom(ctx, room, false, func() error {
		p, ok := c.Registry.Get(room, pid)
		if !ok {
			return fmt.Errorf("%w: %s in %s", domain.ErrUnknownParticipant, pid, room)
		}
		c.Relay.BroadcastAll(room, core.FileSharedEvent{
			Type:          core.TypeFileShared,
			RoomID:        room,
			ParticipantID: pid,
			Username:      p.Username,
			FileInfo:      info,
			Timestamp:     c.now(),
		})
		return nil
	})
	return asMember(err, room, pid)
}

// Locate returns every room membership of pid.
func (c *Controller) Locate(pid domain.ParticipantID) ([]app.Membership, error) {
	list := c.Registry.Locate(pid)
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownParticipant, pid)
	}
	return list, nil
}

// Disconnect removes pid from every room it is in and closes its
// signaling connections. It returns the number of rooms left.
func (c *Controller) Disconnect(ctx context.Context, pid domain.ParticipantID, reason string) (int, error) {
	n := 0
	for _, m := range c.Registry.Locate(pid) {
		room := m.RoomID
		var conn core.SignalConnection
		err := c.onRoom(ctx, room, false, func() error {
			if !c.Registry.IsMember(room, pid) {
				return nil
			}
			c.Relay.SendTo(room, pid, core.DisconnectedEvent{
				Type:          core.TypeDisconnected,
				RoomID:        room,
				ParticipantID: pid,
				Reason:        reason,
			})
			conn = c.Relay.Release(room, pid)
			if c.leave(room, pid) {
				n++
			}
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrUnknownRoom) {
			return n, err
		}
		if conn != nil {
			conn.Close()
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownParticipant, pid)
	}
	log.Info().Str("module", "app.control").Str("participant", string(pid)).Str("reason", reason).Int("rooms", n).Msg("participant disconnected")
	return n, nil
}
