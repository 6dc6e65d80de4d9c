package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/meshroom/internal/app/session"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// HandleJoin admits pid into room and binds conn to it. Existing members
// get participant_joined, the joiner gets room_joined and then every pair
// is started. An empty pid is assigned by the server.
func (c *Controller) HandleJoin(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, username string, conn core.SignalConnection) (domain.Participant, error) {
	if err := domain.ValidateRoomID(room); err != nil {
		return domain.Participant{}, err
	}
	var joined domain.Participant
	err := c.onRoom(ctx, room, true, func() error {
		defer c.stopIfEmpty(room)

		if err := c.Policy.AllowJoin(room, len(c.Registry.List(room)), username); err != nil {
			return err
		}
		res, err := c.Registry.Join(room, pid, username)
		if err != nil {
			return err
		}
		joined = res.Participant
		c.Relay.Bind(room, joined.ID, conn)

		targets := make([]core.PeerTarget, 0, len(res.Existing))
		var directives []session.Outbound
		for _, m := range res.Existing {
			snap, out, err := c.Sessions.Create(room, m.ID, joined.ID)
			if err != nil {
				log.Error().Err(err).Str("module", "app.control").Str("room", string(room)).Str("peer", string(m.ID)).Msg("create session")
				continue
			}
			targets = append(targets, core.PeerTarget{
				ParticipantID: m.ID,
				Username:      m.Username,
				Initiator:     snap.Initiator == joined.ID,
				Epoch:         snap.Epoch,
			})
			directives = append(directives, out...)
		}

		caps := joined.Capabilities
		c.Relay.Broadcast(room, joined.ID, core.MembershipEvent{
			Type:          core.TypeParticipantJoin,
			RoomID:        room,
			ParticipantID: joined.ID,
			Username:      joined.Username,
			Capabilities:  &caps,
			Timestamp:     joined.JoinedAt,
		})
		c.Relay.SendTo(room, joined.ID, core.RoomJoinedEvent{
			Type:          core.TypeRoomJoined,
			RoomID:        room,
			ParticipantID: joined.ID,
			Participants:  c.Registry.List(room),
			ConnectTo:     targets,
			ICEServers:    c.ICEServers,
		})
		c.dispatch(room, directives)
		return nil
	})
	if err != nil {
		log.Info().Err(err).Str("module", "app.control").Str("room", string(room)).Str("participant", string(pid)).Msg("join rejected")
		return domain.Participant{}, err
	}
	log.Info().Str("module", "app.control").Str("room", string(room)).Str("participant", string(joined.ID)).Msg("join handled")
	return joined, nil
}

// HandleLeave tears down every session of pid and removes it. Leaving
// twice is not an error.
func (c *Controller) HandleLeave(ctx context.Context, room domain.RoomID, pid domain.ParticipantID) (bool, error) {
	var removed bool
	err := c.onRoom(ctx, room, false, func() error {
		removed = c.leave(room, pid)
		return nil
	})
	if errors.Is(err, domain.ErrUnknownRoom) {
		return false, nil
	}
	return removed, err
}

// HandleDisconnect treats the loss of conn as a leave, unless pid has
// since been bound to another connection.
func (c *Controller) HandleDisconnect(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, conn core.SignalConnection) error {
	err := c.onRoom(ctx, room, false, func() error {
		if !c.Relay.Unbind(room, pid, conn) {
			return nil
		}
		if c.leave(room, pid) {
			log.Info().Str("module", "app.control").Str("room", string(room)).Str("participant", string(pid)).Msg("connection lost, left")
		}
		return nil
	})
	if errors.Is(err, domain.ErrUnknownRoom) {
		return nil
	}
	return err
}

// leave runs on the room loop.
func (c *Controller) leave(room domain.RoomID, pid domain.ParticipantID) bool {
	p, member := c.Registry.Get(room, pid)
	n := c.Sessions.TeardownParticipant(room, pid)
	removed := c.Registry.Leave(room, pid)
	c.Relay.Release(room, pid)
	if removed && member {
		c.Relay.Broadcast(room, pid, core.MembershipEvent{
			Type:          core.TypeParticipantLeft,
			RoomID:        room,
			ParticipantID: pid,
			Username:      p.Username,
			Timestamp:     c.now(),
		})
	}
	log.Info().Str("module", "app.control").Str("room", string(room)).Str("participant", string(pid)).
		Bool("removed", removed).Int("sessions", n).Msg("leave handled")
	c.stopIfEmpty(room)
	return removed
}

// CloseRoom closes room by policy: members get room_closed, every session
// is torn down and the room is evicted.
func (c *Controller) CloseRoom(ctx context.Context, room domain.RoomID) (int, error) {
	var n int
	err := c.onRoom(ctx, room, false, func() error {
		if !c.Registry.Exists(room) {
			return fmt.Errorf("%w: %s", domain.ErrUnknownRoom, room)
		}
		c.Relay.BroadcastAll(room, core.RoomClosedEvent{Type: core.TypeRoomClosed, RoomID: room})
		c.Sessions.TeardownRoom(room)
		n = len(c.Registry.Close(room))
		c.stopIfEmpty(room)
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Info().Str("module", "app.control").Str("room", string(room)).Int("members", n).Msg("room closed")
	return n, nil
}

// Participants returns the roster of room in join order.
func (c *Controller) Participants(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	var list []domain.Participant
	err := c.onRoom(ctx, room, false, func() error {
		list = c.Registry.List(room)
		return nil
	})
	if errors.Is(err, domain.ErrUnknownRoom) {
		return []domain.Participant{}, nil
	}
	return list, err
}

// SendChat broadcasts a chat line to the whole room, sender included.
func (c *Controller) SendChat(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, message string) error {
	if message == "" || len(message) > maxChatLen {
		return fmt.Errorf("%w: chat message length %d", domain.ErrInvalidPayload, len(message))
	}
	err := c.onRoom(ctx, room, false, func() error {
		p, ok := c.Registry.Get(room, pid)
		if !ok {
			return fmt.Errorf("%w: %s in %s", domain.ErrUnknownParticipant, pid, room)
		}
		c.Relay.BroadcastAll(room, core.ChatEvent{
			Type:          core.TypeReceiveMessage,
			RoomID:        room,
			ParticipantID: pid,
			Username:      p.Username,
			Message:       message,
			Timestamp:     c.now(),
		})
		return nil
	})
	return asMember(err, room, pid)
}
