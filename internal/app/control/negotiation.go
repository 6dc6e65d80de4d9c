package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// HandleCapabilityChange stores flag=value for pid and broadcasts the new
// capability set. Flags that alter the media description renegotiate
// every session of pid with pid as the offerer.
func (c *Controller) HandleCapabilityChange(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, flag string, value bool) (domain.Capabilities, error) {
	capFlag, err := domain.ParseCapability(flag)
	if err != nil {
		return domain.Capabilities{}, err
	}
	var caps domain.Capabilities
	err = c.onRoom(ctx, room, false, func() error {
		updated, changed, err := c.Registry.SetCapability(room, pid, capFlag, value)
		if err != nil {
			return err
		}
		caps = updated
		c.Relay.Broadcast(room, pid, core.CapabilityEvent{
			Type:          core.TypeCapability,
			RoomID:        room,
			ParticipantID: pid,
			Flag:          capFlag,
			Value:         value,
			Capabilities:  updated,
		})
		if changed && capFlag.AltersMedia() {
			c.dispatch(room, c.Sessions.Renegotiate(room, pid, string(capFlag)))
		}
		return nil
	})
	if err != nil {
		return domain.Capabilities{}, asMember(err, room, pid)
	}
	return caps, nil
}

// HandleNegotiationMessage checks p against the pair's session and relays
// what the session accepts. Stale, glare-losing and orphaned messages are
// dropped and reported as success.
func (c *Controller) HandleNegotiationMessage(ctx context.Context, p *core.NegotiationPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if c.Validate != nil {
		if err := c.Validate(p); err != nil {
			return err
		}
	}
	err := c.onRoom(ctx, p.RoomID, false, func() error {
		if !c.Registry.IsMember(p.RoomID, p.From) {
			return fmt.Errorf("%w: %s in %s", domain.ErrUnknownParticipant, p.From, p.RoomID)
		}
		out, err := c.Sessions.Handle(p)
		if err != nil {
			return err
		}
		c.dispatch(p.RoomID, out)
		return nil
	})
	if err == nil {
		return nil
	}
	if domain.IsDroppable(err) {
		ev := log.Warn()
		if errors.Is(err, domain.ErrStaleEpoch) {
			ev = log.Debug()
		}
		ev.Err(err).Str("module", "app.control").Str("room", string(p.RoomID)).Str("kind", string(p.Kind)).
			Str("from", string(p.From)).Str("to", string(p.To)).Uint64("epoch", p.Epoch).Msg("negotiation message dropped")
		return nil
	}
	return asMember(err, p.RoomID, p.From)
}

// HandleLinkHealth applies a transport health report from reporter about
// its link to peer. Escalation to failed is reported through peer_status.
func (c *Controller) HandleLinkHealth(ctx context.Context, room domain.RoomID, reporter, peer domain.ParticipantID, epoch uint64, status string) error {
	h, err := core.ParseLinkHealth(status)
	if err != nil {
		return err
	}
	err = c.onRoom(ctx, room, false, func() error {
		if !c.Registry.IsMember(room, reporter) {
			return fmt.Errorf("%w: %s in %s", domain.ErrUnknownParticipant, reporter, room)
		}
		out, err := c.Sessions.OnLinkHealth(room, reporter, peer, epoch, h)
		c.dispatch(room, out)
		return err
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrLinkFailed):
		log.Warn().Err(err).Str("module", "app.control").Str("room", string(room)).Str("participant", string(reporter)).
			Str("peer", string(peer)).Msg("peer link failed")
		return nil
	case domain.IsDroppable(err):
		log.Debug().Err(err).Str("module", "app.control").Str("room", string(room)).Str("participant", string(reporter)).
			Str("peer", string(peer)).Msg("link health dropped")
		return nil
	default:
		return asMember(err, room, reporter)
	}
}

// Sweep expires stalled negotiations in every active room.
func (c *Controller) Sweep(ctx context.Context) {
	for _, room := range c.Rooms.IDs() {
		err := c.onRoom(ctx, room, false, func() error {
			out, failed := c.Sessions.Sweep(room)
			c.dispatch(room, out)
			for _, key := range failed {
				log.Warn().Str("module", "app.control").Str("room", string(room)).Str("pair", key.String()).Msg("peer link failed after timeouts")
			}
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrUnknownRoom) && ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "app.control").Str("room", string(room)).Msg("sweep")
		}
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Controller) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	log.Info().Str("module", "app.control").Dur("interval", interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.control").Msg("sweeper stopped")
			return nil
		case <-t.C:
			c.Sweep(ctx)
		}
	}
}
