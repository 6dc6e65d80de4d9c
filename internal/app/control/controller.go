// Package control is the entry point of room operations. Every operation
// runs on the loop of its room, so membership and session state of one
// room never change concurrently.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/app/session"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	maxChatLen = 4096
	// maxLoopAttempts bounds retries on loops stopped by a concurrent
	// eviction of the room.
	maxLoopAttempts = 8
)

type Controller struct {
	Registry *app.Registry
	Relay    *app.Relay
	Sessions *session.Orchestrator
	Rooms    *app.RoomManager
	Policy   app.Policy

	// ICEServers are handed to joiners in room_joined.
	ICEServers []string
	// Validate checks offer/answer/candidate bodies before they are relayed.
	Validate func(*core.NegotiationPayload) error
	Now      func() time.Time
}

func New(reg *app.Registry, relay *app.Relay, sessions *session.Orchestrator, rooms *app.RoomManager, policy app.Policy) *Controller {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &Controller{
		Registry: reg,
		Relay:    relay,
		Sessions: sessions,
		Rooms:    rooms,
		Policy:   policy,
		Now:      time.Now,
	}
}

// onRoom runs fn on the loop of room. With create unset a room without a
// loop yields domain.ErrUnknownRoom. A loop that stops under the call is
// retried on a fresh loop.
func (c *Controller) onRoom(ctx context.Context, room domain.RoomID, create bool, fn func() error) error {
	for attempt := 0; attempt < maxLoopAttempts; attempt++ {
		var loop *core.Loop
		if create {
			loop = c.Rooms.GetOrCreate(room)
		} else {
			l, ok := c.Rooms.Get(room)
			if !ok {
				return fmt.Errorf("%w: %s", domain.ErrUnknownRoom, room)
			}
			loop = l
		}
		var err error
		doErr := loop.Do(ctx, func() { err = fn() })
		if errors.Is(doErr, core.ErrLoopStopped) {
			log.Debug().Str("module", "app.control").Str("room", string(room)).Int("attempt", attempt).Msg("room loop stopped, retry")
			continue
		}
		if doErr != nil {
			return doErr
		}
		return err
	}
	return fmt.Errorf("%w: %s", domain.ErrRoomClosed, room)
}

// asMember maps a missing room to the membership error of its caller.
func asMember(err error, room domain.RoomID, pid domain.ParticipantID) error {
	if errors.Is(err, domain.ErrUnknownRoom) {
		return fmt.Errorf("%w: %s in %s", domain.ErrUnknownParticipant, pid, room)
	}
	return err
}

// dispatch delivers orchestrator output. A false SendTo means the target
// already left.
func (c *Controller) dispatch(room domain.RoomID, out []session.Outbound) {
	for _, o := range out {
		if !c.Relay.SendTo(room, o.To, o.Message()) {
			log.Debug().Str("module", "app.control").Str("room", string(room)).Str("to", string(o.To)).Msg("outbound dropped")
		}
	}
}

func (c *Controller) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// stopIfEmpty releases the loop and bindings of a room the registry
// evicted. Runs on the room loop.
func (c *Controller) stopIfEmpty(room domain.RoomID) {
	if c.Registry.Exists(room) {
		return
	}
	c.Sessions.TeardownRoom(room)
	c.Relay.UnbindRoom(room)
	c.Rooms.Stop(room)
}
