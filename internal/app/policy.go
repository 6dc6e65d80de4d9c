package app

import (
	"fmt"

	"github.com/dkeye/meshroom/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	Disconnect
)

func (a BackpressureAction) String() string {
	switch a {
	case DropMessage:
		return "drop"
	case Disconnect:
		return "disconnect"
	default:
		return "none"
	}
}

// Policy is the pluggable admission and slow-client check.
type Policy interface {
	AllowJoin(room domain.RoomID, members int, username string) error
	OnBackPressure(room domain.RoomID, pid domain.ParticipantID) BackpressureAction
}

// SimplePolicy caps room size (0 means unlimited) and either drops
// messages for slow clients or disconnects them.
type SimplePolicy struct {
	MaxParticipants int
	DisconnectSlow  bool
}

func (p SimplePolicy) AllowJoin(room domain.RoomID, members int, _ string) error {
	if p.MaxParticipants > 0 && members >= p.MaxParticipants {
		return fmt.Errorf("%w: room %s is full (%d)", domain.ErrJoinRejected, room, p.MaxParticipants)
	}
	return nil
}

func (p SimplePolicy) OnBackPressure(domain.RoomID, domain.ParticipantID) BackpressureAction {
	if p.DisconnectSlow {
		return Disconnect
	}
	return DropMessage
}
