// Package domain contains entities without transport logic, just meta-data
package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

type ParticipantID string

// Participant is one endpoint's membership record inside a room.
type Participant struct {
	ID           ParticipantID `json:"participant_id"`
	Username     string        `json:"username"`
	Capabilities Capabilities  `json:"capabilities"`
	JoinedAt     time.Time     `json:"joined_at"`
}

// NewParticipantID returns a server-assigned id for clients that did not bring one.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// NewParticipant validates the display name and id, assigning an id when id is empty.
// Capabilities start enabled for audio and video.
func NewParticipant(id ParticipantID, username string, joinedAt time.Time) (*Participant, error) {
	if err := ValidateDisplayName(username); err != nil {
		return nil, err
	}
	if id == "" {
		id = NewParticipantID()
	}
	if len(id) > MaxParticipantIDLen {
		return nil, ErrParticipantIDTooLong
	}
	return &Participant{
		ID:           id,
		Username:     username,
		Capabilities: DefaultCapabilities(),
		JoinedAt:     joinedAt,
	}, nil
}

func ValidateDisplayName(username string) error {
	if len(username) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(username) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}

// Less is the deterministic initiator tie-break: the lexicographically
// smaller id always initiates.
func (id ParticipantID) Less(other ParticipantID) bool {
	return id < other
}
