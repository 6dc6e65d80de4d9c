package domain

import "time"

const MaxRoomIDLen = 64

type RoomID string

// Room is the lifecycle record of a room. Membership itself lives in the
// registry roster.
type Room struct {
	ID        RoomID    `json:"room_id"`
	CreatedAt time.Time `json:"created_at"`
	Closed    bool      `json:"closed"`
}

func ValidateRoomID(id RoomID) error {
	if id == "" {
		return ErrRoomIDEmpty
	}
	if len(id) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}
