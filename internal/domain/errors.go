package domain

import "errors"

// Membership errors are returned synchronously to the caller.
var (
	ErrDuplicateParticipant = errors.New("duplicate participant")
	ErrUnknownParticipant   = errors.New("unknown participant")
	ErrUnknownRoom          = errors.New("unknown room")
	ErrRoomClosed           = errors.New("room closed")
	ErrJoinRejected         = errors.New("join rejected")
)

// Negotiation errors never abort a room; they are dropped and logged.
var (
	ErrUnknownSession     = errors.New("unknown session")
	ErrStaleEpoch         = errors.New("stale epoch")
	ErrGlare              = errors.New("glare: offer lost tie-break")
	ErrUnexpectedMessage  = errors.New("unexpected negotiation message")
	ErrNegotiationTimeout = errors.New("negotiation timeout")
	ErrLinkFailed         = errors.New("link failed")
)

// Validation errors.
var (
	ErrDisplayNameEmpty     = errors.New("username empty")
	ErrDisplayNameTooLong   = errors.New("username too long")
	ErrParticipantIDTooLong = errors.New("participant id too long")
	ErrRoomIDEmpty          = errors.New("room id empty")
	ErrRoomIDTooLong        = errors.New("room id too long")
	ErrUnknownCapability    = errors.New("unknown capability")
	ErrInvalidPayload       = errors.New("invalid payload")
)

// IsDroppable reports whether err belongs to the negotiation layer and the
// triggering message should be dropped instead of surfaced to the user.
func IsDroppable(err error) bool {
	return errors.Is(err, ErrUnknownSession) ||
		errors.Is(err, ErrStaleEpoch) ||
		errors.Is(err, ErrGlare) ||
		errors.Is(err, ErrUnexpectedMessage)
}

// Code is the short machine-readable form sent to clients in error replies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateParticipant):
		return "duplicate_participant"
	case errors.Is(err, ErrUnknownParticipant):
		return "unknown_participant"
	case errors.Is(err, ErrUnknownRoom):
		return "unknown_room"
	case errors.Is(err, ErrRoomClosed):
		return "room_closed"
	case errors.Is(err, ErrJoinRejected):
		return "join_rejected"
	case errors.Is(err, ErrDisplayNameEmpty), errors.Is(err, ErrDisplayNameTooLong):
		return "invalid_name"
	case errors.Is(err, ErrRoomIDEmpty), errors.Is(err, ErrRoomIDTooLong), errors.Is(err, ErrParticipantIDTooLong):
		return "invalid_id"
	case errors.Is(err, ErrUnknownCapability):
		return "unknown_capability"
	case errors.Is(err, ErrInvalidPayload):
		return "bad_payload"
	default:
		return "internal"
	}
}
