package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParticipant(t *testing.T) {
	now := time.Unix(1700000000, 0)

	p, err := NewParticipant("alice", "Alice", now)
	require.NoError(t, err)
	assert.Equal(t, ParticipantID("alice"), p.ID)
	assert.Equal(t, now, p.JoinedAt)
	assert.Equal(t, DefaultCapabilities(), p.Capabilities)
	assert.True(t, p.Capabilities.VideoEnabled)
	assert.True(t, p.Capabilities.AudioEnabled)

	assigned, err := NewParticipant("", "Bob", now)
	require.NoError(t, err)
	assert.NotEmpty(t, assigned.ID)

	_, err = NewParticipant("x", "", now)
	assert.ErrorIs(t, err, ErrDisplayNameEmpty)

	_, err = NewParticipant("x", strings.Repeat("n", MaxDisplayNameLen+1), now)
	assert.ErrorIs(t, err, ErrDisplayNameTooLong)

	_, err = NewParticipant(ParticipantID(strings.Repeat("i", MaxParticipantIDLen+1)), "ok", now)
	assert.ErrorIs(t, err, ErrParticipantIDTooLong)
}

func TestParticipantIDLess(t *testing.T) {
	assert.True(t, ParticipantID("a").Less("b"))
	assert.False(t, ParticipantID("b").Less("a"))
	assert.False(t, ParticipantID("a").Less("a"))
}

func TestValidateRoomID(t *testing.T) {
	assert.NoError(t, ValidateRoomID("r1"))
	assert.ErrorIs(t, ValidateRoomID(""), ErrRoomIDEmpty)
	assert.ErrorIs(t, ValidateRoomID(RoomID(strings.Repeat("r", MaxRoomIDLen+1))), ErrRoomIDTooLong)
}

func TestCapabilitiesSet(t *testing.T) {
	c := DefaultCapabilities()

	changed, err := c.Set(CapabilityVideo, true)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = c.Set(CapabilityScreen, true)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, c.ScreenSharing)

	changed, err = c.Set(CapabilityRecording, true)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, c.Recording)

	before := c
	changed, err = c.Set(CapabilityDevice, true)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, before, c)

	_, err = c.Set("hologram", true)
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestCapabilityAltersMedia(t *testing.T) {
	for _, c := range []Capability{CapabilityScreen, CapabilityDevice} {
		assert.True(t, c.AltersMedia(), c)
	}
	for _, c := range []Capability{CapabilityVideo, CapabilityAudio, CapabilityRecording} {
		assert.False(t, c.AltersMedia(), c)
	}
}

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability("screen")
	require.NoError(t, err)
	assert.Equal(t, CapabilityScreen, c)

	_, err = ParseCapability("")
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestIsDroppable(t *testing.T) {
	for _, err := range []error{ErrUnknownSession, ErrStaleEpoch, ErrGlare, ErrUnexpectedMessage} {
		assert.True(t, IsDroppable(fmt.Errorf("wrapped: %w", err)), err)
	}
	for _, err := range []error{ErrDuplicateParticipant, ErrUnknownParticipant, ErrLinkFailed, errors.New("x")} {
		assert.False(t, IsDroppable(err), err)
	}
}

func TestCode(t *testing.T) {
	cases := map[error]string{
		ErrDuplicateParticipant: "duplicate_participant",
		ErrUnknownParticipant:   "unknown_participant",
		ErrUnknownRoom:          "unknown_room",
		ErrRoomClosed:           "room_closed",
		ErrJoinRejected:         "join_rejected",
		ErrDisplayNameTooLong:   "invalid_name",
		ErrRoomIDEmpty:          "invalid_id",
		ErrUnknownCapability:    "unknown_capability",
		ErrInvalidPayload:       "bad_payload",
		errors.New("boom"):      "internal",
	}
	for err, want := range cases {
		assert.Equal(t, want, Code(fmt.Errorf("ctx: %w", err)), err.Error())
	}
}
