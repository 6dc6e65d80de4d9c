package domain

import "fmt"

type Capability string

const (
	CapabilityVideo     Capability = "video"
	CapabilityAudio     Capability = "audio"
	CapabilityScreen    Capability = "screen"
	CapabilityRecording Capability = "recording"
	// CapabilityDevice reports a capture device switch. It carries no
	// stored state, every report counts as a change.
	CapabilityDevice Capability = "device"
)

// Capabilities are the published flags of a participant.
type Capabilities struct {
	VideoEnabled  bool `json:"video_enabled"`
	AudioEnabled  bool `json:"audio_enabled"`
	ScreenSharing bool `json:"screen_sharing"`
	Recording     bool `json:"recording"`
}

func DefaultCapabilities() Capabilities {
	return Capabilities{VideoEnabled: true, AudioEnabled: true}
}

func ParseCapability(s string) (Capability, error) {
	switch c := Capability(s); c {
	case CapabilityVideo, CapabilityAudio, CapabilityScreen, CapabilityRecording, CapabilityDevice:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCapability, s)
	}
}

// AltersMedia reports whether toggling the flag changes the media
// description and therefore needs renegotiation. Audio/video enabled and
// recording are display metadata only.
func (c Capability) AltersMedia() bool {
	return c == CapabilityScreen || c == CapabilityDevice
}

// Set applies flag=value and reports whether anything changed.
func (c *Capabilities) Set(flag Capability, value bool) (bool, error) {
	var field *bool
	switch flag {
	case CapabilityVideo:
		field = &c.VideoEnabled
	case CapabilityAudio:
		field = &c.AudioEnabled
	case CapabilityScreen:
		field = &c.ScreenSharing
	case CapabilityRecording:
		field = &c.Recording
	case CapabilityDevice:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownCapability, flag)
	}
	if *field == value {
		return false, nil
	}
	*field = value
	return true, nil
}
