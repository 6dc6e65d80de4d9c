package core

import (
	"github.com/pion/webrtc/v4"
)

// MediaTransport is the external real-time media stack seen from one
// participant for one remote peer. The orchestration layer never looks at
// media, it only exchanges descriptions and candidates and listens for
// link health.
type MediaTransport interface {
	// CreateOffer produces and applies a local offer. iceRestart asks the
	// stack for fresh ICE credentials.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	// ApplyRemoteDescription applies a remote offer or answer. For an offer
	// it returns the local answer, for an answer it returns nil.
	ApplyRemoteDescription(desc webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// AddICECandidate applies a remote candidate, buffering it until a
	// remote description is present.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnHealthChange sets a callback for link health transitions.
	OnHealthChange(func(LinkHealth))
	// Close should stop all underlying media resources.
	Close()
}
