package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

// ValidatePayload checks that the body of p is a well-formed session
// description of the matching type, or an ICE candidate.
func ValidatePayload(p *core.NegotiationPayload) error {
	switch p.Kind {
	case core.KindOffer, core.KindAnswer:
		desc, err := DecodeDescription(p.Body)
		if err != nil {
			return err
		}
		want := webrtc.SDPTypeOffer
		if p.Kind == core.KindAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if desc.Type != want {
			return fmt.Errorf("%w: %s carries %s description", domain.ErrInvalidPayload, p.Kind, desc.Type)
		}
		if _, err := desc.Unmarshal(); err != nil {
			return fmt.Errorf("%w: sdp: %v", domain.ErrInvalidPayload, err)
		}
		return nil
	case core.KindICECandidate:
		_, err := DecodeCandidate(p.Body)
		return err
	default:
		return fmt.Errorf("%w: kind %q", domain.ErrInvalidPayload, p.Kind)
	}
}

func EncodeDescription(desc webrtc.SessionDescription) (json.RawMessage, error) {
	return json.Marshal(desc)
}

func DecodeDescription(body json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if len(body) == 0 {
		return desc, fmt.Errorf("%w: empty description", domain.ErrInvalidPayload)
	}
	if err := json.Unmarshal(body, &desc); err != nil {
		return desc, fmt.Errorf("%w: description: %v", domain.ErrInvalidPayload, err)
	}
	return desc, nil
}

func EncodeCandidate(ci webrtc.ICECandidateInit) (json.RawMessage, error) {
	return json.Marshal(ci)
}

func DecodeCandidate(body json.RawMessage) (webrtc.ICECandidateInit, error) {
	var ci webrtc.ICECandidateInit
	if len(body) == 0 {
		return ci, fmt.Errorf("%w: empty candidate", domain.ErrInvalidPayload)
	}
	if err := json.Unmarshal(body, &ci); err != nil {
		return ci, fmt.Errorf("%w: candidate: %v", domain.ErrInvalidPayload, err)
	}
	return ci, nil
}
