package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/meshroom/internal/domain"
)

type PayloadKind string

const (
	KindOffer        PayloadKind = "offer"
	KindAnswer       PayloadKind = "answer"
	KindICECandidate PayloadKind = "ice_candidate"
)

func ParsePayloadKind(s string) (PayloadKind, error) {
	switch k := PayloadKind(s); k {
	case KindOffer, KindAnswer, KindICECandidate:
		return k, nil
	default:
		return "", fmt.Errorf("%w: kind %q", domain.ErrInvalidPayload, s)
	}
}

// NegotiationPayload is the opaque envelope relayed between two
// participants. Kind doubles as the wire message type.
type NegotiationPayload struct {
	Kind   PayloadKind          `json:"type"`
	RoomID domain.RoomID        `json:"room_id"`
	From   domain.ParticipantID `json:"from"`
	To     domain.ParticipantID `json:"to"`
	Epoch  uint64               `json:"epoch"`
	Body   json.RawMessage      `json:"body,omitempty"`
}

func (p NegotiationPayload) Validate() error {
	if _, err := ParsePayloadKind(string(p.Kind)); err != nil {
		return err
	}
	if p.RoomID == "" || p.From == "" || p.To == "" {
		return fmt.Errorf("%w: room_id, from and to are required", domain.ErrInvalidPayload)
	}
	if p.From == p.To {
		return fmt.Errorf("%w: from equals to", domain.ErrInvalidPayload)
	}
	return nil
}

type LinkHealth string

const (
	HealthUnknown   LinkHealth = "unknown"
	HealthConnected LinkHealth = "connected"
	HealthDegraded  LinkHealth = "degraded"
	HealthFailed    LinkHealth = "failed"
)

func ParseLinkHealth(s string) (LinkHealth, error) {
	switch h := LinkHealth(s); h {
	case HealthUnknown, HealthConnected, HealthDegraded, HealthFailed:
		return h, nil
	default:
		return "", fmt.Errorf("%w: link health %q", domain.ErrInvalidPayload, s)
	}
}
