// Package session drives per-pair negotiation between room members.
// The server does not produce SDP. It is authoritative for the epoch,
// the designated offerer and the phase of both endpoints, and decides
// which client messages are relayed.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

// Phase is the negotiation state of one endpoint of a pair.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOfferSent
	PhaseAnswerReceived
	PhaseEstablished
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOfferSent:
		return "offer_sent"
	case PhaseAnswerReceived:
		return "answer_received"
	case PhaseEstablished:
		return "established"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Reasons carried by negotiate directives.
const (
	ReasonInitial = "initial"
	ReasonRestart = "restart"
	ReasonTimeout = "timeout"
)

// PairKey identifies the unordered pair.
type PairKey struct {
	Low, High domain.ParticipantID
}

func NewPairKey(a, b domain.ParticipantID) PairKey {
	if b.Less(a) {
		a, b = b, a
	}
	return PairKey{Low: a, High: b}
}

func (k PairKey) String() string { return string(k.Low) + "|" + string(k.High) }

// Outbound is one message the caller must deliver to To. Exactly one of
// the pointer fields is set.
type Outbound struct {
	To        domain.ParticipantID
	Payload   *core.NegotiationPayload
	Negotiate *core.NegotiateRequest
	Status    *core.PeerStatus
}

// Message returns the value to encode on the wire.
func (o Outbound) Message() any {
	switch {
	case o.Payload != nil:
		return o.Payload
	case o.Negotiate != nil:
		return o.Negotiate
	default:
		return o.Status
	}
}

const (
	initiatorSide = 0
	responderSide = 1
)

// PeerSession is the negotiation record of one pair. Index 0 of the
// per-side arrays is the initiator.
type PeerSession struct {
	mu sync.Mutex

	room    domain.RoomID
	ids     [2]domain.ParticipantID
	offerer domain.ParticipantID
	epoch   uint64
	phases  [2]Phase

	// pending holds candidates for a side that has no remote description
	// yet; log holds every candidate of the current epoch.
	pending [2][]*core.NegotiationPayload
	log     []*core.NegotiationPayload

	health     core.LinkHealth
	failures   int
	restarting bool
	closed     bool

	lastActivity time.Time
	phaseSince   time.Time
}

func newPeerSession(room domain.RoomID, key PairKey, now time.Time) *PeerSession {
	return &PeerSession{
		room:         room,
		ids:          [2]domain.ParticipantID{key.Low, key.High},
		offerer:      key.Low,
		health:       core.HealthUnknown,
		lastActivity: now,
		phaseSince:   now,
	}
}

func (s *PeerSession) Initiator() domain.ParticipantID { return s.ids[initiatorSide] }
func (s *PeerSession) Responder() domain.ParticipantID { return s.ids[responderSide] }

func (s *PeerSession) side(pid domain.ParticipantID) (int, bool) {
	switch pid {
	case s.ids[initiatorSide]:
		return initiatorSide, true
	case s.ids[responderSide]:
		return responderSide, true
	}
	return 0, false
}

func (s *PeerSession) failed() bool { return s.phases[initiatorSide] == PhaseFailed }

func (s *PeerSession) established() bool {
	return s.phases[initiatorSide] == PhaseEstablished && s.phases[responderSide] == PhaseEstablished
}

// hasRemote reports whether side has applied a remote description in
// the current epoch.
func (s *PeerSession) hasRemote(side int) bool {
	ph := s.phases[side]
	return ph == PhaseAnswerReceived || ph == PhaseEstablished
}

func (s *PeerSession) setPhases(offerer domain.ParticipantID, now time.Time) {
	s.offerer = offerer
	off, _ := s.side(offerer)
	s.phases[off] = PhaseOfferSent
	s.phases[1-off] = PhaseIdle
	s.phaseSince = now
}

func (s *PeerSession) clearCandidates() {
	s.pending = [2][]*core.NegotiationPayload{}
	s.log = nil
}

func (s *PeerSession) directive(to domain.ParticipantID, reason string) Outbound {
	ts, _ := s.side(to)
	return Outbound{To: to, Negotiate: &core.NegotiateRequest{
		Type:   core.TypeNegotiate,
		RoomID: s.room,
		To:     to,
		Peer:   s.ids[1-ts],
		Epoch:  s.epoch,
		Reason: reason,
	}}
}

func (s *PeerSession) status(v core.PeerStatusValue) []Outbound {
	out := make([]Outbound, 0, 2)
	for i, id := range s.ids {
		out = append(out, Outbound{To: id, Status: &core.PeerStatus{
			Type:   core.TypePeerStatus,
			RoomID: s.room,
			To:     id,
			Peer:   s.ids[1-i],
			Epoch:  s.epoch,
			Status: v,
		}})
	}
	return out
}

func (s *PeerSession) forward(p *core.NegotiationPayload) Outbound {
	return Outbound{To: p.To, Payload: p}
}

func (s *PeerSession) flush(side int) []Outbound {
	out := make([]Outbound, 0, len(s.pending[side]))
	for _, c := range s.pending[side] {
		out = append(out, s.forward(c))
	}
	s.pending[side] = nil
	return out
}

// start puts the pair into its first negotiation. The initiator is asked
// to offer only when local is the initiator; otherwise both sides wait.
func (s *PeerSession) start(local domain.ParticipantID, now time.Time) []Outbound {
	out := s.status(core.StatusConnecting)
	if local != s.Initiator() {
		return out
	}
	s.setPhases(s.Initiator(), now)
	return append(out, s.directive(s.Initiator(), ReasonInitial))
}

func (s *PeerSession) onOffer(p *core.NegotiationPayload, now time.Time) ([]Outbound, error) {
	if p.Epoch < s.epoch {
		return nil, fmt.Errorf("%w: offer epoch %d < %d", domain.ErrStaleEpoch, p.Epoch, s.epoch)
	}
	toSide, _ := s.side(p.To)

	if p.Epoch > s.epoch {
		if s.failed() {
			s.failures = 0
			s.health = core.HealthUnknown
		}
		s.epoch = p.Epoch
		s.clearCandidates()
		s.offerer = p.From
		s.phases = [2]Phase{PhaseIdle, PhaseIdle}
	} else {
		if s.failed() {
			return nil, fmt.Errorf("%w: offer at epoch %d of failed link", domain.ErrUnexpectedMessage, p.Epoch)
		}
		if p.From != s.offerer {
			if !s.initiatorTakesOver(p.From) {
				return nil, fmt.Errorf("%w: %s is not the offerer at epoch %d", domain.ErrGlare, p.From, p.Epoch)
			}
			// The responder's unanswered offer is discarded.
			s.clearCandidates()
			s.offerer = p.From
		} else if s.hasRemote(toSide) {
			return nil, fmt.Errorf("%w: duplicate offer at epoch %d", domain.ErrUnexpectedMessage, p.Epoch)
		}
	}

	fromSide := 1 - toSide
	s.phases[fromSide] = PhaseOfferSent
	s.phases[toSide] = PhaseAnswerReceived
	s.phaseSince = now
	s.lastActivity = now

	out := []Outbound{s.forward(p)}
	return append(out, s.flush(toSide)...), nil
}

// initiatorTakesOver reports whether an offer from from at the current
// epoch wins glare against a relayed, unanswered responder offer.
func (s *PeerSession) initiatorTakesOver(from domain.ParticipantID) bool {
	return from == s.Initiator() && s.offerer == s.Responder() &&
		s.phases[responderSide] == PhaseOfferSent && s.phases[initiatorSide] == PhaseAnswerReceived
}

func (s *PeerSession) onAnswer(p *core.NegotiationPayload, now time.Time) ([]Outbound, error) {
	if p.Epoch != s.epoch {
		return nil, fmt.Errorf("%w: answer epoch %d, session at %d", domain.ErrStaleEpoch, p.Epoch, s.epoch)
	}
	toSide, _ := s.side(p.To)
	fromSide := 1 - toSide
	if p.To != s.offerer || s.phases[toSide] != PhaseOfferSent || s.phases[fromSide] != PhaseAnswerReceived {
		return nil, fmt.Errorf("%w: answer from %s in phase %s", domain.ErrUnexpectedMessage, p.From, s.phases[toSide])
	}

	s.phases = [2]Phase{PhaseEstablished, PhaseEstablished}
	s.phaseSince = now
	s.lastActivity = now
	s.restarting = false

	out := []Outbound{s.forward(p)}
	return append(out, s.flush(toSide)...), nil
}

func (s *PeerSession) onICECandidate(p *core.NegotiationPayload, now time.Time) ([]Outbound, error) {
	if p.Epoch < s.epoch {
		return nil, fmt.Errorf("%w: candidate epoch %d < %d", domain.ErrStaleEpoch, p.Epoch, s.epoch)
	}
	if p.Epoch > s.epoch {
		return nil, fmt.Errorf("%w: candidate for future epoch %d", domain.ErrUnexpectedMessage, p.Epoch)
	}
	toSide, _ := s.side(p.To)
	s.log = append(s.log, p)
	s.lastActivity = now
	if !s.hasRemote(toSide) {
		s.pending[toSide] = append(s.pending[toSide], p)
		return nil, nil
	}
	return []Outbound{s.forward(p)}, nil
}

// onLinkHealth applies a health report. It returns ErrLinkFailed when the
// report escalates the pair to its terminal state.
func (s *PeerSession) onLinkHealth(epoch uint64, h core.LinkHealth, maxFailures int, now time.Time) ([]Outbound, error) {
	if epoch < s.epoch {
		return nil, fmt.Errorf("%w: health epoch %d < %d", domain.ErrStaleEpoch, epoch, s.epoch)
	}
	s.lastActivity = now
	switch h {
	case core.HealthConnected:
		prev := s.health
		s.health = h
		s.failures = 0
		s.restarting = false
		if prev == core.HealthConnected {
			return nil, nil
		}
		return s.status(core.StatusConnected), nil
	case core.HealthFailed:
		if s.failed() || s.restarting {
			return nil, nil
		}
		s.health = h
		return s.fail(maxFailures, ReasonRestart, now)
	default:
		s.health = h
		return nil, nil
	}
}

// fail counts one failure and either restarts the pair or escalates it.
func (s *PeerSession) fail(maxFailures int, reason string, now time.Time) ([]Outbound, error) {
	s.failures++
	if s.failures >= maxFailures {
		s.phases = [2]Phase{PhaseFailed, PhaseFailed}
		s.health = core.HealthFailed
		s.restarting = false
		s.clearCandidates()
		s.phaseSince = now
		return s.status(core.StatusFailed), fmt.Errorf("%w: %d consecutive failures", domain.ErrLinkFailed, s.failures)
	}
	return s.restart(reason, now), nil
}

func (s *PeerSession) restart(reason string, now time.Time) []Outbound {
	s.epoch++
	s.clearCandidates()
	s.setPhases(s.Initiator(), now)
	s.restarting = true
	s.health = core.HealthUnknown
	out := s.status(core.StatusReconnecting)
	return append(out, s.directive(s.Initiator(), reason))
}

// renegotiate starts a new epoch with owner as the only offerer. A failed
// link is revived.
func (s *PeerSession) renegotiate(owner domain.ParticipantID, reason string, now time.Time) []Outbound {
	s.epoch++
	s.clearCandidates()
	if s.failed() {
		s.failures = 0
		s.health = core.HealthUnknown
	}
	s.setPhases(owner, now)
	return []Outbound{s.directive(owner, reason)}
}

// expired reports whether an unfinished negotiation outlived timeout.
func (s *PeerSession) expired(now time.Time, timeout time.Duration) bool {
	if s.closed || s.failed() || s.established() {
		return false
	}
	return now.Sub(s.phaseSince) >= timeout
}

// Snapshot is a read-only copy of a PeerSession.
type Snapshot struct {
	Room           domain.RoomID        `json:"room_id"`
	Initiator      domain.ParticipantID `json:"initiator"`
	Responder      domain.ParticipantID `json:"responder"`
	Offerer        domain.ParticipantID `json:"offerer"`
	Epoch          uint64               `json:"epoch"`
	InitiatorPhase Phase                `json:"initiator_phase"`
	ResponderPhase Phase                `json:"responder_phase"`
	Health         core.LinkHealth      `json:"health"`
	Failures       int                  `json:"failures"`
	Restarting     bool                 `json:"restarting"`
	Closed         bool                 `json:"closed"`
	Candidates     int                  `json:"candidates"`
	Pending        int                  `json:"pending"`
	LastActivity   time.Time            `json:"last_activity"`
}

// Phase returns the phase of pid's endpoint.
func (s Snapshot) Phase(pid domain.ParticipantID) Phase {
	if pid == s.Initiator {
		return s.InitiatorPhase
	}
	return s.ResponderPhase
}

func (s Snapshot) Failed() bool { return s.InitiatorPhase == PhaseFailed }

func (s *PeerSession) snapshot() Snapshot {
	return Snapshot{
		Room:           s.room,
		Initiator:      s.Initiator(),
		Responder:      s.Responder(),
		Offerer:        s.offerer,
		Epoch:          s.epoch,
		InitiatorPhase: s.phases[initiatorSide],
		ResponderPhase: s.phases[responderSide],
		Health:         s.health,
		Failures:       s.failures,
		Restarting:     s.restarting,
		Closed:         s.closed,
		Candidates:     len(s.log),
		Pending:        len(s.pending[initiatorSide]) + len(s.pending[responderSide]),
		LastActivity:   s.lastActivity,
	}
}
