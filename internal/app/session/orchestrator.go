package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxFailures = 3
)

// Config bounds negotiation retries.
type Config struct {
	// Timeout bounds an unfinished negotiation before it counts as a failure.
	Timeout     time.Duration
	MaxFailures int
}

// Orchestrator owns the session table. Table changes take the table
// lock; transitions take the lock of the one session they touch.
type Orchestrator struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	sessions map[domain.RoomID]map[PairKey]*PeerSession
}

// NewOrchestrator returns an empty table. Zero fields of cfg take the
// package defaults.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &Orchestrator{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[domain.RoomID]map[PairKey]*PeerSession),
	}
}

// SetClock replaces the time source. Used by tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Create opens the session between local and remote. When the pair already
// exists its snapshot is returned with no outbound messages.
func (o *Orchestrator) Create(room domain.RoomID, local, remote domain.ParticipantID) (Snapshot, []Outbound, error) {
	if local == remote {
		return Snapshot{}, nil, fmt.Errorf("%w: session with self", domain.ErrInvalidPayload)
	}
	key := NewPairKey(local, remote)

	o.mu.Lock()
	pairs, ok := o.sessions[room]
	if !ok {
		pairs = make(map[PairKey]*PeerSession)
		o.sessions[room] = pairs
	}
	if s, ok := pairs[key]; ok {
		o.mu.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.snapshot(), nil, nil
	}
	s := newPeerSession(room, key, o.now())
	s.mu.Lock()
	pairs[key] = s
	o.mu.Unlock()
	defer s.mu.Unlock()

	out := s.start(local, o.now())
	log.Info().Str("module", "app.session").Str("room", string(room)).Str("initiator", string(s.Initiator())).
		Str("responder", string(s.Responder())).Str("phase", s.phases[initiatorSide].String()).Msg("session created")
	return s.snapshot(), out, nil
}

// Handle applies a relayed negotiation payload and returns what must be
// forwarded. Errors satisfying domain.IsDroppable mean the payload is dropped.
func (o *Orchestrator) Handle(p *core.NegotiationPayload) ([]Outbound, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s, err := o.lookup(p.RoomID, p.From, p.To)
	if err != nil {
		return nil, err
	}
	return o.apply(s, p)
}

// apply runs p against s. A session torn down after lookup is unknown.
func (o *Orchestrator) apply(s *PeerSession, p *core.NegotiationPayload) ([]Outbound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSession, NewPairKey(p.From, p.To))
	}

	now := o.now()
	var (
		out []Outbound
		err error
	)
	switch p.Kind {
	case core.KindOffer:
		out, err = s.onOffer(p, now)
	case core.KindAnswer:
		out, err = s.onAnswer(p, now)
	case core.KindICECandidate:
		out, err = s.onICECandidate(p, now)
	}
	log.Debug().Err(err).Str("module", "app.session").Str("room", string(p.RoomID)).Str("kind", string(p.Kind)).
		Str("from", string(p.From)).Str("to", string(p.To)).Uint64("epoch", p.Epoch).Uint64("session_epoch", s.epoch).
		Msg("negotiation message")
	return out, err
}

// OnLinkHealth applies a health report from reporter about its link to peer.
// domain.ErrLinkFailed is returned when the pair escalates to failed.
func (o *Orchestrator) OnLinkHealth(room domain.RoomID, reporter, peer domain.ParticipantID, epoch uint64, h core.LinkHealth) ([]Outbound, error) {
	s, err := o.lookup(room, reporter, peer)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSession, NewPairKey(reporter, peer))
	}
	before := s.epoch
	out, err := s.onLinkHealth(epoch, h, o.cfg.MaxFailures, o.now())
	if err == nil && s.epoch != before {
		log.Info().Str("module", "app.session").Str("room", string(room)).Str("pair", NewPairKey(reporter, peer).String()).
			Uint64("epoch", s.epoch).Int("failures", s.failures).Msg("link restart")
	}
	if errors.Is(err, domain.ErrLinkFailed) {
		log.Warn().Err(err).Str("module", "app.session").Str("room", string(room)).
			Str("pair", NewPairKey(reporter, peer).String()).Msg("link escalated to failed")
	}
	return out, err
}

// Renegotiate bumps the epoch of every session of owner and asks owner to
// offer.
func (o *Orchestrator) Renegotiate(room domain.RoomID, owner domain.ParticipantID, reason string) []Outbound {
	var out []Outbound
	for _, s := range o.sessionsOf(room, owner) {
		s.mu.Lock()
		if !s.closed {
			out = append(out, s.renegotiate(owner, reason, o.now())...)
			log.Info().Str("module", "app.session").Str("room", string(room)).Str("owner", string(owner)).
				Str("reason", reason).Uint64("epoch", s.epoch).Msg("renegotiate")
		}
		s.mu.Unlock()
	}
	return out
}

// Sweep expires unfinished negotiations of room. Each expiry counts as a
// failure. The pairs that escalated to failed are returned.
func (o *Orchestrator) Sweep(room domain.RoomID) ([]Outbound, []PairKey) {
	now := o.now()
	var (
		out    []Outbound
		failed []PairKey
	)
	for _, s := range o.sessionsOf(room, "") {
		s.mu.Lock()
		if s.expired(now, o.cfg.Timeout) {
			key := NewPairKey(s.Initiator(), s.Responder())
			msgs, err := s.fail(o.cfg.MaxFailures, ReasonTimeout, now)
			out = append(out, msgs...)
			log.Warn().Err(domain.ErrNegotiationTimeout).Str("module", "app.session").Str("room", string(room)).
				Str("pair", key.String()).Int("failures", s.failures).Uint64("epoch", s.epoch).Msg("negotiation expired")
			if err != nil {
				failed = append(failed, key)
			}
		}
		s.mu.Unlock()
	}
	return out, failed
}

// Teardown removes the session of a pair. Later messages for it are
// reported as domain.ErrUnknownSession.
func (o *Orchestrator) Teardown(room domain.RoomID, a, b domain.ParticipantID) bool {
	key := NewPairKey(a, b)
	o.mu.Lock()
	s, ok := o.sessions[room][key]
	if ok {
		delete(o.sessions[room], key)
		if len(o.sessions[room]) == 0 {
			delete(o.sessions, room)
		}
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	o.close(s)
	return true
}

// TeardownParticipant removes every session involving pid.
func (o *Orchestrator) TeardownParticipant(room domain.RoomID, pid domain.ParticipantID) int {
	o.mu.Lock()
	var removed []*PeerSession
	for key, s := range o.sessions[room] {
		if key.Low == pid || key.High == pid {
			removed = append(removed, s)
			delete(o.sessions[room], key)
		}
	}
	if len(o.sessions[room]) == 0 {
		delete(o.sessions, room)
	}
	o.mu.Unlock()
	for _, s := range removed {
		o.close(s)
	}
	return len(removed)
}

// TeardownRoom removes every session of room.
func (o *Orchestrator) TeardownRoom(room domain.RoomID) int {
	o.mu.Lock()
	pairs := o.sessions[room]
	delete(o.sessions, room)
	o.mu.Unlock()
	for _, s := range pairs {
		o.close(s)
	}
	return len(pairs)
}

func (o *Orchestrator) close(s *PeerSession) {
	s.mu.Lock()
	s.closed = true
	s.clearCandidates()
	s.mu.Unlock()
	log.Info().Str("module", "app.session").Str("room", string(s.room)).Str("initiator", string(s.Initiator())).
		Str("responder", string(s.Responder())).Msg("session torn down")
}

// Get returns the snapshot of the pair a, b.
func (o *Orchestrator) Get(room domain.RoomID, a, b domain.ParticipantID) (Snapshot, bool) {
	s, err := o.lookup(room, a, b)
	if err != nil {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// Sessions returns snapshots of room ordered by pair.
func (o *Orchestrator) Sessions(room domain.RoomID) []Snapshot {
	list := o.sessionsOf(room, "")
	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		out = append(out, s.snapshot())
		s.mu.Unlock()
	}
	return out
}

// Count returns the number of sessions in room.
func (o *Orchestrator) Count(room domain.RoomID) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions[room])
}

func (o *Orchestrator) lookup(room domain.RoomID, a, b domain.ParticipantID) (*PeerSession, error) {
	o.mu.RLock()
	s, ok := o.sessions[room][NewPairKey(a, b)]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", domain.ErrUnknownSession, NewPairKey(a, b), room)
	}
	return s, nil
}

// sessionsOf returns the sessions of room involving pid, or all of them
// when pid is empty, ordered by pair.
func (o *Orchestrator) sessionsOf(room domain.RoomID, pid domain.ParticipantID) []*PeerSession {
	o.mu.RLock()
	keys := make([]PairKey, 0, len(o.sessions[room]))
	for key := range o.sessions[room] {
		if pid == "" || key.Low == pid || key.High == pid {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Low != keys[j].Low {
			return keys[i].Low < keys[j].Low
		}
		return keys[i].High < keys[j].High
	})
	out := make([]*PeerSession, 0, len(keys))
	for _, k := range keys {
		out = append(out, o.sessions[room][k])
	}
	o.mu.RUnlock()
	return out
}
