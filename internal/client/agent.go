package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/meshroom/internal/adapters/rtc"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrRoomClosed = errors.New("room closed by server")

// Signaler sends one message to the server.
type Signaler interface {
	Send(v any) error
}

// TransportFactory opens a media transport towards remote.
type TransportFactory func(remote domain.ParticipantID) (core.MediaTransport, error)

// PionTransports returns a factory of pion-backed transports.
func PionTransports(cfg webrtc.Configuration, local func() domain.ParticipantID) TransportFactory {
	return func(remote domain.ParticipantID) (core.MediaTransport, error) {
		return rtc.NewPeerLink(cfg, local(), remote)
	}
}

type peerLink struct {
	epoch     uint64
	transport core.MediaTransport
	health    core.LinkHealth
	// offered is set once this side sent its own offer at epoch.
	offered bool
}

// Agent follows server directives for one participant: it offers when it
// is asked to, answers offers and reports link health. Each epoch gets a
// fresh transport.
type Agent struct {
	Signal       Signaler
	NewTransport TransportFactory
	Room         domain.RoomID
	Username     string

	mu    sync.Mutex
	id    domain.ParticipantID
	peers map[domain.ParticipantID]*peerLink
	// OnStatus is called with every peer_status event.
	OnStatus func(core.PeerStatus)
}

func NewAgent(sig Signaler, newTransport TransportFactory, room domain.RoomID, username string) *Agent {
	return &Agent{
		Signal:       sig,
		NewTransport: newTransport,
		Room:         room,
		Username:     username,
		peers:        make(map[domain.ParticipantID]*peerLink),
	}
}

func (a *Agent) ID() domain.ParticipantID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// Join asks to join with id, or with a server-assigned id when id is empty.
func (a *Agent) Join(id domain.ParticipantID) error {
	return a.Signal.Send(core.JoinRequest{Type: core.TypeJoinRoom, RoomID: a.Room, Username: a.Username, ParticipantID: id})
}

func (a *Agent) Leave() error {
	a.closeAll()
	return a.Signal.Send(core.LeaveRequest{Type: core.TypeLeaveRoom, RoomID: a.Room, ParticipantID: a.ID()})
}

// SetCapability publishes a capability flag.
func (a *Agent) SetCapability(flag domain.Capability, value bool) error {
	return a.Signal.Send(core.CapabilityRequest{Type: core.TypeCapability, RoomID: a.Room, ParticipantID: a.ID(), Flag: string(flag), Value: value})
}

// Peers returns the remote ids with an open transport.
func (a *Agent) Peers() []domain.ParticipantID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(a.peers))
	for id := range a.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Epoch returns the epoch of the transport towards remote.
func (a *Agent) Epoch(remote domain.ParticipantID) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peers[remote]
	if !ok {
		return 0, false
	}
	return p.epoch, true
}

// Run handles messages until in is closed, ctx is done or the room closes.
func (a *Agent) Run(ctx context.Context, in <-chan []byte) error {
	defer a.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-in:
			if !ok {
				return nil
			}
			if err := a.Handle(data); err != nil {
				if errors.Is(err, ErrRoomClosed) {
					return err
				}
				log.Warn().Err(err).Str("module", "client.agent").Msg("handle message")
			}
		}
	}
}

// Handle applies one server message.
func (a *Agent) Handle(data []byte) error {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.Type {
	case core.TypeRoomJoined:
		var ev core.RoomJoinedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		return a.onJoined(ev)
	case core.TypeNegotiate:
		var ev core.NegotiateRequest
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		return a.offer(ev.Peer, ev.Epoch)
	case string(core.KindOffer), string(core.KindAnswer), string(core.KindICECandidate):
		var p core.NegotiationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return a.onPayload(&p)
	case core.TypeParticipantLeft:
		var ev core.MembershipEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		a.drop(ev.ParticipantID)
		return nil
	case core.TypePeerStatus:
		var ev core.PeerStatus
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		log.Info().Str("module", "client.agent").Str("peer", string(ev.Peer)).Str("status", string(ev.Status)).
			Uint64("epoch", ev.Epoch).Msg("peer status")
		if a.OnStatus != nil {
			a.OnStatus(ev)
		}
		return nil
	case core.TypeRoomClosed:
		a.closeAll()
		return ErrRoomClosed
	case core.TypeError:
		var ev core.ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		return fmt.Errorf("server error %s: %s", ev.Error, ev.Detail)
	default:
		log.Debug().Str("module", "client.agent").Str("type", env.Type).Msg("event")
		return nil
	}
}

func (a *Agent) onJoined(ev core.RoomJoinedEvent) error {
	a.mu.Lock()
	a.id = ev.ParticipantID
	a.mu.Unlock()
	log.Info().Str("module", "client.agent").Str("room", string(ev.RoomID)).Str("participant", string(ev.ParticipantID)).
		Int("connect_to", len(ev.ConnectTo)).Msg("joined")
	var errs []error
	for _, t := range ev.ConnectTo {
		if !t.Initiator {
			continue
		}
		if err := a.offer(t.ParticipantID, t.Epoch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// open replaces the transport towards remote with a fresh one for epoch.
func (a *Agent) open(remote domain.ParticipantID, epoch uint64) (core.MediaTransport, error) {
	t, err := a.NewTransport(remote)
	if err != nil {
		return nil, err
	}
	local := a.ID()
	t.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		body, err := rtc.EncodeCandidate(ci)
		if err != nil {
			return
		}
		_ = a.Signal.Send(core.NegotiationPayload{
			Kind: core.KindICECandidate, RoomID: a.Room, From: local, To: remote, Epoch: epoch, Body: body,
		})
	})
	t.OnHealthChange(func(h core.LinkHealth) {
		a.mu.Lock()
		if p, ok := a.peers[remote]; ok && p.epoch == epoch {
			p.health = h
		}
		a.mu.Unlock()
		_ = a.Signal.Send(core.LinkHealthRequest{
			Type: core.TypeLinkHealth, RoomID: a.Room, ParticipantID: local, Peer: remote, Epoch: epoch, Status: string(h),
		})
	})

	a.mu.Lock()
	old := a.peers[remote]
	a.peers[remote] = &peerLink{epoch: epoch, transport: t, health: core.HealthUnknown}
	a.mu.Unlock()
	if old != nil {
		old.transport.Close()
	}
	return t, nil
}

func (a *Agent) offer(remote domain.ParticipantID, epoch uint64) error {
	if cur, ok := a.Epoch(remote); ok && cur > epoch {
		return nil
	}
	t, err := a.open(remote, epoch)
	if err != nil {
		return err
	}
	desc, err := t.CreateOffer(epoch > 0)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", remote, err)
	}
	a.mu.Lock()
	if p, ok := a.peers[remote]; ok && p.transport == t {
		p.offered = true
	}
	a.mu.Unlock()
	body, err := rtc.EncodeDescription(desc)
	if err != nil {
		return err
	}
	log.Info().Str("module", "client.agent").Str("peer", string(remote)).Uint64("epoch", epoch).Msg("offer")
	return a.Signal.Send(core.NegotiationPayload{
		Kind: core.KindOffer, RoomID: a.Room, From: a.ID(), To: remote, Epoch: epoch, Body: body,
	})
}

func (a *Agent) onPayload(p *core.NegotiationPayload) error {
	a.mu.Lock()
	cur, ok := a.peers[p.From]
	a.mu.Unlock()

	switch p.Kind {
	case core.KindOffer:
		if ok && cur.epoch > p.Epoch {
			return nil
		}
		// Glare: the smaller id keeps its own offer.
		if ok && cur.epoch == p.Epoch && cur.offered && a.ID().Less(p.From) {
			log.Info().Str("module", "client.agent").Str("peer", string(p.From)).Uint64("epoch", p.Epoch).Msg("glare, offer ignored")
			return nil
		}
		desc, err := rtc.DecodeDescription(p.Body)
		if err != nil {
			return err
		}
		t, err := a.open(p.From, p.Epoch)
		if err != nil {
			return err
		}
		answer, err := t.ApplyRemoteDescription(desc)
		if err != nil {
			return fmt.Errorf("apply offer from %s: %w", p.From, err)
		}
		if answer == nil {
			return fmt.Errorf("no answer for offer from %s", p.From)
		}
		body, err := rtc.EncodeDescription(*answer)
		if err != nil {
			return err
		}
		log.Info().Str("module", "client.agent").Str("peer", string(p.From)).Uint64("epoch", p.Epoch).Msg("answer")
		return a.Signal.Send(core.NegotiationPayload{
			Kind: core.KindAnswer, RoomID: a.Room, From: a.ID(), To: p.From, Epoch: p.Epoch, Body: body,
		})
	case core.KindAnswer:
		if !ok || cur.epoch != p.Epoch {
			return nil
		}
		desc, err := rtc.DecodeDescription(p.Body)
		if err != nil {
			return err
		}
		_, err = cur.transport.ApplyRemoteDescription(desc)
		return err
	case core.KindICECandidate:
		if !ok || cur.epoch != p.Epoch {
			return nil
		}
		ci, err := rtc.DecodeCandidate(p.Body)
		if err != nil {
			return err
		}
		return cur.transport.AddICECandidate(ci)
	}
	return nil
}

func (a *Agent) drop(remote domain.ParticipantID) {
	a.mu.Lock()
	p, ok := a.peers[remote]
	delete(a.peers, remote)
	a.mu.Unlock()
	if ok {
		p.transport.Close()
	}
}

func (a *Agent) closeAll() {
	a.mu.Lock()
	peers := a.peers
	a.peers = make(map[domain.ParticipantID]*peerLink)
	a.mu.Unlock()
	for _, p := range peers {
		p.transport.Close()
	}
}
