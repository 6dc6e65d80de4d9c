package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentLog struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (s *sentLog) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, b)
	return nil
}

// payloads returns the sent negotiation payloads of kind.
func (s *sentLog) payloads(t *testing.T, kind core.PayloadKind) []core.NegotiationPayload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.NegotiationPayload
	for _, m := range s.msgs {
		var p core.NegotiationPayload
		require.NoError(t, json.Unmarshal(m, &p))
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

func (s *sentLog) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		var env core.Envelope
		_ = json.Unmarshal(m, &env)
		out = append(out, env.Type)
	}
	return out
}

type fakeTransport struct {
	remote domain.ParticipantID

	mu         sync.Mutex
	iceRestart []bool
	applied    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	onICE      func(webrtc.ICECandidateInit)
	onHealth   func(core.LinkHealth)
	closed     bool
}

func (f *fakeTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iceRestart = append(f.iceRestart, iceRestart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + string(f.remote)}, nil
}

func (f *fakeTransport) ApplyRemoteDescription(desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, desc)
	if desc.Type != webrtc.SDPTypeOffer {
		return nil, nil
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + string(f.remote)}, nil
}

func (f *fakeTransport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, ci)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = fn
}

func (f *fakeTransport) OnHealthChange(fn func(core.LinkHealth)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onHealth = fn
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type harness struct {
	agent *Agent
	sent  *sentLog

	mu         sync.Mutex
	transports []*fakeTransport
}

func newHarness() *harness {
	h := &harness{sent: &sentLog{}}
	h.agent = NewAgent(h.sent, func(remote domain.ParticipantID) (core.MediaTransport, error) {
		t := &fakeTransport{remote: remote}
		h.mu.Lock()
		h.transports = append(h.transports, t)
		h.mu.Unlock()
		return t, nil
	}, "r1", "Alice")
	return h
}

func (h *harness) handle(t *testing.T, v any) error {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return h.agent.Handle(b)
}

func (h *harness) latest(remote domain.ParticipantID) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.transports) - 1; i >= 0; i-- {
		if h.transports[i].remote == remote {
			return h.transports[i]
		}
	}
	return nil
}

func joinedEvent(targets ...core.PeerTarget) core.RoomJoinedEvent {
	return core.RoomJoinedEvent{Type: core.TypeRoomJoined, RoomID: "r1", ParticipantID: "a", ConnectTo: targets}
}

func body(t *testing.T, desc webrtc.SessionDescription) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(desc)
	require.NoError(t, err)
	return b
}

func TestAgentJoinSendsTypedRequest(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.agent.Join(""))
	assert.Equal(t, []string{core.TypeJoinRoom}, h.sent.types())
}

func TestAgentOffersAsInitiator(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.handle(t, joinedEvent(
		core.PeerTarget{ParticipantID: "b", Initiator: true},
		core.PeerTarget{ParticipantID: "c", Initiator: false},
	)))
	assert.Equal(t, domain.ParticipantID("a"), h.agent.ID())

	offers := h.sent.payloads(t, core.KindOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.ParticipantID("b"), offers[0].To)
	assert.Equal(t, domain.ParticipantID("a"), offers[0].From)
	assert.Equal(t, []domain.ParticipantID{"b"}, h.agent.Peers())
}

func TestAgentFollowsNegotiateDirective(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.handle(t, joinedEvent()))

	require.NoError(t, h.handle(t, core.NegotiateRequest{Type: core.TypeNegotiate, RoomID: "r1", Peer: "c", Epoch: 0}))
	first := h.latest("c")
	require.NoError(t, h.handle(t, core.NegotiateRequest{Type: core.TypeNegotiate, RoomID: "r1", Peer: "c", Epoch: 2}))
	second := h.latest("c")

	assert.NotSame(t, first, second)
	assert.True(t, first.closed)
	assert.Equal(t, []bool{true}, second.iceRestart)
	epoch, ok := h.agent.Epoch("c")
	require.True(t, ok)
	assert.Equal(t, uint64(2), epoch)

	// An older directive is ignored.
	require.NoError(t, h.handle(t, core.NegotiateRequest{Type: core.TypeNegotiate, RoomID: "r1", Peer: "c", Epoch: 1}))
	assert.Same(t, second, h.latest("c"))
}

func TestAgentAnswersOffer(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.handle(t, joinedEvent()))

	offer := core.NegotiationPayload{Kind: core.KindOffer, RoomID: "r1", From: "d", To: "a", Epoch: 3,
		Body: body(t, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})}
	require.NoError(t, h.handle(t, offer))

	answers := h.sent.payloads(t, core.KindAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.ParticipantID("d"), answers[0].To)
	assert.Equal(t, uint64(3), answers[0].Epoch)

	// A stale offer does not replace the transport.
	tr := h.latest("d")
	offer.Epoch = 1
	require.NoError(t, h.handle(t, offer))
	assert.Same(t, tr, h.latest("d"))
}

func TestAgentGlareInitiatorKeepsOffer(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.handle(t, joinedEvent()))

	// a < b: a keeps its own offer at epoch 1.
	require.NoError(t, h.handle(t, core.NegotiateRequest{Type: core.TypeNegotiate, RoomID: "r1", Peer: "b", Epoch: 1}))
	tr := h.latest("b")
	offer := core.NegotiationPayload{Kind: core.KindOffer, RoomID: "r1", From: "b", To: "a", Epoch: 1,
		Body: body(t, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})}
	require.NoError(t, h.handle(t, offer))
	assert.Same(t, tr, h.latest("b"))
	assert.Empty(t, h.sent.payloads(t, core.KindAnswer))

	// a > 0: the smaller peer's offer replaces a's own.
	require.NoError(t, h.handle(t, core.NegotiateRequest{Type: core.TypeNegotiate, RoomID: "r1", Peer: "0", Epoch: 1}))
	own := h.latest("0")
	offer.From = "0"
	require.NoError(t, h.handle(t, offer))
	assert.NotSame(t, own, h.latest("0"))
	assert.True(t, own.closed)
	answers := h.sent.payloads(t, core.KindAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.ParticipantID("0"), answers[0].To)
}

func TestAgentAppliesAnswerAndCandidates(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.handle(t, joinedEvent(core.PeerTarget{ParticipantID: "b", Initiator: true})))
	tr := h.latest("b")

	answer := core.NegotiationPayload{Kind: core.KindAnswer, RoomID: "r1", From: "b", To: "a", Epoch: 0,
		Body: body(t, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})}
	require.NoError(t, h.handle(t, answer))
	require.Len(t, tr.applied, 1)

	answer.Epoch = 5
	require.NoError(t, h.handle(t, answer))
	assert.Len(t, tr.applied, 1)

	cand, err := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	require.NoError(t, err)
	require.NoError(t, h.handle(t, core.NegotiationPayload{Kind: core.KindICECandidate, RoomID: "r1", From: "b", To: "a", Body: cand}))
	require.Len(t, tr.candidates, 1)
	assert.Equal(t, "candidate:1", tr.candidates[0].Candidate)
}

func TestAgentReportsTransportEvents(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.handle(t, joinedEvent(core.PeerTarget{ParticipantID: "b", Initiator: true, Epoch: 4})))
	tr := h.latest("b")

	tr.onICE(webrtc.ICECandidateInit{Candidate: "candidate:2"})
	cands := h.sent.payloads(t, core.KindICECandidate)
	require.Len(t, cands, 1)
	assert.Equal(t, uint64(4), cands[0].Epoch)
	assert.Equal(t, domain.ParticipantID("b"), cands[0].To)

	tr.onHealth(core.HealthConnected)
	assert.Contains(t, h.sent.types(), core.TypeLinkHealth)
}

func TestAgentPeerLeftAndRoomClosed(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.handle(t, joinedEvent(
		core.PeerTarget{ParticipantID: "b", Initiator: true},
		core.PeerTarget{ParticipantID: "c", Initiator: true},
	)))
	b, c := h.latest("b"), h.latest("c")

	require.NoError(t, h.handle(t, core.MembershipEvent{Type: core.TypeParticipantLeft, RoomID: "r1", ParticipantID: "b"}))
	assert.True(t, b.closed)
	assert.Equal(t, []domain.ParticipantID{"c"}, h.agent.Peers())

	var statuses []core.PeerStatus
	h.agent.OnStatus = func(s core.PeerStatus) { statuses = append(statuses, s) }
	require.NoError(t, h.handle(t, core.PeerStatus{Type: core.TypePeerStatus, Peer: "c", Status: core.StatusConnected}))
	require.Len(t, statuses, 1)

	err := h.handle(t, core.RoomClosedEvent{Type: core.TypeRoomClosed, RoomID: "r1"})
	assert.ErrorIs(t, err, ErrRoomClosed)
	assert.True(t, c.closed)
	assert.Empty(t, h.agent.Peers())
}

func TestAgentServerError(t *testing.T) {
	h := newHarness()
	err := h.handle(t, core.ErrorEvent{Type: core.TypeError, Error: "duplicate_participant", Detail: "a in r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate_participant")
	assert.Error(t, h.agent.Handle([]byte("{")))
}

func TestAgentRunStopsOnRoomClosed(t *testing.T) {
	h := newHarness()
	in := make(chan []byte, 2)
	b, err := json.Marshal(core.RoomClosedEvent{Type: core.TypeRoomClosed, RoomID: "r1"})
	require.NoError(t, err)
	in <- []byte(`{"type":"pong"}`)
	in <- b
	assert.ErrorIs(t, h.agent.Run(context.Background(), in), ErrRoomClosed)

	closed := make(chan []byte)
	close(closed)
	assert.NoError(t, h.agent.Run(context.Background(), closed))
}
