package rtc

import (
	"fmt"
	"sync"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const dataChannelLabel = "meshroom"

// DefaultWebRTCConfig uses a public STUN server.
func DefaultWebRTCConfig() webrtc.Configuration {
	return Config([]string{"stun:stun.l.google.com:19302"})
}

// Config builds a PeerConnection configuration from ICE server urls.
func Config(servers []string) webrtc.Configuration {
	if len(servers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	}
}

// PeerLink is the media transport of one local participant towards one
// remote participant. Remote candidates are held until a remote
// description is applied.
type PeerLink struct {
	pc     *webrtc.PeerConnection
	local  domain.ParticipantID
	remote domain.ParticipantID
	// channel is created by the offering side only.
	channel *webrtc.DataChannel

	mu       sync.Mutex
	pending  []webrtc.ICECandidateInit
	onICE    func(webrtc.ICECandidateInit)
	onHealth func(core.LinkHealth)
	closed   bool
}

var _ core.MediaTransport = (*PeerLink)(nil)

func NewPeerLink(cfg webrtc.Configuration, local, remote domain.ParticipantID) (*PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	l := &PeerLink{pc: pc, local: local, remote: remote}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		l.mu.Lock()
		fn := l.onICE
		l.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("local", string(local)).Str("remote", string(remote)).
			Str("peer_connection_state", s.String()).Msg("Peer state")
		h, ok := healthOf(s)
		if !ok {
			return
		}
		l.mu.Lock()
		fn := l.onHealth
		l.mu.Unlock()
		if fn != nil {
			fn(h)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		log.Info().Str("module", "webrtc").Str("local", string(local)).Str("remote", string(remote)).
			Str("label", dc.Label()).Msg("data channel opened by remote")
	})

	return l, nil
}

func healthOf(s webrtc.PeerConnectionState) (core.LinkHealth, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return core.HealthConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return core.HealthDegraded, true
	case webrtc.PeerConnectionStateFailed:
		return core.HealthFailed, true
	default:
		return "", false
	}
}

func (l *PeerLink) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	// An offer needs at least one section to gather candidates for.
	if l.channel == nil && len(l.pc.GetTransceivers()) == 0 {
		dc, err := l.pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("create data channel: %w", err)
		}
		l.channel = dc
	}
	offer, err := l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (l *PeerLink) ApplyRemoteDescription(desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return nil, err
	}
	l.flush()
	if desc.Type != webrtc.SDPTypeOffer {
		return nil, nil
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return &answer, nil
}

func (l *PeerLink) AddICECandidate(ci webrtc.ICECandidateInit) error {
	if l.pc.RemoteDescription() == nil {
		l.mu.Lock()
		l.pending = append(l.pending, ci)
		l.mu.Unlock()
		return nil
	}
	return l.pc.AddICECandidate(ci)
}

func (l *PeerLink) flush() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, ci := range pending {
		if err := l.pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Str("remote", string(l.remote)).Msg("add buffered candidate")
		}
	}
}

func (l *PeerLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onICE = fn
}

func (l *PeerLink) OnHealthChange(fn func(core.LinkHealth)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onHealth = fn
}

func (l *PeerLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.onHealth = nil
	l.onICE = nil
	l.mu.Unlock()
	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("remote", string(l.remote)).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("remote", string(l.remote)).Msg("closed")
	}
}
