package app

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type bindKey struct {
	room domain.RoomID
	pid  domain.ParticipantID
}

// Relay routes encoded messages to members' signaling connections. It
// keeps no queue: a recipient without a live connection misses the
// message. Per-recipient order follows call order because each
// connection has a single writer.
type Relay struct {
	mu     sync.RWMutex
	conns  map[bindKey]core.SignalConnection
	reg    *Registry
	policy Policy
}

func NewRelay(reg *Registry, policy Policy) *Relay {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Relay{
		conns:  make(map[bindKey]core.SignalConnection),
		reg:    reg,
		policy: policy,
	}
}

func (r *Relay) Bind(room domain.RoomID, pid domain.ParticipantID, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[bindKey{room, pid}] = conn
	log.Debug().Str("module", "app.relay").Str("room", string(room)).Str("participant", string(pid)).Msg("bound connection")
}

// Unbind removes the binding if it still points at conn.
func (r *Relay) Unbind(room domain.RoomID, pid domain.ParticipantID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := bindKey{room, pid}
	if cur, ok := r.conns[k]; !ok || cur != conn {
		return false
	}
	delete(r.conns, k)
	log.Debug().Str("module", "app.relay").Str("room", string(room)).Str("participant", string(pid)).Msg("unbound connection")
	return true
}

// Release drops the binding of pid and returns the connection it held.
func (r *Relay) Release(room domain.RoomID, pid domain.ParticipantID) core.SignalConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := bindKey{room, pid}
	conn := r.conns[k]
	delete(r.conns, k)
	return conn
}

func (r *Relay) UnbindRoom(room domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.conns {
		if k.room == room {
			delete(r.conns, k)
		}
	}
}

// SendTo delivers v to one member. False means a stale target.
func (r *Relay) SendTo(room domain.RoomID, to domain.ParticipantID, v any) bool {
	if !r.reg.IsMember(room, to) {
		log.Debug().Str("module", "app.relay").Str("room", string(room)).Str("to", string(to)).Msg("stale target, drop")
		return false
	}
	frame, err := encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("encode failed")
		return false
	}
	return r.deliver(room, to, frame)
}

// Broadcast delivers v to every member except from.
func (r *Relay) Broadcast(room domain.RoomID, from domain.ParticipantID, v any) int {
	return r.fanout(room, from, v)
}

// BroadcastAll delivers v to every member.
func (r *Relay) BroadcastAll(room domain.RoomID, v any) int {
	return r.fanout(room, "", v)
}

func (r *Relay) fanout(room domain.RoomID, skip domain.ParticipantID, v any) int {
	frame, err := encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("encode failed")
		return 0
	}
	sent, dropped := 0, 0
	for _, p := range r.reg.List(room) {
		if p.ID == skip {
			continue
		}
		if r.deliver(room, p.ID, frame) {
			sent++
		} else {
			dropped++
		}
	}
	log.Debug().Str("module", "app.relay").Str("room", string(room)).Str("from", string(skip)).
		Int("sent_to", sent).Int("dropped", dropped).Msg("broadcast result")
	return sent
}

func (r *Relay) deliver(room domain.RoomID, to domain.ParticipantID, frame core.Frame) bool {
	r.mu.RLock()
	conn, ok := r.conns[bindKey{room, to}]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	err := conn.TrySend(frame)
	if err == nil {
		return true
	}
	if !errors.Is(err, core.ErrBackpressure) {
		log.Warn().Err(err).Str("module", "app.relay").Str("room", string(room)).Str("to", string(to)).Msg("send failed")
		return false
	}
	action := r.policy.OnBackPressure(room, to)
	log.Warn().Str("module", "app.relay").Str("room", string(room)).Str("to", string(to)).
		Str("action", action.String()).Msg("backpressure")
	if action == Disconnect {
		conn.Close()
	}
	return false
}

func encode(v any) (core.Frame, error) {
	if f, ok := v.(core.Frame); ok {
		return f, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
