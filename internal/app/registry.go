package app

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type roomEntry struct {
	room    domain.Room
	order   []domain.ParticipantID
	members map[domain.ParticipantID]*domain.Participant
}

// RoomInfo is a read-only summary of an active room.
type RoomInfo struct {
	ID           domain.RoomID `json:"room_id"`
	CreatedAt    time.Time     `json:"created_at"`
	Participants int           `json:"participants"`
}

// JoinResult is returned by Registry.Join. Existing holds every other
// member in join order.
type JoinResult struct {
	Participant domain.Participant
	Existing    []domain.Participant
	Room        domain.Room
	Created     bool
}

// Membership is one room membership of a participant.
type Membership struct {
	RoomID      domain.RoomID      `json:"room_id"`
	Participant domain.Participant `json:"participant"`
}

// Registry is the authoritative room roster. Rooms are opened on first
// join and evicted when they become empty or are closed.
// Returned participants are copies.
type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomEntry
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[domain.RoomID]*roomEntry),
		now:   time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) Join(roomID domain.RoomID, pid domain.ParticipantID, username string) (JoinResult, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return JoinResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	p, err := domain.NewParticipant(pid, username, now)
	if err != nil {
		return JoinResult{}, err
	}

	e, ok := r.rooms[roomID]
	if ok {
		if e.room.Closed {
			return JoinResult{}, domain.ErrRoomClosed
		}
		if _, dup := e.members[p.ID]; dup {
			return JoinResult{}, fmt.Errorf("%w: %s in %s", domain.ErrDuplicateParticipant, p.ID, roomID)
		}
	} else {
		e = r.openRoom(roomID, now)
	}

	existing := e.snapshot()
	e.members[p.ID] = p
	e.order = append(e.order, p.ID)

	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Str("participant", string(p.ID)).
		Str("username", p.Username).Int("members", len(e.order)).Msg("participant joined")

	return JoinResult{
		Participant: *p,
		Existing:    existing,
		Room:        e.room,
		Created:     !ok,
	}, nil
}

// Leave removes pid and reports whether it was a member.
func (r *Registry) Leave(roomID domain.RoomID, pid domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := e.members[pid]; !ok {
		return false
	}
	delete(e.members, pid)
	for i, id := range e.order {
		if id == pid {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Str("participant", string(pid)).
		Int("members", len(e.order)).Msg("participant left")
	if len(e.order) == 0 {
		r.evictRoom(roomID, "empty")
	}
	return true
}

// SetCapability applies flag=value and returns the full updated set and
// whether it changed.
func (r *Registry) SetCapability(roomID domain.RoomID, pid domain.ParticipantID, flag domain.Capability, value bool) (domain.Capabilities, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.member(roomID, pid)
	if p == nil {
		return domain.Capabilities{}, false, fmt.Errorf("%w: %s in %s", domain.ErrUnknownParticipant, pid, roomID)
	}
	changed, err := p.Capabilities.Set(flag, value)
	if err != nil {
		return domain.Capabilities{}, false, err
	}
	log.Debug().Str("module", "app.registry").Str("room", string(roomID)).Str("participant", string(pid)).
		Str("flag", string(flag)).Bool("value", value).Bool("changed", changed).Msg("capability set")
	return p.Capabilities, changed, nil
}

// List returns the members in join order. Unknown rooms yield an empty slice.
func (r *Registry) List(roomID domain.RoomID) []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[roomID]
	if !ok {
		return []domain.Participant{}
	}
	return e.snapshot()
}

func (r *Registry) Get(roomID domain.RoomID, pid domain.ParticipantID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.member(roomID, pid)
	if p == nil {
		return domain.Participant{}, false
	}
	return *p, true
}

// Locate returns every membership of pid ordered by room.
func (r *Registry) Locate(pid domain.ParticipantID) []Membership {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Membership
	for id, e := range r.rooms {
		if p, ok := e.members[pid]; ok {
			out = append(out, Membership{RoomID: id, Participant: *p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (r *Registry) IsMember(roomID domain.RoomID, pid domain.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.member(roomID, pid) != nil
}

func (r *Registry) Exists(roomID domain.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Close marks the room closed by policy, evicts it and returns the
// members it had.
func (r *Registry) Close(roomID domain.RoomID) []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	members := e.snapshot()
	r.evictRoom(roomID, "closed")
	return members
}

func (r *Registry) Room(roomID domain.RoomID) (RoomInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return e.info(), true
}

// Rooms lists active rooms ordered by id.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for _, e := range r.rooms {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the number of active rooms and participants.
func (r *Registry) Stats() (rooms, participants int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.rooms {
		participants += len(e.order)
	}
	return len(r.rooms), participants
}

// caller holds r.mu
func (r *Registry) member(roomID domain.RoomID, pid domain.ParticipantID) *domain.Participant {
	e, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return e.members[pid]
}

// caller holds r.mu
func (r *Registry) openRoom(roomID domain.RoomID, now time.Time) *roomEntry {
	e := &roomEntry{
		room:    domain.Room{ID: roomID, CreatedAt: now},
		members: make(map[domain.ParticipantID]*domain.Participant),
	}
	r.rooms[roomID] = e
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room opened")
	return e
}

// caller holds r.mu
func (r *Registry) evictRoom(roomID domain.RoomID, reason string) {
	e, ok := r.rooms[roomID]
	if !ok {
		return
	}
	e.room.Closed = true
	delete(r.rooms, roomID)
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Str("reason", reason).Msg("room evicted")
}

func (e *roomEntry) snapshot() []domain.Participant {
	out := make([]domain.Participant, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.members[id])
	}
	return out
}

func (e *roomEntry) info() RoomInfo {
	return RoomInfo{ID: e.room.ID, CreatedAt: e.room.CreatedAt, Participants: len(e.order)}
}
