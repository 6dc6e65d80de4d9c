package app

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// RoomManager owns one serialization loop per active room.
type RoomManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	buffer int

	mu    sync.RWMutex
	loops map[domain.RoomID]*core.Loop
	wg    conc.WaitGroup
}

func NewRoomManager(parent context.Context, buffer int) *RoomManager {
	ctx, cancel := context.WithCancel(parent)
	return &RoomManager{
		ctx:    ctx,
		cancel: cancel,
		buffer: buffer,
		loops:  make(map[domain.RoomID]*core.Loop),
	}
}

func (m *RoomManager) GetOrCreate(room domain.RoomID) *core.Loop {
	m.mu.RLock()
	l, ok := m.loops[room]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok = m.loops[room]; ok {
		return l
	}
	l = core.NewLoop(m.ctx, string(room), m.buffer)
	m.loops[room] = l
	m.wg.Go(l.Run)
	log.Info().Str("module", "app.rooms").Str("room", string(room)).Msg("room loop created")
	return l
}

// Get returns the loop of an active room.
func (m *RoomManager) Get(room domain.RoomID) (*core.Loop, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.loops[room]
	return l, ok
}

// Stop cancels the room loop. Safe to call from a task on that loop.
func (m *RoomManager) Stop(room domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.loops[room]; ok {
		l.Stop()
		delete(m.loops, room)
		log.Info().Str("module", "app.rooms").Str("room", string(room)).Msg("room loop stopped")
	}
}

func (m *RoomManager) IDs() []domain.RoomID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.RoomID, 0, len(m.loops))
	for id := range m.loops {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops every loop and waits for them to exit.
func (m *RoomManager) Close() {
	m.cancel()
	m.mu.Lock()
	m.loops = make(map[domain.RoomID]*core.Loop)
	m.mu.Unlock()
	m.wg.Wait()
}
