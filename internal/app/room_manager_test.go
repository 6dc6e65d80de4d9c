package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomManagerLifecycle(t *testing.T) {
	m := NewRoomManager(context.Background(), 4)

	l := m.GetOrCreate("r1")
	assert.Same(t, l, m.GetOrCreate("r1"))
	m.GetOrCreate("r0")
	assert.Equal(t, []domain.RoomID{"r0", "r1"}, m.IDs())

	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)

	// Stop from a task on the loop itself.
	require.NoError(t, l.Do(context.Background(), func() { m.Stop("r1") }))
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	_, ok := m.Get("r1")
	assert.False(t, ok)
	assert.ErrorIs(t, l.Submit(func() {}), core.ErrLoopStopped)

	fresh := m.GetOrCreate("r1")
	assert.NotSame(t, l, fresh)

	m.Close()
	assert.Empty(t, m.IDs())
	<-fresh.Done()
}
