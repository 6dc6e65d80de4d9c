package core

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

var ErrLoopStopped = errors.New("room loop stopped")

// Loop serializes all work for one room on a single goroutine.
// Tasks must not call Do on their own loop.
type Loop struct {
	Name   string
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan func()
	done   chan struct{}
}

func NewLoop(parent context.Context, name string, buffer int) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(parent)
	return &Loop{
		Name:   name,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan func(), buffer),
		done:   make(chan struct{}),
	}
}

func (l *Loop) Run() {
	defer close(l.done)
	log.Debug().Str("module", "core.loop").Str("room", l.Name).Msg("loop started")
	for {
		select {
		case <-l.ctx.Done():
			log.Debug().Str("module", "core.loop").Str("room", l.Name).Msg("loop stopped")
			return
		case fn := <-l.tasks:
			if l.ctx.Err() != nil {
				return
			}
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "core.loop").Str("room", l.Name).Interface("panic", r).Msg("task panicked")
		}
	}()
	fn()
}

// Submit enqueues fn without waiting for it.
func (l *Loop) Submit(fn func()) error {
	if l.ctx.Err() != nil {
		return ErrLoopStopped
	}
	select {
	case <-l.ctx.Done():
		return ErrLoopStopped
	case l.tasks <- fn:
		return nil
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Submit(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) Stop() { l.cancel() }

func (l *Loop) Done() <-chan struct{} { return l.done }
