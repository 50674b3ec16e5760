// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

// errLoopStopped is the tomb death reason for an orderly shutdown.
var errLoopStopped = errors.New("busrpc: loop stopped")

// Work is a unit of bus I/O executed on the Loop. The context is
// cancelled when the loop shuts down.
type Work[T any] func(ctx context.Context) (T, error)

type canceler interface {
	Cancel() bool
}

type task struct {
	run    func(ctx context.Context)
	cancel func()
}

// Loop hosts every asynchronous bus operation. Work may be submitted from
// any goroutine; the dispatcher hands each item to its own tomb-tracked
// goroutine, so a slow operation never holds up the others.
type Loop struct {
	logger *zap.Logger

	mu      sync.Mutex
	tomb    *tomb.Tomb
	queue   chan task
	pending map[canceler]struct{}
}

// NewLoop returns a loop that is not yet running.
func NewLoop(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.L()
	}
	return &Loop{
		logger:  logger.Named("loop"),
		pending: make(map[canceler]struct{}),
	}
}

// EnsureStarted starts the dispatcher if it is not running. It is safe to
// call any number of times; a loop that was shut down is started afresh.
func (l *Loop) EnsureStarted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startLocked()
}

func (l *Loop) startLocked() {
	if l.tomb != nil && l.tomb.Alive() {
		return
	}
	t := new(tomb.Tomb)
	queue := make(chan task)
	l.tomb = t
	l.queue = queue
	t.Go(func() error {
		return l.dispatch(t, queue)
	})
	l.logger.Debug("loop started")
}

func (l *Loop) dispatch(t *tomb.Tomb, queue chan task) error {
	ctx := t.Context(nil)
	for {
		select {
		case <-t.Dying():
			return tomb.ErrDying
		case item := <-queue:
			// The dispatcher goroutine is still tracked here, so the
			// tomb cannot have finished and Go is safe.
			t.Go(func() error {
				item.run(ctx)
				return nil
			})
		}
	}
}

// Run starts the loop in the foreground and blocks until ctx is done,
// then shuts it down. Hosts that want signal driven shutdown pass a
// context from signal.NotifyContext.
func (l *Loop) Run(ctx context.Context) error {
	l.EnsureStarted()
	<-ctx.Done()
	return l.Shutdown()
}

// Schedule submits work to the loop and returns a handle for its result.
// The handle is tracked in the loop's pending set until it completes.
// Work submitted to a loop that is not running is cancelled.
func Schedule[T any](l *Loop, work Work[T]) *Handle[T] {
	h := NewHandle[T]()
	scheduleInto(l, h, work, nil)
	return h
}

// scheduleInto runs work on the loop and resolves h with its outcome.
// discard, when set, receives values produced after h was already
// completed by someone else so that they can be released.
func scheduleInto[T any](l *Loop, h *Handle[T], work Work[T], discard func(T)) {
	l.track(h)
	item := task{
		run: func(ctx context.Context) {
			if h.Cancelled() {
				return
			}
			v, err := work(ctx)
			if err != nil {
				h.Fail(err)
				return
			}
			if !h.Resolve(v) && discard != nil {
				discard(v)
			}
		},
		cancel: func() { h.Cancel() },
	}

	l.mu.Lock()
	t, queue := l.tomb, l.queue
	l.mu.Unlock()
	if t == nil || !t.Alive() {
		item.cancel()
		return
	}

	select {
	case queue <- item:
	case <-t.Dying():
		item.cancel()
	case <-h.Done():
	}
}

func (l *Loop) track(h interface {
	canceler
	OnDone(func())
}) {
	l.mu.Lock()
	l.pending[h] = struct{}{}
	l.mu.Unlock()
	h.OnDone(func() {
		l.mu.Lock()
		delete(l.pending, h)
		l.mu.Unlock()
	})
}

// Pending returns the number of handles that have not completed yet.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// CancelPending cancels every handle in the pending set. Each handle is
// cancelled at most once; calling it again is harmless.
func (l *Loop) CancelPending() int {
	l.mu.Lock()
	handles := make([]canceler, 0, len(l.pending))
	for h := range l.pending {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	n := 0
	for _, h := range handles {
		if h.Cancel() {
			n++
		}
	}
	if n > 0 {
		l.logger.Debug("cancelled pending handles", zap.Int("count", n))
	}
	return n
}

// Shutdown cancels pending work, stops the dispatcher and waits for
// every tracked goroutine to return.
func (l *Loop) Shutdown() error {
	l.CancelPending()

	l.mu.Lock()
	t := l.tomb
	l.mu.Unlock()
	if t == nil {
		return nil
	}
	t.Kill(errLoopStopped)
	if err := t.Wait(); err != nil && !errors.Is(err, errLoopStopped) {
		return err
	}
	return nil
}
