// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"errors"
	"sync"
)

// ErrHandleCancelled is returned by Wait on a handle that was cancelled
// before it produced a result.
var ErrHandleCancelled = errors.New("busrpc: handle cancelled")

type handleState uint8

const (
	handlePending handleState = iota
	handleResolved
	handleCancelled
)

// Handle is a single-assignment result slot shared between the goroutine
// that produces a value and any goroutine waiting for it. The first
// Resolve, Fail or Cancel wins; later ones report false and change
// nothing.
type Handle[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	state handleState
	value T
	err   error
	hooks []func()
}

// NewHandle returns a pending handle.
func NewHandle[T any]() *Handle[T] {
	return &Handle[T]{done: make(chan struct{})}
}

// Resolve completes the handle with v.
func (h *Handle[T]) Resolve(v T) bool {
	return h.complete(handleResolved, v, nil)
}

// Fail completes the handle with err.
func (h *Handle[T]) Fail(err error) bool {
	var zero T
	return h.complete(handleResolved, zero, err)
}

// Cancel completes the handle without a result.
func (h *Handle[T]) Cancel() bool {
	var zero T
	return h.complete(handleCancelled, zero, ErrHandleCancelled)
}

func (h *Handle[T]) complete(state handleState, v T, err error) bool {
	h.mu.Lock()
	if h.state != handlePending {
		h.mu.Unlock()
		return false
	}
	h.state = state
	h.value = v
	h.err = err
	hooks := h.hooks
	h.hooks = nil
	close(h.done)
	h.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	return true
}

// OnDone registers fn to run once the handle completes. If it already
// has, fn runs immediately on the calling goroutine.
func (h *Handle[T]) OnDone(fn func()) {
	h.mu.Lock()
	if h.state == handlePending {
		h.hooks = append(h.hooks, fn)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn()
}

// Done is closed when the handle completes.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// Cancelled reports whether the handle completed through Cancel.
func (h *Handle[T]) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == handleCancelled
}

// Result returns the outcome of a completed handle. It must not be
// called before Done is closed.
func (h *Handle[T]) Result() (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.err
}

// Wait blocks until the handle completes or ctx is done. A wait that
// gives up on ctx leaves the handle pending; it can still be resolved or
// cancelled afterwards. A completed handle always returns its outcome,
// even when ctx is already done.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.Result()
	default:
	}
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		// The handle may have completed at the same instant.
		select {
		case <-h.done:
			return h.Result()
		default:
		}
		var zero T
		return zero, ctx.Err()
	}
}
