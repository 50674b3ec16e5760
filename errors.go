// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"errors"
	"fmt"
	"time"
)

// Call failure kinds. A *CallError matches exactly one of these with
// errors.Is.
var (
	ErrUnauthorized = errors.New("busrpc: unauthorized")
	ErrRemote       = errors.New("busrpc: remote error")
	ErrBadRequest   = errors.New("busrpc: bad request")
	ErrTimeout      = errors.New("busrpc: timeout")
	ErrCancelled    = errors.New("busrpc: cancelled")
)

// Transport failures.
var (
	ErrNotConnected   = errors.New("busrpc: not connected")
	ErrConnectionLost = errors.New("busrpc: connection lost")
	ErrMaxPayload     = errors.New("busrpc: maximum payload exceeded")
	ErrClosed         = errors.New("busrpc: connection closed")
)

// PermissionError is reported by a transport when the bus refuses a
// publish or subscribe on a topic. Its message follows the text form the
// connection manager recognizes.
type PermissionError struct {
	Kind  WatchKind
	Topic string
}

func (e *PermissionError) Error() string {
	op := "publish"
	if e.Kind == KindSubscribe {
		op = "subscription"
	}
	return fmt.Sprintf("permissions violation for %s to %q", op, e.Topic)
}

// CallError is returned by Invoke. Kind is one of the Err* call failure
// kinds above.
type CallError struct {
	Kind      error
	Endpoint  string
	Condition string
	Payload   any
	Elapsed   time.Duration
	Err       error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("%v: %s: %s", e.Kind, e.Endpoint, e.Condition)
	if e.Kind == ErrTimeout {
		msg += fmt.Sprintf(" after %.2fs", e.Elapsed.Seconds())
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Is(target error) bool {
	return target == e.Kind
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func newCallError(kind error, endpoint, condition string) *CallError {
	return &CallError{Kind: kind, Endpoint: endpoint, Condition: condition}
}
