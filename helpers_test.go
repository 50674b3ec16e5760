// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testWait = 5 * time.Second
	tick     = 10 * time.Millisecond
)

// newTestHub registers a hub for the test and returns it with its address.
func newTestHub(t *testing.T, config HubConfig) (*Hub, string) {
	t.Helper()
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	hub := NewHub(config)
	name := "test-" + uuid.NewString()
	RegisterHub(name, hub)
	t.Cleanup(func() { UnregisterHub(name) })
	return hub, TransportMem + "://" + name
}

func newTestClient(t *testing.T, env *Env, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	c := NewClient(env, opts...)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

// serve answers requests on topic with fn over its own hub connection.
func serve(t *testing.T, hub *Hub, topic string, fn HandlerFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn, err := hub.Dial(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = Serve(ctx, conn, topic, fn, WithServeLogger(zap.NewNop()))
	require.NoError(t, err)
}

// serveRaw answers every request on topic with a fixed reply body.
func serveRaw(t *testing.T, hub *Hub, topic string, reply []byte) {
	t.Helper()
	conn, err := hub.Dial(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Subscribe(topic, func(msg *Msg) {
		_ = conn.Publish(msg.Reply, "", reply)
	})
	require.NoError(t, err)
}

func echoArgs(_ context.Context, req *RequestEnvelope) (any, error) {
	return req.Args, nil
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	t.Cleanup(cancel)
	return ctx
}
