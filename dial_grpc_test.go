//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// bufDialer dials the hub behind an in-memory gRPC listener.
func bufDialer(t *testing.T, hub *Hub) Dialer {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCBusServer(hub, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return func(ctx context.Context, _ string, opts ...DialOption) (Conn, error) {
		return dialGRPCWith(ctx, "passthrough:///bufnet", newDialOptions(opts),
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}))
	}
}

func TestGRPCPublishSubscribe(t *testing.T) {
	hub, _ := newTestHub(t, HubConfig{MaxPayload: 64})
	dial := bufDialer(t, hub)
	ctx := testCtx(t)

	conn, err := dial(ctx, "")
	require.NoError(t, err)
	defer conn.Close()

	msgs := make(chan *Msg, 1)
	sub, err := conn.Subscribe("refunc.ns.echo", func(msg *Msg) { msgs <- msg })
	require.NoError(t, err)

	require.NoError(t, conn.Publish("refunc.ns.echo", "_INBOX.1", []byte("hello")))
	msg := recvMsg(t, msgs)
	require.Equal(t, "_INBOX.1", msg.Reply)
	require.Equal(t, []byte("hello"), msg.Data)
	require.NoError(t, sub.Unsubscribe())

	err = conn.Publish("refunc.ns.echo", "", make([]byte, 65))
	require.ErrorIs(t, err, ErrMaxPayload)
}

func TestGRPCInvoke(t *testing.T) {
	hub, _ := newTestHub(t, HubConfig{})
	serve(t, hub, "refunc.ns.echo", echoArgs)
	c := newTestClient(t, &Env{Name: "test", Addr: "grpc://bufnet"},
		WithConnOptions(WithDialer(bufDialer(t, hub))))

	v, err := c.Invoke(testCtx(t), "ns/echo", map[string]any{"via": "grpc"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"via": "grpc"}, v)
}

func TestGRPCConnectionLost(t *testing.T) {
	hub, _ := newTestHub(t, HubConfig{})
	errs := make(chan error, 1)
	conn, err := bufDialer(t, hub)(testCtx(t), "", WithErrorHandler(func(err error) { errs <- err }))
	require.NoError(t, err)
	defer conn.Close()

	hub.DropConnections()
	require.ErrorIs(t, recvErr(t, errs), ErrConnectionLost)
	require.True(t, HasTransport(TransportGRPC))
}
