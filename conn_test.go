// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, addr string, opts ...ConnOption) *ConnManager {
	t.Helper()
	loop := NewLoop(zap.NewNop())
	loop.EnsureStarted()
	opts = append([]ConnOption{WithConnLogger(zap.NewNop())}, opts...)
	m := NewConnManager(&Env{Name: "test", Addr: addr}, loop, NewWatchRegistry(), opts...)
	t.Cleanup(func() {
		_ = loop.Shutdown()
		_ = m.Close()
	})
	return m
}

func TestClassifyBusError(t *testing.T) {
	tests := []struct {
		err   error
		class busErrorClass
		topic string
	}{
		{&PermissionError{Kind: KindPublish, Topic: "refunc.ns.echo"}, classPublishDenied, "refunc.ns.echo"},
		{&PermissionError{Kind: KindSubscribe, Topic: "_INBOX.1"}, classSubscribeDenied, "_INBOX.1"},
		{fmt.Errorf("wrapped: %w", &PermissionError{Kind: KindPublish, Topic: "a"}), classPublishDenied, "a"},
		{errors.New(`nats: Permissions Violation for Publish to "refunc.ns.echo"`), classPublishDenied, "refunc.ns.echo"},
		{errors.New(`permissions violation for subscription to "_refunc.forwardlogs.ns/echo/1"`), classSubscribeDenied, "_refunc.forwardlogs.ns/echo/1"},
		{errors.New(`Permissions Violation for Subscribe to _INBOX.abc`), classSubscribeDenied, "_INBOX.abc"},
		{ErrConnectionLost, classConnectionLost, ""},
		{errors.New("server: Connection Lost"), classConnectionLost, ""},
		{errors.New("slow consumer"), classOther, ""},
	}
	for _, tt := range tests {
		class, topic := classifyBusError(tt.err)
		require.Equal(t, tt.class, class, tt.err.Error())
		require.Equal(t, tt.topic, topic, tt.err.Error())
	}
}

func TestConnManagerGet(t *testing.T) {
	hub, addr := newTestHub(t, HubConfig{})
	m := newTestManager(t, addr)
	require.Equal(t, StateUnconnected, m.State())

	c1, err := m.Get(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, StateConnected, m.State())
	c2, err := m.Get(testCtx(t))
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, 1, hub.Conns())

	require.NoError(t, m.Close())
	require.Equal(t, StateUnconnected, m.State())
	require.Zero(t, hub.Conns())
}

func TestConnManagerConnectFailure(t *testing.T) {
	dials := 0
	m := newTestManager(t, "mem://unused",
		WithConnectAttempts(2),
		WithDialer(func(context.Context, string, ...DialOption) (Conn, error) {
			dials++
			return nil, errors.New("refused")
		}),
	)

	_, err := m.Get(testCtx(t))
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorContains(t, err, "refused")
	require.Equal(t, 2, dials)
	require.Equal(t, StateUnconnected, m.State())

	none := newTestManager(t, "")
	_, err = none.Get(testCtx(t))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConnManagerPublishDenied(t *testing.T) {
	_, addr := newTestHub(t, HubConfig{})
	m := newTestManager(t, addr)

	reply := NewHandle[[]byte]()
	m.Watches().WatchPublish("refunc.ns.echo", reply)
	other := NewHandle[[]byte]()
	m.Watches().WatchPublish("refunc.ns.other", other)

	m.HandleError(&PermissionError{Kind: KindPublish, Topic: "refunc.ns.echo"})
	v, err := reply.Wait(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, accessDeniedReply, v)

	select {
	case <-other.Done():
		t.Fatal("unrelated call resolved")
	default:
	}
}

func TestConnManagerSubscribeDenied(t *testing.T) {
	_, addr := newTestHub(t, HubConfig{})
	m := newTestManager(t, addr)

	sub := NewHandle[Subscription]()
	WatchSubscribe(m.Watches(), "_INBOX.1", sub)
	logs := NewHandle[Subscription]()
	logTopic := LogForwardPrefix + "ns/echo/abc"
	WatchSubscribe(m.Watches(), logTopic, logs)

	m.HandleError(errors.New(`permissions violation for subscription to "_INBOX.1"`))
	require.True(t, sub.Cancelled())

	// Log forwarding refusals are swallowed.
	m.HandleError(&PermissionError{Kind: KindSubscribe, Topic: logTopic})
	require.False(t, logs.Cancelled())
	require.Equal(t, 1, m.Watches().Len(KindSubscribe, logTopic))
}

func TestConnManagerConnectionLost(t *testing.T) {
	hub, addr := newTestHub(t, HubConfig{})
	clk := testclock.NewClock(time.Now())
	m := newTestManager(t, addr, WithClock(clk))

	_, err := m.Get(testCtx(t))
	require.NoError(t, err)

	reply := NewHandle[[]byte]()
	m.Watches().WatchPublish("refunc.ns.echo", reply)
	sub := NewHandle[Subscription]()
	WatchSubscribe(m.Watches(), "_INBOX.1", sub)

	require.Equal(t, 1, hub.DropConnections())
	require.Eventually(t, func() bool { return m.State() == StateUnconnected }, testWait, tick)

	// Nothing fails until the grace delay has passed.
	select {
	case <-reply.Done():
		t.Fatal("call failed before the grace delay")
	default:
	}
	require.NoError(t, clk.WaitAdvance(DefaultLostDelay, testWait, 1))

	v, err := reply.Wait(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, connectionLostReply, v)
	_, err = sub.Wait(testCtx(t))
	require.ErrorIs(t, err, ErrHandleCancelled)

	// The next Get reconnects.
	_, err = m.Get(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, StateConnected, m.State())
}

func TestConnManagerStaleLoss(t *testing.T) {
	_, addr := newTestHub(t, HubConfig{})
	m := newTestManager(t, addr)

	_, err := m.Get(testCtx(t))
	require.NoError(t, err)
	m.mu.Lock()
	stale := m.generation
	m.mu.Unlock()

	require.NoError(t, m.Close())
	_, err = m.Get(testCtx(t))
	require.NoError(t, err)

	m.handleError(stale, ErrConnectionLost)
	require.Equal(t, StateConnected, m.State())
}

func TestConnManagerRequest(t *testing.T) {
	hub, addr := newTestHub(t, HubConfig{})
	serveRaw(t, hub, "refunc.ns.echo", []byte(`{"a":"rsp","p":"pong"}`))
	m := newTestManager(t, addr)

	reply := NewHandle[[]byte]()
	sub := m.Request("refunc.ns.echo", []byte(`{}`), reply)
	s, err := sub.Wait(testCtx(t))
	require.NoError(t, err)
	require.Contains(t, s.Topic(), inboxPrefix)

	v, err := reply.Wait(testCtx(t))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":"rsp","p":"pong"}`, string(v))
	m.Release(sub)
}
