// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGateway(t *testing.T, config HubConfig) (*Hub, *Gateway, string) {
	t.Helper()
	hub, _ := newTestHub(t, config)
	gw, err := NewGateway(hub, zap.NewNop())
	require.NoError(t, err)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		_ = gw.Close()
		srv.Close()
	})
	return hub, gw, srv.URL
}

func TestGatewayPublishSubscribe(t *testing.T) {
	_, gw, addr := newTestGateway(t, HubConfig{})
	ctx := testCtx(t)

	conn, err := Dial(ctx, addr, WithName("tester"))
	require.NoError(t, err)
	require.Equal(t, 1, gw.Sessions())

	msgs := make(chan *Msg, 1)
	sub, err := conn.Subscribe("refunc.ns.echo", func(msg *Msg) { msgs <- msg })
	require.NoError(t, err)
	require.Equal(t, "refunc.ns.echo", sub.Topic())

	require.NoError(t, conn.Publish("refunc.ns.echo", "_INBOX.1", []byte("hello")))
	msg := recvMsg(t, msgs)
	require.Equal(t, "refunc.ns.echo", msg.Topic)
	require.Equal(t, "_INBOX.1", msg.Reply)
	require.Equal(t, []byte("hello"), msg.Data)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.Close(), ErrClosed)
	require.Zero(t, gw.Sessions())
}

func TestGatewayErrorsArePolled(t *testing.T) {
	_, _, addr := newTestGateway(t, HubConfig{
		MaxPayload: 16,
		Default:    Permissions{Publish: Rule{Deny: []string{"refunc.ns.secret"}}},
	})
	errs := make(chan error, 1)
	conn, err := Dial(testCtx(t), addr, WithErrorHandler(func(err error) { errs <- err }))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Publish("refunc.ns.secret", "", []byte("x")))
	class, topic := classifyBusError(recvErr(t, errs))
	require.Equal(t, classPublishDenied, class)
	require.Equal(t, "refunc.ns.secret", topic)

	err = conn.Publish("refunc.ns.echo", "", make([]byte, 17))
	require.ErrorIs(t, err, ErrMaxPayload)
}

func TestGatewayAuth(t *testing.T) {
	_, _, addr := newTestGateway(t, HubConfig{
		Users: map[string]HubUser{"alice": {Password: "secret"}},
	})

	_, err := Dial(testCtx(t), addr, WithCredentials(Credentials{User: "alice", Password: "nope"}))
	require.ErrorContains(t, err, "authorization violation")

	conn, err := Dial(testCtx(t), addr, WithCredentials(Credentials{User: "alice", Password: "secret"}))
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestGatewayUnknownSession(t *testing.T) {
	_, _, addr := newTestGateway(t, HubConfig{})
	var reply PollReply
	err := sendJSONRequest(testCtx(t), http.DefaultClient, clock.WallClock, zap.NewNop(), addr, "Bus.Poll",
		&PollArgs{Session: "missing", WaitMillis: 10}, &reply)
	var jerr *json2.Error
	require.ErrorAs(t, err, &jerr)
	require.Contains(t, jerr.Message, "unknown session")
}

func TestGatewayInvoke(t *testing.T) {
	hub, gw, addr := newTestGateway(t, HubConfig{})
	serve(t, hub, "refunc.ns.echo", echoArgs)
	c := newTestClient(t, &Env{Name: "test", Addr: addr})

	v, err := c.Invoke(testCtx(t), "ns/echo", map[string]any{"via": "http"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"via": "http"}, v)

	require.NoError(t, c.Shutdown())
	require.Zero(t, gw.Sessions())
}

func TestGatewayInvokePublishDenied(t *testing.T) {
	_, _, addr := newTestGateway(t, HubConfig{
		Default: Permissions{Publish: Rule{Deny: []string{"refunc.ns.echo"}}},
	})
	c := newTestClient(t, &Env{Name: "test", Addr: addr})

	_, err := c.Invoke(testCtx(t), "ns/echo", nil, WithTimeout(testWait))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestGatewayInvokeMaxPayload(t *testing.T) {
	_, _, addr := newTestGateway(t, HubConfig{MaxPayload: 256})
	c := newTestClient(t, &Env{Name: "test", Addr: addr})

	_, err := c.Invoke(testCtx(t), "ns/echo", map[string]any{"blob": strings.Repeat("x", 1024)})
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestGatewayInvokeConnectionLost(t *testing.T) {
	hub, _, addr := newTestGateway(t, HubConfig{})
	received := make(chan struct{}, 1)
	quiet, err := hub.Dial(testCtx(t), "")
	require.NoError(t, err)
	_, err = quiet.Subscribe("refunc.ns.quiet", func(*Msg) { received <- struct{}{} })
	require.NoError(t, err)

	c := newTestClient(t, &Env{Name: "test", Addr: addr})
	errs := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), "ns/quiet", nil, WithTimeout(testWait))
		errs <- err
	}()

	<-received
	hub.DropConnections()
	err = <-errs
	require.ErrorIs(t, err, ErrRemote)
	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	require.Equal(t, "Connection lost", callErr.Payload)

	serve(t, hub, "refunc.ns.echo", echoArgs)
	v, err := c.Invoke(testCtx(t), "ns/echo", map[string]any{"back": "yes"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"back": "yes"}, v)
}

func TestBusErrorFromText(t *testing.T) {
	require.Equal(t, ErrConnectionLost, busErrorFromText(ErrConnectionLost.Error()))
	require.ErrorIs(t, busErrorFromText("busrpc: maximum payload exceeded: 20 > 16 bytes"), ErrMaxPayload)
	require.ErrorIs(t, busErrorFromText(`session: busrpc: connection closed`), ErrClosed)
	require.EqualError(t, busErrorFromText("slow consumer"), "slow consumer")
}

// flakyGateway drops the connection of the first fail requests without an
// answer and replies to the rest with a fixed session.
func flakyGateway(t *testing.T, fail int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) <= fail {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","result":{"Session":"s1"},"id":1}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestSendJSONRequestRetries(t *testing.T) {
	srv, requests := flakyGateway(t, 2)
	clk := testclock.NewClock(time.Now())
	ctx := testCtx(t)

	var reply ConnectReply
	done := make(chan error, 1)
	go func() {
		done <- sendJSONRequest(ctx, newHTTPClient(&DialOptions{}), clk, zap.NewNop(),
			srv.URL, "Bus.Connect", &ConnectArgs{}, &reply)
	}()

	require.NoError(t, clk.WaitAdvance(retryBaseWait, testWait, 1))
	require.NoError(t, clk.WaitAdvance(2*retryBaseWait, testWait, 1))
	require.NoError(t, recvErrOrNil(t, done))
	require.Equal(t, "s1", reply.Session)
	require.EqualValues(t, 3, requests.Load())
}

func TestSendJSONRequestGivesUp(t *testing.T) {
	srv, requests := flakyGateway(t, maxRetries)
	clk := testclock.NewClock(time.Now())
	ctx := testCtx(t)

	done := make(chan error, 1)
	go func() {
		var reply ConnectReply
		done <- sendJSONRequest(ctx, newHTTPClient(&DialOptions{}), clk, zap.NewNop(),
			srv.URL, "Bus.Connect", &ConnectArgs{}, &reply)
	}()

	require.NoError(t, clk.WaitAdvance(retryBaseWait, testWait, 1))
	require.NoError(t, clk.WaitAdvance(2*retryBaseWait, testWait, 1))
	err := recvErrOrNil(t, done)
	require.ErrorContains(t, err, "failed to issue request after 3 retries")
	require.EqualValues(t, maxRetries, requests.Load())
}

func TestSendJSONRequestStatusIsNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var reply ConnectReply
	err := sendJSONRequest(testCtx(t), newHTTPClient(&DialOptions{}), testclock.NewClock(time.Now()),
		zap.NewNop(), srv.URL, "Bus.Connect", &ConnectArgs{}, &reply)
	require.EqualError(t, err, "received status code: 502")
	require.EqualValues(t, 1, requests.Load())
}

func recvErrOrNil(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(testWait):
		t.Fatal("request did not return")
		return nil
	}
}
