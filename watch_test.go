// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWatchResolveAllPublish(t *testing.T) {
	r := NewWatchRegistry()
	a, b := NewHandle[[]byte](), NewHandle[[]byte]()
	other := NewHandle[[]byte]()
	r.WatchPublish("refunc.ns.echo", a)
	r.WatchPublish("refunc.ns.echo", b)
	r.WatchPublish("refunc.ns.other", other)
	require.Equal(t, 2, r.Len(KindPublish, "refunc.ns.echo"))

	require.Equal(t, 2, r.ResolveAll(KindPublish, "refunc.ns.echo", accessDeniedReply))
	for _, h := range []*Handle[[]byte]{a, b} {
		v, err := h.Result()
		require.NoError(t, err)
		require.Equal(t, accessDeniedReply, v)
	}
	require.Zero(t, r.Len(KindPublish, "refunc.ns.echo"))
	require.Equal(t, 1, r.Len(KindPublish, "refunc.ns.other"))

	// Nothing left to resolve.
	require.Zero(t, r.ResolveAll(KindPublish, "refunc.ns.echo", accessDeniedReply))
}

func TestWatchResolveAllSubscribeCancels(t *testing.T) {
	r := NewWatchRegistry()
	sub := NewHandle[Subscription]()
	reply := NewHandle[[]byte]()
	WatchSubscribe(r, "_INBOX.1", sub)
	WatchSubscribe(r, "_INBOX.1", reply)

	require.Equal(t, 2, r.ResolveAll(KindSubscribe, "_INBOX.1", []byte("ignored")))
	require.True(t, sub.Cancelled())
	require.True(t, reply.Cancelled())
}

func TestWatchEntriesDropOnCompletion(t *testing.T) {
	r := NewWatchRegistry()
	h := NewHandle[[]byte]()
	r.WatchPublish("t", h)
	WatchSubscribe(r, "inbox", h)
	require.Equal(t, []string{"t"}, r.Topics(KindPublish))
	require.Equal(t, []string{"inbox"}, r.Topics(KindSubscribe))

	h.Resolve([]byte("ok"))
	require.Empty(t, r.Topics(KindPublish))
	require.Empty(t, r.Topics(KindSubscribe))

	// Watching a completed handle leaves nothing behind.
	r.WatchPublish("t", h)
	require.Zero(t, r.Len(KindPublish, "t"))
}

func TestWatchResolveEverything(t *testing.T) {
	r := NewWatchRegistry()
	replies := []*Handle[[]byte]{NewHandle[[]byte](), NewHandle[[]byte]()}
	r.WatchPublish("a", replies[0])
	r.WatchPublish("b", replies[1])
	sub := NewHandle[Subscription]()
	WatchSubscribe(r, "_INBOX.x", sub)
	// Watched on both sides; the publish side gets it first.
	WatchSubscribe(r, "_INBOX.y", replies[0])

	require.Equal(t, 3, r.ResolveEverything(connectionLostReply))
	for _, h := range replies {
		v, err := h.Result()
		require.NoError(t, err)
		require.Equal(t, connectionLostReply, v)
	}
	require.True(t, sub.Cancelled())
	require.Empty(t, r.Topics(KindPublish))
	require.Empty(t, r.Topics(KindSubscribe))
}

func TestWatchKinds(t *testing.T) {
	r := NewWatchRegistry()
	require.Panics(t, func() { r.Watch(KindPublish, "t", NewHandle[int]()) })

	h := NewHandle[int]()
	r.Watch(KindSubscribe, "t", h)
	require.Equal(t, 1, r.ResolveAll(KindSubscribe, "t", nil))
	require.True(t, h.Cancelled())

	require.Equal(t, "publish", KindPublish.String())
	require.Equal(t, "subscribe", KindSubscribe.String())
}
