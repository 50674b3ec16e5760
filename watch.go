// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"sort"
	"sync"
)

// WatchKind says which side of the bus a watch correlates with.
type WatchKind uint8

const (
	KindPublish WatchKind = iota + 1
	KindSubscribe
)

func (k WatchKind) String() string {
	switch k {
	case KindPublish:
		return "publish"
	case KindSubscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

type watchKey struct {
	kind  WatchKind
	topic string
}

// WatchRegistry correlates bus topics with the calls waiting on them, so
// that an asynchronous failure reported for a topic reaches exactly the
// calls it affects. Entries are dropped as soon as their handle
// completes, whichever way that happens.
type WatchRegistry struct {
	mu      sync.Mutex
	buckets map[watchKey]map[canceler]struct{}
}

// NewWatchRegistry returns an empty registry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{buckets: make(map[watchKey]map[canceler]struct{})}
}

// WatchPublish registers a reply handle under the publish side of topic.
// A publish-side failure resolves it with the failure payload.
func (r *WatchRegistry) WatchPublish(topic string, h *Handle[[]byte]) {
	r.watch(watchKey{KindPublish, topic}, h, h.OnDone)
}

// WatchSubscribe registers any handle under the subscribe side of topic.
// A subscribe-side failure cancels it.
func WatchSubscribe[T any](r *WatchRegistry, topic string, h *Handle[T]) {
	r.watch(watchKey{KindSubscribe, topic}, h, h.OnDone)
}

// Watch registers h under (kind, topic). Publish watches must carry
// *Handle[[]byte] since they are resolved with a payload.
func (r *WatchRegistry) Watch(kind WatchKind, topic string, h interface {
	canceler
	OnDone(func())
}) {
	if kind == KindPublish {
		if _, ok := h.(*Handle[[]byte]); !ok {
			panic("busrpc: publish watch requires *Handle[[]byte]")
		}
	}
	r.watch(watchKey{kind, topic}, h, h.OnDone)
}

func (r *WatchRegistry) watch(key watchKey, h canceler, onDone func(func())) {
	r.mu.Lock()
	bucket, ok := r.buckets[key]
	if !ok {
		bucket = make(map[canceler]struct{})
		r.buckets[key] = bucket
	}
	bucket[h] = struct{}{}
	r.mu.Unlock()

	// Runs immediately for an already completed handle, which removes
	// the entry again.
	onDone(func() { r.remove(key, h) })
}

func (r *WatchRegistry) remove(key watchKey, h canceler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.buckets[key]
	if !ok {
		return
	}
	delete(bucket, h)
	if len(bucket) == 0 {
		delete(r.buckets, key)
	}
}

// take removes and returns every handle under key.
func (r *WatchRegistry) take(key watchKey) []canceler {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.buckets[key]
	delete(r.buckets, key)
	handles := make([]canceler, 0, len(bucket))
	for h := range bucket {
		handles = append(handles, h)
	}
	return handles
}

// ResolveAll completes every handle watched under (kind, topic). Publish
// watches are resolved with result, subscribe watches are cancelled. It
// returns how many handles this call completed.
func (r *WatchRegistry) ResolveAll(kind WatchKind, topic string, result []byte) int {
	n := 0
	for _, h := range r.take(watchKey{kind, topic}) {
		var done bool
		if reply, ok := h.(*Handle[[]byte]); ok && kind == KindPublish {
			done = reply.Resolve(result)
		} else {
			done = h.Cancel()
		}
		if done {
			n++
		}
	}
	return n
}

// ResolveEverything resolves all publish watches with result and then
// cancels all subscribe watches, across every topic.
func (r *WatchRegistry) ResolveEverything(result []byte) int {
	n := 0
	for _, kind := range []WatchKind{KindPublish, KindSubscribe} {
		for _, topic := range r.Topics(kind) {
			n += r.ResolveAll(kind, topic, result)
		}
	}
	return n
}

// Len returns the number of handles watched under (kind, topic).
func (r *WatchRegistry) Len(kind WatchKind, topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets[watchKey{kind, topic}])
}

// Topics lists the topics with at least one watch of the given kind.
func (r *WatchRegistry) Topics(kind WatchKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var topics []string
	for key := range r.buckets {
		if key.kind == kind {
			topics = append(topics, key.topic)
		}
	}
	sort.Strings(topics)
	return topics
}
