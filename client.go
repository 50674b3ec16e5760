// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Call limits.
const (
	// MaxCallTimeout bounds calls when neither the call nor the
	// environment sets a timeout.
	MaxCallTimeout = 4 * time.Hour
	// MetaTimeout bounds Meta calls.
	MetaTimeout = time.Second
	// SlowCallThreshold is the wall time after which a successful call
	// is logged as slow.
	SlowCallThreshold = 3 * time.Second
	// LogSubscribeTimeout bounds the wait for the log forwarding
	// subscription before a call is published.
	LogSubscribeTimeout = time.Second
	// DefaultRouterSink prefixes every endpoint topic.
	DefaultRouterSink = "refunc"
)

// Option configures a Client
type Option func(*clientOptions)

type clientOptions struct {
	logger      *zap.Logger
	codec       Codec
	payloads    PayloadCodec
	sink        string
	mgr         *ConnManager
	connOptions []ConnOption
	metrics     *Metrics
	clock       clock.Clock
	logSink     func(endpoint string, msg *Msg)
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithCodec sets the envelope codec
func WithCodec(c Codec) Option {
	return func(o *clientOptions) { o.codec = c }
}

// WithPayloadCodec sets the codec tried on string reply payloads
func WithPayloadCodec(pc PayloadCodec) Option {
	return func(o *clientOptions) { o.payloads = pc }
}

// WithRouterSink sets the topic prefix endpoints are published under
func WithRouterSink(sink string) Option {
	return func(o *clientOptions) { o.sink = sink }
}

// WithConnManager shares an existing connection manager. The client does
// not close a shared manager on Shutdown.
func WithConnManager(m *ConnManager) Option {
	return func(o *clientOptions) { o.mgr = m }
}

// WithConnOptions configures the connection manager the client creates
func WithConnOptions(opts ...ConnOption) Option {
	return func(o *clientOptions) { o.connOptions = append(o.connOptions, opts...) }
}

// WithMetrics reports call statistics to m
func WithMetrics(m *Metrics) Option {
	return func(o *clientOptions) { o.metrics = m }
}

// WithCallClock sets the clock used to time calls
func WithCallClock(c clock.Clock) Option {
	return func(o *clientOptions) { o.clock = c }
}

// WithLogSink receives forwarded remote log lines instead of the logger
func WithLogSink(fn func(endpoint string, msg *Msg)) Option {
	return func(o *clientOptions) { o.logSink = fn }
}

// Client invokes endpoints over the bus. It is safe for concurrent use.
type Client struct {
	env      Environment
	mgr      *ConnManager
	ownsMgr  bool
	codec    Codec
	payloads PayloadCodec
	sink     string
	logger   *zap.Logger
	metrics  *Metrics
	clock    clock.Clock
	logSink  func(endpoint string, msg *Msg)

	mu    sync.Mutex
	calls map[*Handle[[]byte]]struct{}
}

// NewClient returns a client for env. Unless WithConnManager is given it
// creates its own loop, watch registry and connection manager.
func NewClient(env Environment, opts ...Option) *Client {
	o := &clientOptions{
		logger:   zap.L(),
		codec:    defaultCodec,
		payloads: CBORPayload{},
		sink:     DefaultRouterSink,
		clock:    clock.WallClock,
	}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger.Named("busrpc")

	c := &Client{
		env:      env,
		mgr:      o.mgr,
		codec:    o.codec,
		payloads: o.payloads,
		sink:     o.sink,
		logger:   logger.Named("client"),
		metrics:  o.metrics,
		clock:    o.clock,
		logSink:  o.logSink,
		calls:    make(map[*Handle[[]byte]]struct{}),
	}
	if c.mgr == nil {
		connOptions := append([]ConnOption{
			WithConnLogger(logger),
			WithConnMetrics(o.metrics),
		}, o.connOptions...)
		c.mgr = NewConnManager(env, NewLoop(logger), NewWatchRegistry(), connOptions...)
		c.ownsMgr = true
	}
	c.mgr.Loop().EnsureStarted()
	return c
}

// ConnManager returns the connection manager the client calls through.
func (c *Client) ConnManager() *ConnManager { return c.mgr }

// Endpoint returns the façade for the named endpoint, e.g. "ns/echo".
func (c *Client) Endpoint(name string) *Endpoint {
	name = strings.Trim(name, "/")
	return &Endpoint{
		client: c,
		name:   name,
		topic:  c.sink + "." + strings.ReplaceAll(name, "/", "."),
	}
}

// Invoke calls endpoint with request. See Endpoint.Invoke.
func (c *Client) Invoke(ctx context.Context, endpoint string, request any, opts ...CallOption) (any, error) {
	return c.Endpoint(endpoint).Invoke(ctx, request, opts...)
}

// Meta fetches endpoint metadata. See Endpoint.Meta.
func (c *Client) Meta(ctx context.Context, endpoint string) map[string]any {
	return c.Endpoint(endpoint).Meta(ctx)
}

// Shutdown cancels every pending call made through c. A client that
// created its own connection manager also stops its loop and closes the
// connection; a shared manager is left running.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	replies := make([]*Handle[[]byte], 0, len(c.calls))
	for h := range c.calls {
		replies = append(replies, h)
	}
	c.mu.Unlock()
	for _, h := range replies {
		h.Cancel()
	}

	if !c.ownsMgr {
		return nil
	}
	err := c.mgr.Loop().Shutdown()
	return multierr.Append(err, c.mgr.Close())
}

// trackCall records reply until it completes.
func (c *Client) trackCall(reply *Handle[[]byte]) {
	c.mu.Lock()
	c.calls[reply] = struct{}{}
	c.mu.Unlock()
	reply.OnDone(func() {
		c.mu.Lock()
		delete(c.calls, reply)
		c.mu.Unlock()
	})
}

// Endpoint is a callable remote function addressed by name.
type Endpoint struct {
	client *Client
	name   string
	topic  string
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.name }

// Topic returns the bus topic requests are published to.
func (e *Endpoint) Topic() string { return e.topic }

// Func returns Invoke as a plain function value.
func (e *Endpoint) Func() func(ctx context.Context, request any, opts ...CallOption) (any, error) {
	return e.Invoke
}

// CallOption configures a single call
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	args    []kv
}

type kv struct {
	key   string
	value any
}

// WithTimeout bounds the call
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Arg adds key to the call's arguments, overriding the request map
func Arg(key string, value any) CallOption {
	return func(o *callOptions) { o.args = append(o.args, kv{key, value}) }
}

func newCallOptions(opts []CallOption) *callOptions {
	o := &callOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
