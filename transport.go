// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"crypto/tls"
	"sort"
	"sync"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// Transport types, selected by the scheme of the bus address.
const (
	TransportMem   = "mem"   // In-process Hub
	TransportHTTP  = "http"  // JSON-RPC gateway
	TransportHTTPS = "https" // JSON-RPC gateway over TLS
	TransportGRPC  = "grpc"  // gRPC bus, requires build tag
)

// Msg is a message delivered on a bus topic.
type Msg struct {
	Topic string
	Reply string
	Data  []byte
}

// MsgHandler receives messages for a subscription.
type MsgHandler func(msg *Msg)

// Subscription is an active interest in a topic.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// Conn is a connection to a publish/subscribe bus. Permission failures
// and connection loss are not returned from Publish or Subscribe; the
// bus reports them asynchronously through DialOptions.ErrorHandler.
type Conn interface {
	// Publish sends data to topic. A non-empty reply names the topic the
	// receiver should answer on.
	Publish(topic, reply string, data []byte) error

	// Subscribe registers handler for messages on topic.
	Subscribe(topic string, handler MsgHandler) (Subscription, error)

	// Close closes the connection
	Close() error
}

// DialOption configures bus connections
type DialOption func(*DialOptions)

// DialOptions are the settings a transport dials with.
type DialOptions struct {
	Name         string
	Credentials  Credentials
	TLSConfig    *tls.Config
	ErrorHandler func(error)
	Logger       *zap.Logger
	Clock        clock.Clock
}

// WithName sets the client name announced to the bus
func WithName(name string) DialOption {
	return func(o *DialOptions) { o.Name = name }
}

// WithCredentials sets the credentials presented to the bus
func WithCredentials(c Credentials) DialOption {
	return func(o *DialOptions) { o.Credentials = c }
}

// WithTLSConfig sets the TLS configuration for network transports
func WithTLSConfig(c *tls.Config) DialOption {
	return func(o *DialOptions) { o.TLSConfig = c }
}

// WithErrorHandler sets the callback for asynchronous bus errors
func WithErrorHandler(fn func(error)) DialOption {
	return func(o *DialOptions) { o.ErrorHandler = fn }
}

// WithDialLogger sets the transport logger
func WithDialLogger(l *zap.Logger) DialOption {
	return func(o *DialOptions) { o.Logger = l }
}

// WithDialClock sets the clock network transports time retries with
func WithDialClock(c clock.Clock) DialOption {
	return func(o *DialOptions) { o.Clock = c }
}

func newDialOptions(opts []DialOption) *DialOptions {
	o := &DialOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.ErrorHandler == nil {
		o.ErrorHandler = func(error) {}
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	return o
}

type dialFunc func(ctx context.Context, addr string, o *DialOptions) (Conn, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]dialFunc{
		TransportMem:   dialMem,
		TransportHTTP:  dialHTTP,
		TransportHTTPS: dialHTTP,
	}
)

// registerTransport registers a new transport (used by build tags)
func registerTransport(name string, dial dialFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = dial
}

func lookupTransport(name string) (dialFunc, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	dial, ok := transports[name]
	return dial, ok
}

// AvailableTransports returns list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	_, ok := lookupTransport(name)
	return ok
}
