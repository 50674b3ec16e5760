// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/juju/pubsub/v2"
	"go.uber.org/zap"
)

// DefaultMaxPayload is the largest message a Hub accepts by default.
const DefaultMaxPayload = 1 << 20

// Rule decides which topics an operation is allowed on. Patterns are exact
// topics, or a prefix ending in ".>" that matches everything below it; a
// lone ">" matches every topic. Deny wins over Allow, and an empty Allow
// list allows everything not denied.
type Rule struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

func (r Rule) permits(topic string) bool {
	for _, p := range r.Deny {
		if matchTopic(p, topic) {
			return false
		}
	}
	if len(r.Allow) == 0 {
		return true
	}
	for _, p := range r.Allow {
		if matchTopic(p, topic) {
			return true
		}
	}
	return false
}

func matchTopic(pattern, topic string) bool {
	switch {
	case pattern == ">":
		return true
	case strings.HasSuffix(pattern, ".>"):
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	default:
		return pattern == topic
	}
}

// Permissions are the publish and subscribe rules of one bus user.
type Permissions struct {
	Publish   Rule `yaml:"publish"`
	Subscribe Rule `yaml:"subscribe"`
}

// HubUser is an account on a Hub.
type HubUser struct {
	Password    string      `yaml:"password"`
	Permissions Permissions `yaml:"permissions"`
}

// HubConfig configures a Hub.
type HubConfig struct {
	// MaxPayload bounds message size; zero means DefaultMaxPayload.
	MaxPayload int `yaml:"max_payload"`
	// Users, when non-empty, restricts connections to these accounts.
	Users map[string]HubUser `yaml:"users"`
	// Default applies to connections when Users is empty.
	Default Permissions `yaml:"default"`
	Logger  *zap.Logger `yaml:"-"`
}

// Hub is an in-process publish/subscribe bus. It enforces per-user topic
// permissions and a payload limit, and reports violations the way a
// network bus does: asynchronously, through the connection's error
// handler.
type Hub struct {
	config HubConfig
	hub    *pubsub.SimpleHub
	logger *zap.Logger

	mu    sync.Mutex
	conns map[*HubConn]struct{}
}

// NewHub returns a running hub.
func NewHub(config HubConfig) *Hub {
	if config.MaxPayload <= 0 {
		config.MaxPayload = DefaultMaxPayload
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.L()
	}
	return &Hub{
		config: config,
		hub:    pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{}),
		logger: logger.Named("hub"),
		conns:  make(map[*HubConn]struct{}),
	}
}

var (
	hubsMu sync.RWMutex
	hubs   = map[string]*Hub{}
)

// RegisterHub makes hub reachable through Dial as mem://name.
func RegisterHub(name string, hub *Hub) {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	hubs[name] = hub
}

// UnregisterHub removes a hub registered with RegisterHub.
func UnregisterHub(name string) {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	delete(hubs, name)
}

func lookupHub(name string) (*Hub, bool) {
	hubsMu.RLock()
	defer hubsMu.RUnlock()
	hub, ok := hubs[name]
	return hub, ok
}

// Dial connects to the hub directly. The address is ignored, so the
// method can be used as a Dialer.
func (h *Hub) Dial(ctx context.Context, _ string, opts ...DialOption) (Conn, error) {
	return h.dial(ctx, newDialOptions(opts))
}

func (h *Hub) dial(ctx context.Context, o *DialOptions) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	perms, err := h.authenticate(o.Credentials)
	if err != nil {
		return nil, err
	}
	c := &HubConn{
		hub:     h,
		name:    o.Name,
		perms:   perms,
		onError: o.ErrorHandler,
		subs:    make(map[*hubSub]struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("name", o.Name), zap.String("user", o.Credentials.User))
	return c, nil
}

func (h *Hub) authenticate(creds Credentials) (Permissions, error) {
	if len(h.config.Users) == 0 {
		return h.config.Default, nil
	}
	user, ok := h.config.Users[creds.User]
	if !ok || user.Password != creds.Password {
		return Permissions{}, fmt.Errorf("authorization violation for user %q", creds.User)
	}
	return user.Permissions, nil
}

// Conns returns the number of live connections.
func (h *Hub) Conns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// DropConnections severs every live connection and reports
// ErrConnectionLost to each of them. It returns how many were dropped.
func (h *Hub) DropConnections() int {
	h.mu.Lock()
	conns := make([]*HubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if c.shutdown() {
			c.report(ErrConnectionLost)
		}
	}
	return len(conns)
}

// publish delivers a message to every subscriber of msg.Topic.
func (h *Hub) publish(msg *Msg) {
	h.hub.Publish(msg.Topic, msg)
}

// HubConn is a client connection to a Hub.
type HubConn struct {
	hub     *Hub
	name    string
	perms   Permissions
	onError func(error)

	mu     sync.Mutex
	closed bool
	subs   map[*hubSub]struct{}
}

func (c *HubConn) report(err error) {
	go c.onError(err)
}

func (c *HubConn) Publish(topic, reply string, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if len(data) > c.hub.config.MaxPayload {
		return fmt.Errorf("%w: %d > %d bytes", ErrMaxPayload, len(data), c.hub.config.MaxPayload)
	}
	if !c.perms.Publish.permits(topic) {
		c.report(&PermissionError{Kind: KindPublish, Topic: topic})
		return nil
	}
	c.hub.publish(&Msg{
		Topic: topic,
		Reply: reply,
		Data:  append([]byte(nil), data...),
	})
	return nil
}

func (c *HubConn) Subscribe(topic string, handler MsgHandler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	s := &hubSub{conn: c, topic: topic}
	if !c.perms.Subscribe.permits(topic) {
		// The subscription exists but never receives anything.
		c.report(&PermissionError{Kind: KindSubscribe, Topic: topic})
		return s, nil
	}
	s.unsub = c.hub.hub.Subscribe(topic, func(_ string, data interface{}) {
		msg, ok := data.(*Msg)
		if !ok || !s.active() {
			return
		}
		handler(msg)
	})
	c.subs[s] = struct{}{}
	return s, nil
}

// shutdown marks the connection closed and drops its subscriptions. It
// reports whether this call did the closing.
func (c *HubConn) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	c.hub.mu.Lock()
	delete(c.hub.conns, c)
	c.hub.mu.Unlock()
	return true
}

func (c *HubConn) Close() error {
	if !c.shutdown() {
		return ErrClosed
	}
	return nil
}

type hubSub struct {
	conn  *HubConn
	topic string
	unsub func()

	mu      sync.Mutex
	stopped bool
}

func (s *hubSub) Topic() string { return s.topic }

func (s *hubSub) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

func (s *hubSub) stop() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.stopped = true
	unsub := s.unsub
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	return true
}

func (s *hubSub) Unsubscribe() error {
	if !s.stop() {
		return nil
	}
	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()
	return nil
}
