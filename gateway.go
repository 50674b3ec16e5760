// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/juju/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Gateway limits.
const (
	MaxPollWait       = 30 * time.Second
	DefaultPollWait   = 5 * time.Second
	MaxQueuedMessages = 4096
)

var errUnknownSession = errors.New("unknown session")

// ConnectArgs opens a gateway session.
type ConnectArgs struct {
	Name     string `json:"name"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// ConnectReply names the opened session.
type ConnectReply struct {
	Session string `json:"session"`
}

// SessionArgs addresses an existing session.
type SessionArgs struct {
	Session string `json:"session"`
}

// PublishArgs publishes one message.
type PublishArgs struct {
	Session string `json:"session"`
	Topic   string `json:"topic"`
	Reply   string `json:"reply,omitempty"`
	Data    []byte `json:"data"`
}

// SubscribeArgs subscribes under a client chosen id, so messages can be
// polled before the Subscribe reply arrives.
type SubscribeArgs struct {
	Session string `json:"session"`
	ID      string `json:"id"`
	Topic   string `json:"topic"`
}

// UnsubscribeArgs removes a subscription.
type UnsubscribeArgs struct {
	Session string `json:"session"`
	ID      string `json:"id"`
}

// PollArgs waits up to WaitMillis for queued messages or errors.
type PollArgs struct {
	Session    string `json:"session"`
	WaitMillis int64  `json:"waitMillis"`
}

// PolledMsg is a message delivered to subscription ID.
type PolledMsg struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Reply string `json:"reply,omitempty"`
	Data  []byte `json:"data"`
}

// PollReply carries everything queued since the previous poll. Errors
// are the text of asynchronous bus errors.
type PollReply struct {
	Messages []PolledMsg `json:"messages"`
	Errors   []string    `json:"errors"`
}

// Empty is the reply of calls that return nothing.
type Empty struct{}

// GatewayOption configures a Gateway
type GatewayOption func(*Gateway)

// WithGatewayClock sets the clock bounding long polls
func WithGatewayClock(c clock.Clock) GatewayOption {
	return func(g *Gateway) { g.clock = c }
}

// Gateway exposes a Hub over HTTP as the JSON-RPC 2.0 service "Bus".
// Clients open a session, publish and subscribe through it, and collect
// messages and asynchronous errors with Poll.
type Gateway struct {
	hub    *Hub
	logger *zap.Logger
	clock  clock.Clock
	server *rpc.Server

	mu       sync.Mutex
	sessions map[string]*gatewaySession
}

// NewGateway returns an http.Handler serving hub.
func NewGateway(hub *Hub, logger *zap.Logger, opts ...GatewayOption) (*Gateway, error) {
	if logger == nil {
		logger = zap.L()
	}
	g := &Gateway{
		hub:      hub,
		logger:   logger.Named("gateway"),
		clock:    clock.WallClock,
		sessions: make(map[string]*gatewaySession),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.server = rpc.NewServer()
	g.server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := g.server.RegisterService(&BusService{g: g}, "Bus"); err != nil {
		return nil, fmt.Errorf("registering bus service: %w", err)
	}
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.server.ServeHTTP(w, r)
}

// Sessions returns the number of open sessions.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Close ends every session.
func (g *Gateway) Close() error {
	g.mu.Lock()
	sessions := g.sessions
	g.sessions = make(map[string]*gatewaySession)
	g.mu.Unlock()

	var errs error
	for _, s := range sessions {
		errs = multierr.Append(errs, s.close())
	}
	return errs
}

func (g *Gateway) session(id string) (*gatewaySession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownSession, id)
	}
	return s, nil
}

func (g *Gateway) removeSession(id string) (*gatewaySession, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	delete(g.sessions, id)
	return s, ok
}

type gatewaySession struct {
	id     string
	logger *zap.Logger
	conn   Conn

	mu     sync.Mutex
	subs   map[string]Subscription
	msgs   []PolledMsg
	errs   []string
	closed bool
	notify chan struct{}
}

func (s *gatewaySession) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *gatewaySession) pushMsg(m PolledMsg) {
	s.mu.Lock()
	if len(s.msgs) >= MaxQueuedMessages {
		s.mu.Unlock()
		s.logger.Warn("dropping message for slow session", zap.String("topic", m.Topic))
		return
	}
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	s.wake()
}

func (s *gatewaySession) pushErr(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err.Error())
	s.mu.Unlock()
	s.wake()
}

func (s *gatewaySession) drain() ([]PolledMsg, []string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, errs := s.msgs, s.errs
	s.msgs, s.errs = nil, nil
	return msgs, errs, s.closed
}

func (s *gatewaySession) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subs = nil
	s.mu.Unlock()
	s.wake()

	if err := s.conn.Close(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// BusService implements the gateway's JSON-RPC methods.
type BusService struct {
	g *Gateway
}

// Connect opens a session with the given credentials.
func (b *BusService) Connect(r *http.Request, args *ConnectArgs, reply *ConnectReply) error {
	g := b.g
	s := &gatewaySession{
		id:     uuid.NewString(),
		subs:   make(map[string]Subscription),
		notify: make(chan struct{}, 1),
	}
	s.logger = g.logger.With(zap.String("session", s.id))

	conn, err := g.hub.dial(r.Context(), &DialOptions{
		Name: args.Name,
		Credentials: Credentials{
			User:     args.User,
			Password: args.Password,
			Token:    args.Token,
		},
		ErrorHandler: s.pushErr,
		Logger:       s.logger,
	})
	if err != nil {
		g.logger.Info("session refused", zap.String("name", args.Name), zap.Error(err))
		return err
	}
	s.conn = conn

	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()

	s.logger.Debug("session opened", zap.String("name", args.Name))
	reply.Session = s.id
	return nil
}

// Publish sends one message.
func (b *BusService) Publish(_ *http.Request, args *PublishArgs, _ *Empty) error {
	s, err := b.g.session(args.Session)
	if err != nil {
		return err
	}
	return s.conn.Publish(args.Topic, args.Reply, args.Data)
}

// Subscribe queues messages on a topic for Poll.
func (b *BusService) Subscribe(_ *http.Request, args *SubscribeArgs, _ *Empty) error {
	s, err := b.g.session(args.Session)
	if err != nil {
		return err
	}
	if args.ID == "" {
		return errors.New("subscription id required")
	}
	id := args.ID
	sub, err := s.conn.Subscribe(args.Topic, func(msg *Msg) {
		s.pushMsg(PolledMsg{ID: id, Topic: msg.Topic, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = sub.Unsubscribe()
		return ErrClosed
	}
	if old, ok := s.subs[id]; ok {
		_ = old.Unsubscribe()
	}
	s.subs[id] = sub
	return nil
}

// Unsubscribe drops a subscription. Unknown ids are ignored.
func (b *BusService) Unsubscribe(_ *http.Request, args *UnsubscribeArgs, _ *Empty) error {
	s, err := b.g.session(args.Session)
	if err != nil {
		return err
	}
	s.mu.Lock()
	sub, ok := s.subs[args.ID]
	delete(s.subs, args.ID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// Poll returns queued messages and errors, waiting for some to arrive if
// none are queued.
func (b *BusService) Poll(r *http.Request, args *PollArgs, reply *PollReply) error {
	s, err := b.g.session(args.Session)
	if err != nil {
		return err
	}

	wait := time.Duration(args.WaitMillis) * time.Millisecond
	switch {
	case wait <= 0:
		wait = DefaultPollWait
	case wait > MaxPollWait:
		wait = MaxPollWait
	}
	timer := b.g.clock.NewTimer(wait)
	defer timer.Stop()

	for {
		msgs, errs, closed := s.drain()
		if len(msgs) > 0 || len(errs) > 0 {
			reply.Messages, reply.Errors = msgs, errs
			return nil
		}
		if closed {
			return ErrClosed
		}
		select {
		case <-s.notify:
		case <-timer.Chan():
			return nil
		case <-r.Context().Done():
			return nil
		}
	}
}

// Close ends the session.
func (b *BusService) Close(_ *http.Request, args *SessionArgs, _ *Empty) error {
	s, ok := b.g.removeSession(args.Session)
	if !ok {
		return nil
	}
	s.logger.Debug("session closed")
	return s.close()
}
