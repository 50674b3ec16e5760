// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
)

// ConnState is the lifecycle state of the managed bus connection.
type ConnState int32

const (
	StateUnconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Connection defaults.
const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultConnectAttempts = 3
	DefaultRetryDelay      = 100 * time.Millisecond
	DefaultLostDelay       = 100 * time.Millisecond
)

// LogForwardPrefix starts every topic used to forward remote logs.
const LogForwardPrefix = "_refunc.forwardlogs."

const inboxPrefix = "_INBOX."

// Dialer opens a bus connection. Dial is the default.
type Dialer func(ctx context.Context, addr string, opts ...DialOption) (Conn, error)

// ConnOption configures a ConnManager
type ConnOption func(*ConnManager)

// WithDialer replaces the function used to open bus connections
func WithDialer(d Dialer) ConnOption {
	return func(m *ConnManager) { m.dial = d }
}

// WithClock sets the clock driving connect retries and the connection
// loss grace delay
func WithClock(c clock.Clock) ConnOption {
	return func(m *ConnManager) { m.clock = c }
}

// WithConnectTimeout bounds the whole connect sequence
func WithConnectTimeout(d time.Duration) ConnOption {
	return func(m *ConnManager) { m.connectTimeout = d }
}

// WithConnectAttempts bounds the number of dial attempts per connect
func WithConnectAttempts(n int) ConnOption {
	return func(m *ConnManager) { m.connectAttempts = n }
}

// WithLostDelay sets how long after a connection loss pending calls are
// failed
func WithLostDelay(d time.Duration) ConnOption {
	return func(m *ConnManager) { m.lostDelay = d }
}

// WithConnLogger sets the logger
func WithConnLogger(l *zap.Logger) ConnOption {
	return func(m *ConnManager) { m.logger = l }
}

// WithConnMetrics sets the metrics the manager reports bus errors to
func WithConnMetrics(metrics *Metrics) ConnOption {
	return func(m *ConnManager) { m.metrics = metrics }
}

// ConnManager owns the single shared bus connection and turns the bus's
// asynchronous error stream into outcomes for the calls it affects.
type ConnManager struct {
	env     Environment
	loop    *Loop
	watches *WatchRegistry
	dial    Dialer
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics

	connectTimeout  time.Duration
	connectAttempts int
	lostDelay       time.Duration

	// mu guards the fields below and is held for a whole connect, so
	// there is never more than one connect in flight.
	mu         sync.Mutex
	state      ConnState
	conn       Conn
	generation uint64
}

// NewConnManager returns a manager in the unconnected state. Nothing is
// dialed until the first Get.
func NewConnManager(env Environment, loop *Loop, watches *WatchRegistry, opts ...ConnOption) *ConnManager {
	m := &ConnManager{
		env:             env,
		loop:            loop,
		watches:         watches,
		dial:            Dial,
		clock:           clock.WallClock,
		logger:          zap.L(),
		connectTimeout:  DefaultConnectTimeout,
		connectAttempts: DefaultConnectAttempts,
		lostDelay:       DefaultLostDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("conn")
	return m
}

// Loop returns the loop the manager runs bus I/O on.
func (m *ConnManager) Loop() *Loop { return m.loop }

// Watches returns the registry the manager resolves on bus errors.
func (m *ConnManager) Watches() *WatchRegistry { return m.watches }

// State returns the current connection state.
func (m *ConnManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnManager) setStateLocked(s ConnState) {
	if m.state != s {
		m.logger.Debug("connection state", zap.Stringer("from", m.state), zap.Stringer("to", s))
	}
	m.state = s
}

// Get returns the connected bus connection, connecting first if needed.
// A failed connect leaves the manager unconnected so a later Get tries
// again.
func (m *ConnManager) Get(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateConnected && m.conn != nil {
		return m.conn, nil
	}

	m.setStateLocked(StateConnecting)
	conn, err := m.connectLocked(ctx)
	if err != nil {
		m.conn = nil
		m.setStateLocked(StateUnconnected)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	m.conn = conn
	m.setStateLocked(StateConnected)
	return conn, nil
}

func (m *ConnManager) connectLocked(ctx context.Context) (Conn, error) {
	addr := m.env.BusAddr()
	if addr == "" {
		return nil, errors.New("no bus address configured")
	}

	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	creds := m.env.Credentials()
	tlsConfig, err := creds.TLSConfig()
	if err != nil {
		return nil, err
	}

	gen := m.generation + 1
	opts := []DialOption{
		WithName(m.env.ProcessName()),
		WithCredentials(creds),
		WithTLSConfig(tlsConfig),
		WithDialLogger(m.logger),
		WithDialClock(m.clock),
		WithErrorHandler(func(err error) { m.handleError(gen, err) }),
	}

	var conn Conn
	var lastErr error
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			c, err := m.dial(ctx, addr, opts...)
			if err != nil {
				lastErr = err
				return err
			}
			conn = c
			return nil
		},
		IsFatalError: func(error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			m.logger.Warn("bus connect attempt failed",
				zap.String("addr", addr),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
		Attempts:    m.connectAttempts,
		Delay:       DefaultRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		MaxDuration: m.connectTimeout,
		Clock:       m.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		// Fatal errors come back traced; report what the dialer said.
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}

	m.generation = gen
	m.logger.Info("connected to bus", zap.String("addr", addr))
	return conn, nil
}

// Close closes the current connection. The next Get dials a new one.
func (m *ConnManager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	if conn != nil {
		m.setStateLocked(StateClosed)
	}
	m.setStateLocked(StateUnconnected)
	// Errors still arriving from the closed connection are stale.
	m.generation++
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

type busErrorClass string

const (
	classPublishDenied   busErrorClass = "publish_denied"
	classSubscribeDenied busErrorClass = "subscribe_denied"
	classConnectionLost  busErrorClass = "connection_lost"
	classOther           busErrorClass = "other"
)

var permissionViolation = regexp.MustCompile(`(?i)permissions? violation for (publish|subscription|subscribe) to "?([^"\s]+)"?`)

// classifyBusError sorts a bus error into one of the classes the manager
// acts on. Typed transport errors are recognized directly; anything else
// is matched on its text.
func classifyBusError(err error) (busErrorClass, string) {
	var perm *PermissionError
	if errors.As(err, &perm) {
		if perm.Kind == KindSubscribe {
			return classSubscribeDenied, perm.Topic
		}
		return classPublishDenied, perm.Topic
	}
	if errors.Is(err, ErrConnectionLost) {
		return classConnectionLost, ""
	}

	msg := err.Error()
	if m := permissionViolation.FindStringSubmatch(msg); m != nil {
		if strings.EqualFold(m[1], "publish") {
			return classPublishDenied, m[2]
		}
		return classSubscribeDenied, m[2]
	}
	if strings.Contains(strings.ToLower(msg), "connection lost") {
		return classConnectionLost, ""
	}
	return classOther, ""
}

// HandleError classifies one asynchronous bus error and fails the calls it
// affects. Transports dialed by the manager report here on their own.
func (m *ConnManager) HandleError(err error) {
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()
	m.handleError(gen, err)
}

func (m *ConnManager) handleError(gen uint64, err error) {
	if err == nil {
		return
	}
	class, topic := classifyBusError(err)
	m.metrics.busError(class)

	switch class {
	case classPublishDenied:
		n := m.watches.ResolveAll(KindPublish, topic, accessDeniedReply)
		m.logger.Warn("publish permission violation",
			zap.String("topic", topic), zap.Int("calls", n))
	case classSubscribeDenied:
		if strings.HasPrefix(topic, LogForwardPrefix) {
			m.logger.Info("log forwarding not permitted", zap.String("topic", topic))
			return
		}
		n := m.watches.ResolveAll(KindSubscribe, topic, nil)
		m.logger.Warn("subscribe permission violation",
			zap.String("topic", topic), zap.Int("calls", n))
	case classConnectionLost:
		m.connectionLost(gen)
	default:
		m.logger.Error("bus error", zap.Error(err))
	}
}

// connectionLost supersedes the lost connection and, after the grace
// delay, fails everything still watched.
func (m *ConnManager) connectionLost(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		m.logger.Debug("ignoring loss of a superseded connection")
		return
	}
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateClosed)
	m.setStateLocked(StateUnconnected)
	m.generation++
	m.mu.Unlock()

	m.logger.Warn("bus connection lost")
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, ErrClosed) {
			m.logger.Debug("closing lost connection", zap.Error(err))
		}
	}

	m.clock.AfterFunc(m.lostDelay, func() {
		n := m.watches.ResolveEverything(connectionLostReply)
		if n > 0 {
			m.logger.Warn("failed pending calls after connection loss", zap.Int("calls", n))
		}
	})
}

func newInbox() string {
	return inboxPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Request subscribes a fresh reply inbox and publishes data to topic with
// that inbox as the reply address. The first message on the inbox
// resolves reply. The returned handle completes once the subscription
// and publish are done, and fails with any error from either.
func (m *ConnManager) Request(topic string, data []byte, reply *Handle[[]byte]) *Handle[Subscription] {
	inbox := newInbox()
	sub := NewHandle[Subscription]()
	WatchSubscribe(m.watches, inbox, sub)
	WatchSubscribe(m.watches, inbox, reply)

	scheduleInto(m.loop, sub, func(ctx context.Context) (Subscription, error) {
		conn, err := m.Get(ctx)
		if err != nil {
			return nil, err
		}
		s, err := conn.Subscribe(inbox, func(msg *Msg) {
			reply.Resolve(msg.Data)
		})
		if err != nil {
			return nil, err
		}
		if err := conn.Publish(topic, inbox, data); err != nil {
			_ = s.Unsubscribe()
			return nil, err
		}
		return s, nil
	}, m.unsubscribe)
	return sub
}

// Subscribe registers handler for topic on the loop. The handle is
// cancelled if the bus refuses the subscription.
func (m *ConnManager) Subscribe(topic string, handler MsgHandler) *Handle[Subscription] {
	sub := NewHandle[Subscription]()
	WatchSubscribe(m.watches, topic, sub)
	scheduleInto(m.loop, sub, func(ctx context.Context) (Subscription, error) {
		conn, err := m.Get(ctx)
		if err != nil {
			return nil, err
		}
		return conn.Subscribe(topic, handler)
	}, m.unsubscribe)
	return sub
}

// Release unsubscribes the subscription behind h once h completes, on
// whatever path it completes.
func (m *ConnManager) Release(h *Handle[Subscription]) {
	h.OnDone(func() {
		if s, err := h.Result(); err == nil && s != nil {
			Schedule(m.loop, func(context.Context) (struct{}, error) {
				m.unsubscribe(s)
				return struct{}{}, nil
			})
		}
	})
}

func (m *ConnManager) unsubscribe(s Subscription) {
	if err := s.Unsubscribe(); err != nil && !errors.Is(err, ErrClosed) {
		m.logger.Debug("unsubscribe failed", zap.String("topic", s.Topic()), zap.Error(err))
	}
}
