// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

const (
	maxRetries    = 3
	retryBaseWait = 100 * time.Millisecond

	gatewayPollWait     = DefaultPollWait
	gatewayCloseTimeout = 2 * time.Second
)

// newHTTPClient creates an HTTP client with connection reuse disabled.
// Reused connections surface as spurious EOFs across long polls.
func newHTTPClient(o *DialOptions) *http.Client {
	return &http.Client{
		Timeout: MaxPollWait + 5*time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
			TLSClientConfig:   o.TLSConfig,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	if strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") {
		return true
	}
	return false
}

// retryableError marks a failure to deliver the request at all. Only
// those are retried; a request that reached the gateway is never resent.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// sendJSONRequest issues one JSON-RPC 2.0 call, retrying transient
// transport failures with exponential backoff timed by clk.
func sendJSONRequest(
	ctx context.Context,
	client *http.Client,
	clk clock.Clock,
	logger *zap.Logger,
	uri string,
	method string,
	params interface{},
	reply interface{},
) error {
	requestBodyBytes, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	attempts := 0
	var lastErr error
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			lastErr = postJSON(ctx, client, uri, requestBodyBytes, reply)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			var re *retryableError
			return !errors.As(err, &re) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug("gateway request attempt failed",
				zap.String("method", method),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
		Attempts:    maxRetries,
		Delay:       retryBaseWait,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		if attempts > 1 {
			logger.Debug("gateway request succeeded after retry",
				zap.String("method", method), zap.Int("attempt", attempts))
		}
		return nil
	case retry.IsAttemptsExceeded(err):
		return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
	case retry.IsRetryStopped(err):
		return ctx.Err()
	case lastErr != nil:
		// Fatal errors come back traced; keep the original chain.
		return lastErr
	default:
		return err
	}
}

// postJSON sends one attempt of an encoded request and decodes the reply.
func postJSON(ctx context.Context, client *http.Client, uri string, body []byte, reply interface{}) error {
	// The body buffer is consumed by each attempt.
	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		uri,
		bytes.NewBuffer(body),
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(request)
	if err != nil {
		err = fmt.Errorf("failed to issue request: %w", err)
		if isRetryableError(err) {
			return &retryableError{err: err}
		}
		return err
	}
	defer func() { _ = CleanlyCloseBody(resp.Body) }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	return nil
}

// gatewayErrors are the transport errors recovered from gateway error text.
var gatewayErrors = []error{ErrMaxPayload, ErrClosed, ErrConnectionLost}

// fromGateway turns a server side error back into the transport error it
// was raised as, when it is one.
func fromGateway(err error) error {
	var jerr *json2.Error
	if !errors.As(err, &jerr) {
		return err
	}
	return busErrorFromText(jerr.Message)
}

func busErrorFromText(msg string) error {
	for _, known := range gatewayErrors {
		if known.Error() == msg {
			return known
		}
		if strings.Contains(msg, known.Error()) {
			return fmt.Errorf("%w: %s", known, msg)
		}
	}
	return errors.New(msg)
}

// dialHTTP opens a session on a JSON-RPC gateway and starts polling it.
func dialHTTP(ctx context.Context, addr string, o *DialOptions) (Conn, error) {
	c := &httpConn{
		uri:     addr,
		client:  newHTTPClient(o),
		clock:   o.Clock,
		logger:  o.Logger.Named("http").With(zap.String("gateway", addr)),
		onError: o.ErrorHandler,
		subs:    make(map[string]*httpSub),
	}

	var reply ConnectReply
	err := sendJSONRequest(ctx, c.client, c.clock, c.logger, c.uri, "Bus.Connect", &ConnectArgs{
		Name:     o.Name,
		User:     o.Credentials.User,
		Password: o.Credentials.Password,
		Token:    o.Credentials.Token,
	}, &reply)
	if err != nil {
		return nil, fmt.Errorf("gateway connect: %w", err)
	}
	c.session = reply.Session
	c.logger = c.logger.With(zap.String("session", c.session))

	c.tomb.Go(c.pollLoop)
	return c, nil
}

type httpConn struct {
	uri     string
	session string
	client  *http.Client
	clock   clock.Clock
	logger  *zap.Logger
	onError func(error)
	tomb    tomb.Tomb

	mu     sync.Mutex
	closed bool
	subs   map[string]*httpSub
}

func (c *httpConn) call(ctx context.Context, method string, params, reply interface{}) error {
	return fromGateway(sendJSONRequest(ctx, c.client, c.clock, c.logger, c.uri, method, params, reply))
}

func (c *httpConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markClosed reports whether this call did the closing.
func (c *httpConn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.subs = nil
	return true
}

func (c *httpConn) report(err error) {
	go c.onError(err)
}

func (c *httpConn) Publish(topic, reply string, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.call(c.tomb.Context(nil), "Bus.Publish", &PublishArgs{
		Session: c.session,
		Topic:   topic,
		Reply:   reply,
		Data:    data,
	}, &Empty{})
}

func (c *httpConn) Subscribe(topic string, handler MsgHandler) (Subscription, error) {
	s := &httpSub{
		conn:    c,
		id:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		topic:   topic,
		handler: handler,
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[s.id] = s
	c.mu.Unlock()

	err := c.call(c.tomb.Context(nil), "Bus.Subscribe", &SubscribeArgs{
		Session: c.session,
		ID:      s.id,
		Topic:   topic,
	}, &Empty{})
	if err != nil {
		c.forget(s.id)
		return nil, err
	}
	return s, nil
}

func (c *httpConn) forget(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return true
}

func (c *httpConn) lookup(id string) (*httpSub, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[id]
	return s, ok
}

func (c *httpConn) pollLoop() error {
	ctx := c.tomb.Context(nil)
	for {
		var reply PollReply
		err := c.call(ctx, "Bus.Poll", &PollArgs{
			Session:    c.session,
			WaitMillis: gatewayPollWait.Milliseconds(),
		}, &reply)
		if !c.tomb.Alive() {
			return nil
		}
		if err != nil {
			c.logger.Warn("gateway poll failed", zap.Error(err))
			if c.markClosed() {
				c.report(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			return nil
		}

		for _, m := range reply.Messages {
			if s, ok := c.lookup(m.ID); ok {
				s.handler(&Msg{Topic: m.Topic, Reply: m.Reply, Data: m.Data})
			}
		}
		for _, text := range reply.Errors {
			c.report(busErrorFromText(text))
		}
	}
}

func (c *httpConn) Close() error {
	if !c.markClosed() {
		return ErrClosed
	}
	c.tomb.Kill(nil)
	err := c.tomb.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), gatewayCloseTimeout)
	defer cancel()
	return multierr.Append(err, c.call(ctx, "Bus.Close", &SessionArgs{Session: c.session}, &Empty{}))
}

type httpSub struct {
	conn    *httpConn
	id      string
	topic   string
	handler MsgHandler
}

func (s *httpSub) Topic() string { return s.topic }

func (s *httpSub) Unsubscribe() error {
	if !s.conn.forget(s.id) {
		return nil
	}
	return s.conn.call(s.conn.tomb.Context(nil), "Bus.Unsubscribe", &UnsubscribeArgs{
		Session: s.conn.session,
		ID:      s.id,
	}, &Empty{})
}
