// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Invoke publishes request to the endpoint and waits for its reply.
//
// request must be nil or a map keyed by strings; Arg options are merged
// into it. The call is bounded by WithTimeout, else the environment default,
// else MaxCallTimeout, and by ctx. It returns the decoded reply payload
// or a *CallError matching one of ErrUnauthorized, ErrRemote,
// ErrBadRequest, ErrTimeout or ErrCancelled.
func (e *Endpoint) Invoke(ctx context.Context, request any, opts ...CallOption) (any, error) {
	return e.client.call(ctx, e.name, e.topic, request, newCallOptions(opts), true)
}

// Meta fetches the endpoint's metadata from its _meta topic with a one
// second timeout. It never fails: any error is logged and an empty map
// returned.
func (e *Endpoint) Meta(ctx context.Context) map[string]any {
	v, err := e.client.call(ctx, e.name, e.topic+"._meta", nil, &callOptions{timeout: MetaTimeout}, false)
	if err != nil {
		e.client.logger.Warn("fetching endpoint meta", zap.String("endpoint", e.name), zap.Error(err))
		return map[string]any{}
	}
	meta, ok := v.(map[string]any)
	if !ok {
		e.client.logger.Warn("endpoint meta is not a map",
			zap.String("endpoint", e.name), zap.String("type", fmt.Sprintf("%T", v)))
		return map[string]any{}
	}
	return meta
}

func (c *Client) call(ctx context.Context, endpoint, topic string, request any, co *callOptions, forwardLogs bool) (result any, err error) {
	start := c.clock.Now()
	c.metrics.callStarted()
	defer func() {
		c.metrics.callFinished(endpoint, err, c.clock.Now().Sub(start))
	}()

	args, err := requestArgs(request, co.args)
	if err != nil {
		return nil, &CallError{Kind: ErrBadRequest, Endpoint: endpoint, Condition: err.Error()}
	}

	user := c.env.ProcessName()
	callers := append(append([]string{}, c.env.Callers()...), user)
	req, err := NewRequestEnvelope(args, callers, user)
	if err != nil {
		return nil, &CallError{Kind: ErrBadRequest, Endpoint: endpoint, Condition: "arguments cannot be hashed", Err: err}
	}
	if lep := c.env.LogEndpoint(); lep != "" {
		req.Options[OptionLogEndpoint] = lep
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.effectiveTimeout(co.timeout))
	defer cancel()
	c.mgr.Loop().EnsureStarted()

	if forwardLogs && c.env.PullLogs() && !c.env.InCluster() {
		logTopic := logForwardTopic(endpoint)
		logSub := c.mgr.Subscribe(logTopic, func(msg *Msg) {
			c.forwardLog(endpoint, msg)
		})
		defer c.mgr.Release(logSub)
		logCtx, logCancel := context.WithTimeout(waitCtx, LogSubscribeTimeout)
		_, err := logSub.Wait(logCtx)
		logCancel()
		if err != nil {
			c.logger.Info("log forwarding unavailable",
				zap.String("endpoint", endpoint), zap.String("topic", logTopic), zap.Error(err))
		}
		req.Options[OptionLogEndpoint] = logTopic
	}

	data, err := c.codec.Encode(req)
	if err != nil {
		return nil, &CallError{Kind: ErrBadRequest, Endpoint: endpoint, Condition: "request cannot be encoded", Err: err}
	}

	reply := NewHandle[[]byte]()
	c.mgr.Watches().WatchPublish(topic, reply)
	c.mgr.Loop().track(reply)
	c.trackCall(reply)
	// Completing the reply handle on the way out drops its watches.
	defer reply.Cancel()

	sub := c.mgr.Request(topic, data, reply)
	defer c.mgr.Release(sub)

	var raw []byte
	if _, err := sub.Wait(waitCtx); err != nil {
		// A bus error may answer the call before the request is through.
		if !answered(reply) {
			return nil, c.callFailure(ctx, endpoint, start, err)
		}
	}
	raw, err = reply.Wait(waitCtx)
	if err != nil {
		return nil, c.callFailure(ctx, endpoint, start, err)
	}

	result, err = c.decodeReply(endpoint, raw)
	if err != nil {
		return nil, err
	}
	if elapsed := c.clock.Now().Sub(start); elapsed > SlowCallThreshold {
		c.logger.Warn("slow call",
			zap.String("endpoint", endpoint), zap.Duration("elapsed", elapsed))
	}
	return result, nil
}

// requestArgs validates the request and merges call arguments into a
// copy of it. Any map keyed by a string kind is accepted.
func requestArgs(request any, extra []kv) (map[string]any, error) {
	args := map[string]any{}
	switch r := request.(type) {
	case nil:
	case map[string]any:
		for k, v := range r {
			args[k] = v
		}
	default:
		rv := reflect.ValueOf(request)
		if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("request must be a map, got %T", request)
		}
		if !rv.IsNil() {
			iter := rv.MapRange()
			for iter.Next() {
				args[iter.Key().String()] = iter.Value().Interface()
			}
		}
	}
	for _, a := range extra {
		args[a.key] = a.value
	}
	return args, nil
}

func (c *Client) effectiveTimeout(explicit time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}
	if d := c.env.DefaultTimeout(); d > 0 {
		return d
	}
	return MaxCallTimeout
}

// callFailure maps a wait or transport error to the call error taxonomy.
func (c *Client) callFailure(ctx context.Context, endpoint string, start time.Time, err error) error {
	elapsed := c.clock.Now().Sub(start)
	switch {
	case errors.Is(err, ErrMaxPayload):
		return &CallError{Kind: ErrBadRequest, Endpoint: endpoint, Condition: "payload too large", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &CallError{Kind: ErrTimeout, Endpoint: endpoint, Condition: "no reply before deadline", Elapsed: elapsed}
	case errors.Is(err, context.Canceled):
		return &CallError{Kind: ErrCancelled, Endpoint: endpoint, Condition: "call cancelled by caller", Elapsed: elapsed, Err: ctx.Err()}
	case errors.Is(err, ErrHandleCancelled):
		return &CallError{Kind: ErrCancelled, Endpoint: endpoint, Condition: "call cancelled", Elapsed: elapsed}
	case errors.Is(err, ErrNotConnected):
		return &CallError{Kind: ErrRemote, Endpoint: endpoint, Condition: "bus unavailable", Err: err}
	default:
		return &CallError{Kind: ErrRemote, Endpoint: endpoint, Condition: "bus request failed", Err: err}
	}
}

func (c *Client) decodeReply(endpoint string, raw []byte) (any, error) {
	var rsp ResponseEnvelope
	if err := c.codec.Decode(raw, &rsp); err != nil {
		return nil, &CallError{Kind: ErrRemote, Endpoint: endpoint, Condition: "unrecognized reply envelope", Payload: string(raw), Err: err}
	}

	switch rsp.Action {
	case ActionResponse:
		v, err := decodeReplyPayload(rsp.Payload, c.payloads)
		if err != nil {
			return nil, &CallError{Kind: ErrRemote, Endpoint: endpoint, Condition: "undecodable reply payload", Err: err}
		}
		return v, nil
	case ActionError:
		payload, err := decodeReplyPayload(rsp.Payload, nil)
		if err != nil {
			payload = string(rsp.Payload)
		}
		if isAccessDenied(payload) {
			return nil, &CallError{Kind: ErrUnauthorized, Endpoint: endpoint, Condition: "access denied", Payload: payload}
		}
		return nil, &CallError{Kind: ErrRemote, Endpoint: endpoint, Condition: fmt.Sprint(payload), Payload: payload}
	default:
		return nil, &CallError{Kind: ErrRemote, Endpoint: endpoint, Condition: fmt.Sprintf("unrecognized reply envelope action %q", rsp.Action), Payload: string(raw)}
	}
}

func answered(reply *Handle[[]byte]) bool {
	select {
	case <-reply.Done():
		raw, err := reply.Result()
		return err == nil && raw != nil
	default:
		return false
	}
}

func isAccessDenied(payload any) bool {
	s, ok := payload.(string)
	return ok && strings.Contains(strings.ToLower(s), "access denied")
}

func logForwardTopic(endpoint string) string {
	return LogForwardPrefix + endpoint + "/" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (c *Client) forwardLog(endpoint string, msg *Msg) {
	if c.logSink != nil {
		c.logSink(endpoint, msg)
		return
	}
	c.logger.Info(strings.TrimRight(string(msg.Data), "\n"),
		zap.String("endpoint", endpoint), zap.String("source", "remote"))
}
