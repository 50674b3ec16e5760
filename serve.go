// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// HandlerFunc answers one request published to an endpoint topic.
type HandlerFunc func(ctx context.Context, req *RequestEnvelope) (any, error)

// ServeOption configures Serve
type ServeOption func(*serveOptions)

type serveOptions struct {
	codec    Codec
	payloads PayloadCodec
	logger   *zap.Logger
}

// WithServeCodec sets the envelope codec
func WithServeCodec(c Codec) ServeOption {
	return func(o *serveOptions) { o.codec = c }
}

// WithServePayloadCodec sets how non-string results are encoded
func WithServePayloadCodec(pc PayloadCodec) ServeOption {
	return func(o *serveOptions) { o.payloads = pc }
}

// WithServeLogger sets the logger
func WithServeLogger(l *zap.Logger) ServeOption {
	return func(o *serveOptions) { o.logger = l }
}

// Serve answers requests on topic with fn until ctx is done or the
// returned subscription is unsubscribed. Each request runs on its own
// goroutine. String results are sent as they are, json.RawMessage results
// verbatim, and anything else through the payload codec.
func Serve(ctx context.Context, conn Conn, topic string, fn HandlerFunc, opts ...ServeOption) (Subscription, error) {
	o := &serveOptions{codec: defaultCodec, payloads: CBORPayload{}, logger: zap.L()}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger.Named("serve").With(zap.String("topic", topic))

	sub, err := conn.Subscribe(topic, func(msg *Msg) {
		if msg.Reply == "" {
			logger.Debug("dropping request without reply topic")
			return
		}
		go func() {
			reply := serveOne(ctx, o, msg.Data, fn)
			if err := conn.Publish(msg.Reply, "", reply); err != nil {
				logger.Warn("publishing reply", zap.String("reply", msg.Reply), zap.Error(err))
			}
		}()
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

func serveOne(ctx context.Context, o *serveOptions, data []byte, fn HandlerFunc) []byte {
	var req RequestEnvelope
	if err := o.codec.Decode(data, &req); err != nil {
		return errorReply(o.codec, fmt.Sprintf("malformed request: %v", err))
	}
	result, err := fn(ctx, &req)
	if err != nil {
		return errorReply(o.codec, err.Error())
	}

	var payload json.RawMessage
	switch v := result.(type) {
	case json.RawMessage:
		payload = v
	case string:
		payload, err = json.Marshal(v)
	default:
		var s string
		if s, err = o.payloads.EncodePayload(v); err == nil {
			payload, err = json.Marshal(s)
		}
	}
	if err != nil {
		return errorReply(o.codec, fmt.Sprintf("encoding result: %v", err))
	}
	out, err := o.codec.Encode(ResponseEnvelope{Action: ActionResponse, Payload: payload})
	if err != nil {
		return errorReply(o.codec, fmt.Sprintf("encoding reply: %v", err))
	}
	return out
}

func errorReply(codec Codec, msg string) []byte {
	p, _ := json.Marshal(msg)
	out, err := codec.Encode(ResponseEnvelope{Action: ActionError, Payload: p})
	if err != nil {
		return []byte(`{"a":"err","p":"internal error"}`)
	}
	return out
}
