//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"gopkg.in/tomb.v2"
)

func init() {
	// Register gRPC transport when build tag is enabled
	registerTransport(TransportGRPC, dialGRPC)
}

const (
	grpcSessionKey   = "busrpc-session"
	grpcQueueSize    = 256
	grpcServiceName  = "busrpc.Bus"
	grpcPublish      = "/" + grpcServiceName + "/Publish"
	grpcSubscribe    = "/" + grpcServiceName + "/Subscribe"
	grpcErrorsStream = "/" + grpcServiceName + "/Errors"
)

// rawCodec carries pre-encoded bytes as they are and everything else as
// JSON.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error)      { return Binary.Encode(v) }
func (rawCodec) Unmarshal(data []byte, v any) error { return Binary.Decode(data, v) }
func (rawCodec) Name() string                       { return "busrpc-raw" }

var busServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: grpcPublishHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: grpcSubscribeHandler, ServerStreams: true},
		{StreamName: "Errors", Handler: grpcErrorsHandler, ServerStreams: true},
	},
	Metadata: "busrpc",
}

// NewGRPCBusServer returns a gRPC server exposing hub as busrpc.Bus. A
// client session lives as long as its Errors stream.
func NewGRPCBusServer(hub *Hub, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = zap.L()
	}
	opts = append(opts, grpc.ForceServerCodec(rawCodec{}))
	s := grpc.NewServer(opts...)
	s.RegisterService(&busServiceDesc, &grpcBus{
		hub:      hub,
		logger:   logger.Named("grpc"),
		sessions: make(map[string]Conn),
	})
	return s
}

type grpcBus struct {
	hub    *Hub
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]Conn
}

func (b *grpcBus) session(id string) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.sessions[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown session %q", id)
	}
	return conn, nil
}

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMaxPayload):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

func grpcPublishHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var args PublishArgs
	if err := dec(&args); err != nil {
		return nil, err
	}
	conn, err := srv.(*grpcBus).session(args.Session)
	if err != nil {
		return nil, err
	}
	if err := conn.Publish(args.Topic, args.Reply, args.Data); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func grpcSubscribeHandler(srv any, stream grpc.ServerStream) error {
	b := srv.(*grpcBus)
	var args SubscribeArgs
	if err := stream.RecvMsg(&args); err != nil {
		return err
	}
	conn, err := b.session(args.Session)
	if err != nil {
		return err
	}

	msgs := make(chan *Msg, grpcQueueSize)
	sub, err := conn.Subscribe(args.Topic, func(msg *Msg) {
		select {
		case msgs <- msg:
		default:
			b.logger.Warn("dropping message for slow subscriber", zap.String("topic", msg.Topic))
		}
	})
	if err != nil {
		return toStatus(err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	// The header tells the client the subscription is in place.
	if err := stream.SendHeader(metadata.Pairs(grpcSessionKey, args.Session)); err != nil {
		return err
	}
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case msg := <-msgs:
			out := &PolledMsg{ID: args.ID, Topic: msg.Topic, Reply: msg.Reply, Data: msg.Data}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

func grpcErrorsHandler(srv any, stream grpc.ServerStream) error {
	b := srv.(*grpcBus)
	var args ConnectArgs
	if err := stream.RecvMsg(&args); err != nil {
		return err
	}

	errs := make(chan error, grpcQueueSize)
	conn, err := b.hub.dial(stream.Context(), &DialOptions{
		Name: args.Name,
		Credentials: Credentials{
			User:     args.User,
			Password: args.Password,
			Token:    args.Token,
		},
		ErrorHandler: func(err error) {
			select {
			case errs <- err:
			default:
				b.logger.Warn("dropping bus error for slow session", zap.Error(err))
			}
		},
		Logger: b.logger,
	})
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}

	id := uuid.NewString()
	b.mu.Lock()
	b.sessions[id] = conn
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.sessions, id)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	if err := stream.SendHeader(metadata.Pairs(grpcSessionKey, id)); err != nil {
		return err
	}
	b.logger.Debug("session opened", zap.String("session", id), zap.String("name", args.Name))
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case err := <-errs:
			text := err.Error()
			if err := stream.SendMsg(&text); err != nil {
				return err
			}
		}
	}
}

func dialGRPC(ctx context.Context, addr string, o *DialOptions) (Conn, error) {
	return dialGRPCWith(ctx, strings.TrimPrefix(addr, TransportGRPC+"://"), o)
}

func dialGRPCWith(ctx context.Context, target string, o *DialOptions, extra ...grpc.DialOption) (Conn, error) {
	creds := insecure.NewCredentials()
	if o.TLSConfig != nil {
		creds = credentials.NewTLS(o.TLSConfig)
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	}, extra...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	c := &grpcConn{
		cc:      cc,
		logger:  o.Logger.Named("grpc").With(zap.String("target", target)),
		onError: o.ErrorHandler,
	}
	streamCtx := c.tomb.Context(nil)
	errStream, err := cc.NewStream(streamCtx, &busServiceDesc.Streams[1], grpcErrorsStream)
	if err == nil {
		err = sendOnly(errStream, &ConnectArgs{
			Name:     o.Name,
			User:     o.Credentials.User,
			Password: o.Credentials.Password,
			Token:    o.Credentials.Token,
		})
	}
	if err == nil {
		c.session, err = awaitHeader(ctx, errStream)
	}
	if err != nil {
		c.tomb.Kill(nil)
		_ = cc.Close()
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	c.tomb.Go(func() error { return c.readErrors(errStream) })
	return c, nil
}

func sendOnly(stream grpc.ClientStream, msg any) error {
	if err := stream.SendMsg(msg); err != nil {
		return err
	}
	return stream.CloseSend()
}

// awaitHeader waits for the header a server stream sends once it is set
// up, and returns the session it names.
func awaitHeader(ctx context.Context, stream grpc.ClientStream) (string, error) {
	type result struct {
		md  metadata.MD
		err error
	}
	ch := make(chan result, 1)
	go func() {
		md, err := stream.Header()
		ch <- result{md, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		if v := r.md.Get(grpcSessionKey); len(v) > 0 {
			return v[0], nil
		}
		// The stream ended without a header; its status says why.
		var discard []byte
		if err := stream.RecvMsg(&discard); err != nil {
			return "", err
		}
		return "", errors.New("stream opened without a session")
	}
}

type grpcConn struct {
	cc      *grpc.ClientConn
	session string
	logger  *zap.Logger
	onError func(error)
	tomb    tomb.Tomb

	mu     sync.Mutex
	closed bool
}

func fromStatus(err error) error {
	if s, ok := status.FromError(err); ok && s.Code() != codes.OK {
		return busErrorFromText(s.Message())
	}
	return err
}

func (c *grpcConn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *grpcConn) readErrors(stream grpc.ClientStream) error {
	for {
		var text string
		if err := stream.RecvMsg(&text); err != nil {
			if !c.tomb.Alive() {
				return nil
			}
			c.logger.Warn("error stream ended", zap.Error(err))
			if c.markClosed() {
				go c.onError(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			return nil
		}
		go c.onError(busErrorFromText(text))
	}
}

func (c *grpcConn) Publish(topic, reply string, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	err := c.cc.Invoke(c.tomb.Context(nil), grpcPublish, &PublishArgs{
		Session: c.session,
		Topic:   topic,
		Reply:   reply,
		Data:    data,
	}, &Empty{})
	return fromStatus(err)
}

func (c *grpcConn) Subscribe(topic string, handler MsgHandler) (Subscription, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(c.tomb.Context(nil))
	stream, err := c.cc.NewStream(ctx, &busServiceDesc.Streams[0], grpcSubscribe)
	if err == nil {
		err = sendOnly(stream, &SubscribeArgs{Session: c.session, ID: uuid.NewString(), Topic: topic})
	}
	if err == nil {
		_, err = awaitHeader(ctx, stream)
	}
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	s := &grpcSub{topic: topic, cancel: cancel}
	c.tomb.Go(func() error {
		for {
			var m PolledMsg
			if err := stream.RecvMsg(&m); err != nil {
				return nil
			}
			handler(&Msg{Topic: m.Topic, Reply: m.Reply, Data: m.Data})
		}
	})
	return s, nil
}

func (c *grpcConn) Close() error {
	if !c.markClosed() {
		return ErrClosed
	}
	c.tomb.Kill(nil)
	_ = c.tomb.Wait()
	return c.cc.Close()
}

type grpcSub struct {
	topic  string
	cancel context.CancelFunc
}

func (s *grpcSub) Topic() string { return s.topic }

func (s *grpcSub) Unsubscribe() error {
	s.cancel()
	return nil
}
