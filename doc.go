// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package busrpc invokes remote functions over a publish/subscribe bus.
//
// A call publishes a request envelope to the endpoint's topic with a fresh
// reply inbox and blocks until the reply arrives, the call times out, or
// the bus reports an error that affects it. Bus errors arrive
// asynchronously and are never returned from the publish that caused
// them, so every pending call is registered in a WatchRegistry under the
// topics it depends on and failed from there when the bus reports a
// permission violation or connection loss.
//
// # Transport Selection
//
// The bus address scheme selects the transport:
//
//	mem://name        # in-process Hub registered with RegisterHub
//	http://host:port  # JSON-RPC gateway (see Gateway)
//	grpc://host:port  # gRPC bus, requires -tags grpc
//
// # Usage
//
// Client usage:
//
//	env, err := busrpc.LoadEnv("refunc.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client := busrpc.NewClient(env)
//	defer client.Shutdown()
//
//	echo := client.Endpoint("ns/echo")
//	result, err := echo.Invoke(ctx, map[string]any{"x": 1}, busrpc.WithTimeout(5*time.Second))
//	if errors.Is(err, busrpc.ErrUnauthorized) {
//	    ...
//	}
//
// Server usage:
//
//	conn, err := busrpc.Dial(ctx, "mem://local")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sub, err := busrpc.Serve(ctx, conn, "refunc.ns.echo",
//	    func(ctx context.Context, req *busrpc.RequestEnvelope) (any, error) {
//	        return req.Args, nil
//	    })
//
// # Architecture
//
// The package separates concerns:
//
//   - handle.go: Handle, the single-assignment result every caller waits on
//   - loop.go: Loop, the background dispatcher that runs all bus I/O
//   - watch.go: WatchRegistry, pending handles keyed by (kind, topic)
//   - conn.go: ConnManager, the shared connection and bus error classifier
//   - client.go, invoke.go: Client and Endpoint, the call façade
//   - envelope.go, codec.go: request/response envelopes and payload codecs
//   - transport.go, dial.go: Conn interface and transport registry
//   - hub.go: in-process bus with per-user permissions
//   - gateway.go, json.go: JSON-RPC gateway server and its client transport
//   - dial_grpc.go: gRPC transport (requires -tags grpc)
//
// Shutdown is explicit: the hosting process calls Client.Shutdown, which
// cancels every pending call exactly once. The package installs no signal
// handlers.
package busrpc
