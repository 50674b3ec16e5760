// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Dial connects to the bus at addr. The address scheme selects the
// transport: mem://<hub>, http(s)://<gateway>, or grpc://<host:port>
// when built with -tags grpc.
func Dial(ctx context.Context, addr string, opts ...DialOption) (Conn, error) {
	o := newDialOptions(opts)

	scheme, err := transportScheme(addr)
	if err != nil {
		return nil, err
	}
	dial, ok := lookupTransport(scheme)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", scheme)
	}
	return dial(ctx, addr, o)
}

func transportScheme(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		return "", fmt.Errorf("bus address %q has no scheme", addr)
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid bus address %q: %w", addr, err)
	}
	return strings.ToLower(u.Scheme), nil
}

// dialMem connects to a hub registered with RegisterHub
func dialMem(ctx context.Context, addr string, o *DialOptions) (Conn, error) {
	name := strings.TrimPrefix(addr, TransportMem+"://")
	hub, ok := lookupHub(name)
	if !ok {
		return nil, fmt.Errorf("mem dial: no hub registered as %q", name)
	}
	return hub.dial(ctx, o)
}
