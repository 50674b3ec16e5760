// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// busgateway serves an in-process bus over HTTP JSON-RPC so that busrpc
// clients dialing http:// addresses can reach it.
//
// Access control is read from a YAML file in the HubConfig layout:
//
//	max_payload: 1048576
//	users:
//	  alice:
//	    password: secret
//	    permissions:
//	      publish:   {allow: ["refunc.>", "_INBOX.>"]}
//	      subscribe: {allow: ["_INBOX.>"], deny: ["_refunc.forwardlogs.>"]}
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/busrpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen     string
		aclPath    string
		maxPayload int
		metrics    string
		debug      bool
	)
	flagSet := pflag.NewFlagSet("busgateway", pflag.ContinueOnError)
	flagSet.StringVar(&listen, "listen", "127.0.0.1:4280", "address to serve the gateway on")
	flagSet.StringVar(&aclPath, "acl", "", "YAML file with users and topic permissions")
	flagSet.IntVar(&maxPayload, "max-payload", 0, "largest accepted message in bytes (default 1MiB)")
	flagSet.StringVar(&metrics, "metrics-path", "/metrics", "path serving Prometheus metrics, empty to disable")
	flagSet.BoolVar(&debug, "debug", false, "log at debug level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	config, err := loadHubConfig(aclPath)
	if err != nil {
		return err
	}
	if maxPayload > 0 {
		config.MaxPayload = maxPayload
	}
	config.Logger = logger

	hub := busrpc.NewHub(config)
	gateway, err := busrpc.NewGateway(hub, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", gateway)
	if metrics != "" {
		mux.Handle(metrics, promhttp.Handler())
	}
	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("serving gateway",
			zap.String("listen", listen),
			zap.Int("users", len(config.Users)),
		)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	if cerr := gateway.Close(); cerr != nil {
		logger.Warn("closing sessions", zap.Error(cerr))
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return config.Build()
}

func loadHubConfig(path string) (busrpc.HubConfig, error) {
	var config busrpc.HubConfig
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("reading acl: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parsing acl %s: %w", path, err)
	}
	return config, nil
}
