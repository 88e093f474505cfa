// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// This file contains the http server exporting the pilot metrics to prometheus

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// runPrometheus serves /metrics until the context is done, the address actually
// listened on is returned so that a zero port can be discovered
//
func runPrometheus(ctx context.Context, promAddr string) (addr string, err kv.Error) {
	if len(promAddr) == 0 {
		return "", nil
	}

	listener, errGo := net.Listen("tcp", promAddr)
	if errGo != nil {
		return "", kv.Wrap(errGo, "could not listen for the prometheus server").With("address", promAddr, "stack", stack.Trace().TrimRuntime())
	}
	addr = listener.Addr().String()

	// The Handler function provides a default handler to expose metrics
	// via an HTTP server. "/metrics" is the usual endpoint for that.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	h := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("prometheus listening", "address", addr)
		if errGo := h.Serve(listener); errGo != nil && !errors.Is(errGo, http.ErrServerClosed) {
			logger.Warn("prometheus server stopped", "error", errGo.Error(), "stack", stack.Trace().TrimRuntime())
		}
	}()

	go func() {
		<-ctx.Done()
		if errGo := h.Shutdown(context.Background()); errGo != nil {
			logger.Warn("prometheus server shutdown", "error", errGo.Error(), "stack", stack.Trace().TrimRuntime())
		}
	}()

	return addr, nil
}
