// HTTP endpoint for Prometheus scraping
//
// Serves the engine metric set at /metrics plus a liveness check at
// /health. Started by the host binary when a metrics address is
// configured.
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// MetricsServer exposes an EngineMetrics set over HTTP.
type MetricsServer struct {
	em     *EngineMetrics
	addr   string
	server *http.Server
	mux    *http.ServeMux

	mu      sync.Mutex
	running bool
}

// NewMetricsServer creates a server for the given metric set. Nothing
// listens until Start or StartAsync.
func NewMetricsServer(em *EngineMetrics, addr string) *MetricsServer {
	ms := &MetricsServer{
		em:   em,
		addr: addr,
		mux:  http.NewServeMux(),
	}
	ms.mux.HandleFunc("/metrics", ms.handleMetrics)
	ms.mux.HandleFunc("/health", ms.handleHealth)
	ms.server = &http.Server{
		Addr:         addr,
		Handler:      ms.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return ms
}

// Start listens and blocks until the server stops.
func (ms *MetricsServer) Start() error {
	ms.mu.Lock()
	ms.running = true
	ms.mu.Unlock()

	err := ms.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine and returns its error
// channel, closed when the server stops.
func (ms *MetricsServer) StartAsync() chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := ms.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops the server, waiting for in-flight requests.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	ms.mu.Lock()
	ms.running = false
	ms.mu.Unlock()
	return ms.server.Shutdown(ctx)
}

// IsRunning reports whether Start has been called and not yet shut down.
func (ms *MetricsServer) IsRunning() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.running
}

// Addr returns the configured listen address.
func (ms *MetricsServer) Addr() string {
	return ms.addr
}

func (ms *MetricsServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	output := ms.em.Gather()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(output)))
		return
	}
	_, _ = w.Write([]byte(output))
}

func (ms *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK\n"))
}
