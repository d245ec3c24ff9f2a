// Unit tests for the metrics HTTP endpoint
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestServerNotRunningBeforeStart(t *testing.T) {
	ms := NewMetricsServer(NewEngineMetrics(), ":9100")

	if ms.Addr() != ":9100" {
		t.Errorf("addr = %s, want :9100", ms.Addr())
	}
	if ms.IsRunning() {
		t.Error("server should not be running before Start")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	em := NewEngineMetrics()
	em.SetRunResult(0.011, 0.510, 0.004, 0.010)
	em.SetHealth(0.92, 14)
	ms := NewMetricsServer(em, ":0")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	ms.mux.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("content type = %s", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"autoz_last_offset_mm 0.011", "autoz_probe_confidence 0.92"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestMetricsEndpointHead(t *testing.T) {
	ms := NewMetricsServer(NewEngineMetrics(), ":0")

	req := httptest.NewRequest(http.MethodHead, "/metrics", nil)
	w := httptest.NewRecorder()
	ms.mux.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Error("HEAD response should have an empty body")
	}
}

func TestMetricsEndpointRejectsPost(t *testing.T) {
	ms := NewMetricsServer(NewEngineMetrics(), ":0")

	req := httptest.NewRequest(http.MethodPost, "/metrics", nil)
	w := httptest.NewRecorder()
	ms.mux.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Result().StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ms := NewMetricsServer(NewEngineMetrics(), ":0")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	ms.mux.ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "OK") {
		t.Errorf("health = %d %q", resp.StatusCode, body)
	}
}

func TestUnknownPathIs404(t *testing.T) {
	ms := NewMetricsServer(NewEngineMetrics(), ":0")

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	ms.mux.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Result().StatusCode)
	}
}

func TestShutdownStopsServer(t *testing.T) {
	ms := NewMetricsServer(NewEngineMetrics(), ":0")
	errCh := ms.StartAsync()

	time.Sleep(50 * time.Millisecond)
	if !ms.IsRunning() {
		t.Error("server should be running after StartAsync")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ms.Shutdown(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
	if ms.IsRunning() {
		t.Error("server should not be running after Shutdown")
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("server error: %v", err)
		}
	case <-time.After(time.Second):
	}
}
