// Unit tests for the status API server
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package statusapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoz-host/pkg/log"
)

type staticSource map[string]any

func (s staticSource) GetStatus() map[string]any { return s }

func quietLogger() *log.Logger {
	lg := log.New("test")
	lg.SetWriter(io.Discard)
	return lg
}

func testServer(src StatusSource) *Server {
	return New(Config{
		Addr:              ":0",
		Source:            src,
		BroadcastInterval: 20 * time.Millisecond,
		Logger:            quietLogger(),
	})
}

func testMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	return mux
}

func TestStatusEndpoint(t *testing.T) {
	src := staticSource{"calibrated": true, "probe_type": "tap"}
	s := testServer(src)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	testMux(s).ServeHTTP(w, req)

	resp := w.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var body map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["result"]["calibrated"])
	assert.Equal(t, "tap", body["result"]["probe_type"])
}

func TestStatusRejectsPost(t *testing.T) {
	s := testServer(staticSource{})

	req := httptest.NewRequest(http.MethodPost, "/status", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	testMux(s).ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Result().StatusCode)
}

func TestHealthEndpointExtractsHealthBlock(t *testing.T) {
	src := staticSource{
		"calibrated": true,
		"health":     map[string]any{"confidence": 0.92, "runs": 14},
	}
	s := testServer(src)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	testMux(s).ServeHTTP(w, req)

	resp := w.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 0.92, body["result"]["confidence"])
}

func TestHealthEndpointWhenTrackingDisabled(t *testing.T) {
	s := testServer(staticSource{"calibrated": true})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	testMux(s).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode)
}

func TestServerInfo(t *testing.T) {
	s := testServer(staticSource{})

	req := httptest.NewRequest(http.MethodGet, "/server/info", nil)
	w := httptest.NewRecorder()
	testMux(s).ServeHTTP(w, req)

	var body map[string]map[string]any
	require.NoError(t, json.NewDecoder(w.Result().Body).Decode(&body))
	assert.Contains(t, body["result"], "hostname")
	assert.Contains(t, body["result"], "uptime")
}

func dialWS(t *testing.T, s *Server) (*websocket.Conn, func()) {
	t.Helper()
	ts := httptest.NewServer(testMux(s))
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		ts.Close()
	}
}

func TestWebSocketStatusQuery(t *testing.T) {
	src := staticSource{"probe_type": "tap"}
	s := testServer(src)
	conn, cleanup := dialWS(t, s)
	defer cleanup()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "method": "status.query", "id": 1,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp map[string]any
	require.NoError(t, conn.ReadJSON(&resp))

	result, ok := resp["result"].(map[string]any)
	require.True(t, ok, "response %v has no result", resp)
	assert.Equal(t, "tap", result["probe_type"])
}

func TestWebSocketUnknownMethod(t *testing.T) {
	s := testServer(staticSource{})
	conn, cleanup := dialWS(t, s)
	defer cleanup()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "method": "nope", "id": 7,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp map[string]any
	require.NoError(t, conn.ReadJSON(&resp))
	assert.NotNil(t, resp["error"])
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	src := staticSource{"probe_type": "tap"}
	s := testServer(src)
	conn, cleanup := dialWS(t, s)
	defer cleanup()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "method": "status.subscribe", "id": 1,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sub map[string]any
	require.NoError(t, conn.ReadJSON(&sub)) // subscription reply

	// Wait for the read pump to register the subscription, then push.
	time.Sleep(50 * time.Millisecond)
	s.Broadcast("notify_offset_applied", map[string]any{"offset": 0.011})

	for i := 0; i < 5; i++ {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["method"] == "notify_offset_applied" {
			params := msg["params"].([]any)
			payload := params[0].(map[string]any)
			assert.Equal(t, 0.011, payload["offset"])
			return
		}
	}
	t.Fatal("notify_offset_applied never arrived")
}
