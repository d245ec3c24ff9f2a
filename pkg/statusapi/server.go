// Package statusapi exposes the offset engine's state over HTTP and
// WebSocket. REST endpoints serve one-shot queries; WebSocket clients
// receive periodic status notifications and host-pushed events, so printer
// dashboards can track probe health live.
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"autoz-host/pkg/log"
)

// StatusSource supplies the state served by the API. The offset engine
// implements it.
type StatusSource interface {
	GetStatus() map[string]any
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address (e.g. ":7130").
	Addr string

	// Source supplies engine state for queries and broadcasts.
	Source StatusSource

	// BroadcastInterval is the push rate for subscribed WebSocket
	// clients. Zero selects the 1s default.
	BroadcastInterval time.Duration

	Logger *log.Logger
}

// Server is the status API server.
type Server struct {
	source StatusSource
	addr   string
	lg     *log.Logger

	httpServer *http.Server

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	subscribed map[int64]bool
	subMu      sync.RWMutex

	interval  time.Duration
	running   atomic.Bool
	startTime time.Time
}

// New creates a status server.
func New(cfg Config) *Server {
	lg := cfg.Logger
	if lg == nil {
		lg = log.New("statusapi")
	}
	interval := cfg.BroadcastInterval
	if interval <= 0 {
		interval = time.Second
	}
	s := &Server{
		source:     cfg.Source,
		addr:       cfg.Addr,
		lg:         lg,
		wsClients:  make(map[int64]*wsClient),
		subscribed: make(map[int64]bool),
		interval:   interval,
		startTime:  time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // dashboards connect cross-origin
		},
	}
	return s
}

// Start runs the server; it blocks until Stop or a listen error.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/websocket", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	s.running.Store(true)
	s.lg.Info("status API server starting", log.Fields{"addr": s.addr})

	go s.broadcastLoop()

	return s.httpServer.ListenAndServe()
}

// Stop closes every client and shuts the listener down.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.close()
	}
	s.wsClients = make(map[int64]*wsClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) status() map[string]any {
	if s.source == nil {
		return map[string]any{}
	}
	return s.source.GetStatus()
}

// REST handlers

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	s.wsClientMu.RLock()
	clients := len(s.wsClients)
	s.wsClientMu.RUnlock()

	writeJSON(w, map[string]any{
		"result": map[string]any{
			"hostname":        hostname,
			"uptime":          time.Since(s.startTime).Seconds(),
			"websocket_count": clients,
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{"result": s.status()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := s.status()
	health, ok := status["health"]
	if !ok {
		writeJSONError(w, fmt.Errorf("health tracking disabled"), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"result": health})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": err.Error()},
	})
}

// WebSocket protocol: JSON-RPC style requests with methods
// "server.info", "status.query" and "status.subscribe". Subscribed clients
// receive periodic "notify_status_update" notifications and any events
// published with Broadcast.

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) dispatch(method string, client *wsClient) (any, error) {
	switch method {
	case "server.info":
		hostname, _ := os.Hostname()
		return map[string]any{
			"hostname": hostname,
			"uptime":   time.Since(s.startTime).Seconds(),
		}, nil
	case "status.query":
		return s.status(), nil
	case "status.subscribe":
		s.subMu.Lock()
		s.subscribed[client.id] = true
		s.subMu.Unlock()
		return s.status(), nil
	default:
		return nil, fmt.Errorf("method not found: %s", method)
	}
}

// Broadcast pushes a named event with a payload to every subscribed
// client. The host publishes run results and calibration changes this way.
func (s *Server) Broadcast(event string, payload any) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for clientID := range s.subscribed {
		s.wsClientMu.RLock()
		client, ok := s.wsClients[clientID]
		s.wsClientMu.RUnlock()
		if !ok {
			continue
		}
		client.send(map[string]any{
			"jsonrpc": "2.0",
			"method":  event,
			"params":  []any{payload},
		})
	}
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for s.running.Load() {
		<-ticker.C
		s.Broadcast("notify_status_update", s.status())
	}
}

type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.lg.Warn("dropping message to slow client", log.Fields{"client": c.id})
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.lg.Warn("websocket read error", log.Fields{"error": err.Error()})
			}
			break
		}
		c.handleMessage(message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.send(rpcResponse{JSONRPC: "2.0",
			Error: &rpcError{Code: -32700, Message: "Parse error"}})
		return
	}
	result, err := c.server.dispatch(req.Method, c)
	if err != nil {
		c.send(rpcResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: -32000, Message: err.Error()}})
		return
	}
	c.send(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.lg.Warn("websocket upgrade failed", log.Fields{"error": err.Error()})
		return
	}

	client := s.newWSClient(conn)

	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	s.lg.Debug("websocket client connected", log.Fields{"client": client.id})

	go client.writePump()
	client.readPump() // blocks until the connection closes
}

func (s *Server) removeClient(client *wsClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()

	s.subMu.Lock()
	delete(s.subscribed, client.id)
	s.subMu.Unlock()

	s.lg.Debug("websocket client disconnected", log.Fields{"client": client.id})
}
