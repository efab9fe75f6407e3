// Package gateway exposes a running cluster over HTTP: a websocket
// event stream at /events fed by the event bus, plus JSON status
// endpoints. The stream is one-way and carries every event the bus
// sees; a client that cannot keep up loses events rather than slowing
// the cluster down.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/events"
	"github.com/sipeed/picocell/pkg/logger"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type StatusResponse struct {
	Size    int            `json:"size"`
	Clients int            `json:"clients"`
	Nodes   []cluster.View `json:"nodes"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Server is the gateway HTTP server.
type Server struct {
	cfg      config.GatewayConfig
	bus      *events.Bus
	cluster  *cluster.Manager
	version  string
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	server  *http.Server
	sub     events.HandlerID
	clients map[*client]struct{}
}

func NewServer(cfg config.GatewayConfig, bus *events.Bus, cm *cluster.Manager) *Server {
	return &Server{
		cfg:     cfg,
		bus:     bus,
		cluster: cm,
		version: "dev",
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// SetVersion sets the version string returned by the health endpoint.
func (s *Server) SetVersion(v string) {
	if v != "" {
		s.version = v
	}
}

// Start binds the configured host:port and serves in the background.
// Bind errors surface here; later serve errors are logged.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", addr, err)
	}

	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("gateway", "server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Serve subscribes to the bus and serves on the listener until Stop or
// a listener error. Tests hand in an ephemeral-port listener.
func (s *Server) Serve(ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)

	srv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.server = srv
	s.sub = s.bus.SubscribeAll(s.broadcast)
	s.mu.Unlock()

	logger.InfoCF("gateway", "listening", map[string]any{"addr": ln.Addr().String()})
	return srv.Serve(ln)
}

// Stop detaches from the bus, drops every client, and shuts the server
// down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	sub := s.sub
	s.server = nil
	dropped := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		delete(s.clients, c)
		dropped = append(dropped, c)
	}
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.bus.Unsubscribe(sub)
	for _, c := range dropped {
		close(c.send)
	}
	return srv.Shutdown(ctx)
}

// ClientCount reports how many websocket clients are connected.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: s.version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	out := StatusResponse{Clients: s.ClientCount()}
	if s.cluster != nil {
		out.Size = s.cluster.Size()
		out.Nodes = s.cluster.Views()
	}
	writeJSON(w, http.StatusOK, out)
}

// broadcast fans one event out to every client. A client with a full
// queue loses the event; the bus is never blocked.
func (s *Server) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.ErrorCF("gateway", "event not serializable", map[string]any{
			"type":  ev.Type,
			"error": err.Error(),
		})
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			logger.DebugCF("gateway", "event dropped, slow client", map[string]any{"type": ev.Type})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message, Code: code})
}
