// Package gateway is the protocol surface: a WebSocket endpoint for the
// SPA's live stream and a REST surface for thread CRUD. Both speak the
// shapes in pkg/protocol.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gigi-dev/gigi/internal/bus"
	"github.com/gigi-dev/gigi/internal/config"
	"github.com/gigi-dev/gigi/internal/router"
	"github.com/gigi-dev/gigi/internal/store"
	"github.com/gigi-dev/gigi/internal/threads"
	"github.com/gigi-dev/gigi/pkg/protocol"
)

// Agent is the slice of the runtime the gateway drives directly
// (stop/status); turn starts go through the router.
type Agent interface {
	Stop(threadID uuid.UUID) bool
	Running(threadID uuid.UUID) bool
	BudgetUSD(ctx context.Context) float64
}

// Server handles WebSocket and REST connections.
type Server struct {
	cfg     *config.Config
	st      *store.Store
	bus     *bus.Bus
	threads *threads.Service
	router  *router.Router
	agent   Agent
	webhook http.Handler

	upgrader websocket.Upgrader
	limiter  *IPRateLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, st *store.Store, b *bus.Bus, svc *threads.Service, rt *router.Router, ag Agent, webhook http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		st:      st,
		bus:     b,
		threads: svc,
		router:  rt,
		agent:   ag,
		webhook: webhook,
		clients: make(map[string]*Client),
		limiter: NewIPRateLimiter(cfg.Gateway.RateLimitRPS),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the Origin header against the configured
// whitelist. No whitelist means allow all; empty Origin (CLI clients) is
// always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway: origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	if s.webhook != nil {
		mux.Handle("POST /api/webhooks/forge", s.webhook)
	}

	mux.HandleFunc("GET /api/threads", s.rate(s.handleListThreads))
	mux.HandleFunc("GET /api/threads/{id}", s.rate(s.handleGetThread))
	mux.HandleFunc("GET /api/threads/{id}/events", s.rate(s.handleListEvents))
	mux.HandleFunc("GET /api/threads/{id}/lineage", s.rate(s.handleLineage))
	mux.HandleFunc("POST /api/threads/{id}/fork", s.rate(s.handleFork))
	mux.HandleFunc("POST /api/threads/{id}/compact", s.rate(s.handleCompact))
	mux.HandleFunc("POST /api/threads/{id}/refs", s.rate(s.handleAddRef))
	mux.HandleFunc("GET /api/threads/by-ref/{repo...}", s.rate(s.handleByRef))
	mux.HandleFunc("GET /api/search", s.rate(s.handleSearch))
	mux.HandleFunc("DELETE /api/conversations/{id}", s.rate(s.handleDelete))
	mux.HandleFunc("GET /api/usage/budget", s.rate(s.handleBudget))
	mux.HandleFunc("GET /api/usage/stats", s.rate(s.handleUsageStats))

	s.mux = mux
	return mux
}

// rate wraps a handler with the per-IP limiter.
func (s *Server) rate(h http.HandlerFunc) http.HandlerFunc {
	if !s.limiter.Enabled() {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		h(w, r)
	}
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d,"subscribers":%d}`,
		protocol.ProtocolVersion, s.bus.SubscriberCount())
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	slog.Info("client disconnected", "id", c.id)
}

// mirror fans a frame out to every client except the sender. Used for
// view_command so other clients of the same operator follow navigation.
func (s *Server) mirror(from *Client, msg protocol.ServerMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.clients {
		if id == from.id {
			continue
		}
		c.Send(msg)
	}
}

// StartTestServer binds to a random loopback port. Integration tests dial
// the returned address.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}
	return addr, start
}
