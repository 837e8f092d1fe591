// Package web runs the HTTP server hosting the REST API, metrics and websocket feed.
package web

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ltalink/api"
	"ltalink/config"
	"ltalink/logging"
)

// Server is the gateway's HTTP server.
type Server struct {
	config  *config.WebConfig
	hub     *api.Hub
	router  chi.Router
	server  *http.Server
	addr    string
	running bool
	mu      sync.RWMutex
	logFn   logging.LogFunc
}

// NewServer creates a server for src. The websocket hub is started immediately
// so producers can broadcast before the listener is up.
func NewServer(cfg *config.WebConfig, src api.Sources) *Server {
	s := &Server{
		config: cfg,
		hub:    api.NewHub(),
		logFn:  logging.Nop,
	}
	if src.Status != nil {
		s.hub.SetStatusSource(src.Status)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	// Compress needs to stay off /ws; the upgrade hijacks the raw writer.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Mount("/", api.NewRouter(src, s.hub))
	})
	r.Get("/ws", s.hub.ServeHTTP)
	s.router = r
	return s
}

// SetLogFunc sets the logging callback.
func (s *Server) SetLogFunc(fn logging.LogFunc) {
	s.logFn = logging.Prefixed(fn, "Web")
}

// Hub returns the websocket hub.
func (s *Server) Hub() *api.Hub {
	return s.hub
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter(logging.ProtoAPI), "", 0),
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			s.logFn("server stopped: %v", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	s.logFn("listening on %s", s.addr)
	return nil
}

// Stop disconnects websocket clients and shuts the server down gracefully.
func (s *Server) Stop() error {
	s.hub.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server address; once started it reflects the bound port.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != "" {
		return "http://" + s.addr
	}
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

// debugLogWriter adapts logging.DebugLog to an io.Writer for use with log.Logger.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

var _ io.Writer = debugLogWriter("")

// corsMiddleware adds CORS headers for API access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
