// Package server exposes analysis sessions and engine readiness over HTTP.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danshapiro/statflow/internal/engine"
	"github.com/danshapiro/statflow/internal/workflow"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. "127.0.0.1:8080"
}

// Deps are the long-lived collaborators the handlers share. Session is the
// process-wide engine session; Runner executes procedures for every
// workflow session.
type Deps struct {
	Engine *engine.Session
	Runner workflow.Runner
	Store  workflow.Store
	Logger *log.Logger
}

// Server is the HTTP front end for statflow sessions.
type Server struct {
	config   Config
	engine   *engine.Session
	registry *SessionRegistry
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	logger   *log.Logger
}

// New creates a new Server with the given config.
func New(cfg Config, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[statflow-server] ", log.LstdFlags)
	}
	s := &Server{
		config:   cfg,
		engine:   deps.Engine,
		registry: NewSessionRegistry(deps.Runner, workflow.Options{Store: deps.Store, Logger: logger}),
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   logger,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /engine/status", s.handleEngineStatus)
	mux.HandleFunc("POST /engine/acquire", s.handleEngineAcquire)
	mux.HandleFunc("GET /engine/wait", s.handleEngineWait)
	mux.HandleFunc("GET /engine/events", s.handleEngineEvents)

	mux.HandleFunc("GET /procedures", s.handleListProcedures)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/reset", s.handleResetSession)
	mux.HandleFunc("PUT /sessions/{id}/dataset", s.handlePutDataset)
	mux.HandleFunc("GET /sessions/{id}/profile", s.handleProfile)
	mux.HandleFunc("POST /sessions/{id}/navigate", s.handleNavigate)
	mux.HandleFunc("GET /sessions/{id}/prefill", s.handlePrefill)
	mux.HandleFunc("POST /sessions/{id}/run", s.handleRun)
	mux.HandleFunc("GET /sessions/{id}/offer", s.handleOffer)
	mux.HandleFunc("POST /sessions/{id}/promote", s.handlePromote)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Printf("received %s, shutting down...", sig)
			s.Shutdown()
		case <-s.baseCtx.Done():
		}
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin state-changing requests. Browsers set the
// Origin header on cross-origin requests; CLI callers omit it.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					writeError(w, http.StatusForbidden, "invalid Origin header")
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					writeError(w, http.StatusForbidden, "cross-origin request blocked")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops accepting requests and ends open event streams.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	// Cancel first so SSE handlers return and Shutdown can drain.
	s.cancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
}
