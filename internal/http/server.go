// Package http exposes the chat orchestrator over HTTP and Server-Sent Events.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/roelfdiedericks/personagate/internal/chat"
	. "github.com/roelfdiedericks/personagate/internal/logging"
	"github.com/roelfdiedericks/personagate/internal/store"
)

// DefaultListen is used when ServerConfig.Listen is empty.
const DefaultListen = "127.0.0.1:8420"

// Server represents the HTTP server
type Server struct {
	server *http.Server
	orch   *chat.Orchestrator
	store  store.Store
	wg     sync.WaitGroup
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen string // Address to listen on (e.g., ":8420", "127.0.0.1:8420")
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *ServerConfig, orch *chat.Orchestrator, st store.Store) *Server {
	listen := cfg.Listen
	if listen == "" {
		listen = DefaultListen
	}

	s := &Server{orch: orch, store: st}
	s.server = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second, // covers a full streamed reply
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the routed handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(logRequest)
	r.Use(stripHeaders)

	r.Get("/healthz", s.handleHealth)
	r.Get("/debug/metrics", s.handleMetrics)

	r.Group(func(r chi.Router) {
		r.Use(requireIdentity)
		r.Post("/v1/sessions/{sessionID}/messages", s.handleSend)
		r.Post("/v1/sessions/{sessionID}/messages/stream", s.handleStream)
		r.Get("/v1/usage", s.handleUsage)
	})
	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			L_error("http: server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("http: shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	L_info("http: server stopped")
	return nil
}

// logRequest logs every request at trace level
func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(lw, r)

		L_trace("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"requestID", chiMiddleware.GetReqID(r.Context()),
			"duration", time.Since(start))
	})
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// stripHeaders removes fingerprinting headers
func stripHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		next.ServeHTTP(w, r)
	})
}
