// Package server exposes the session operation catalog over HTTP and
// streams session events over websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"sshdeck/internal/api"
	"sshdeck/internal/logging"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Server is the sshdeck HTTP server.
type Server struct {
	svc    *api.Service
	hub    *Hub
	router chi.Router

	// originPatterns lists the browser origins allowed to open websockets
	// besides the server's own host.
	originPatterns []string

	mu         sync.Mutex
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithOriginPatterns allows websocket connections from the given origin
// host patterns (filepath.Match syntax, e.g. "app.example.com" or
// "*.example.com"). Without it only same-host origins are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.originPatterns = append(s.originPatterns, patterns...)
	}
}

// New builds the router and subscribes the event hub to the session
// manager behind svc.
func New(svc *api.Service, opts ...Option) *Server {
	s := &Server{
		svc: svc,
		hub: NewHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	svc.Manager().OnEvent(s.hub.Publish)
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/profiles", s.listProfiles)
		r.Post("/profiles", s.addProfile)
		r.Get("/profiles/{id}", s.getProfile)
		r.Put("/profiles/{id}", s.updateProfile)
		r.Delete("/profiles/{id}", s.deleteProfile)

		r.Get("/events", s.events)

		r.Get("/sessions", s.listSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Post("/connect", s.connect)
			r.Post("/disconnect", s.disconnect)
			r.Post("/reconnect", s.reconnect)
			r.Get("/status", s.status)
			r.Get("/history", s.history)
			r.Post("/input", s.rawInput)
			r.Post("/commands", s.enqueue)
			r.Get("/queue", s.queueStatus)
			r.Post("/resize", s.resize)
			r.Get("/terminal", s.terminal)

			r.Get("/files", s.listFiles)
			r.Get("/files/content", s.readFile)
			r.Put("/files/content", s.writeFile)
			r.Post("/files/upload", s.upload)
			r.Post("/files/download", s.download)
			r.Post("/files/upload-folder", s.uploadFolder)
			r.Post("/files/delete", s.deleteFile)
			r.Post("/files/mkdir", s.mkdir)
			r.Post("/files/create", s.createFile)
			r.Post("/files/rename", s.rename)
		})
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Subscribers returns the number of attached event and terminal sockets.
func (s *Server) Subscribers() int {
	return s.hub.Count()
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	hs := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = hs
	s.mu.Unlock()

	logging.Logger().Info("Starting HTTP server", zap.String("addr", l.Addr().String()))
	if err := hs.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Start listens on addr and serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(l)
}

// Shutdown stops accepting requests, drops event subscribers and closes
// every session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	s.mu.Lock()
	hs := s.httpServer
	s.mu.Unlock()

	var err error
	if hs != nil {
		err = hs.Shutdown(ctx)
	}
	s.svc.DisconnectAll()
	return err
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Logger().Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())))
	})
}
