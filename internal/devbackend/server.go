// Package devbackend is an in-process stand-in for the download backend. It
// serves the REST routes and the Socket.IO push channel modelq talks to and
// simulates download progress, so the client can be exercised end to end
// without the real service.
package devbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"modelq/internal/logging"
)

const (
	defaultBind         = "127.0.0.1:5000"
	defaultStep         = 10
	defaultInterval     = 500 * time.Millisecond
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
	defaultSizeGB       = 1.5
	shutdownTimeout     = 5 * time.Second
)

// Options configures a Server. Zero values select defaults.
type Options struct {
	// Bind is the listen address. Use "127.0.0.1:0" for an ephemeral port.
	Bind string
	// Token, when set, is required as a bearer token on every route and as
	// the Socket.IO connect auth.
	Token string
	// Step is the progress, in percent, added to each active task per tick.
	Step float64
	// Interval is the tick period used by Run. Zero or negative disables the
	// ticker; tests drive Tick by hand.
	Interval time.Duration
	// PingInterval and PingTimeout are advertised in the Engine.IO handshake.
	PingInterval time.Duration
	PingTimeout  time.Duration
	// SizeGB is added to the disk usage of a task's source when it completes.
	SizeGB float64
	// FailRate is the probability that an API request is answered with 500.
	FailRate float64
	Logger   *slog.Logger
}

// Server is the development backend.
type Server struct {
	opts   Options
	logger *slog.Logger
	router chi.Router

	mu      sync.Mutex
	tasks   []*simTask
	usage   map[string]float64
	faults  faultPlan
	clients map[*socketClient]struct{}
	random  func() float64

	listener net.Listener
	server   *http.Server
}

// New builds a server. It does not listen until Start or Run.
func New(opts Options) *Server {
	if strings.TrimSpace(opts.Bind) == "" {
		opts.Bind = defaultBind
	}
	if opts.Step <= 0 {
		opts.Step = defaultStep
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	if opts.SizeGB <= 0 {
		opts.SizeGB = defaultSizeGB
	}
	opts.Token = strings.TrimSpace(opts.Token)
	s := &Server{
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "devbackend"),
		usage:   map[string]float64{sourceCivitai: 0, sourceHuggingFace: 0, "other": 0},
		clients: make(map[*socketClient]struct{}),
		random:  rand.Float64,
	}
	s.faults.rate = opts.FailRate
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/socket.io/", s.handleSocket)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.opts.Token))
		r.Use(s.faultMiddleware)

		r.Route("/api", func(r chi.Router) {
			r.Post("/download/cancel/{taskID}", s.handleCancel)
			r.Post("/download/{source}", s.handleDownload)
			r.Get("/disk-usage", s.handleDiskUsage)
		})
		r.Get("/civitai/models", s.handleCivitaiModels)
		r.Get("/civitai/models/{modelID}", s.handleCivitaiModel)
		r.Get("/huggingface/models", s.handleHuggingFaceModels)
	})
	return r
}

// Handler exposes the router, for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx ends or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Bind)
	if err != nil {
		return fmt.Errorf("devbackend listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("devbackend server error", logging.Args(logging.Error(err))...)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	s.logger.Info("devbackend listening", logging.Args(logging.String("address", listener.Addr().String()))...)
	return nil
}

// Run starts the server and advances the simulation every Interval until
// ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	if s.opts.Interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

// URL is the base URL of a started server.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// Shutdown closes socket sessions and stops the HTTP server.
func (s *Server) Shutdown() {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	clients := make([]*socketClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request served",
			logging.Args(
				logging.String(logging.FieldRequestID, middleware.GetReqID(r.Context())),
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Int("status", ww.Status()),
				logging.Duration("elapsed", time.Since(started)),
			)...)
	})
}
