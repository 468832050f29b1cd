// Package web provides the HTTP status page and control API of the flowmeter daemon.
package web

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/keglevelmonitor/development-sub000/internal/logging"
	"github.com/keglevelmonitor/development-sub000/internal/status"
)

// Options configures a Server. Controller and Metrics are optional; without
// a controller the API routes are not registered.
type Options struct {
	Controller Controller
	Metrics    http.Handler
	// AccessLog, if set, receives one Apache-style line per request.
	AccessLog io.Writer
	Logger    *slog.Logger
}

// Server serves the status page and API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	ctrl       Controller
	logger     *slog.Logger

	// Background work started by requests (simulation reverts) stops with
	// the server.
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts Options) *Server {
	logger := logging.Default(opts.Logger).With("component", "web")
	s := &Server{tracker: tracker, ctrl: opts.Controller, logger: logger}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	var h http.Handler = s.Router(opts.Metrics)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)),
		handlers.PrintRecoveryStack(true),
	)(h)
	if opts.AccessLog != nil {
		h = handlers.LoggingHandler(opts.AccessLog, h)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: h,
	}
	return s
}

// Router returns the route table without middleware.
func (s *Server) Router(metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.json", s.handleJSON).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	if s.ctrl != nil {
		s.registerAPI(r.PathPrefix("/api").Subrouter())
	}
	return r
}

// Handler returns the full handler chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server and cancels background work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.bgCancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.logger.Warn("render index", "error", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}
