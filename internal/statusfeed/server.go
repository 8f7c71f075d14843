// Package statusfeed serves read-only worker snapshots and a live event
// stream over HTTP, SSE and WebSocket.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/observer"
	"github.com/hochfrequenz/codi/internal/orchestrator"
)

// Source is the orchestrator as seen by the feed. *orchestrator.Orchestrator
// implements it.
type Source interface {
	GetWorkers() []domain.WorkerState
	GetWorker(id string) (domain.WorkerState, bool)
	Logs(id string) []orchestrator.LogLine
	Subscribe(buffer int) *orchestrator.Subscription
	QueuedSpawns() int
	DroppedEvents() uint64
}

// Metrics provides aggregated run metrics. *observer.Observer implements it.
type Metrics interface {
	GetMetrics() observer.Metrics
}

// Server is the HTTP status feed
type Server struct {
	source   Source
	metrics  Metrics
	addr     string
	mux      *http.ServeMux
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates a new status feed server. metrics may be nil.
func NewServer(source Source, metrics Metrics, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		source:  source,
		metrics: metrics,
		addr:    addr,
		mux:     http.NewServeMux(),
		hub:     NewHub(),
		upgrader: websocket.Upgrader{
			// read-only feed bound to localhost by default
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "statusfeed"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/workers", s.listWorkersHandler())
	s.mux.HandleFunc("GET /api/workers/{id}", s.getWorkerHandler())
	s.mux.HandleFunc("GET /api/metrics", s.metricsHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())
}

// Handler returns the routes, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.mux }

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Run relays orchestrator events to feed clients and serves HTTP until ctx
// ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	sub := s.source.Subscribe(256)
	go s.hub.Run(ctx)
	go s.hub.Relay(ctx, sub)

	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("status feed listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		sub.Close()
		return err
	case <-ctx.Done():
	}
	sub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
