// Package status serves a read-only HTTP view of the running loops.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/san-kum/cryostat/internal/scheduler"
	"github.com/san-kum/cryostat/internal/supervisor"
)

// Source is what the server reads from. *scheduler.Scheduler satisfies it.
type Source interface {
	Snapshots() []supervisor.Snapshot
	Snapshot(id string) (supervisor.Snapshot, bool)
	Liveness(grace time.Duration) scheduler.Liveness
}

type Server struct {
	src      Source
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	grace    time.Duration

	mu  sync.Mutex
	srv *http.Server
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGrace adds slack to the liveness staleness bound.
func WithGrace(d time.Duration) Option {
	return func(s *Server) { s.grace = d }
}

func New(src Source, gatherer prometheus.Gatherer, opts ...Option) *Server {
	s := &Server{
		src:      src,
		gatherer: gatherer,
		logger:   zap.NewNop(),
		grace:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/loops", s.listLoops).Methods(http.MethodGet)
	r.HandleFunc("/api/loops/{id}", s.loopDetail).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Serve listens on addr until Shutdown is called.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	s.logger.Info("status server listening", zap.String("addr", lis.Addr().String()))

	err = srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) listLoops(w http.ResponseWriter, _ *http.Request) {
	snaps := s.src.Snapshots()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) loopDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := s.src.Snapshot(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown loop " + id})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	lv := s.src.Liveness(s.grace)
	code := http.StatusOK
	if !lv.Alive {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, lv)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}
