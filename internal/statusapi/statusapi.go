// Package statusapi exposes the coordinator's per-stream watermark
// snapshot over HTTP, plus the Prometheus exposition endpoint, using
// gorilla/mux the same way the teacher's own status surface does
// (internal/monitors' health endpoints), generalized from container
// health to stream watermark status.
package statusapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cea-hpc/rbh-changelog/internal/coordinator"
)

// Config configures the status/metrics HTTP surface.
type Config struct {
	Host        string
	Port        int
	MetricsPath string
}

// Server serves stream status and Prometheus metrics.
type Server struct {
	cfg    Config
	coord  *coordinator.Coordinator
	logger *logrus.Logger
	http   *http.Server
}

func New(cfg Config, coord *coordinator.Coordinator, logger *logrus.Logger) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{cfg: cfg, coord: coord, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/streams", s.handleStreams).Methods(http.MethodGet)
	r.HandleFunc("/streams/{name}", s.handleStream).Methods(http.MethodGet)
	r.Handle(cfg.MetricsPath, promhttp.Handler())

	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background; call Shutdown to stop it.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("status api server stopped unexpectedly")
		}
	}()
	s.logger.WithField("addr", s.http.Addr).Info("status api listening")
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.coord.DumpStats())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, stat := range s.coord.DumpStats() {
		if stat.Name == name {
			writeJSON(w, stat)
			return
		}
	}
	http.Error(w, "stream not found", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
