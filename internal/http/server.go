package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StoreChecker abstracts the database health check for testability.
type StoreChecker interface {
	Ping(ctx context.Context) error
}

// ListenerStatus reports whether a network surface is accepting traffic.
type ListenerStatus interface {
	IsListening() bool
}

type Server struct {
	srv        *http.Server
	store      StoreChecker
	ingest     ListenerStatus
	subscriber ListenerStatus
	logger     *zap.Logger
}

func NewServer(addr string, store StoreChecker, ingest, subscriber ListenerStatus, logger *zap.Logger) *Server {
	s := &Server{
		store:      store,
		ingest:     ingest,
		subscriber: subscriber,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Check the store.
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.store.Ping(ctx); err != nil {
			checks["store"] = "error"
			allOK = false
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "error"
		allOK = false
	}

	// Check the beacon ingest listener.
	if s.ingest != nil && s.ingest.IsListening() {
		checks["ingest"] = "ok"
	} else {
		checks["ingest"] = "not_listening"
		allOK = false
	}

	// Check the subscriber WebSocket server.
	if s.subscriber != nil && s.subscriber.IsListening() {
		checks["subscriber"] = "ok"
	} else {
		checks["subscriber"] = "not_listening"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
