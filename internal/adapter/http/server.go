package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cwygoda/scanfarm/internal/ctxlog"
	"github.com/cwygoda/scanfarm/internal/dispatcher"
	"github.com/cwygoda/scanfarm/internal/domain"
	"github.com/cwygoda/scanfarm/internal/lock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const maxBodySize = 1 << 20

// Service is the dispatcher API exposed over HTTP.
type Service interface {
	StartJob(ctx context.Context, req dispatcher.Request) (*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	MarkInvestigated(ctx context.Context, id string) error
	UnmarkInvestigated(ctx context.Context, id string) error
}

// Server is the HTTP adapter for the dispatcher.
type Server struct {
	svc    Service
	mux    *http.ServeMux
	server *http.Server
	logger logrus.FieldLogger
}

// NewServer creates a new HTTP server. Metrics from gatherer are served
// on /metrics.
func NewServer(svc Service, addr string, gatherer prometheus.Gatherer, logger logrus.FieldLogger) *Server {
	s := &Server{
		svc:    svc,
		mux:    http.NewServeMux(),
		logger: logger,
	}
	s.routes(gatherer)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.logRequests(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.mux.HandleFunc("POST /jobs", s.handleStartJob)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("PUT /jobs/{id}/investigated", s.handleInvestigated(true))
	s.mux.HandleFunc("DELETE /jobs/{id}/investigated", s.handleInvestigated(false))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	job, err := s.svc.StartJob(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleInvestigated(investigated bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var err error
		if investigated {
			err = s.svc.MarkInvestigated(r.Context(), id)
		} else {
			err = s.svc.UnmarkInvestigated(r.Context(), id)
		}
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	var lerr *lock.AcquisitionError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Reason, Field: verr.Field})
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.As(err, &lerr):
		ctxlog.FromContext(r.Context()).WithError(err).Warn("lock busy")
		w.Header().Set("Retry-After", "5")
		s.writeError(w, http.StatusServiceUnavailable, "busy, try again later")
	default:
		ctxlog.FromContext(r.Context()).WithError(err).Error("request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logRequests attaches a request-scoped logger to the context and logs
// every request once it completes.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := s.logger.WithFields(logrus.Fields{
			"RequestID": uuid.NewString(),
			"Method":    r.Method,
			"Path":      r.URL.Path,
		})
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctxlog.Context(r.Context(), logger)))
		logger.WithFields(logrus.Fields{
			"Status":   rec.status,
			"Duration": time.Since(start).Seconds(),
		}).Debug("request")
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
