package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/config"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/db"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
)

// TransitQueries answers the operator endpoints
type TransitQueries interface {
	FindOverviewByFileTransferID(ctx context.Context, fileTransferID string) (*models.TransitRecord, error)
	FailedEvents(ctx context.Context) ([]models.FailedEvent, error)
}

// Server is the proxy's HTTP surface: webhook deliveries, the
// availability probe, metrics and read-only transit queries
type Server struct {
	Ingress  http.Handler
	Webhooks []config.Webhook
	Transit  TransitQueries
	Metrics  http.Handler
	Logger   *logging.Logger
}

// Routes builds the router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/availability", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	if s.Ingress != nil {
		seen := map[string]bool{}
		for _, wh := range s.Webhooks {
			if wh.Path == "" || seen[wh.Path] {
				continue
			}
			seen[wh.Path] = true
			r.Method(http.MethodPost, wh.Path, s.Ingress)
		}
	}

	if s.Transit != nil {
		r.Get("/transfers/{fileTransferId}", s.handleGetTransfer)
		r.Get("/failed-events", s.handleFailedEvents)
	}

	return r
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fileTransferId")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "fileTransferId must be a UUID")
		return
	}

	record, err := s.Transit.FindOverviewByFileTransferID(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file transfer not found: "+id)
		return
	}
	if err != nil {
		s.Logger.Error("Failed to query file overview", err, map[string]interface{}{"file_transfer_id": id})
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleFailedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.Transit.FailedEvents(r.Context())
	if err != nil {
		s.Logger.Error("Failed to query failed events", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []models.FailedEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		fields := map[string]interface{}{
			"method":      r.Method,
			"route":       route,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}
		if route == "/availability" || route == "/metrics" {
			s.Logger.Debug("Request served", fields)
			return
		}
		s.Logger.Info("Request served", fields)
	})
}
