// Package admin serves the rsmqd health, metrics and read-only queue views.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/aura-studio/rsmq"
)

// Stats reports per-queue processed counts. *rsmq.WorkerPool satisfies it.
type Stats interface {
	Stats() map[string]int64
	Failures() map[string]int64
	LiveWorkers() int
}

type Server struct {
	client *rsmq.Client
	pool   Stats
	log    logrus.FieldLogger
}

type queueView struct {
	Name              string    `json:"name"`
	VisibilityTimeout int       `json:"vt"`
	Delay             int       `json:"delay"`
	MaxSize           int       `json:"maxsize"`
	TotalReceived     int64     `json:"totalrecv"`
	TotalSent         int64     `json:"totalsent"`
	Created           time.Time `json:"created"`
	Modified          time.Time `json:"modified"`
	Msgs              int64     `json:"msgs"`
	HiddenMsgs        int64     `json:"hiddenmsgs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the admin handler. pool may be nil.
func NewRouter(client *rsmq.Client, pool Stats, gatherer prometheus.Gatherer, log logrus.FieldLogger) http.Handler {
	s := &Server{client: client, pool: pool, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/workers", s.workers)
	r.Route("/queues", func(r chi.Router) {
		r.Get("/", s.listQueues)
		r.Get("/{queue}", s.getQueue)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.client.Redis().Ping(ctx).Err(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) workers(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"live": 0})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"live":      s.pool.LiveWorkers(),
		"processed": s.pool.Stats(),
		"failed":    s.pool.Failures(),
	})
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"queues": s.client.ListQueues(r.Context())})
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	attrs, err := s.client.GetQueueAttributes(r.Context(), name)
	switch {
	case err == nil:
	case errors.Is(err, rsmq.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, rsmq.ErrQueueNotFound):
		s.writeError(w, http.StatusNotFound, err)
		return
	default:
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, queueView{
		Name:              name,
		VisibilityTimeout: attrs.VisibilityTimeout,
		Delay:             attrs.Delay,
		MaxSize:           attrs.MaxSize,
		TotalReceived:     attrs.TotalReceived,
		TotalSent:         attrs.TotalSent,
		Created:           attrs.Created.UTC(),
		Modified:          attrs.Modified.UTC(),
		Msgs:              attrs.Msgs,
		HiddenMsgs:        attrs.HiddenMsgs,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("admin: encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Warn("admin: request failed")
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
