package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server exposes the indexed projection over read-only HTTP.
type Server struct {
	store   *Store
	queue   *WebhookQueue
	origins []string
	metrics *httpMetrics
}

// ServerOption customises the HTTP server.
type ServerOption func(*Server)

// WithAllowedOrigins enables CORS for the given origins.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = append([]string(nil), origins...) }
}

// WithServerLogger routes per-request debug logs to logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.metrics = newHTTPMetrics(logger) }
}

func NewServer(store *Store, queue *WebhookQueue, opts ...ServerOption) *Server {
	s := &Server{store: store, queue: queue}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newHTTPMetrics(nil)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)
	if len(s.origins) > 0 {
		r.Use(corsMiddleware(s.origins))
	}
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/healthz", s.handleHealth)
	r.Get("/payments", s.handleListPayments)
	r.Get("/payments/{orderID}", s.handleGetPayment)
	r.Get("/payments/{orderID}/events", s.handlePaymentEvents)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	last, err := s.store.LastEventSequence(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"lastSequence": last,
		"pendingHooks": s.queue.Len(),
	})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := s.store.Payment(r.Context(), chi.URLParam(r, "orderID"))
	if errors.Is(err, ErrPaymentNotIndexed) {
		writeJSONError(w, http.StatusNotFound, "payment not indexed")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	party := strings.TrimSpace(r.URL.Query().Get("party"))
	if party == "" {
		writeJSONError(w, http.StatusBadRequest, "party query parameter required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	rows, err := s.store.PaymentsByParty(r.Context(), party, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": rows})
}

func (s *Server) handlePaymentEvents(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.EventsForOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": rows})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
