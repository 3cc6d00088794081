package apihttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"animecatalog/internal/aggregator"
	"animecatalog/internal/catalog"
	"animecatalog/internal/domain"
	"animecatalog/internal/upstream"
)

type CatalogService interface {
	EnsureTitle(ctx context.Context, query string) ([]domain.Entry, error)
	EnsureFresh(ctx context.Context, entryID uint64) (domain.EntryDetail, error)
}

type ProviderHealth interface {
	Providers() []upstream.ProviderStatus
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	catalog   CatalogService
	providers ProviderHealth
	store     Pinger
	hub       *EventHub
	rateRPS   float64
	rateBurst int
	logger    *slog.Logger
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithProviderHealth(providers ProviderHealth) ServerOption {
	return func(s *Server) {
		s.providers = providers
	}
}

// WithEvents shares a hub the pipeline already publishes to.
func WithEvents(hub *EventHub) ServerOption {
	return func(s *Server) {
		s.hub = hub
	}
}

func WithStore(store Pinger) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithRateLimit sets the global token bucket. A non-positive rps disables it.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

func NewServer(catalogService CatalogService, options ...ServerOption) *Server {
	server := &Server{
		catalog:   catalogService,
		rateRPS:   50,
		rateBurst: 100,
		logger:    slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	if server.hub == nil {
		server.hub = NewEventHub(server.logger)
	}
	return server
}

// Events is the sink the pipeline publishes catalog events to.
func (s *Server) Events() aggregator.EventSink {
	return s.hub
}

// Close disconnects event subscribers.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /anime/{id}", s.handleEntry)
	mux.HandleFunc("GET /ws", s.handleWS)
	traced := otelhttp.NewHandler(mux, "anime-catalog",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return classifyRoute(r.URL.Path).enriching
		}),
	)
	return recoverPanics(s.logger, instrument(s.logger, limitEnrichment(s.rateRPS, s.rateBurst, traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = err.Error()
		} else {
			body["database"] = "ok"
		}
	}
	if s.providers != nil {
		body["providers"] = s.providers.Providers()
	}
	writeJSON(w, status, body)
}

type searchResponse struct {
	Query      string         `json:"query"`
	Items      []domain.Entry `json:"items"`
	Total      int            `json:"total"`
	Enrichment string         `json:"enrichment"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "catalog service is not configured")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}

	entries, err := s.catalog.EnsureTitle(r.Context(), query)
	if err != nil {
		s.logger.Warn("search request failed", slog.String("query", clip(query, 80)), slog.String("error", err.Error()))
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Query:      query,
		Items:      entries,
		Total:      len(entries),
		Enrichment: "scheduled",
	})
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "catalog service is not configured")
		return
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid entry id")
		return
	}
	detail, err := s.catalog.EnsureFresh(r.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("entry request failed", slog.Uint64("entryId", id), slog.String("error", err.Error()))
		}
		s.writeServiceError(w, err)
		return
	}
	if detail.Players == nil {
		detail.Players = []domain.PlayerLink{}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := s.hub.join(conn)
	if client == nil {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, aggregator.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "entry not found")
	case errors.Is(err, catalog.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "catalog store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
