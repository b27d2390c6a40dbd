// Package api serves the status HTTP endpoints of a running project.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/core/topology"
	"github.com/artpar/stacker/internal/shell/docker"
	"github.com/artpar/stacker/internal/shell/store"
)

// =============================================================================
// Dependencies
// =============================================================================

// StatusSource reports the observed state of every service of a topology.
type StatusSource interface {
	Status(ctx context.Context, topo *topology.Topology) ([]docker.ServiceView, error)
}

// Pinger checks that the engine is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// History looks up recorded runs.
type History interface {
	LastRun(ctx context.Context, project string, op domain.Operation) (*domain.RunReport, error)
}

// Metrics instruments requests and exposes the registry.
type Metrics interface {
	Handler() http.Handler
	Instrument(route func(*http.Request) string) func(http.Handler) http.Handler
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides the status endpoints of one project.
type Handler struct {
	project string
	topo    *topology.Topology
	status  StatusSource
	engine  Pinger
	history History
	metrics Metrics
	logger  *slog.Logger
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

// WithHistory enables GET /runs/last.
func WithHistory(h History) Option {
	return func(hd *Handler) { hd.history = h }
}

// WithMetrics enables GET /metrics and request instrumentation.
func WithMetrics(m Metrics) Option {
	return func(hd *Handler) { hd.metrics = m }
}

// NewHandler creates a status handler for topo.
func NewHandler(project string, topo *topology.Topology, status StatusSource, engine Pinger, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		project: project,
		topo:    topo,
		status:  status,
		engine:  engine,
		logger:  logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(h.requestIDHeader)
	r.Use(middleware.Recoverer)
	if h.metrics != nil {
		r.Use(h.metrics.Instrument(routePattern))
	}

	r.Get("/healthz", h.handleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(jsonContentType)
		r.Get("/status", h.handleStatus)
		r.Get("/status/{service}", h.handleServiceStatus)
		r.Get("/runs/last", h.handleLastRun)
	})

	return r
}

// routePattern names a request by its matched route, falling back to the
// raw path for unmatched requests.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// =============================================================================
// Middleware
// =============================================================================

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	checks := map[string]string{"engine": "ok"}
	if err := h.engine.Ping(r.Context()); err != nil {
		h.logger.Warn("engine ping failed", "error", err)
		checks["engine"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Checks: checks})
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Checks: checks})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	views, err := h.status.Status(r.Context(), h.topo)
	if err != nil {
		h.logger.Error("failed to read status", "error", err)
		h.writeError(w, http.StatusBadGateway, "failed to read service status", "engine_error")
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{
		Project:  h.project,
		Services: views,
		Summary:  summarize(views),
	})
}

func (h *Handler) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	if _, ok := h.topo.Service(name); !ok {
		h.writeError(w, http.StatusNotFound, "unknown service "+name, "not_found")
		return
	}
	views, err := h.status.Status(r.Context(), h.topo)
	if err != nil {
		h.logger.Error("failed to read status", "service", name, "error", err)
		h.writeError(w, http.StatusBadGateway, "failed to read service status", "engine_error")
		return
	}
	for _, v := range views {
		if v.Service == name {
			h.writeJSON(w, http.StatusOK, v)
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "unknown service "+name, "not_found")
}

func (h *Handler) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusNotFound, "run history is disabled", "not_found")
		return
	}
	op := domain.Operation(r.URL.Query().Get("operation"))
	if op != "" && !op.IsValid() {
		h.writeError(w, http.StatusBadRequest, "invalid operation "+string(op), "validation_error")
		return
	}
	report, err := h.history.LastRun(r.Context(), h.project, op)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "no recorded run", "not_found")
			return
		}
		h.logger.Error("failed to read run history", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to read run history", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// Helpers
// =============================================================================

func summarize(views []docker.ServiceView) map[domain.ServiceStatus]int {
	out := make(map[domain.ServiceStatus]int)
	for _, v := range views {
		out[v.Status]++
	}
	return out
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
