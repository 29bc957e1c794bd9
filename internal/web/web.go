// Package web exposes the engine's HTTP control surface: job start and
// control endpoints, the SSE progress stream, document reassembly, and the
// model listing.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/bigcontext/internal/models"
	"github.com/haasonsaas/bigcontext/internal/observability"
	"github.com/haasonsaas/bigcontext/internal/progress"
	"github.com/haasonsaas/bigcontext/internal/scheduler"
	"github.com/haasonsaas/bigcontext/internal/store"
	"github.com/haasonsaas/bigcontext/internal/usage"
)

// Config holds the handler's collaborators.
type Config struct {
	Store     store.Store
	Scheduler *scheduler.Scheduler
	Publisher *progress.Publisher
	Catalog   *models.Catalog
	Estimator *usage.Estimator
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// Handler is the engine's HTTP handler.
type Handler struct {
	config *Config
	mux    *http.ServeMux
}

// NewHandler creates the handler and registers all routes.
func NewHandler(config *Config) *Handler {
	h := &Handler{
		config: config,
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("/chunk-process", h.apiStartJob)
	h.mux.HandleFunc("/chunk-process/", h.apiJobAction)
	h.mux.HandleFunc("/chats/", h.apiChat)
	h.mux.HandleFunc("/api/models", h.apiModels)
	h.mux.HandleFunc("/healthz", h.handleHealth)
	h.mux.Handle("/metrics", promhttp.Handler())

	return h
}

// ServeHTTP dispatches with request logging and metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := observability.AddRequestID(r.Context(), uuid.NewString())
	r = r.WithContext(ctx)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(rec, r)

	elapsed := time.Since(start)
	h.config.Metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status), elapsed.Seconds())
	h.config.Logger.Info(ctx, "http request",
		"method", r.Method, "path", r.URL.Path, "status", rec.status,
		"duration_ms", elapsed.Milliseconds())
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routeLabel collapses ids out of paths so metric cardinality stays low.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "chunk-process":
		return "/chunk-process/{id}/" + parts[2]
	case len(parts) >= 3 && parts[0] == "chats":
		return "/chats/{id}/" + parts[2]
	default:
		return path
	}
}

// jsonResponse writes a JSON response.
func (h *Handler) jsonResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.config.Logger.Error(context.Background(), "json encode error", "error", err)
	}
}

// jsonError writes a JSON error response.
func (h *Handler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) apiModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list, err := h.config.Catalog.List(r.Context())
	if err != nil {
		h.jsonError(w, "Failed to list models", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"models": list})
}
