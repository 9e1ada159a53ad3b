// Package http serves the operational endpoints next to the gRPC API.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

type Health struct {
	checks  map[string]Check
	timeout time.Duration
	log     *slog.Logger
}

func NewHealth(checks map[string]Check, timeout time.Duration, log *slog.Logger) *Health {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Health{
		checks:  checks,
		timeout: timeout,
		log:     log.With(slog.String("component", "http.health")),
	}
}

func NewRouter(h *Health) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Get("/healthz", h.Live)
	r.Get("/readyz", h.Ready)
	return r
}

func (h *Health) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready runs every check and answers 503 when any of them fails.
func (h *Health) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	code := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.log.Warn("readiness check failed", slog.String("check", name), slog.Any("err", err))
			results[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ok"
	if code != http.StatusOK {
		state = "unavailable"
	}
	writeJSON(w, code, map[string]any{"status": state, "checks": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
