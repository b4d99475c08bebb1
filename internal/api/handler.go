// Package api provides HTTP handlers for the CodeCanvas API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/avdeyev/codecanvas/internal/audit"
	"github.com/avdeyev/codecanvas/internal/config"
	"github.com/avdeyev/codecanvas/internal/generate"
	"github.com/avdeyev/codecanvas/internal/live"
	"github.com/avdeyev/codecanvas/internal/regen"
	"github.com/avdeyev/codecanvas/internal/store"
)

// Handler provides common handler dependencies.
type Handler struct {
	repo     store.Repository
	registry *regen.Registry
	gen      generate.Streamer
	preview  *live.Manager
	genLog   audit.Logger
	cfg      *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, registry *regen.Registry, gen generate.Streamer, preview *live.Manager, genLog audit.Logger, cfg *config.Config) *Handler {
	if genLog == nil {
		genLog = audit.NopLogger{}
	}
	return &Handler{
		repo:     repo,
		registry: registry,
		gen:      gen,
		preview:  preview,
		genLog:   genLog,
		cfg:      cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Health reports database connectivity.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "degraded",
			"database": "unreachable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": "ok",
	})
}
