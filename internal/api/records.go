package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avdeyev/codecanvas/internal/audit"
	"github.com/avdeyev/codecanvas/internal/domain"
	"github.com/avdeyev/codecanvas/internal/generate"
	"github.com/avdeyev/codecanvas/internal/identity"
	"github.com/avdeyev/codecanvas/internal/normalize"
	"github.com/avdeyev/codecanvas/internal/regen"
	"github.com/avdeyev/codecanvas/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxRequestBodySize is the maximum allowed request body size (2MB). Saved
// code can be large; design descriptions cannot.
const maxRequestBodySize = 2 << 20

// RecordHandler handles code-record endpoints.
type RecordHandler struct {
	*Handler
	rateLimiter *RateLimiter
}

// NewRecordHandler creates a new record handler.
func NewRecordHandler(base *Handler) *RecordHandler {
	return &RecordHandler{
		Handler:     base,
		rateLimiter: NewRateLimiter(10, time.Minute),
	}
}

// RegisterRoutes registers record routes.
func (h *RecordHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/config", h.GetConfig)
		r.Route("/records", func(r chi.Router) {
			r.Post("/", h.CreateRecord)
			r.Get("/", h.ListRecords)
			r.Route("/{uid}", func(r chi.Router) {
				r.Get("/", h.GetRecord)
				r.Put("/code", h.SaveCode)
				r.Post("/generate", h.Generate)
				r.Post("/regenerate", h.Regenerate)
				r.Delete("/view", h.DropView)
			})
		})
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *RecordHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"generator_enabled":  h.gen != nil,
		"max_regen_attempts": h.cfg.MaxRegenAttempts,
	})
}

type createRecordRequest struct {
	ImageURL    string                   `json:"imageUrl"`
	Description string                   `json:"description"`
	Model       string                   `json:"model"`
	Options     domain.GenerationOptions `json:"options"`
}

// CreateRecord handles POST /api/records: register an uploaded design and
// its requirement text. Generation is a separate call.
func (h *RecordHandler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req createRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ImageURL == "" {
		Error(w, http.StatusBadRequest, "imageUrl is required")
		return
	}
	if req.Model == "" {
		Error(w, http.StatusBadRequest, "model is required")
		return
	}

	now := time.Now().UTC()
	record := &domain.CodeRecord{
		UID:         uuid.NewString(),
		UserID:      userID,
		Email:       identity.EmailFromContext(r.Context()),
		ImageURL:    req.ImageURL,
		Description: req.Description,
		Model:       req.Model,
		Options:     req.Options,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.repo.CreateRecord(r.Context(), record); err != nil {
		slog.Error("Failed to create record", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to create record")
		return
	}

	slog.Info("Record created", "uid", record.UID, "user_id", userID, "model", record.Model)
	JSON(w, http.StatusCreated, record)
}

// ListRecords handles GET /api/records: the user's records, newest first.
func (h *RecordHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	records, err := h.repo.ListRecords(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list records", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	if records == nil {
		records = []*domain.CodeRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// GetRecord handles GET /api/records/{uid}: load the record into this view's
// controller and return the record plus the view state.
func (h *RecordHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	ctrl := h.registry.Get(userID, sessionID, uid)
	snap, err := ctrl.Load(r.Context())
	switch {
	case errors.Is(err, regen.ErrRecordNotFound):
		h.registry.Drop(userID, sessionID, uid)
		Error(w, http.StatusNotFound, "record not found")
		return
	case errors.Is(err, regen.ErrGenerationInFlight):
		Error(w, http.StatusConflict, "generation in progress")
		return
	case err != nil:
		slog.Error("Failed to load record", "error", err, "uid", uid)
		JSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": snap.ErrorMessage,
			"view":  snap,
		})
		return
	}

	record := ctrl.Record()
	if record.UserID != userID {
		h.registry.Drop(userID, sessionID, uid)
		Error(w, http.StatusNotFound, "record not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"record": record,
		"view":   snap,
	})
}

// DropView handles DELETE /api/records/{uid}/view: discard this view's
// controller (and its remaining budget) when the editor closes.
func (h *RecordHandler) DropView(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	h.registry.Drop(userID, sessionID, uid)
	w.WriteHeader(http.StatusNoContent)
}

type saveCodeRequest struct {
	Code domain.CodeBody `json:"code"`
}

// SaveCode handles PUT /api/records/{uid}/code: persist a manual edit.
// Saves never touch the regeneration budget.
func (h *RecordHandler) SaveCode(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req saveCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctrl, ok := h.loadedController(r.Context(), w, userID, sessionID, uid)
	if !ok {
		return
	}

	snap, err := ctrl.Save(r.Context(), req.Code.Content, identity.EmailFromContext(r.Context()))
	switch {
	case errors.Is(err, regen.ErrGenerationInFlight):
		Error(w, http.StatusConflict, "generation in progress")
		return
	case err != nil:
		slog.Error("Failed to save code", "error", err, "uid", uid, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to save code")
		return
	}

	h.genLog.Log(audit.Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		UserID:    userID,
		SessionID: sessionID,
		UID:       uid,
		EventType: audit.EventCodeSaved,
		CodeBytes: len(snap.Code),
	})
	JSON(w, http.StatusOK, map[string]interface{}{"view": snap})
}

// Generate handles POST /api/records/{uid}/generate: the initial generation
// for a freshly created record, streamed back over SSE. Initial generation
// is not a regeneration and does not consume the regeneration budget.
func (h *RecordHandler) Generate(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	if h.gen == nil {
		Error(w, http.StatusServiceUnavailable, "generator not configured")
		return
	}
	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	record, err := h.repo.GetRecord(r.Context(), uid)
	if err != nil {
		slog.Error("Failed to load record for generation", "error", err, "uid", uid)
		Error(w, http.StatusInternalServerError, "failed to load record")
		return
	}
	if record == nil || record.UserID != userID {
		Error(w, http.StatusNotFound, "record not found")
		return
	}

	email := identity.EmailFromContext(r.Context())
	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	slog.Info("Generation started", "uid", uid, "user_id", userID, "model", record.Model)
	h.logGeneration(userID, sessionID, uid, audit.EventGenerationStarted, record.Model, 0, 0, "")

	req := generate.Request{
		Description: record.Description,
		ImageURL:    record.ImageURL,
		Model:       record.Model,
		Options:     record.Options,
		UserEmail:   email,
	}

	var accumulator strings.Builder
	chunks := 0
	for chunk, streamErr := range h.gen.Stream(r.Context(), req) {
		if streamErr != nil {
			msg := streamUserMessage(streamErr)
			slog.Error("Generation stream failed", "error", streamErr, "uid", uid)
			h.logGeneration(userID, sessionID, uid, audit.EventGenerationFailed, record.Model, 0, chunks, streamErr.Error())
			h.emit(w, flusher, userID, sessionID, regen.Update{UID: uid, Type: "error", Message: msg})
			return
		}
		chunks++
		accumulator.WriteString(chunk)
		partial := normalize.Normalize(accumulator.String())
		h.emit(w, flusher, userID, sessionID, regen.Update{UID: uid, Type: "partial", Content: partial})
	}

	if r.Context().Err() != nil {
		// Client went away mid-stream; nothing is persisted.
		slog.Info("Generation abandoned", "uid", uid, "user_id", userID)
		return
	}

	final := normalize.Normalize(accumulator.String())
	if err := h.repo.UpdateRecordCode(r.Context(), uid, store.CodeUpdate{
		Content: final,
		Model:   record.Model,
		Email:   email,
		Options: record.Options,
	}); err != nil {
		slog.Error("Failed to persist generated code", "error", err, "uid", uid)
		h.logGeneration(userID, sessionID, uid, audit.EventGenerationFailed, record.Model, 0, chunks, err.Error())
		h.emit(w, flusher, userID, sessionID, regen.Update{UID: uid, Type: "error", Message: "failed to save generated code"})
		return
	}

	slog.Info("Generation completed", "uid", uid, "user_id", userID, "code_bytes", len(final), "chunks", chunks)
	h.logGeneration(userID, sessionID, uid, audit.EventGenerationCompleted, record.Model, len(final), chunks, "")
	h.emit(w, flusher, userID, sessionID, regen.Update{UID: uid, Type: "final", Content: final})
}

// Regenerate handles POST /api/records/{uid}/regenerate: one budgeted
// regeneration, streamed back over SSE. A spent budget is rejected with 409
// before any SSE headers go out, so the client keeps a plain JSON error.
func (h *RecordHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	if h.gen == nil {
		Error(w, http.StatusServiceUnavailable, "generator not configured")
		return
	}
	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ctrl, ok := h.loadedController(r.Context(), w, userID, sessionID, uid)
	if !ok {
		return
	}

	snap := ctrl.Snapshot()
	switch {
	case snap.State == regen.StateGenerating:
		Error(w, http.StatusConflict, "generation in progress")
		return
	case snap.AttemptsRemaining <= 0:
		h.logGeneration(userID, sessionID, uid, audit.EventRegenerationDenied, "", 0, 0, "budget exhausted")
		Error(w, http.StatusConflict, "no regeneration attempts remaining")
		return
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	record := ctrl.Record()
	slog.Info("Regeneration started",
		"uid", uid,
		"user_id", userID,
		"session_id", sessionID,
		"attempts_used", snap.AttemptsUsed,
	)
	h.logGeneration(userID, sessionID, uid, audit.EventGenerationStarted, record.Model, 0, 0, "")

	notify := func(update regen.Update) {
		h.emit(w, flusher, userID, sessionID, update)
	}

	final, err := ctrl.Regenerate(r.Context(), identity.EmailFromContext(r.Context()), notify)
	if err != nil {
		if regen.IsSuperseded(err) || r.Context().Err() != nil {
			// Cancelled by the view; results were discarded and no budget spent.
			slog.Info("Regeneration abandoned", "uid", uid, "user_id", userID)
			return
		}
		switch {
		case errors.Is(err, regen.ErrBudgetExhausted):
			h.logGeneration(userID, sessionID, uid, audit.EventRegenerationDenied, record.Model, 0, 0, "budget exhausted")
			h.emit(w, flusher, userID, sessionID, regen.Update{UID: uid, Type: "error", Message: "no regeneration attempts remaining"})
		case errors.Is(err, regen.ErrGenerationInFlight):
			h.emit(w, flusher, userID, sessionID, regen.Update{UID: uid, Type: "error", Message: "generation already in progress"})
		default:
			slog.Error("Regeneration failed", "error", err, "uid", uid, "user_id", userID)
			h.logGeneration(userID, sessionID, uid, audit.EventGenerationFailed, record.Model, 0, 0, err.Error())
			h.emit(w, flusher, userID, sessionID, regen.Update{UID: uid, Type: "error", Message: ctrl.Snapshot().ErrorMessage})
		}
		return
	}

	slog.Info("Regeneration completed",
		"uid", uid,
		"user_id", userID,
		"code_bytes", len(final.Code),
		"attempts_remaining", final.AttemptsRemaining,
	)
	h.logGeneration(userID, sessionID, uid, audit.EventGenerationCompleted, record.Model, len(final.Code), 0, "")

	data, err := json.Marshal(final)
	if err != nil {
		slog.Warn("failed to marshal regeneration snapshot", "error", err)
		return
	}
	if err := writeSSE(w, "done", string(data)); err != nil {
		slog.Warn("failed to write SSE done event", "error", err)
		return
	}
	flusher.Flush()
}

// loadedController returns this view's controller, loading the record on
// first use. Writes the error response itself when loading fails.
func (h *RecordHandler) loadedController(ctx context.Context, w http.ResponseWriter, userID, sessionID, uid string) (*regen.Controller, bool) {
	ctrl := h.registry.Get(userID, sessionID, uid)
	if record := ctrl.Record(); record != nil {
		if record.UserID != userID {
			Error(w, http.StatusNotFound, "record not found")
			return nil, false
		}
		return ctrl, true
	}

	_, err := ctrl.Load(ctx)
	switch {
	case errors.Is(err, regen.ErrRecordNotFound):
		h.registry.Drop(userID, sessionID, uid)
		Error(w, http.StatusNotFound, "record not found")
		return nil, false
	case errors.Is(err, regen.ErrGenerationInFlight):
		Error(w, http.StatusConflict, "generation in progress")
		return nil, false
	case err != nil:
		slog.Error("Failed to load record", "error", err, "uid", uid)
		Error(w, http.StatusInternalServerError, "failed to load record")
		return nil, false
	}

	if ctrl.Record().UserID != userID {
		h.registry.Drop(userID, sessionID, uid)
		Error(w, http.StatusNotFound, "record not found")
		return nil, false
	}
	return ctrl, true
}

// emit sends one update to the SSE response and mirrors it to the view's
// preview socket.
func (h *RecordHandler) emit(w http.ResponseWriter, flusher http.Flusher, userID, sessionID string, update regen.Update) {
	if h.preview != nil {
		h.preview.Publish(userID, sessionID, update)
	}

	data, err := json.Marshal(update)
	if err != nil {
		slog.Warn("failed to marshal SSE update", "error", err)
		return
	}
	if err := writeSSE(w, update.Type, string(data)); err != nil {
		slog.Warn("failed to write SSE event", "error", err, "type", update.Type)
		return
	}
	flusher.Flush()
}

func (h *RecordHandler) logGeneration(userID, sessionID, uid, eventType, model string, codeBytes, chunks int, errMsg string) {
	h.genLog.Log(audit.Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		UserID:    userID,
		SessionID: sessionID,
		UID:       uid,
		EventType: eventType,
		Model:     model,
		CodeBytes: codeBytes,
		Chunks:    chunks,
		Error:     errMsg,
	})
}

// beginSSE switches the response into event-stream mode.
func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return flusher, true
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// streamUserMessage reduces a transport failure to text safe to show a user.
func streamUserMessage(err error) string {
	var te *generate.TransportError
	if errors.As(err, &te) {
		if te.Body != "" {
			return te.Body
		}
		return fmt.Sprintf("generation service returned status %d", te.StatusCode)
	}
	return "generation failed"
}
