package live

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/avdeyev/codecanvas/internal/identity"
	"github.com/coder/websocket"
)

// WebSocketHandler upgrades preview connections and keeps them registered
// for the lifetime of the socket. The server only pushes frames; anything
// the client sends is drained and ignored.
type WebSocketHandler struct {
	manager       *Manager
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new preview WebSocket handler.
func NewWebSocketHandler(manager *Manager, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		manager:       manager,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept preview WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "preview ended"); closeErr != nil {
			slog.Debug("Failed to close preview websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.manager.Register(userID, sessionID, ws)
	defer h.manager.Unregister(userID, sessionID, ws)

	// Block until the client goes away. Reads only serve liveness; frames
	// flow the other direction via Manager.Publish.
	ctx := r.Context()
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return h.allowedOrigin == "" || strings.HasPrefix(origin, h.allowedOrigin)
}
