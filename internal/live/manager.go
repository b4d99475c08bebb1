// Package live pushes generation progress to open browser views over
// WebSocket. The editor triggers regeneration over HTTP; the preview pane
// keeps a socket open and re-renders on every partial frame.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/avdeyev/codecanvas/internal/regen"
	"github.com/coder/websocket"
)

const publishTimeout = 5 * time.Second

// Manager tracks active preview connections per user and page session.
type Manager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewManager creates a new preview connection manager.
func NewManager() *Manager {
	return &Manager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the active connection for a user and session.
func (m *Manager) GetActive(userID, sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds a new preview connection for a user/session.
func (m *Manager) Register(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[userID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "preview replaced")
	}

	m.active[userID][sessionID] = conn
	slog.Info("Preview connected", "user_id", userID, "session_id", sessionID)
}

// Unregister removes a preview connection for a user/session.
func (m *Manager) Unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Preview disconnected", "user_id", userID, "session_id", sessionID)
		}
	}
}

// CloseAll forcefully terminates all preview connections for a user.
func (m *Manager) CloseAll(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		return
	}

	for sid, conn := range sessions {
		_ = conn.Close(websocket.StatusNormalClosure, "preview closed")
		slog.Info("Preview closed", "user_id", userID, "session_id", sid)
	}
	delete(m.active, userID)
}

// Publish sends a generation update to the view that owns it. A slow or
// gone consumer is dropped, never allowed to stall the generation stream.
func (m *Manager) Publish(userID, sessionID string, update regen.Update) {
	conn := m.GetActive(userID, sessionID)
	if conn == nil {
		return
	}

	data, err := json.Marshal(update)
	if err != nil {
		slog.Warn("failed to marshal preview update", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("preview write failed, dropping connection",
			"user_id", userID,
			"session_id", sessionID,
			"error", err)
		m.Unregister(userID, sessionID, conn)
	}
}
