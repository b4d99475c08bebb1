// Package audit records generation activity as NDJSON, one file per
// user/session pair, for debugging model behavior and abuse review.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Event types recorded by the generation log.
const (
	EventGenerationStarted   = "generation_started"
	EventGenerationCompleted = "generation_completed"
	EventGenerationFailed    = "generation_failed"
	EventRegenerationDenied  = "regeneration_denied"
	EventCodeSaved           = "code_saved"
)

// Event is one NDJSON line in the generation log.
type Event struct {
	Timestamp string         `json:"ts"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	UID       string         `json:"uid"`
	EventType string         `json:"event_type"`
	Model     string         `json:"model,omitempty"`
	CodeBytes int            `json:"code_bytes,omitempty"`
	Chunks    int            `json:"chunks,omitempty"`
	Error     string         `json:"error,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Logger writes generation events asynchronously. A full queue drops the
// event rather than stalling a generation stream.
type Logger interface {
	Log(event Event)
	Close() error
}

// Config controls the generation log.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// NewLogger creates a generation logger. When disabled it returns a no-op
// implementation so callers never nil-check.
func NewLogger(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return NopLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit: log directory required")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}

	l := &fileLogger{
		dir:    cfg.Dir,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l, nil
}

// NopLogger discards all events.
type NopLogger struct{}

func (NopLogger) Log(Event)    {}
func (NopLogger) Close() error { return nil }

// fileLogger appends events to per-user/session NDJSON files from a single
// writer goroutine.
type fileLogger struct {
	dir    string
	queue  chan Event
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
}

func (l *fileLogger) Log(event Event) {
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("generation log queue full, dropping event",
			"event_type", event.EventType,
			"user_id", event.UserID)
	}
}

func (l *fileLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.queue)
		<-l.done
	})
	return nil
}

func (l *fileLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		if err := l.append(event); err != nil {
			l.logger.Warn("failed to write generation log event", "error", err)
		}
	}
}

func (l *fileLogger) append(event Event) error {
	userDir := filepath.Join(l.dir, sanitizePathComponent(event.UserID))
	if err := os.MkdirAll(userDir, 0750); err != nil {
		return fmt.Errorf("create user log directory: %w", err)
	}

	path := filepath.Join(userDir, sanitizePathComponent(event.SessionID)+".ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			l.logger.Debug("failed to close log file", "path", path, "error", closeErr)
		}
	}()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	return nil
}

// sanitizePathComponent keeps log paths inside the log directory no matter
// what arrives in user or session IDs.
func sanitizePathComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	clean := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			clean = append(clean, r)
		case r == '-' || r == '_' || r == '.':
			clean = append(clean, r)
		default:
			clean = append(clean, '_')
		}
	}
	return string(clean)
}
