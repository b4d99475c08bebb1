package regen

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avdeyev/codecanvas/internal/generate"
	"github.com/avdeyev/codecanvas/internal/store"
)

const evictionInterval = 5 * time.Minute

// Registry hands out one Controller per open view, keyed by user, page
// session and record uid. Keying on the page session is what scopes the
// regeneration budget to a browser tab: a reload sends a fresh session ID
// and gets a fresh controller with an unspent budget.
type Registry struct {
	repo        store.Repository
	gen         generate.Streamer
	maxAttempts int

	mu          sync.Mutex
	controllers map[registryKey]*Controller
}

type registryKey struct {
	userID    string
	sessionID string
	uid       string
}

// NewRegistry creates an empty controller registry.
func NewRegistry(repo store.Repository, gen generate.Streamer, maxAttempts int) *Registry {
	return &Registry{
		repo:        repo,
		gen:         gen,
		maxAttempts: maxAttempts,
		controllers: make(map[registryKey]*Controller),
	}
}

// Get returns the controller for a view, creating it on first use.
func (r *Registry) Get(userID, sessionID, uid string) *Controller {
	key := registryKey{userID: userID, sessionID: sessionID, uid: uid}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.controllers[key]; ok {
		return c
	}
	c := NewController(uid, r.repo, r.gen, r.maxAttempts)
	r.controllers[key] = c
	return c
}

// Drop removes a view's controller, cancelling any in-flight generation.
func (r *Registry) Drop(userID, sessionID, uid string) {
	key := registryKey{userID: userID, sessionID: sessionID, uid: uid}

	r.mu.Lock()
	c, ok := r.controllers[key]
	if ok {
		delete(r.controllers, key)
	}
	r.mu.Unlock()

	if ok {
		c.Cancel()
	}
}

// evictIdle removes controllers that have not served a request within ttl.
// An idle controller's budget is gone with it; that matches the page-session
// scoping, since an idle tab that comes back simply reloads.
func (r *Registry) evictIdle(ttl time.Duration) int {
	threshold := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for key, c := range r.controllers {
		if c.LastActive().Before(threshold) {
			delete(r.controllers, key)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of live controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// StartEvictionWorker runs a background goroutine that periodically sweeps
// idle controllers out of the registry.
func StartEvictionWorker(ctx context.Context, registry *Registry, ttl time.Duration) {
	ticker := time.NewTicker(evictionInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Controller eviction worker started", "interval", evictionInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if evicted := registry.evictIdle(ttl); evicted > 0 {
					slog.Info("Evicted idle controllers", "count", evicted)
				}
			case <-ctx.Done():
				slog.Info("Controller eviction worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
