// Package regen orchestrates code regeneration for a loaded record: it owns
// the per-view state machine, enforces the regeneration budget, and is the
// only writer of the record's code content.
package regen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avdeyev/codecanvas/internal/domain"
	"github.com/avdeyev/codecanvas/internal/generate"
	"github.com/avdeyev/codecanvas/internal/normalize"
	"github.com/avdeyev/codecanvas/internal/store"
)

// DefaultMaxAttempts is the regeneration budget per loaded view. The counter
// lives in memory only; reloading the page starts a fresh budget.
const DefaultMaxAttempts = 3

// State identifies where the controller is in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateGenerating State = "generating"
	StateError      State = "error"
)

var (
	// ErrBudgetExhausted rejects a regeneration once the budget is spent.
	// The controller stays in Ready; this is a condition, not a failure.
	ErrBudgetExhausted = errors.New("no regeneration attempts remaining")

	// ErrGenerationInFlight rejects a second regeneration while one is running.
	ErrGenerationInFlight = errors.New("generation already in progress")

	// ErrNotReady rejects regenerate/save before a successful load.
	ErrNotReady = errors.New("record not loaded")

	// ErrRecordNotFound reports a load for a uid with no stored record.
	ErrRecordNotFound = errors.New("record not found")

	// errSuperseded marks a stream whose results arrived after the view
	// cancelled or restarted it. Internal: superseded work is discarded
	// silently, never surfaced.
	errSuperseded = errors.New("generation superseded")
)

// Update is pushed to observers after every change to the observable code:
// a partial during streaming, the final result, or an error message.
type Update struct {
	UID     string `json:"uid"`
	Type    string `json:"type"` // "partial", "final", "error"
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// IsSuperseded reports whether an error came from a stream whose results
// were discarded because the view cancelled or restarted it.
func IsSuperseded(err error) bool {
	return errors.Is(err, errSuperseded)
}

// Notify receives controller updates. Callbacks run on the generation
// goroutine; implementations must not block for long.
type Notify func(Update)

// Snapshot is a point-in-time copy of the controller's observable state.
type Snapshot struct {
	UID               string `json:"uid"`
	State             State  `json:"state"`
	Code              string `json:"code"`
	Partial           string `json:"partial,omitempty"`
	ErrorMessage      string `json:"error,omitempty"`
	AttemptsUsed      int    `json:"attempts_used"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

// Controller is the state machine for one open record view.
//
// At most one load and one regeneration may be outstanding at a time; a
// generation sequence number guards against a cancelled stream's late
// results being applied after a newer one started.
type Controller struct {
	uid         string
	repo        store.Repository
	gen         generate.Streamer
	maxAttempts int

	mu           sync.Mutex
	state        State
	record       *domain.CodeRecord
	code         string
	partial      string
	errMsg       string
	attemptsUsed int
	genSeq       uint64
	lastActive   time.Time
}

// NewController creates a controller in the Idle state.
func NewController(uid string, repo store.Repository, gen generate.Streamer, maxAttempts int) *Controller {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Controller{
		uid:         uid,
		repo:        repo,
		gen:         gen,
		maxAttempts: maxAttempts,
		state:       StateIdle,
		lastActive:  time.Now(),
	}
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		UID:               c.uid,
		State:             c.state,
		Code:              c.code,
		Partial:           c.partial,
		ErrorMessage:      c.errMsg,
		AttemptsUsed:      c.attemptsUsed,
		AttemptsRemaining: c.maxAttempts - c.attemptsUsed,
	}
}

// Record returns the loaded record, or nil before a successful load.
func (c *Controller) Record() *domain.CodeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record
}

// Load fetches the record, normalizes its stored code and moves to Ready.
// Any state except Generating may re-invoke Load (the retry transition).
func (c *Controller) Load(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.state == StateGenerating {
		c.mu.Unlock()
		return Snapshot{}, ErrGenerationInFlight
	}
	c.state = StateLoading
	c.touchLocked()
	c.mu.Unlock()

	record, err := c.repo.GetRecord(ctx, c.uid)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateError
		c.errMsg = "failed to load record"
		return c.snapshotLocked(), fmt.Errorf("load record %s: %w", c.uid, err)
	}
	if record == nil {
		c.state = StateError
		c.errMsg = "record not found"
		return c.snapshotLocked(), ErrRecordNotFound
	}

	c.record = record
	c.code = normalize.Normalize(record.Code.Content)
	c.partial = ""
	c.errMsg = ""
	c.state = StateReady
	return c.snapshotLocked(), nil
}

// Regenerate runs one budgeted regeneration: stream, normalize each partial,
// persist the final code, then charge the attempt. The attempt is charged
// only after the persistence write is acknowledged, so a failure anywhere in
// the cycle never consumes budget.
func (c *Controller) Regenerate(ctx context.Context, userEmail string, notify Notify) (Snapshot, error) {
	c.mu.Lock()
	switch {
	case c.state == StateGenerating:
		c.mu.Unlock()
		return Snapshot{}, ErrGenerationInFlight
	case c.state != StateReady:
		c.mu.Unlock()
		return Snapshot{}, ErrNotReady
	case c.attemptsUsed >= c.maxAttempts:
		// Stay in Ready; the transport is never contacted.
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrBudgetExhausted
	}

	c.genSeq++
	seq := c.genSeq
	c.state = StateGenerating
	c.partial = ""
	c.touchLocked()
	record := c.record
	c.mu.Unlock()

	req := generate.Request{
		Description: record.Description,
		ImageURL:    record.ImageURL,
		Model:       record.Model,
		Options:     record.Options,
		UserEmail:   userEmail,
	}

	var accumulator strings.Builder
	for chunk, err := range c.gen.Stream(ctx, req) {
		if err != nil {
			return c.failGeneration(seq, err)
		}
		accumulator.WriteString(chunk)
		partial := normalize.Normalize(accumulator.String())
		if !c.setPartial(seq, partial) {
			return Snapshot{}, errSuperseded
		}
		if notify != nil {
			notify(Update{UID: c.uid, Type: "partial", Content: partial})
		}
	}

	if ctx.Err() != nil {
		// The view went away mid-stream. Discard everything: no persistence
		// write, no transition, no charged attempt.
		c.abandonGeneration(seq)
		return Snapshot{}, ctx.Err()
	}

	final := normalize.Normalize(accumulator.String())
	if err := c.repo.UpdateRecordCode(ctx, c.uid, store.CodeUpdate{
		Content: final,
		Model:   record.Model,
		Email:   userEmail,
		Options: record.Options,
	}); err != nil {
		return c.failGeneration(seq, fmt.Errorf("persist regenerated code: %w", err))
	}

	c.mu.Lock()
	if seq != c.genSeq {
		c.mu.Unlock()
		return Snapshot{}, errSuperseded
	}
	c.code = final
	c.partial = ""
	c.errMsg = ""
	c.state = StateReady
	c.attemptsUsed++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if notify != nil {
		notify(Update{UID: c.uid, Type: "final", Content: final})
	}
	return snap, nil
}

// Save persists a manual edit. Saves are independent of the regeneration
// budget. A failed save leaves the in-memory code unchanged and keeps the
// controller in Ready.
func (c *Controller) Save(ctx context.Context, editedCode, userEmail string) (Snapshot, error) {
	c.mu.Lock()
	if c.state == StateGenerating {
		c.mu.Unlock()
		return Snapshot{}, ErrGenerationInFlight
	}
	if c.state != StateReady {
		c.mu.Unlock()
		return Snapshot{}, ErrNotReady
	}
	record := c.record
	c.touchLocked()
	c.mu.Unlock()

	clean := normalize.Normalize(editedCode)
	if err := c.repo.UpdateRecordCode(ctx, c.uid, store.CodeUpdate{
		Content: clean,
		Model:   record.Model,
		Email:   userEmail,
		Options: record.Options,
	}); err != nil {
		return c.Snapshot(), fmt.Errorf("persist edited code: %w", err)
	}

	c.mu.Lock()
	c.code = clean
	c.mu.Unlock()
	return c.Snapshot(), nil
}

// Cancel invalidates any in-flight generation. Late-arriving chunks and
// completions from the cancelled stream are discarded.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateGenerating {
		return
	}
	c.genSeq++
	c.partial = ""
	c.state = StateReady
}

// LastActive reports when the controller last served a request.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// setPartial applies a streamed partial if the generation is still current.
func (c *Controller) setPartial(seq uint64, partial string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.genSeq {
		return false
	}
	c.partial = partial
	return true
}

// failGeneration converts a stream or persistence failure into the Error
// state. The attempt counter is not touched. Stale failures are ignored.
func (c *Controller) failGeneration(seq uint64, err error) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.genSeq {
		return Snapshot{}, errSuperseded
	}
	c.state = StateError
	c.errMsg = userMessage(err)
	c.partial = ""
	return c.snapshotLocked(), err
}

// abandonGeneration restores Ready with the previous code after the caller
// cancelled mid-stream.
func (c *Controller) abandonGeneration(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.genSeq {
		return
	}
	c.genSeq++
	c.partial = ""
	c.state = StateReady
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		UID:               c.uid,
		State:             c.state,
		Code:              c.code,
		Partial:           c.partial,
		ErrorMessage:      c.errMsg,
		AttemptsUsed:      c.attemptsUsed,
		AttemptsRemaining: c.maxAttempts - c.attemptsUsed,
	}
}

func (c *Controller) touchLocked() {
	c.lastActive = time.Now()
}

// userMessage reduces a collaborator failure to text safe to show a user.
// Transport errors keep the upstream body; everything else gets a generic
// description, never a stack trace or wrapped error chain.
func userMessage(err error) string {
	var te *generate.TransportError
	if errors.As(err, &te) {
		if te.Body != "" {
			return te.Body
		}
		return fmt.Sprintf("generation service returned status %d", te.StatusCode)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "generation was interrupted"
	}
	if strings.Contains(err.Error(), "persist") {
		return "failed to save generated code"
	}
	return "generation failed"
}
