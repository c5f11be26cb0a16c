// Package events defines the lifecycle notification contract between the
// publishing engine and its external consumers (webhooks, UI refresh,
// analytics). The engine emits; consumers are expected to be idempotent on
// (post id, target id, new status) because delivery is at-least-once.
package events

import (
	"context"
	"sync"
	"time"
)

// Event records one lifecycle transition of a post or one of its targets.
// TargetID is empty for aggregate post transitions.
type Event struct {
	PostID    string    `json:"post_id"`
	TargetID  string    `json:"target_id,omitempty"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	At        time.Time `json:"at"`
}

// Emitter delivers lifecycle events to the outside world.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, e Event) error

func (f EmitterFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Recorder is an in-memory Emitter used by tests and local development.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	r.events = append(r.events, e)
	return nil
}

// Events returns a snapshot of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
