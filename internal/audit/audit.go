// Package audit records security-relevant decisions: policy evaluations,
// federation denials, pack verification failures. Recording must never block
// or fail the guarded operation.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"TrustMesh/internal/logger"
)

// Logger receives audit events.
type Logger interface {
	Log(event string, payload map[string]any, actorID string)
}

// Slog writes audit events through the process logger, stamping each event
// with a uuid and UTC timestamp.
type Slog struct{}

// NewSlog creates a logger-backed audit sink.
func NewSlog() *Slog {
	return &Slog{}
}

// Log writes one audit event.
func (s *Slog) Log(event string, payload map[string]any, actorID string) {
	args := []any{
		"event", event,
		"event_id", uuid.NewString(),
		"ts", time.Now().UTC().Format(time.RFC3339Nano),
	}
	if actorID != "" {
		args = append(args, "actor", actorID)
	}
	for k, v := range payload {
		args = append(args, k, v)
	}

	logger.Info("audit", args...)
}

// Entry is one recorded event.
type Entry struct {
	Event   string
	Payload map[string]any
	ActorID string
}

// Recorder captures audit events in memory for tests.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Log records the event.
func (r *Recorder) Log(event string, payload map[string]any, actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, Entry{Event: event, Payload: payload, ActorID: actorID})
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)

	return out
}

// Find returns all recorded entries with the given event name.
func (r *Recorder) Find(event string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Event == event {
			out = append(out, e)
		}
	}

	return out
}
