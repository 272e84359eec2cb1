package pipeline

import (
	"context"
	"time"

	"medication-reminder/internal/calls"
)

// Stage names the step a run ended at.
type Stage string

const (
	StageRetrieval     Stage = "retrieval"
	StageTranscription Stage = "transcription"
	StageExtraction    Stage = "extraction"
	StageComplete      Stage = "complete"
	StageSkipped       Stage = "skipped"
)

// Outcome is the result of one pipeline run for one CallSid.
type Outcome struct {
	CallSid    string
	Stage      Stage
	Transcript string
	Statuses   calls.StatusMap
	Err        error

	// Persisted reports whether the terminal update reached the store.
	Persisted bool
	// Shared is set when this caller joined a run already in flight.
	Shared bool

	Duration time.Duration
}

func (o Outcome) OK() bool { return o.Err == nil && o.Stage == StageComplete }

// Task is a handle on a pipeline run started in the background. Webhook
// handlers may drop it; tests and shutdown code wait on it.
type Task struct {
	done    chan struct{}
	outcome Outcome
}

func newTask() *Task { return &Task{done: make(chan struct{})} }

func (t *Task) finish(o Outcome) {
	t.outcome = o
	close(t.done)
}

// Done is closed once the run has persisted its outcome and cleaned up.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the run finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Outcome returns the result without blocking. ok is false while running.
func (t *Task) Outcome() (Outcome, bool) {
	select {
	case <-t.done:
		return t.outcome, true
	default:
		return Outcome{}, false
	}
}
