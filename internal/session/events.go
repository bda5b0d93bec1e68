package session

import (
	"time"

	"github.com/anjupathak03/cpp-unit-test-generator/internal/applier"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/coverage"
)

// EventKind classifies a progress event.
type EventKind string

const (
	EventSessionStart     EventKind = "session_start"
	EventCandidatesPolled EventKind = "candidates_polled"
	EventCandidateApplied EventKind = "candidate_applied"
	EventFixStarted       EventKind = "fix_started"
	EventFixFinished      EventKind = "fix_finished"
	EventIterationDone    EventKind = "iteration_done"
	EventSessionEnd       EventKind = "session_end"
)

// Event is one step of session progress. Events are delivered synchronously
// to the injected sink in the order they happen; there is no global emitter.
type Event struct {
	Kind      EventKind
	At        time.Time
	Candidate string
	Verdict   applier.Verdict
	Attempts  int
	Count     int
	Coverage  coverage.Snapshot
	Message   string
}

// Sink receives progress events. A nil sink drops them.
type Sink func(Event)

func (o *Orchestrator) emit(ev Event) {
	if o.sink == nil {
		return
	}
	ev.At = time.Now()
	o.sink(ev)
}
