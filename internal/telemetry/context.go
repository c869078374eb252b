// Package telemetry implements the best-effort, append-only event log
// emitted by the core. Events are correlated by run, trace, and span
// identifiers, written as NDJSON to a local sink, and fanned out to the
// live observer by the tail sidecar. Emission never blocks the request
// path and never surfaces errors to business logic.
package telemetry

import "github.com/google/uuid"

// NewRunID returns a fresh run identifier.
func NewRunID() string { return "run_" + uuid.NewString() }

// NewTraceID returns a fresh trace identifier.
func NewTraceID() string { return "trace_" + uuid.NewString() }

// NewSpanID returns a fresh span identifier.
func NewSpanID() string { return "span_" + uuid.NewString() }

// Context carries the correlation identifiers threaded through a run.
// The zero value is inert; use NewRootContext at the start of a turn.
type Context struct {
	RunID        string
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// NewRootContext starts a new correlation tree for a run. The trace id
// defaults to the run id and the root span has no parent.
func NewRootContext() Context {
	runID := NewRunID()
	return Context{
		RunID:   runID,
		TraceID: runID,
		SpanID:  NewSpanID(),
	}
}

// Child derives a sub-operation context: same run and trace, a fresh
// span whose parent is the receiver's span.
func (c Context) Child() Context {
	return Context{
		RunID:        c.RunID,
		TraceID:      c.TraceID,
		SpanID:       NewSpanID(),
		ParentSpanID: c.SpanID,
	}
}

// Valid reports whether the context carries a run id.
func (c Context) Valid() bool { return c.RunID != "" }
