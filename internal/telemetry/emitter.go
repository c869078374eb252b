package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/harborcrm/harbor/internal/observability"
)

// Emitter appends telemetry events to the sink file, one JSON line per
// event, with a single Write call per line so concurrent processes can
// append to the same file without interleaving.
//
// When disabled, every emit method is a cheap no-op. IO and encoding
// errors are swallowed and counted; emission never blocks on anything
// slower than a local append and never propagates failure.
type Emitter struct {
	enabled bool
	path    string
	logger  *slog.Logger
	metrics *observability.Metrics
	nowFunc func() time.Time

	mu      sync.Mutex
	file    *os.File
	dropped int64
}

// EmitterOptions configures an Emitter.
type EmitterOptions struct {
	// Enabled is the master switch; disabled emitters never touch the
	// filesystem.
	Enabled bool

	// Path is the absolute sink file path.
	Path string

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewEmitter creates an emitter. The sink file is opened lazily on
// first emit so a disabled emitter costs nothing.
func NewEmitter(opts EmitterOptions) *Emitter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		enabled: opts.Enabled && opts.Path != "",
		path:    opts.Path,
		logger:  logger,
		metrics: opts.Metrics,
		nowFunc: time.Now,
	}
}

// Enabled reports whether emission is active.
func (e *Emitter) Enabled() bool { return e.enabled }

// SetNowFunc overrides the clock, for tests.
func (e *Emitter) SetNowFunc(fn func() time.Time) { e.nowFunc = fn }

// Emit sanitizes, stamps, and appends one event. Safe to call from any
// goroutine; never returns an error.
func (e *Emitter) Emit(event Event) {
	if !e.enabled || event == nil {
		return
	}

	out := Sanitize(event)
	stampTS(out, e.nowFunc())

	line, err := json.Marshal(out)
	if err != nil {
		e.drop("marshal telemetry event", err)
		return
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file == nil {
		f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			e.dropped++
			e.countStage("dropped")
			e.logger.Warn("open telemetry sink failed", "path", e.path, "error", err)
			return
		}
		e.file = f
	}

	// One write per event keeps lines atomic across processes.
	if _, err := e.file.Write(line); err != nil {
		e.dropped++
		e.countStage("dropped")
		e.logger.Warn("telemetry append failed", "error", err)
		return
	}
	e.countStage("emitted")
}

func (e *Emitter) countStage(stage string) {
	if e.metrics != nil {
		e.metrics.TelemetryEvents.WithLabelValues(stage).Inc()
	}
}

func (e *Emitter) drop(msg string, err error) {
	e.mu.Lock()
	e.dropped++
	e.mu.Unlock()
	e.countStage("dropped")
	e.logger.Warn(msg, "error", err)
}

// Dropped returns the number of events lost to IO or encoding errors.
func (e *Emitter) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close closes the sink file.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}

// Typed emitters. Each populates only the fields defined for its type
// and delegates to Emit; none can fail.

// RunStarted emits run_started at the top of a turn.
func (e *Emitter) RunStarted(c Context, tenantID, conversationID string) {
	e.Emit(New(EventRunStarted, c, tenantID).
		With("conversation_id", conversationID))
}

// RunFinished emits run_finished with the final status and duration.
func (e *Emitter) RunFinished(c Context, tenantID, status string, duration time.Duration, errText string) {
	ev := New(EventRunFinished, c, tenantID).
		With("status", status).
		With("duration_ms", duration.Milliseconds())
	if errText != "" {
		ev.With("error", errText)
	}
	e.Emit(ev)
}

// ToolCallStarted emits tool_call_started on a fresh child span.
func (e *Emitter) ToolCallStarted(c Context, tenantID, tool, toolCallID string, args any) {
	e.Emit(New(EventToolCallStarted, c, tenantID).
		With("tool", tool).
		With("tool_call_id", toolCallID).
		With("args", args))
}

// ToolCallFinished emits tool_call_finished with status, duration, and
// either a truncated output summary or an artifact reference.
func (e *Emitter) ToolCallFinished(c Context, tenantID, tool, toolCallID, cacheOutcome string, duration time.Duration, summary, resultRef string) {
	ev := New(EventToolCallFinished, c, tenantID).
		With("tool", tool).
		With("tool_call_id", toolCallID).
		With("duration_ms", duration.Milliseconds()).
		With("status", "success")
	if cacheOutcome != "" {
		ev.With("cache", cacheOutcome)
	}
	if resultRef != "" {
		ev.With("result_ref", resultRef)
	} else if summary != "" {
		ev.With("output_summary", summary)
	}
	e.Emit(ev)
}

// ToolCallFailed emits tool_call_failed with an error code and
// retryability hint.
func (e *Emitter) ToolCallFailed(c Context, tenantID, tool, toolCallID, errorCode, errText string, retryable bool) {
	e.Emit(New(EventToolCallFailed, c, tenantID).
		With("tool", tool).
		With("tool_call_id", toolCallID).
		With("error_code", errorCode).
		With("error", errText).
		With("retryable", retryable))
}

// ArtifactCreated emits artifact_created after an offload.
func (e *Emitter) ArtifactCreated(c Context, tenantID, artifactID, kind string, sizeBytes int64) {
	e.Emit(New(EventArtifactCreated, c, tenantID).
		With("artifact_id", artifactID).
		With("kind", kind).
		With("size_bytes", sizeBytes))
}

// MessageSent emits message_sent for an assistant reply.
func (e *Emitter) MessageSent(c Context, tenantID, conversationID, role string) {
	e.Emit(New(EventMessageSent, c, tenantID).
		With("conversation_id", conversationID).
		With("role", role))
}

// MessageReceived emits message_received for an inbound user message.
func (e *Emitter) MessageReceived(c Context, tenantID, conversationID, role string) {
	e.Emit(New(EventMessageReceived, c, tenantID).
		With("conversation_id", conversationID).
		With("role", role))
}

// TaskCreated emits task_created when a multi-turn goal is persisted.
func (e *Emitter) TaskCreated(c Context, tenantID, goalID, goalType string) {
	e.Emit(New(EventTaskCreated, c, tenantID).
		With("task_id", goalID).
		With("task_type", goalType))
}

// TaskCompleted emits task_completed when a goal is confirmed and run.
func (e *Emitter) TaskCompleted(c Context, tenantID, goalID string) {
	e.Emit(New(EventTaskCompleted, c, tenantID).
		With("task_id", goalID))
}

// TaskFailed emits task_failed when a goal's action errors or the goal
// is cancelled.
func (e *Emitter) TaskFailed(c Context, tenantID, goalID, reason string) {
	e.Emit(New(EventTaskFailed, c, tenantID).
		With("task_id", goalID).
		With("reason", reason))
}
