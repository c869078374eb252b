package telemetry

import "time"

// Marker is the field that identifies telemetry lines in the sink. The
// tail sidecar drops any line that does not carry it.
const Marker = "_telemetry"

// EventType names one of the canonical event types. The set is frozen;
// consumers key idempotency and rendering off these strings.
type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventRunFinished      EventType = "run_finished"
	EventAgentRegistered  EventType = "agent_registered"
	EventAgentSpawned     EventType = "agent_spawned"
	EventAgentRetired     EventType = "agent_retired"
	EventAgentStatus      EventType = "agent_status"
	EventTaskCreated      EventType = "task_created"
	EventTaskEnqueued     EventType = "task_enqueued"
	EventTaskAssigned     EventType = "task_assigned"
	EventTaskStarted      EventType = "task_started"
	EventTaskBlocked      EventType = "task_blocked"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventHandoff          EventType = "handoff"
	EventMessageSent      EventType = "message_sent"
	EventMessageReceived  EventType = "message_received"
	EventToolCallStarted  EventType = "tool_call_started"
	EventToolCallFinished EventType = "tool_call_finished"
	EventToolCallFailed   EventType = "tool_call_failed"
	EventArtifactCreated  EventType = "artifact_created"
	EventArtifactUpdated  EventType = "artifact_updated"
)

// canonicalTypes is used to reject constructor misuse in tests; emit
// paths do not re-validate.
var canonicalTypes = map[EventType]bool{
	EventRunStarted: true, EventRunFinished: true,
	EventAgentRegistered: true, EventAgentSpawned: true,
	EventAgentRetired: true, EventAgentStatus: true,
	EventTaskCreated: true, EventTaskEnqueued: true,
	EventTaskAssigned: true, EventTaskStarted: true,
	EventTaskBlocked: true, EventTaskCompleted: true,
	EventTaskFailed: true, EventHandoff: true,
	EventMessageSent: true, EventMessageReceived: true,
	EventToolCallStarted: true, EventToolCallFinished: true,
	EventToolCallFailed: true, EventArtifactCreated: true,
	EventArtifactUpdated: true,
}

// IsCanonical reports whether t belongs to the frozen event set.
func IsCanonical(t EventType) bool { return canonicalTypes[t] }

// Event is a single telemetry record. The base fields are the marker,
// ts, type, and the correlation identifiers; everything else is
// type-specific.
type Event map[string]any

// New builds an event with the base correlation fields populated.
// tenantID may be empty for events outside a tenant scope.
func New(t EventType, c Context, tenantID string) Event {
	e := Event{
		Marker:   true,
		"type":   string(t),
		"run_id": c.RunID,
	}
	if c.TraceID != "" {
		e["trace_id"] = c.TraceID
	} else {
		e["trace_id"] = c.RunID
	}
	if c.SpanID != "" {
		e["span_id"] = c.SpanID
	}
	if c.ParentSpanID != "" {
		e["parent_span_id"] = c.ParentSpanID
	}
	if tenantID != "" {
		e["tenant_id"] = tenantID
	}
	return e
}

// Type returns the event's type field.
func (e Event) Type() EventType {
	t, _ := e["type"].(string)
	return EventType(t)
}

// With sets a field and returns the event for chaining. Nil values are
// dropped by the sanitizer at emit time.
func (e Event) With(key string, value any) Event {
	e[key] = value
	return e
}

// Sanitization caps. Oversized payloads are truncated, never rejected:
// telemetry must not fail a request over a large tool output.
const (
	maxEventFields = 80
	maxStringLen   = 2000
	maxArrayLen    = 50
)

// Sanitize enforces the field, string, and array caps and drops nil
// values. It returns a new event; the input is not modified.
func Sanitize(e Event) Event {
	out := make(Event, len(e))
	count := 0
	for k, v := range e {
		if v == nil {
			continue
		}
		if count >= maxEventFields {
			break
		}
		out[k] = sanitizeValue(v)
		count++
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		if len(val) > maxStringLen {
			return val[:maxStringLen]
		}
		return val
	case []any:
		if len(val) > maxArrayLen {
			val = val[:maxArrayLen]
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []string:
		n := len(val)
		if n > maxArrayLen {
			n = maxArrayLen
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = sanitizeValue(val[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		count := 0
		for k, item := range val {
			if item == nil {
				continue
			}
			if count >= maxEventFields {
				break
			}
			out[k] = sanitizeValue(item)
			count++
		}
		return out
	default:
		return v
	}
}

// stampTS sets the emission timestamp if absent.
func stampTS(e Event, now time.Time) {
	if _, ok := e["ts"]; !ok {
		e["ts"] = now.UTC().Format(time.RFC3339Nano)
	}
}
