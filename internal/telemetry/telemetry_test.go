package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRootContext(t *testing.T) {
	c := NewRootContext()
	if !c.Valid() {
		t.Fatal("root context must carry a run id")
	}
	if c.TraceID != c.RunID {
		t.Errorf("trace id %q should default to run id %q", c.TraceID, c.RunID)
	}
	if c.SpanID == "" || c.ParentSpanID != "" {
		t.Errorf("root span = %q parent = %q, want fresh span with no parent", c.SpanID, c.ParentSpanID)
	}
}

func TestChildContext(t *testing.T) {
	root := NewRootContext()
	child := root.Child()

	if child.RunID != root.RunID || child.TraceID != root.TraceID {
		t.Error("child must keep the run and trace ids")
	}
	if child.SpanID == root.SpanID {
		t.Error("child needs a fresh span id")
	}
	if child.ParentSpanID != root.SpanID {
		t.Errorf("child parent = %q, want %q", child.ParentSpanID, root.SpanID)
	}

	grandchild := child.Child()
	if grandchild.ParentSpanID != child.SpanID || grandchild.TraceID != root.TraceID {
		t.Error("grandchild correlation broken")
	}
}

func TestNewEventBaseFields(t *testing.T) {
	c := NewRootContext()
	e := New(EventToolCallStarted, c, "tenant-1")

	if marked, _ := e[Marker].(bool); !marked {
		t.Error("event missing the telemetry marker")
	}
	if e["type"] != "tool_call_started" {
		t.Errorf("type = %v", e["type"])
	}
	if e["run_id"] != c.RunID || e["trace_id"] != c.TraceID || e["span_id"] != c.SpanID {
		t.Error("correlation fields not populated")
	}
	if _, ok := e["tenant_id"]; !ok {
		t.Error("tenant_id missing")
	}

	system := New(EventRunStarted, c, "")
	if _, ok := system["tenant_id"]; ok {
		t.Error("empty tenant must not produce a tenant_id field")
	}
}

func TestSanitizeCaps(t *testing.T) {
	e := Event{
		"long":  strings.Repeat("x", 5000),
		"nil":   nil,
		"array": make([]any, 100),
	}
	for i := 0; i < 100; i++ {
		e["array"].([]any)[i] = i
	}

	out := Sanitize(e)
	if got := len(out["long"].(string)); got != 2000 {
		t.Errorf("string truncated to %d, want 2000", got)
	}
	if _, ok := out["nil"]; ok {
		t.Error("nil values must be dropped")
	}
	if got := len(out["array"].([]any)); got != 50 {
		t.Errorf("array truncated to %d, want 50", got)
	}
	// Input is untouched.
	if len(e["long"].(string)) != 5000 {
		t.Error("Sanitize mutated its input")
	}
}

func TestSanitizeFieldCap(t *testing.T) {
	e := Event{}
	for i := 0; i < 120; i++ {
		e[string(rune('a'+i%26))+string(rune('0'+i/26))] = i
	}
	out := Sanitize(e)
	if len(out) > 80 {
		t.Errorf("sanitized event has %d fields, cap is 80", len(out))
	}
}

func TestEmitterWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	e := NewEmitter(EmitterOptions{Enabled: true, Path: path})
	defer e.Close()

	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e.SetNowFunc(func() time.Time { return fixed })

	c := NewRootContext()
	e.RunStarted(c, "tenant-1", "conv-1")
	e.RunFinished(c, "tenant-1", "success", 120*time.Millisecond, "")

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		lines = append(lines, event)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	first := lines[0]
	if first.Type() != EventRunStarted {
		t.Errorf("first type = %q", first.Type())
	}
	if marked, _ := first[Marker].(bool); !marked {
		t.Error("sink line missing marker")
	}
	if first["ts"] != fixed.Format(time.RFC3339Nano) {
		t.Errorf("ts = %v", first["ts"])
	}

	second := lines[1]
	if second.Type() != EventRunFinished || second["status"] != "success" {
		t.Errorf("second = %+v", second)
	}
	if first["run_id"] != second["run_id"] {
		t.Error("events of one run must share a run_id")
	}
}

func TestDisabledEmitterTouchesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	e := NewEmitter(EmitterOptions{Enabled: false, Path: path})

	e.RunStarted(NewRootContext(), "t", "c")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("disabled emitter created the sink file")
	}
	if e.Enabled() {
		t.Error("Enabled() = true")
	}
}

func TestToolCallFailedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	e := NewEmitter(EmitterOptions{Enabled: true, Path: path})
	defer e.Close()

	c := NewRootContext().Child()
	e.ToolCallFailed(c, "tenant-1", "get_lead", "call-9", "FORBIDDEN", "tool is denied", false)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var event Event
	if err := json.Unmarshal(data[:len(data)-1], &event); err != nil {
		t.Fatal(err)
	}
	if event["error_code"] != "FORBIDDEN" || event["tool"] != "get_lead" {
		t.Errorf("event = %+v", event)
	}
	if retryable, _ := event["retryable"].(bool); retryable {
		t.Error("retryable should be false")
	}
	if event["parent_span_id"] != c.ParentSpanID {
		t.Error("child span correlation missing")
	}
}

func TestIsCanonical(t *testing.T) {
	if !IsCanonical(EventToolCallFinished) {
		t.Error("tool_call_finished is canonical")
	}
	if IsCanonical(EventType("made_up")) {
		t.Error("unknown type accepted")
	}
}
