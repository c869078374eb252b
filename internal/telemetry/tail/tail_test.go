package tail

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harborcrm/harbor/internal/bus"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []bus.Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg bus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *recordingPublisher) messages() []bus.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.Message(nil), p.msgs...)
}

func TestPublishLineKeysAndFilters(t *testing.T) {
	pub := &recordingPublisher{}
	tailer := NewTailer("unused", pub, nil)
	ctx := context.Background()

	// Keyed by tenant when present.
	tailer.publishLine(ctx, []byte(`{"_telemetry":true,"type":"run_started","tenant_id":"tenant-1","run_id":"r1"}`+"\n"))
	// Falls back to run id.
	tailer.publishLine(ctx, []byte(`{"_telemetry":true,"type":"run_finished","run_id":"r1"}`+"\n"))
	// Unmarked log lines are not telemetry.
	tailer.publishLine(ctx, []byte(`{"level":"info","msg":"server started"}`+"\n"))
	// Garbage is dropped.
	tailer.publishLine(ctx, []byte("not json\n"))

	msgs := pub.messages()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	if msgs[0].Key != "tenant-1" || msgs[1].Key != "r1" {
		t.Errorf("keys = %q, %q", msgs[0].Key, msgs[1].Key)
	}
	if tailer.Published() != 2 || tailer.Dropped() != 2 {
		t.Errorf("published = %d dropped = %d", tailer.Published(), tailer.Dropped())
	}
}

func TestPublishLineSurfacesBusFailure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("bus down")}
	tailer := NewTailer("unused", pub, nil)

	err := tailer.publishLine(context.Background(), []byte(`{"_telemetry":true,"type":"run_started","run_id":"r1"}`+"\n"))
	if err == nil {
		t.Fatal("bus failure not surfaced")
	}
	// A refused line is neither published nor dropped; it stays owed.
	if tailer.Published() != 0 || tailer.Dropped() != 0 {
		t.Errorf("published = %d dropped = %d", tailer.Published(), tailer.Dropped())
	}
}

// A bus outage must not advance the offset past unpublished lines;
// once the bus recovers, the next drain delivers them all.
func TestDrainRetriesAfterBusOutage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	lines := `{"_telemetry":true,"type":"run_started","run_id":"r1"}` + "\n" +
		`{"_telemetry":true,"type":"run_finished","run_id":"r1"}` + "\n"
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	pub := &recordingPublisher{err: errors.New("bus down")}
	tailer := NewTailer(path, pub, nil)

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	offset, err := tailer.drain(context.Background(), file, 0)
	if err != nil {
		t.Fatalf("drain during outage: %v", err)
	}
	if offset != 0 {
		t.Fatalf("offset advanced to %d past an unpublished line", offset)
	}
	if tailer.Published() != 0 {
		t.Fatalf("published %d during outage", tailer.Published())
	}

	pub.setErr(nil)
	offset, err = tailer.drain(context.Background(), file, offset)
	if err != nil {
		t.Fatalf("drain after recovery: %v", err)
	}
	if offset != int64(len(lines)) {
		t.Errorf("offset = %d, want %d", offset, len(lines))
	}
	msgs := pub.messages()
	if len(msgs) != 2 {
		t.Fatalf("published %d after recovery, want 2", len(msgs))
	}
	if msgs[0].Key != "r1" || msgs[1].Key != "r1" {
		t.Errorf("keys = %q, %q", msgs[0].Key, msgs[1].Key)
	}
}

func TestDrainReadsCompleteLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	content := `{"_telemetry":true,"type":"run_started","run_id":"r1"}` + "\n" +
		`{"_telemetry":true,"type":"run_finished","run_id":"r1"}` + "\n" +
		`{"_telemetry":true,"type":"partial` // no newline yet
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	pub := &recordingPublisher{}
	tailer := NewTailer(path, pub, nil)

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	offset, err := tailer.drain(context.Background(), file, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(pub.messages()) != 2 {
		t.Fatalf("published %d, want 2", len(pub.messages()))
	}

	// The partial line stays unread; finishing it makes it visible.
	full := int64(len(content)) - offset
	if full <= 0 {
		t.Fatal("offset consumed the partial line")
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`","run_id":"r2"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	if _, err := tailer.drain(context.Background(), file, offset); err != nil {
		t.Fatal(err)
	}
	msgs := pub.messages()
	if len(msgs) != 3 {
		t.Fatalf("published %d after completion, want 3", len(msgs))
	}
	if msgs[2].Key != "r2" {
		t.Errorf("completed line key = %q", msgs[2].Key)
	}
}

func TestDrainHandlesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	line := `{"_telemetry":true,"type":"run_started","run_id":"r1"}` + "\n"
	if err := os.WriteFile(path, []byte(line+line+line), 0o644); err != nil {
		t.Fatal(err)
	}

	pub := &recordingPublisher{}
	tailer := NewTailer(path, pub, nil)

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	offset, err := tailer.drain(context.Background(), file, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pub.messages()) != 3 {
		t.Fatalf("published %d, want 3", len(pub.messages()))
	}

	// Rotation truncates the file; the offset resets to the top.
	short := `{"_telemetry":true,"type":"run_started","run_id":"r2"}` + "\n"
	if err := os.WriteFile(path, []byte(short), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := tailer.drain(context.Background(), file, offset); err != nil {
		t.Fatal(err)
	}
	msgs := pub.messages()
	if len(msgs) != 4 {
		t.Fatalf("published %d after truncation, want 4", len(msgs))
	}
	if msgs[3].Key != "r2" {
		t.Errorf("post-truncation key = %q", msgs[3].Key)
	}
}

func TestRunWaitsForFileThenTails(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-second tail loop")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	pub := &recordingPublisher{}
	tailer := NewTailer(path, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	waitFor(t, func() bool { return tailer.State() == StateWaitingForFile })

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return tailer.State() == StateTailing })

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"_telemetry":true,"type":"run_started","tenant_id":"tenant-1","run_id":"r1"}` + "\n")
	_ = f.Close()

	waitFor(t, func() bool { return tailer.Published() == 1 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}

	msgs := pub.messages()
	if len(msgs) != 1 || msgs[0].Key != "tenant-1" {
		t.Errorf("messages = %+v", msgs)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
