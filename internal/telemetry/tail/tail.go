// Package tail follows the telemetry sink file and republishes its
// events onto the bus. It runs as a sidecar process next to the
// emitter, so a slow or absent bus never touches the request path.
package tail

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/harborcrm/harbor/internal/bus"
	"github.com/harborcrm/harbor/internal/telemetry"
)

// State is the sidecar's health state.
type State string

const (
	StateStarting       State = "starting"
	StateWaitingForFile State = "waiting_for_file"
	StateTailing        State = "tailing"
	StateError          State = "error"
)

// pollInterval paces existence checks while waiting for the sink and
// backs up the fsnotify watcher while tailing.
const pollInterval = time.Second

// Tailer follows the sink file and publishes telemetry lines.
type Tailer struct {
	path      string
	publisher bus.Publisher
	logger    *slog.Logger

	state     atomic.Value // State
	published atomic.Int64
	dropped   atomic.Int64
}

// NewTailer creates a tailer for the sink at path.
func NewTailer(path string, publisher bus.Publisher, logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tailer{path: path, publisher: publisher, logger: logger}
	t.state.Store(StateStarting)
	return t
}

// State returns the current health state.
func (t *Tailer) State() State {
	return t.state.Load().(State)
}

// Published returns the number of events delivered to the bus.
func (t *Tailer) Published() int64 { return t.published.Load() }

// Dropped returns the number of lines skipped: non-telemetry lines and
// unparseable JSON. Bus failures are retried, not dropped.
func (t *Tailer) Dropped() int64 { return t.dropped.Load() }

// Run follows the sink until the context is cancelled. The file is
// re-opened after rotation or truncation; waiting for a missing file
// is a health state, not an error.
func (t *Tailer) Run(ctx context.Context) error {
	for {
		if err := t.waitForFile(ctx); err != nil {
			return err
		}
		if err := t.follow(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.state.Store(StateError)
			t.logger.Warn("tail interrupted, reopening", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}
}

func (t *Tailer) waitForFile(ctx context.Context) error {
	for {
		if _, err := os.Stat(t.path); err == nil {
			return nil
		}
		t.state.Store(StateWaitingForFile)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// follow reads from the current end of file and drains new lines on
// every write notification. Shrinkage means truncation; the offset
// resets to zero.
func (t *Tailer) follow(ctx context.Context) error {
	file, err := os.Open(t.path)
	if err != nil {
		return err
	}
	defer file.Close()

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		return err
	}

	t.state.Store(StateTailing)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != t.path {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				offset, err = t.drain(ctx, file, offset)
				if err != nil {
					return err
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err

		case <-ticker.C:
			// Poll fallback for filesystems with unreliable notify.
			offset, err = t.drain(ctx, file, offset)
			if err != nil {
				return err
			}
		}
	}
}

func (t *Tailer) drain(ctx context.Context, file *os.File, offset int64) (int64, error) {
	info, err := file.Stat()
	if err != nil {
		return offset, err
	}
	if info.Size() < offset {
		// Truncated; start over from the top.
		offset = 0
	}
	if info.Size() == offset {
		return offset, nil
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// A partial line stays unread until the writer finishes it.
			return offset, nil
		}
		if err := t.publishLine(ctx, line); err != nil {
			// The bus refused the line. Hold the offset here so the
			// next drain re-reads it; consumers are idempotent, so a
			// duplicate is acceptable where a lost event is not.
			return offset, nil
		}
		offset += int64(len(line))
	}
}

// publishLine parses one sink line and publishes it keyed by tenant,
// falling back to run id. Lines without the telemetry marker are
// dropped silently; a bus failure is returned so the caller can retry
// the line instead of skipping past it.
func (t *Tailer) publishLine(ctx context.Context, line []byte) error {
	var event telemetry.Event
	if err := json.Unmarshal(line, &event); err != nil {
		t.dropped.Add(1)
		return nil
	}
	if marked, _ := event[telemetry.Marker].(bool); !marked {
		t.dropped.Add(1)
		return nil
	}

	key, _ := event["tenant_id"].(string)
	if key == "" {
		key, _ = event["run_id"].(string)
	}

	if err := t.publisher.Publish(ctx, bus.Message{Key: key, Value: line}); err != nil {
		t.logger.Warn("publish telemetry event failed", "error", err)
		return err
	}
	t.published.Add(1)
	return nil
}
