package observer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harborcrm/harbor/internal/bus"
	"github.com/harborcrm/harbor/internal/telemetry"
)

func event(i int) telemetry.Event {
	return telemetry.Event{"type": "tool_call_started", "seq": i}
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append(event(i))
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	snapshot := r.Snapshot()
	if snapshot[0]["seq"] != 2 || snapshot[2]["seq"] != 4 {
		t.Errorf("snapshot = %v", snapshot)
	}
}

func TestRingTail(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 6; i++ {
		r.Append(event(i))
	}
	tail := r.Tail(2)
	if len(tail) != 2 || tail[0]["seq"] != 4 || tail[1]["seq"] != 5 {
		t.Errorf("tail = %v", tail)
	}
	// n larger than the buffer returns everything.
	if got := r.Tail(100); len(got) != 6 {
		t.Errorf("oversized tail = %d events", len(got))
	}
}

func TestRingClear(t *testing.T) {
	r := NewRing(10)
	r.Append(event(0))
	r.Clear()
	if r.Len() != 0 || len(r.Snapshot()) != 0 {
		t.Error("clear left events behind")
	}
	// The ring is reusable after a clear.
	r.Append(event(1))
	if r.Len() != 1 {
		t.Error("append after clear failed")
	}
}

func TestHubBroadcastAndDrop(t *testing.T) {
	h := NewHub(2)

	ch, cancel := h.Subscribe()
	defer cancel()
	if h.Clients() != 1 {
		t.Fatalf("clients = %d", h.Clients())
	}

	// Fill the queue past capacity; overflow is dropped, not blocked.
	for i := 0; i < 5; i++ {
		h.Broadcast(event(i))
	}
	if len(ch) != 2 {
		t.Errorf("queued = %d, want 2", len(ch))
	}
	first := <-ch
	if first["seq"] != 0 {
		t.Errorf("first = %v", first)
	}

	cancel()
	if h.Clients() != 0 {
		t.Error("cancel did not free the slot")
	}
	// Double cancel is safe.
	cancel()
}

func TestObserverConsumesFromBus(t *testing.T) {
	b := bus.NewMemoryBus(16)
	obs := NewObserver(NewRing(100), NewHub(0), nil, nil)

	publish := func(v any) {
		data, _ := json.Marshal(v)
		if err := b.Publish(context.Background(), bus.Message{Key: "tenant-1", Value: data}); err != nil {
			t.Fatal(err)
		}
	}
	publish(telemetry.Event{"type": "run_started", "run_id": "r1"})
	publish(telemetry.Event{"type": "run_finished", "run_id": "r1"})
	// Malformed payloads are dropped without stopping consumption.
	_ = b.Publish(context.Background(), bus.Message{Value: []byte("not json")})
	publish(telemetry.Event{"type": "run_started", "run_id": "r2"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		obs.Run(ctx, b)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for obs.Consumed() < 3 {
		select {
		case <-deadline:
			t.Fatalf("consumed %d events, want 3", obs.Consumed())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if obs.Ring().Len() != 3 {
		t.Errorf("buffered = %d, want 3", obs.Ring().Len())
	}
	if obs.malformed.Load() != 1 {
		t.Errorf("malformed = %d, want 1", obs.malformed.Load())
	}
}

func TestSSEWarmupTailThenLive(t *testing.T) {
	obs := NewObserver(NewRing(100), NewHub(0), nil, nil)
	for i := 0; i < 10; i++ {
		obs.Inject(event(i))
	}

	handler := NewHTTPHandler(obs, 3)
	mux := http.NewServeMux()
	handler.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sse")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() telemetry.Event {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var e telemetry.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
				t.Fatalf("bad SSE payload: %v", err)
			}
			return e
		}
	}

	// Warm-up: the last 3 buffered events, in order.
	for want := 7; want <= 9; want++ {
		e := readEvent()
		if fmt.Sprint(e["seq"]) != fmt.Sprint(want) {
			t.Fatalf("warmup event seq = %v, want %d", e["seq"], want)
		}
	}

	// Live: a fresh injection reaches the open stream.
	obs.Inject(telemetry.Event{"type": "run_started", "seq": 99})
	if e := readEvent(); fmt.Sprint(e["seq"]) != "99" {
		t.Errorf("live event = %v", e)
	}
}

func TestEventsSnapshotEndpoint(t *testing.T) {
	obs := NewObserver(NewRing(100), NewHub(0), nil, nil)
	obs.Inject(event(0))
	obs.Inject(event(1))

	mux := http.NewServeMux()
	NewHTTPHandler(obs, 0).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/events", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Events []telemetry.Event `json:"events"`
		Count  int               `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 2 || len(body.Events) != 2 {
		t.Errorf("count = %d, events = %d", body.Count, len(body.Events))
	}
}

func TestClearEmitsSystemReset(t *testing.T) {
	obs := NewObserver(NewRing(100), NewHub(0), nil, nil)
	obs.Inject(event(0))

	ch, cancel := obs.Hub().Subscribe()
	defer cancel()

	mux := http.NewServeMux()
	NewHTTPHandler(obs, 0).Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/clear", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if obs.Ring().Len() != 0 {
		t.Error("buffer not cleared")
	}
	select {
	case e := <-ch:
		if e["type"] != "system_reset" {
			t.Errorf("reset event = %v", e)
		}
	default:
		t.Error("no system_reset broadcast")
	}
	// The reset event itself is not buffered.
	if obs.Ring().Len() != 0 {
		t.Error("reset event was buffered")
	}
}

func TestInjectEndpoint(t *testing.T) {
	obs := NewObserver(NewRing(100), NewHub(0), nil, nil)
	mux := http.NewServeMux()
	NewHTTPHandler(obs, 0).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/inject",
		strings.NewReader(`{"type":"run_started","run_id":"r1"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if obs.Ring().Len() != 1 {
		t.Error("injected event not buffered")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/inject", strings.NewReader("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad payload status = %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	obs := NewObserver(NewRing(100), NewHub(0), nil, nil)
	obs.Inject(event(0))

	mux := http.NewServeMux()
	NewHTTPHandler(obs, 0).Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["bus_connected"] != false {
		t.Errorf("bus_connected = %v", body["bus_connected"])
	}
	if fmt.Sprint(body["buffered"]) != "1" {
		t.Errorf("buffered = %v", body["buffered"])
	}
}
