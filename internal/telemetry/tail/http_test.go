package tail

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthReflectsState(t *testing.T) {
	tailer := NewTailer("unused", &recordingPublisher{}, nil)
	mux := http.NewServeMux()
	NewHTTPHandler(tailer).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("starting status = %d, want 503", rec.Code)
	}

	tailer.state.Store(StateWaitingForFile)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("waiting status = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["state"] != string(StateWaitingForFile) {
		t.Errorf("state = %v", body["state"])
	}
}
