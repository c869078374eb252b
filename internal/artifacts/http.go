package artifacts

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/harborcrm/harbor/internal/apperr"
)

// HTTPHandler exposes the artifact service over the stable /storage
// surface.
type HTTPHandler struct {
	service *Service
}

// NewHTTPHandler wraps a service.
func NewHTTPHandler(service *Service) *HTTPHandler {
	return &HTTPHandler{service: service}
}

// Register mounts the artifact routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /storage/artifacts", h.handlePut)
	mux.HandleFunc("GET /storage/artifacts", h.handleList)
	mux.HandleFunc("GET /storage/artifacts/{id}", h.handleGet)
}

type putRequest struct {
	TenantID   string          `json:"tenant_id"`
	Kind       string          `json:"kind"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

type putResponse struct {
	ID        string `json:"id"`
	R2Key     string `json:"r2_key"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

func (h *HTTPHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}

	ref, err := h.service.Put(r.Context(), PutInput{
		TenantID:   req.TenantID,
		Kind:       req.Kind,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, putResponse{
		ID:        ref.ID,
		R2Key:     ref.R2Key,
		SizeBytes: ref.SizeBytes,
		SHA256:    ref.SHA256,
	})
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, apperr.Validation("limit", "limit must be an integer"))
			return
		}
		limit = n
	}

	refs, err := h.service.List(r.Context(), q.Get("tenant_id"), q.Get("kind"), q.Get("entity_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if refs == nil {
		refs = []*Ref{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": refs})
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tenantID := r.URL.Query().Get("tenant_id")

	ref, payload, err := h.service.Get(r.Context(), id, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ref":     ref,
		"payload": json.RawMessage(payloadAsJSON(payload)),
	})
}

// payloadAsJSON passes JSON payloads through untouched and quotes
// anything else so the response stays valid JSON.
func payloadAsJSON(payload []byte) []byte {
	if json.Valid(payload) {
		return payload
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), map[string]any{
		"error": map[string]any{
			"kind":    string(apperr.KindOf(err)),
			"message": apperr.SafeMessage(err),
		},
	})
}
