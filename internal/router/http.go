package router

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/harborcrm/harbor/internal/apperr"
	"github.com/harborcrm/harbor/internal/auth"
	"github.com/harborcrm/harbor/internal/tenant"
	"github.com/harborcrm/harbor/pkg/models"
)

// HTTPHandler exposes the router on the stable /ai surface.
type HTTPHandler struct {
	router   *Router
	resolver *tenant.Resolver
}

// NewHTTPHandler wraps a router and tenant resolver.
func NewHTTPHandler(router *Router, resolver *tenant.Resolver) *HTTPHandler {
	return &HTTPHandler{router: router, resolver: resolver}
}

// Register mounts the chat route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /ai/chat", h.handleChat)
}

type chatRequest struct {
	Messages       []models.Message `json:"messages"`
	ConversationID string           `json:"conversation_id"`
	TenantID       string           `json:"tenant_id"`
	Temperature    float64          `json:"temperature,omitempty"`
}

func (h *HTTPHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, apperr.Validation("messages", "at least one message is required"))
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	resolved, err := h.resolver.Resolve(r.Context(), req.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	caller := callerFor(r, resolved.UUID)
	resp, err := h.router.HandleTurn(r.Context(), &TurnRequest{
		ConversationID: req.ConversationID,
		TenantID:       resolved.UUID,
		Messages:       req.Messages,
		Temperature:    req.Temperature,
	}, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// callerFor derives the caller identity: an upstream-authenticated
// identity from the context when present, else the forwarded identity
// headers. The role header is normalized, never trusted verbatim.
func callerFor(r *http.Request, tenantUUID string) auth.CallerIdentity {
	if caller, err := auth.CallerFromContext(r.Context()); err == nil {
		caller.TenantUUID = tenantUUID
		return *caller
	}

	id := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if id == "" {
		id = "anonymous"
	}
	return auth.CallerIdentity{
		ID:         id,
		Email:      strings.TrimSpace(r.Header.Get("X-User-Email")),
		Role:       auth.NormalizeRole(r.Header.Get("X-User-Role")),
		TenantUUID: tenantUUID,
	}
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
