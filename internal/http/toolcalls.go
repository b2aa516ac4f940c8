package http

import (
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/beaver/internal/store"
)

// ToolcallsHandler serves pending tool call records.
type ToolcallsHandler struct {
	toolcalls store.ToolcallStore
	token     string
}

func NewToolcallsHandler(toolcalls store.ToolcallStore, token string) *ToolcallsHandler {
	return &ToolcallsHandler{toolcalls: toolcalls, token: token}
}

// RegisterRoutes registers the tool call routes on the given mux.
func (h *ToolcallsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/toolcalls/{id}", requireToken(h.token, h.handleGet))
	mux.HandleFunc("GET /v1/drafts/{eventID}/toolcall", requireToken(h.token, h.handleByDraft))
}

func (h *ToolcallsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tc, err := h.toolcalls.GetToolcall(r.Context(), id)
	if store.IsNotFound(err) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "toolcall not found"})
		return
	}
	if err != nil {
		slog.Error("load toolcall", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load toolcall"})
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (h *ToolcallsHandler) handleByDraft(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")
	tc, err := h.toolcalls.ToolcallByDraft(r.Context(), eventID)
	if err != nil {
		slog.Error("load toolcall by draft", "draft", eventID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load toolcall"})
		return
	}
	if tc == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no toolcall for this draft"})
		return
	}
	writeJSON(w, http.StatusOK, tc)
}
