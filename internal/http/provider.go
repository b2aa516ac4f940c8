package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/beaver/internal/providers"
)

// ProviderHandler reports and verifies the completion provider the bot uses.
type ProviderHandler struct {
	provider providers.Provider
	model    string
	token    string
}

func NewProviderHandler(provider providers.Provider, model, token string) *ProviderHandler {
	if model == "" && provider != nil {
		model = provider.DefaultModel()
	}
	return &ProviderHandler{provider: provider, model: model, token: token}
}

// RegisterRoutes registers the provider routes on the given mux.
func (h *ProviderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/provider", requireToken(h.token, h.handleGet))
	mux.HandleFunc("POST /v1/provider/verify", requireToken(h.token, h.handleVerify))
}

func (h *ProviderHandler) handleGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"name": h.provider.Name(), "model": h.model})
}

// handleVerify tests the provider with a minimal completion.
//
//	POST /v1/provider/verify
//	Body (optional): {"model": "claude-sonnet-4-5"}
//	Response: {"valid": true} or {"valid": false, "error": "..."}
func (h *ProviderHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Model == "" {
		req.Model = h.model
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	_, err := h.provider.Chat(ctx, providers.ChatRequest{
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		Model:     req.Model,
		MaxTokens: 1,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "model": req.Model, "error": friendlyVerifyError(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "model": req.Model})
}

// friendlyVerifyError extracts a human-readable message from provider errors.
// Raw errors often embed a JSON body: `HTTP 400: {"error":{"message":"unknown model"}}`.
func friendlyVerifyError(err error) string {
	msg := err.Error()

	if idx := strings.Index(msg, `"message"`); idx >= 0 {
		rest := msg[idx:]
		if start := strings.Index(rest, ":"); start >= 0 {
			rest = strings.TrimLeft(rest[start+1:], " ")
			if len(rest) > 0 && rest[0] == '"' {
				rest = rest[1:]
				if end := strings.Index(rest, `"`); end > 0 {
					return rest[:end]
				}
			}
		}
	}

	// Strip "HTTP NNN: " style prefixes.
	if idx := strings.LastIndex(msg, ": "); idx >= 0 && idx < len(msg)-2 {
		suffix := msg[idx+2:]
		if strings.HasPrefix(suffix, "{") {
			return "Model not recognized by provider"
		}
		return suffix
	}
	return msg
}
