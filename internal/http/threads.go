package http

import (
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/convo"
)

// Transports resolves the bot identity per transport, so transcripts can
// tell bot turns from user turns. *channels.Manager satisfies it.
type Transports interface {
	Get(name string) (channels.Channel, bool)
	Names() []string
}

// ThreadsHandler serves thread transcripts and channel context.
type ThreadsHandler struct {
	assembler  *convo.Assembler
	transports Transports
	token      string
}

func NewThreadsHandler(assembler *convo.Assembler, transports Transports, token string) *ThreadsHandler {
	return &ThreadsHandler{assembler: assembler, transports: transports, token: token}
}

// RegisterRoutes registers the thread routes on the given mux.
func (h *ThreadsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/threads/{threadID}", requireToken(h.token, h.handleTranscript))
	mux.HandleFunc("GET /v1/channels/{channelID}/context", requireToken(h.token, h.handleChannelContext))
}

// botID picks the bot identity of the transport named in ?transport=.
func (h *ThreadsHandler) botID(r *http.Request) string {
	name := r.URL.Query().Get("transport")
	if name == "" || h.transports == nil {
		return ""
	}
	if ch, ok := h.transports.Get(name); ok {
		return ch.BotID()
	}
	return ""
}

// GET /v1/threads/{threadID}?transport=discord
// Response: convo.Transcript, or 404 when the thread has no starter.
func (h *ThreadsHandler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadID")
	t, err := h.assembler.Transcript(r.Context(), threadID, h.botID(r))
	if err != nil {
		slog.Error("load transcript", "thread", threadID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load thread"})
		return
	}
	if t == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "thread not found"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GET /v1/channels/{channelID}/context?transport=discord
// Response: {"channelId": "...", "fragment": "<conversation ...>"}
func (h *ThreadsHandler) handleChannelContext(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelID")
	fragment, err := h.assembler.ChannelContext(r.Context(), channelID, h.botID(r))
	if err != nil {
		slog.Error("load channel context", "channel", channelID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load channel context"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"channelId": channelID, "fragment": fragment})
}
