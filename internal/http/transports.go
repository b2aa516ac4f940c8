package http

import "net/http"

// TransportsHandler lists the configured chat transports.
type TransportsHandler struct {
	transports Transports
	token      string
}

func NewTransportsHandler(transports Transports, token string) *TransportsHandler {
	return &TransportsHandler{transports: transports, token: token}
}

// RegisterRoutes registers the transport routes on the given mux.
func (h *TransportsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/transports", requireToken(h.token, h.handleList))
}

type transportInfo struct {
	Name    string `json:"name"`
	BotID   string `json:"botId"`
	Running bool   `json:"running"`
}

func (h *TransportsHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	names := h.transports.Names()
	list := make([]transportInfo, 0, len(names))
	for _, name := range names {
		ch, ok := h.transports.Get(name)
		if !ok {
			continue
		}
		list = append(list, transportInfo{Name: name, BotID: ch.BotID(), Running: ch.IsRunning()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transports": list})
}
