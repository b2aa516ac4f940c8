// Package http serves the read-only inspection API: thread transcripts,
// channel context, pending tool calls, transports and the active provider.
package http

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// extractBearerToken returns the token of an "Authorization: Bearer" header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireToken rejects requests without the gateway token. An empty token
// disables the check.
func requireToken(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" && subtle.ConstantTimeCompare([]byte(extractBearerToken(r)), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
