package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
)

// WriteJSON encodes payload with the supplied status code.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError answers with {"error": message}. An empty message falls back to
// the status text.
func WriteError(w http.ResponseWriter, status int, message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = http.StatusText(status)
	}
	WriteJSON(w, status, map[string]string{"error": message})
}
