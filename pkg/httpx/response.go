package httpx

import (
	"encoding/json"
	"net/http"
)

// Envelope is the {success, message, data} wrapper every backend JSON
// response uses.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
// It automatically sets the Content-Type header and Cache-Control headers.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	NoCache(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteEnvelope writes data wrapped in the standard envelope. Success is set
// for 2xx codes.
func WriteEnvelope(w http.ResponseWriter, code int, message string, data any) {
	body := map[string]any{
		"success": code >= 200 && code < 300,
		"message": message,
	}
	if data != nil {
		body["data"] = data
	}
	WriteJSON(w, code, body)
}

// NoCache sets the Cache-Control and Pragma headers to prevent caching.
// This is commonly required for sensitive responses like tokens.
func NoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
