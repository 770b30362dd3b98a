// Package httputil holds the JSON response envelope shared by the API
// handlers.
package httputil

import (
	"encoding/json"
	"log"
	"net/http"
)

// Envelope is the uniform JSON wrapper for the public API: every response
// carries success, and failures carry a message plus a machine code.
type Envelope map[string]interface{}

// WriteSuccess writes a 200 envelope merging extra into {"success": true}.
func WriteSuccess(w http.ResponseWriter, extra Envelope) {
	body := Envelope{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// WriteFailure writes an error envelope with the given status, message and
// machine-readable code, merging any extra fields (conflict lists, details).
func WriteFailure(w http.ResponseWriter, status int, code, msg string, extra Envelope) {
	body := Envelope{"success": false, "error": msg, "code": code}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}
