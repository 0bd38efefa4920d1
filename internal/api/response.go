package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pepeccz/msi-a-sub002/internal/models"
)

// internalErrorBody is marshaled once at startup so the failure path never
// depends on runtime encoding succeeding.
var internalErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("api: failed to marshal static response: %v", err))
	}
	return b
}

// writeJSONResponse marshals payload and writes it with the given status.
// Marshaling runs before any header is written, so an encoding failure still
// produces a clean 500 instead of a half-written response.
func writeJSONResponse(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal response", "error", err)
		status = http.StatusInternalServerError
		body = internalErrorBody
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write response", "error", err)
	}
}
