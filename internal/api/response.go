package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

// fallbackErrorResponse is written when a response cannot be encoded.
var fallbackErrorResponse = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("api: cannot marshal fallback response: " + err.Error())
	}
	return b
}

// writeJSONResponse encodes response before touching the writer, so an encoding
// failure can still change the status to 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to encode response", "status", statusCode, "error", err)
		body, statusCode = fallbackErrorResponse, http.StatusInternalServerError
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Debug("Server.writeJSONResponse: client went away", "error", err)
	}
}
