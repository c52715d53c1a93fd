package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// apiResponse is the JSON envelope for non-TwiML endpoints.
type apiResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func okResponse() apiResponse {
	return apiResponse{Status: "ok"}
}

func errorResponse(msg string) apiResponse {
	return apiResponse{Status: "error", Error: msg}
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("writeJSONResponse: encoding failed", "error", err, "status_code", statusCode)
	}
}
