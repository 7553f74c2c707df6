package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/kindred/internal/interview"
	"github.com/kalambet/kindred/internal/scoring"
	"github.com/kalambet/kindred/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// serviceError maps domain errors onto HTTP status codes. Anything it does
// not recognise is a 500 and gets logged.
func serviceError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, interview.ErrInvalidInput), errors.Is(err, scoring.ErrUnknownScorer):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, interview.ErrConversationClosed):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, storage.ErrConflict):
		httpError(w, http.StatusConflict, "conflict", "%s was modified concurrently, retry", what)
	default:
		slog.Error("request failed", "resource", what, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%s request failed", what)
	}
}
