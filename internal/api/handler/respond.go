package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/notifyhub/realtime-gateway/internal/domain"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// mapError translates domain sentinel errors to HTTP status codes.
// All mapping lives here so individual handlers stay concise.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNoRecipients),
		errors.Is(err, domain.ErrAmbiguousTarget),
		errors.Is(err, domain.ErrInvalidRecipient),
		errors.Is(err, domain.ErrTooManyUsers),
		errors.Is(err, domain.ErrInvalidKind),
		errors.Is(err, domain.ErrInvalidTitle),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrInvalidEmail):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrQueueFull),
		errors.Is(err, domain.ErrQueueClosed):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
