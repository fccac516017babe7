package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/shared-counter/internal/console/service"
	"github.com/xela07ax/shared-counter/internal/domain"
)

// request bodies are a few small JSON fields
const maxBodyBytes = 4 << 10

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidFingerprint):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrAuditUnavailable):
		status = http.StatusNotImplemented
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	respondJSON(w, status, map[string]string{"error": msg})
}
