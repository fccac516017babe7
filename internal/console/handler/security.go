package handler

import (
	"net/http"

	"github.com/xela07ax/shared-counter/internal/console/service"
)

type SecurityHandler struct {
	service *service.ClientService
}

func NewSecurityHandler(s *service.ClientService) *SecurityHandler {
	return &SecurityHandler{service: s}
}

// GetStats: GET /v1/security/stats
func (h *SecurityHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
