package handler

import (
	"net/http"
	"strconv"

	"github.com/xela07ax/shared-counter/internal/console/service"
)

type AuditHandler struct {
	service *service.ClientService
}

func NewAuditHandler(s *service.ClientService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs returns the newest operation records of one client.
// GET /v1/audit?fingerprint=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	fp := r.URL.Query().Get("fingerprint")
	if fp == "" {
		http.Error(w, "fingerprint is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	logs, err := h.service.AuditLog(r.Context(), fp, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, logs)
}
