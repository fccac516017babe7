package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/shared-counter/internal/console/service"
	"github.com/xela07ax/shared-counter/internal/infra/auth"
)

type ClientHandler struct {
	service *service.ClientService
}

func NewClientHandler(s *service.ClientService) *ClientHandler {
	return &ClientHandler{service: s}
}

type blockRequest struct {
	DurationMs int64 `json:"durationMs"`
}

// Block: POST /v1/clients/{fingerprint}/block, body {"durationMs": n} optional.
func (h *ClientHandler) Block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.DurationMs < 0 {
		http.Error(w, "durationMs must be positive", http.StatusBadRequest)
		return
	}

	res, err := h.service.Block(r.Context(), operatorID(r), chi.URLParam(r, "fingerprint"),
		time.Duration(req.DurationMs)*time.Millisecond)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *ClientHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Unblock(r.Context(), operatorID(r), chi.URLParam(r, "fingerprint"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *ClientHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.State(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func operatorID(r *http.Request) string {
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		return claims.UserID
	}
	return ""
}
