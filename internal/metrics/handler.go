package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"carrental/internal/apperr"
	"carrental/internal/httpserver"
)

type Handler struct {
	agg *Aggregator
}

func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/metrics/summary", h.handleSummary)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.agg.Snapshot(r.Context())
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, s)
}
