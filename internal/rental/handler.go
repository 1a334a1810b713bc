package rental

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"carrental/internal/apperr"
	"carrental/internal/httpserver"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/rentals", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Get("/{id}", h.handleGet)
		r.Post("/{id}/confirm", h.transition(h.service.Confirm))
		r.Post("/{id}/return", h.transition(h.service.Return))
		r.Post("/{id}/cancel", h.transition(h.service.Cancel))
		r.Put("/{id}/status", h.handleUpdateStatus)
	})
	r.Get("/stats", h.handleStats)
}

func rentalID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid rental id")
	}
	return id, nil
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		apperr.Write(w, err)
		return
	}
	rental, err := h.service.CreateRental(r.Context(), req)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, rental)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := Filter{Status: Status(q.Get("status"))}
	for name, dst := range map[string]*uuid.UUID{"user_id": &f.UserID, "car_id": &f.CarID} {
		if v := q.Get(name); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				apperr.Write(w, apperr.Validation("invalid %s", name))
				return
			}
			*dst = id
		}
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))

	list, err := h.service.ListRentals(r.Context(), f)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := rentalID(r)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	rental, err := h.service.GetRental(r.Context(), id)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, rental)
}

func (h *Handler) transition(fn func(context.Context, uuid.UUID) (*Rental, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := rentalID(r)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		rental, err := fn(r.Context(), id)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		httpserver.WriteJSON(w, http.StatusOK, rental)
	}
}

// handleUpdateStatus accepts the target either as a JSON body or as the
// new_status query parameter.
func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := rentalID(r)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	to := Status(r.URL.Query().Get("new_status"))
	if to == "" {
		var req struct {
			Status Status `json:"status"`
		}
		if err := httpserver.DecodeJSON(r, &req); err != nil {
			apperr.Write(w, err)
			return
		}
		to = req.Status
	}
	rental, err := h.service.UpdateStatus(r.Context(), id, to)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, rental)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Stats(r.Context())
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, st)
}
