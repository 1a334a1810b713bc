package inventory

import (
	"net/http"

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

// Register mounts the public car API and the service-to-service directory.
func (h *Handler) Register(r chi.Router) {
	r.Route("/cars", func(r chi.Router) {
		r.Post("/", h.handleAddCar)
		r.Get("/", h.handleListCars)
		r.Get("/available/{location}", h.handleAvailableAt)
		r.Get("/status/{status}", h.handleByStatus)
		r.Get("/{id}", h.handleGetCar)
		r.Patch("/{id}/status", h.handleMaintenance)
	})
	r.Route("/inventory/cars/{id}", func(r chi.Router) {
		r.Get("/", h.handleDirectoryGet)
		r.Patch("/status", h.handleCompareAndSet)
	})
	r.Get("/stats", h.handleStats)
}

func carID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid car id")
	}
	return id, nil
}

func (h *Handler) handleAddCar(w http.ResponseWriter, r *http.Request) {
	var req NewCar
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		apperr.Write(w, err)
		return
	}
	car, err := h.service.AddCar(r.Context(), req)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, car)
}

func (h *Handler) handleListCars(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, Filter{
		Status:   Status(r.URL.Query().Get("status")),
		Location: r.URL.Query().Get("location"),
	})
}

func (h *Handler) handleAvailableAt(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, Filter{Status: StatusAvailable, Location: chi.URLParam(r, "location")})
}

func (h *Handler) handleByStatus(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, Filter{Status: Status(chi.URLParam(r, "status"))})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, f Filter) {
	cars, err := h.service.ListCars(r.Context(), f)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	if cars == nil {
		cars = []*Car{}
	}
	httpserver.WriteJSON(w, http.StatusOK, cars)
}

func (h *Handler) handleGetCar(w http.ResponseWriter, r *http.Request) {
	id, err := carID(r)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	car, err := h.service.GetCar(r.Context(), id)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, car)
}

// handleMaintenance toggles a car in or out of maintenance.
func (h *Handler) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	id, err := carID(r)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	var req struct {
		Status Status `json:"status"`
	}
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		apperr.Write(w, err)
		return
	}
	change := StatusChange{Expected: StatusAvailable, Target: StatusMaintenance}
	if req.Status == StatusAvailable {
		change = StatusChange{Expected: StatusMaintenance, Target: StatusAvailable}
	} else if req.Status != StatusMaintenance {
		apperr.Write(w, apperr.Validation("status must be available or maintenance"))
		return
	}
	car, err := h.service.CompareAndSetStatus(r.Context(), id, change)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, car)
}

func (h *Handler) handleDirectoryGet(w http.ResponseWriter, r *http.Request) {
	id, err := carID(r)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	car, err := h.service.GetSealedCar(r.Context(), id)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, car)
}

func (h *Handler) handleCompareAndSet(w http.ResponseWriter, r *http.Request) {
	id, err := carID(r)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	var change StatusChange
	if err := httpserver.DecodeJSON(r, &change); err != nil {
		apperr.Write(w, err)
		return
	}
	car, err := h.service.CompareAndSetStatus(r.Context(), id, change)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, car)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Stats(r.Context())
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, st)
}
