package users

import (
	"errors"
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

// Register mounts the public user API and the service-to-service directory.
func (h *Handler) Register(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.Post("/", h.handleRegister)
		r.Get("/", h.handleList)
		r.Get("/search", h.handleSearch)
		r.Post("/verify", h.handleVerify)
		r.Get("/{id}", h.handleGet)
	})
	r.Get("/directory/users/{id}", h.handleDirectory)
	r.Get("/stats", h.handleStats)
}

func userID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid user id")
	}
	return id, nil
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req Registration
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		apperr.Write(w, err)
		return
	}
	u, err := h.service.RegisterUser(r.Context(), req)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, u)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.service.ListUsers(r.Context(), limit)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	if list == nil {
		list = []*User{}
	}
	httpserver.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.FindByEmail(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, u)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		apperr.Write(w, err)
		return
	}
	u, err := h.service.VerifyPassword(r.Context(), req.Email, req.Password)
	if errors.Is(err, ErrRateLimited) {
		httpserver.WriteJSON(w, http.StatusTooManyRequests, apperr.Body{Error: apperr.KindValidation, Message: err.Error()})
		return
	}
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, u)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	u, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, u)
}

func (h *Handler) handleDirectory(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	e, err := h.service.GetDirectoryEntry(r.Context(), id)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, e)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Stats(r.Context())
	if err != nil {
		apperr.Write(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, st)
}
