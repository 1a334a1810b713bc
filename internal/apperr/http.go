package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Body is the JSON error document returned by every service.
type Body struct {
	Error   Kind   `json:"error"`
	Entity  string `json:"entity,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// HTTPStatus maps an error to its response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Write renders err as a Body with the mapped status. Internal errors do
// not leak their text.
func Write(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	body := Body{Error: KindOf(err), Message: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		body.Entity = e.Entity
		body.Reason = e.Reason
	}
	if body.Error == KindInternal || body.Error == KindDecryption {
		body.Message = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// FromResponse rebuilds a typed error from a remote service response.
func FromResponse(status int, body Body, fallbackEntity string) error {
	entity := body.Entity
	if entity == "" {
		entity = fallbackEntity
	}
	e := &Error{Entity: entity, Reason: body.Reason, Message: body.Message}
	switch status {
	case http.StatusBadRequest:
		e.Kind = KindValidation
	case http.StatusNotFound:
		e.Kind = KindNotFound
	case http.StatusConflict:
		e.Kind = KindConflict
	case http.StatusUnprocessableEntity:
		e.Kind = KindInvalidTransition
	default:
		e.Kind = KindDependencyUnavailable
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
