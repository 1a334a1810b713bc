// Package apperr defines the error kinds shared by every service boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and status mapping.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindDecryption            Kind = "decryption"
	KindInvalidTransition     Kind = "invalid_transition"
	KindInternal              Kind = "internal"
)

// Conflict reasons.
const (
	ReasonCarUnavailable = "car_unavailable"
	ReasonStaleState     = "stale_state"
	ReasonDuplicate      = "duplicate"
)

// Error is the typed error carried across packages. Entity names the
// record involved ("user", "car", "rental") when it is known.
type Error struct {
	Kind    Kind
	Entity  string
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
		if e.Entity != "" {
			msg = e.Entity + " " + msg
		}
		if e.Reason != "" {
			msg += " (" + e.Reason + ")"
		}
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, and by reason when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	if t.Entity != "" && t.Entity != e.Entity {
		return false
	}
	return true
}

var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrConflict              = &Error{Kind: KindConflict}
	ErrCarUnavailable        = &Error{Kind: KindConflict, Reason: ReasonCarUnavailable}
	ErrStaleState            = &Error{Kind: KindConflict, Reason: ReasonStaleState}
	ErrDuplicate             = &Error{Kind: KindConflict, Reason: ReasonDuplicate}
	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable}
	ErrDecryption            = &Error{Kind: KindDecryption}
	ErrInvalidTransition     = &Error{Kind: KindInvalidTransition}
)

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity string, id any) error {
	return &Error{Kind: KindNotFound, Entity: entity, Message: fmt.Sprintf("%s %v not found", entity, id)}
}

func Conflict(entity, reason string, format string, args ...any) error {
	return &Error{Kind: KindConflict, Entity: entity, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Unavailable(dependency string, err error) error {
	return &Error{Kind: KindDependencyUnavailable, Entity: dependency, Message: dependency + " unavailable", Err: err}
}

func Decryption(err error) error {
	return &Error{Kind: KindDecryption, Message: "decrypt field", Err: err}
}

func InvalidTransition(from, to string) error {
	return &Error{
		Kind:    KindInvalidTransition,
		Entity:  "rental",
		Message: fmt.Sprintf("cannot move rental from %s to %s", from, to),
	}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the conflict reason of err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
