package rental

import (
	"carrental/internal/apperr"
	"carrental/internal/events"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusCancelled},
	StatusActive:  {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether a rental may move from one status to
// another. Completed and cancelled are terminal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !to.Valid() {
		return apperr.Validation("unknown rental status %q", to)
	}
	if !CanTransition(from, to) {
		return apperr.InvalidTransition(string(from), string(to))
	}
	return nil
}

// releaseEvent returns the event emitted on entering to, if any.
func releaseEvent(to Status) (events.Type, bool) {
	switch to {
	case StatusCompleted:
		return events.TypeRentalCompleted, true
	case StatusCancelled:
		return events.TypeRentalCancelled, true
	}
	return "", false
}
