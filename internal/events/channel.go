package events

import (
	"context"
	"errors"
	"time"
)

// Publisher enqueues events. Publish returns once the event is durably
// accepted by the channel.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Handler processes one event. A nil return acknowledges it.
type Handler func(ctx context.Context, e Event) error

// Subscriber delivers events to a handler until ctx is cancelled. Events
// sharing a key are delivered in order, one at a time.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// DeadLetter records an event that could not be applied.
type DeadLetter struct {
	Event    Event
	Reason   string
	Error    string
	Attempts int
	FailedAt time.Time
}

type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// RetryPolicy bounds redelivery before an event is dead-lettered.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

type permanentError struct {
	reason string
	err    error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. reason is recorded on the dead
// letter.
func Permanent(reason string, err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{reason: reason, err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// PermanentReason returns the reason given to Permanent, or "".
func PermanentReason(err error) string {
	var p *permanentError
	if errors.As(err, &p) {
		return p.reason
	}
	return ""
}
