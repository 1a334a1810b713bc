package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReasonRetriesExhausted is recorded when transient failures outlast the
// retry policy.
const ReasonRetriesExhausted = "retries_exhausted"

// WithRetry wraps h with the delivery policy: transient errors are retried
// with exponential backoff, permanent errors and exhausted retries are
// handed to sink. The returned handler only fails when the dead letter
// cannot be written or ctx ends, in which case the event must stay
// unacknowledged.
func WithRetry(h Handler, policy RetryPolicy, sink DeadLetterSink, log *slog.Logger) Handler {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return func(ctx context.Context, e Event) error {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = policy.InitialBackoff
		b.MaxInterval = policy.MaxBackoff

		attempts := 0
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			attempts++
			if err := h(ctx, e); err != nil {
				if IsPermanent(err) {
					return struct{}{}, backoff.Permanent(err)
				}
				return struct{}{}, err
			}
			return struct{}{}, nil
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(uint(policy.MaxAttempts)),
			backoff.WithNotify(func(err error, wait time.Duration) {
				log.Debug("event handler failed, retrying",
					"event_id", e.ID, "type", e.Type, "attempt", attempts, "wait", wait, "error", err)
			}),
		)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reason := PermanentReason(err)
		if reason == "" {
			reason = ReasonRetriesExhausted
		}
		dl := DeadLetter{
			Event:    e,
			Reason:   reason,
			Error:    err.Error(),
			Attempts: attempts,
			FailedAt: time.Now().UTC(),
		}
		if sinkErr := sink.DeadLetter(ctx, dl); sinkErr != nil {
			return fmt.Errorf("dead-letter event %s: %w", e.ID, sinkErr)
		}
		log.Warn("event dead-lettered",
			"event_id", e.ID, "type", e.Type, "rental_id", e.RentalID, "car_id", e.CarID,
			"reason", reason, "attempts", attempts, "error", err)
		return nil
	}
}
