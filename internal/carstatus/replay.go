package carstatus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"carrental/internal/events"
)

// ResolutionReplayed marks a dead letter handed back to the channel.
const ResolutionReplayed = "replayed"

// Replay re-publishes a dead-lettered event and resolves it. The event keeps
// its id, so a replay of something already applied is a no-op downstream.
func Replay(ctx context.Context, store DeadLetters, pub events.Publisher, eventID uuid.UUID) error {
	dl, err := store.GetDeadLetter(ctx, eventID)
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, dl.Event); err != nil {
		return fmt.Errorf("republish %s: %w", eventID, err)
	}
	return store.Resolve(ctx, eventID, ResolutionReplayed)
}

// Reporter logs a summary of unresolved dead letters. It is run on a
// schedule.
type Reporter struct {
	store DeadLetters
	log   *slog.Logger
}

func NewReporter(store DeadLetters, log *slog.Logger) *Reporter {
	return &Reporter{store: store, log: log}
}

func (r *Reporter) Report(ctx context.Context) error {
	n, err := r.store.CountUnresolved(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		r.log.DebugContext(ctx, "no unresolved dead letters")
		return nil
	}
	oldest, err := r.store.ListDeadLetters(ctx, true, 5)
	if err != nil {
		return err
	}
	for _, dl := range oldest {
		r.log.WarnContext(ctx, "unresolved dead letter",
			"event_id", dl.Event.ID, "type", dl.Event.Type, "rental_id", dl.Event.RentalID,
			"car_id", dl.Event.CarID, "reason", dl.Reason, "failed_at", dl.FailedAt)
	}
	r.log.WarnContext(ctx, "dead letters need attention", "unresolved", n)
	return nil
}
