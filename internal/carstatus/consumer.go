// Package carstatus applies rental events to car availability. It is the
// only writer of the available/rented edge.
package carstatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"carrental/internal/apperr"
	"carrental/internal/events"
	"carrental/internal/inventory"
)

// Dead-letter reasons recorded by the consumer.
const (
	ReasonCarUnavailable = "car_unavailable"
	ReasonCarNotFound    = "car_not_found"
	ReasonUnknownType    = "unknown_type"
	ReasonBadEvent       = "bad_event"
)

// Cars is the inventory surface the consumer writes through. Both
// inventory.Service and *clients.CarInventoryClient satisfy it.
type Cars interface {
	GetSealedCar(ctx context.Context, id uuid.UUID) (*inventory.SealedCar, error)
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, change inventory.StatusChange) (*inventory.SealedCar, error)
}

// Processed remembers applied event ids.
type Processed interface {
	IsProcessed(ctx context.Context, eventID uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, e events.Event) error
}

type Consumer struct {
	cars      Cars
	processed Processed
	seen      *lru.Cache[uuid.UUID, struct{}]
	log       *slog.Logger
	tracer    trace.Tracer

	applied      metric.Int64Counter
	duplicates   metric.Int64Counter
	deadLettered metric.Int64Counter
}

func NewConsumer(cars Cars, processed Processed, dedupeSize int, log *slog.Logger) (*Consumer, error) {
	if dedupeSize <= 0 {
		dedupeSize = 10000
	}
	seen, err := lru.New[uuid.UUID, struct{}](dedupeSize)
	if err != nil {
		return nil, err
	}
	meter := otel.Meter("carrental/carstatus")
	c := &Consumer{
		cars:      cars,
		processed: processed,
		seen:      seen,
		log:       log,
		tracer:    otel.Tracer("carrental/carstatus"),
	}
	if c.applied, err = meter.Int64Counter("carstatus.events.applied",
		metric.WithDescription("Rental events applied to car status")); err != nil {
		return nil, err
	}
	if c.duplicates, err = meter.Int64Counter("carstatus.events.duplicate",
		metric.WithDescription("Redelivered events skipped")); err != nil {
		return nil, err
	}
	if c.deadLettered, err = meter.Int64Counter("carstatus.events.dead_lettered",
		metric.WithDescription("Events routed to the dead-letter store")); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler wraps OnEvent with the delivery policy. Dead letters go to sink.
func (c *Consumer) Handler(policy events.RetryPolicy, sink events.DeadLetterSink) events.Handler {
	return events.WithRetry(c.OnEvent, policy, countingSink{sink: sink, counter: c.deadLettered}, c.log)
}

// OnEvent applies one event. It returns nil for duplicates and for release
// events that no longer match the car, an events.Permanent error for events
// that can never apply, and a plain error for anything worth retrying.
func (c *Consumer) OnEvent(ctx context.Context, e events.Event) error {
	ctx, span := c.tracer.Start(ctx, "carstatus.on_event",
		trace.WithAttributes(
			attribute.String("event.id", e.ID.String()),
			attribute.String("event.type", string(e.Type)),
			attribute.String("car.id", e.CarID.String()),
		))
	defer span.End()
	typeAttr := metric.WithAttributes(attribute.String("type", string(e.Type)))

	if _, ok := c.seen.Get(e.ID); ok {
		c.duplicates.Add(ctx, 1, typeAttr)
		return nil
	}
	done, err := c.processed.IsProcessed(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("check processed: %w", err)
	}
	if done {
		c.seen.Add(e.ID, struct{}{})
		c.duplicates.Add(ctx, 1, typeAttr)
		return nil
	}

	switch e.Type {
	case events.TypeRentalCreated:
		err = c.acquire(ctx, e)
	case events.TypeRentalCompleted, events.TypeRentalCancelled:
		err = c.release(ctx, e)
	default:
		err = events.Permanent(ReasonUnknownType, fmt.Errorf("unknown event type %q", e.Type))
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := c.processed.MarkProcessed(ctx, e); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	c.seen.Add(e.ID, struct{}{})
	c.applied.Add(ctx, 1, typeAttr)
	return nil
}

// acquire moves the car from available to rented for the event's rental.
// A car already held by the same rental means an earlier delivery got
// through.
func (c *Consumer) acquire(ctx context.Context, e events.Event) error {
	rentalID := e.RentalID
	_, err := c.cars.CompareAndSetStatus(ctx, e.CarID, inventory.StatusChange{
		Expected: inventory.StatusAvailable,
		Target:   inventory.StatusRented,
		RentalID: &rentalID,
	})
	if err == nil {
		c.log.InfoContext(ctx, "car rented", "car_id", e.CarID, "rental_id", e.RentalID)
		return nil
	}
	if !errors.Is(err, apperr.ErrConflict) {
		return classify(err)
	}

	car, getErr := c.cars.GetSealedCar(ctx, e.CarID)
	if getErr != nil {
		return classify(getErr)
	}
	if car.HeldBy(e.RentalID) {
		return nil
	}
	return events.Permanent(ReasonCarUnavailable, err)
}

// release returns the car to available if this rental still holds it.
// It first retires the rental's creation event, so a creation that arrives
// after the release is skipped as a duplicate instead of taking the car.
func (c *Consumer) release(ctx context.Context, e events.Event) error {
	if err := c.retireCreation(ctx, e); err != nil {
		return err
	}
	rentalID := e.RentalID
	_, err := c.cars.CompareAndSetStatus(ctx, e.CarID, inventory.StatusChange{
		Expected: inventory.StatusRented,
		Target:   inventory.StatusAvailable,
		RentalID: &rentalID,
	})
	if errors.Is(err, apperr.ErrConflict) {
		c.log.InfoContext(ctx, "release skipped, car not held by rental",
			"car_id", e.CarID, "rental_id", e.RentalID, "type", e.Type)
		return nil
	}
	if err != nil {
		return classify(err)
	}
	c.log.InfoContext(ctx, "car released", "car_id", e.CarID, "rental_id", e.RentalID, "type", e.Type)
	return nil
}

func (c *Consumer) retireCreation(ctx context.Context, e events.Event) error {
	created := events.Event{
		ID:         events.EventID(e.RentalID, events.TypeRentalCreated),
		Type:       events.TypeRentalCreated,
		RentalID:   e.RentalID,
		CarID:      e.CarID,
		OccurredAt: e.OccurredAt,
	}
	if err := c.processed.MarkProcessed(ctx, created); err != nil {
		return fmt.Errorf("retire creation event: %w", err)
	}
	c.seen.Add(created.ID, struct{}{})
	return nil
}

// classify decides whether an inventory error is worth retrying.
func classify(err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return events.Permanent(ReasonCarNotFound, err)
	case apperr.KindValidation, apperr.KindDecryption, apperr.KindInvalidTransition:
		return events.Permanent(ReasonBadEvent, err)
	default:
		return err
	}
}

type countingSink struct {
	sink    events.DeadLetterSink
	counter metric.Int64Counter
}

func (s countingSink) DeadLetter(ctx context.Context, dl events.DeadLetter) error {
	if err := s.sink.DeadLetter(ctx, dl); err != nil {
		return err
	}
	s.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", dl.Reason)))
	return nil
}
