package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"carrental/internal/events"
)

// Marker records publish outcomes. *Store implements it.
type Marker interface {
	MarkPublished(ctx context.Context, eventID uuid.UUID) error
	RecordFailure(ctx context.Context, eventID uuid.UUID, cause error) error
}

// Dispatcher publishes freshly committed events in the background. Each
// event gets its own retry budget that outlives the request which produced
// it; events still unpublished when the budget runs out are left for the
// relay sweep.
type Dispatcher struct {
	publisher events.Publisher
	marker    Marker
	budget    time.Duration
	timeout   time.Duration
	log       *slog.Logger
	tracer    trace.Tracer

	wg sync.WaitGroup
}

func NewDispatcher(publisher events.Publisher, marker Marker, budget, timeout time.Duration, log *slog.Logger) *Dispatcher {
	if budget <= 0 {
		budget = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		publisher: publisher,
		marker:    marker,
		budget:    budget,
		timeout:   timeout,
		log:       log,
		tracer:    otel.Tracer("carrental/outbox"),
	}
}

// Dispatch starts publishing e and returns immediately. Cancellation of ctx
// does not stop the publish.
func (d *Dispatcher) Dispatch(ctx context.Context, e events.Event) {
	bg := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Publish(bg, e); err != nil {
			d.log.Error("event publish budget exhausted, leaving for relay",
				"event_id", e.ID, "type", e.Type, "rental_id", e.RentalID, "error", err)
		}
	}()
}

// Publish retries until the channel accepts e or the budget is spent, then
// records the outcome.
func (d *Dispatcher) Publish(ctx context.Context, e events.Event) error {
	ctx, span := d.tracer.Start(ctx, "outbox.publish",
		trace.WithAttributes(
			attribute.String("event.id", e.ID.String()),
			attribute.String("event.type", string(e.Type)),
		),
	)
	defer span.End()

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		return struct{}{}, d.publisher.Publish(pctx, e)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(d.budget),
		backoff.WithNotify(func(err error, wait time.Duration) {
			d.log.Warn("event publish failed, retrying",
				"event_id", e.ID, "attempt", attempts, "retry_in", wait, "error", err)
		}),
	)
	span.SetAttributes(attribute.Int("publish.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		if recErr := d.marker.RecordFailure(ctx, e.ID, err); recErr != nil {
			d.log.Error("record outbox failure", "event_id", e.ID, "error", recErr)
		}
		return err
	}
	if err := d.marker.MarkPublished(ctx, e.ID); err != nil {
		// The relay will publish it again; consumers dedupe by event id.
		d.log.Warn("mark outbox event published", "event_id", e.ID, "error", err)
	}
	return nil
}

// Wait blocks until in-flight publishes finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
