package outbox

import (
	"context"
	"log/slog"
	"time"

	"carrental/internal/events"
)

// Relay re-publishes committed events the dispatcher did not get through.
type Relay struct {
	store     *Store
	publisher events.Publisher
	batch     int
	minAge    time.Duration
	log       *slog.Logger
}

func NewRelay(store *Store, publisher events.Publisher, batch int, minAge time.Duration, log *slog.Logger) *Relay {
	if batch <= 0 {
		batch = 100
	}
	return &Relay{store: store, publisher: publisher, batch: batch, minAge: minAge, log: log}
}

// SweepOnce publishes one batch and reports how many events went out.
func (r *Relay) SweepOnce(ctx context.Context) (int, error) {
	n, err := r.store.Sweep(ctx, r.batch, r.minAge, r.publisher.Publish)
	if n > 0 {
		r.log.Info("outbox sweep published events", "count", n)
	}
	if err != nil {
		r.log.Warn("outbox sweep stopped early", "published", n, "error", err)
	}
	return n, err
}
