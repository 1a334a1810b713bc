// Package outbox persists events alongside the state change that produced
// them and re-publishes any the channel has not acknowledged.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"carrental/internal/events"
)

// Record is one outbox row.
type Record struct {
	ID          int64        `json:"id"`
	Event       events.Event `json:"event"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"last_error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
}

// Store reads and writes the outbox_events table.
type Store struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("carrental/outbox"),
	}
}

// AppendTx inserts e inside the caller's transaction. Appending an event id
// twice is a no-op.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, e events.Event) error {
	ctx, span := s.tracer.Start(ctx, "outbox.append",
		trace.WithAttributes(
			attribute.String("event.id", e.ID.String()),
			attribute.String("event.type", string(e.Type)),
		),
	)
	defer span.End()

	body, err := events.Encode(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_events (event_id, event_type, rental_id, car_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, e.ID, string(e.Type), e.RentalID, e.CarID, body, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// MarkPublished stamps the event as delivered to the channel.
func (s *Store) MarkPublished(ctx context.Context, eventID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET published_at = NOW(), last_error = NULL
		WHERE event_id = $1 AND published_at IS NULL
	`, eventID)
	if err != nil {
		return fmt.Errorf("mark outbox event published: %w", err)
	}
	return nil
}

// RecordFailure counts a failed publish.
func (s *Store) RecordFailure(ctx context.Context, eventID uuid.UUID, cause error) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2
		WHERE event_id = $1 AND published_at IS NULL
	`, eventID, cause.Error())
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	return nil
}

// Sweep locks up to limit unpublished events older than minAge, calls
// publish for each in creation order and stamps the ones that succeed.
// Rows locked by a concurrent sweep are skipped. The first publish error
// stops the batch so later events in it are not sent ahead of it. Order
// against the live dispatcher is not guaranteed; the consumer tolerates a
// creation arriving after its rental's release.
func (s *Store) Sweep(ctx context.Context, limit int, minAge time.Duration, publish func(context.Context, events.Event) error) (int, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.sweep",
		trace.WithAttributes(attribute.Int("batch.size", limit)),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, body
		FROM outbox_events
		WHERE published_at IS NULL AND created_at <= $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, time.Now().UTC().Add(-minAge), limit)
	if err != nil {
		return 0, fmt.Errorf("query outbox: %w", err)
	}

	type pending struct {
		id int64
		e  events.Event
	}
	var batch []pending
	for rows.Next() {
		var id int64
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox row: %w", err)
		}
		e, err := events.Decode(body)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox row %d: %w", id, err)
		}
		batch = append(batch, pending{id: id, e: e})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate outbox: %w", err)
	}
	rows.Close()

	published := 0
	var publishErr error
	for _, p := range batch {
		if err := publish(ctx, p.e); err != nil {
			publishErr = err
			if _, err := tx.ExecContext(ctx, `
				UPDATE outbox_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1
			`, p.id, publishErr.Error()); err != nil {
				return published, fmt.Errorf("record outbox failure: %w", err)
			}
			break
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox_events SET published_at = NOW(), last_error = NULL WHERE id = $1
		`, p.id); err != nil {
			return published, fmt.Errorf("mark outbox row %d: %w", p.id, err)
		}
		published++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	span.SetAttributes(attribute.Int("events.published", published))
	if publishErr != nil {
		span.RecordError(publishErr)
		return published, fmt.Errorf("publish outbox event: %w", publishErr)
	}
	return published, nil
}

// Stats summarises the outbox for operators.
type Stats struct {
	Pending         int        `json:"pending"`
	Failing         int        `json:"failing"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE published_at IS NULL),
			COUNT(*) FILTER (WHERE published_at IS NULL AND attempts > 0),
			MIN(created_at) FILTER (WHERE published_at IS NULL)
		FROM outbox_events
	`).Scan(&st.Pending, &st.Failing, &oldest)
	if err != nil {
		return st, fmt.Errorf("query outbox stats: %w", err)
	}
	if oldest.Valid {
		st.OldestPendingAt = &oldest.Time
	}
	return st, nil
}

// ListPending returns unpublished events, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body, attempts, COALESCE(last_error, ''), created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var body []byte
		if err := rows.Scan(&r.ID, &body, &r.Attempts, &r.LastError, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if r.Event, err = events.Decode(body); err != nil {
			return nil, fmt.Errorf("outbox row %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
