package rental

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"carrental/internal/apperr"
	"carrental/internal/events"
	"carrental/internal/outbox"
)

// Repository persists rentals together with the events their changes
// produce. Locations arrive and leave sealed.
type Repository interface {
	// Create stores a pending rental and its rental.created event atomically.
	Create(ctx context.Context, r *Rental, e events.Event) error
	Get(ctx context.Context, id uuid.UUID) (*Rental, error)
	List(ctx context.Context, f Filter) ([]*Rental, error)
	// Transition moves the rental from one status to another only if it is
	// still in from, appending e (when non-nil) in the same transaction.
	Transition(ctx context.Context, id uuid.UUID, from, to Status, e *events.Event) (*Rental, error)
	Stats(ctx context.Context) (*Stats, error)
}

// SQLStore is the Postgres Repository.
type SQLStore struct {
	db     *sql.DB
	outbox *outbox.Store
	tracer trace.Tracer
}

func NewSQLStore(db *sql.DB, ob *outbox.Store) *SQLStore {
	return &SQLStore{db: db, outbox: ob, tracer: otel.Tracer("carrental/rental")}
}

const rentalColumns = `id, user_id, car_id, start_date, end_date, total_amount_cents, status, pickup_location, return_location, created_at, updated_at`

func scanRental(row interface{ Scan(...any) error }) (*Rental, error) {
	var r Rental
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.CarID,
		&r.StartDate,
		&r.EndDate,
		&r.TotalAmountCents,
		&r.Status,
		&r.PickupLocation,
		&r.ReturnLocation,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, r *Rental, e events.Event) error {
	ctx, span := s.tracer.Start(ctx, "rental.store.create",
		trace.WithAttributes(attribute.String("rental.id", r.ID.String())))
	defer span.End()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rentals (`+rentalColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, r.ID, r.UserID, r.CarID, r.StartDate, r.EndDate, r.TotalAmountCents, r.Status,
			r.PickupLocation, r.ReturnLocation, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert rental: %w", err)
		}
		return s.outbox.AppendTx(ctx, tx, e)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (*Rental, error) {
	r, err := scanRental(s.db.QueryRowContext(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("rental", id)
		}
		return nil, fmt.Errorf("get rental: %w", err)
	}
	return r, nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Rental, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.UserID != uuid.Nil {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.CarID != uuid.Nil {
		args = append(args, f.CarID)
		where = append(where, fmt.Sprintf("car_id = $%d", len(args)))
	}
	query := `SELECT ` + rentalColumns + ` FROM rentals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rentals: %w", err)
	}
	defer rows.Close()

	var out []*Rental
	for rows.Next() {
		r, err := scanRental(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rental: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rentals: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Transition(ctx context.Context, id uuid.UUID, from, to Status, e *events.Event) (*Rental, error) {
	ctx, span := s.tracer.Start(ctx, "rental.store.transition",
		trace.WithAttributes(
			attribute.String("rental.id", id.String()),
			attribute.String("status.from", string(from)),
			attribute.String("status.to", string(to)),
		))
	defer span.End()

	var out *Rental
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := scanRental(tx.QueryRowContext(ctx, `
			UPDATE rentals SET status = $1, updated_at = $2
			WHERE id = $3 AND status = $4
			RETURNING `+rentalColumns,
			to, time.Now().UTC(), id, from))
		if errors.Is(err, sql.ErrNoRows) {
			var current Status
			err := tx.QueryRowContext(ctx, `SELECT status FROM rentals WHERE id = $1`, id).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("rental", id)
			}
			if err != nil {
				return fmt.Errorf("get rental status: %w", err)
			}
			return apperr.Conflict("rental", apperr.ReasonStaleState, "rental %s is %s, expected %s", id, current, from)
		}
		if err != nil {
			return fmt.Errorf("update rental status: %w", err)
		}
		if e != nil {
			if err := s.outbox.AppendTx(ctx, tx, *e); err != nil {
				return err
			}
		}
		out = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COALESCE(SUM(total_amount_cents) FILTER (WHERE status = 'completed'), 0)
		FROM rentals
	`).Scan(&st.Total, &st.Pending, &st.Active, &st.Completed, &st.Cancelled, &st.RevenueCents)
	if err != nil {
		return nil, fmt.Errorf("query rental stats: %w", err)
	}
	return &st, nil
}
