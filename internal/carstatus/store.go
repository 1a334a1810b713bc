package carstatus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carrental/internal/apperr"
	"carrental/internal/events"
)

// DeadLetterRecord is a stored dead letter with its operator state.
type DeadLetterRecord struct {
	Event       events.Event `json:"event"`
	Reason      string       `json:"reason"`
	LastError   string       `json:"last_error"`
	Attempts    int          `json:"attempts"`
	Occurrences int          `json:"occurrences"`
	FailedAt    time.Time    `json:"failed_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	Resolution  string       `json:"resolution,omitempty"`
}

// DeadLetters is the operator view of the dead-letter store.
type DeadLetters interface {
	events.DeadLetterSink
	ListDeadLetters(ctx context.Context, unresolvedOnly bool, limit int) ([]DeadLetterRecord, error)
	GetDeadLetter(ctx context.Context, eventID uuid.UUID) (*DeadLetterRecord, error)
	Resolve(ctx context.Context, eventID uuid.UUID, resolution string) error
	CountUnresolved(ctx context.Context) (int64, error)
}

// Store keeps processed event ids and dead letters in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) IsProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func (s *Store) MarkProcessed(ctx context.Context, e events.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id, event_type, rental_id, processed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, e.ID, string(e.Type), e.RentalID)
	return err
}

// DeadLetter records dl. A repeat of an unresolved dead letter bumps its
// occurrence count; a repeat of a resolved one reopens it.
func (s *Store) DeadLetter(ctx context.Context, dl events.DeadLetter) error {
	body, err := events.Encode(dl.Event)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (event_id, event_type, rental_id, car_id, body, reason, last_error, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO UPDATE SET
			reason      = EXCLUDED.reason,
			last_error  = EXCLUDED.last_error,
			attempts    = EXCLUDED.attempts,
			failed_at   = EXCLUDED.failed_at,
			occurrences = dead_letters.occurrences + 1,
			resolved_at = NULL,
			resolution  = NULL
	`, dl.Event.ID, string(dl.Event.Type), dl.Event.RentalID, dl.Event.CarID, body,
		dl.Reason, dl.Error, dl.Attempts, dl.FailedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

const deadLetterColumns = `body, reason, last_error, attempts, occurrences, failed_at, resolved_at, COALESCE(resolution, '')`

func scanDeadLetter(row pgx.Row) (*DeadLetterRecord, error) {
	var (
		r    DeadLetterRecord
		body []byte
	)
	if err := row.Scan(&body, &r.Reason, &r.LastError, &r.Attempts, &r.Occurrences,
		&r.FailedAt, &r.ResolvedAt, &r.Resolution); err != nil {
		return nil, err
	}
	e, err := events.Decode(body)
	if err != nil {
		return nil, err
	}
	r.Event = e
	return &r, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, unresolvedOnly bool, limit int) ([]DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if unresolvedOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY failed_at LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterRecord
	for rows.Next() {
		r, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) GetDeadLetter(ctx context.Context, eventID uuid.UUID) (*DeadLetterRecord, error) {
	r, err := scanDeadLetter(s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("dead letter", eventID)
	}
	return r, err
}

func (s *Store) Resolve(ctx context.Context, eventID uuid.UUID, resolution string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letters SET resolved_at = NOW(), resolution = $2
		WHERE event_id = $1 AND resolved_at IS NULL
	`, eventID, resolution)
	if err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("unresolved dead letter", eventID)
	}
	return nil
}

func (s *Store) CountUnresolved(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL`).Scan(&n)
	return n, err
}
