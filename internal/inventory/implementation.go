package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"carrental/internal/apperr"
	"carrental/internal/pii"
)

// service implements the Service interface.
type service struct {
	db     *sql.DB
	codec  *pii.Codec
	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a new inventory service instance.
func NewService(db *sql.DB, codec *pii.Codec, log *slog.Logger) Service {
	return &service{
		db:     db,
		codec:  codec,
		log:    log,
		tracer: otel.Tracer("carrental/inventory"),
		now:    time.Now,
	}
}

const carColumns = `id, make, model, year, license_plate, status, rental_id, daily_rate_cents, location, created_at, updated_at`

type carRow struct {
	Car
	sealedPlate string
}

func scanCar(row interface{ Scan(...any) error }) (*carRow, error) {
	var r carRow
	var rentalID uuid.NullUUID
	err := row.Scan(
		&r.ID,
		&r.Make,
		&r.Model,
		&r.Year,
		&r.sealedPlate,
		&r.Status,
		&rentalID,
		&r.DailyRateCents,
		&r.Location,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rentalID.Valid {
		id := rentalID.UUID
		r.RentalID = &id
	}
	return &r, nil
}

func (s *service) open(r *carRow) (*Car, error) {
	plate, err := s.codec.Decrypt(r.sealedPlate)
	if err != nil {
		return nil, err
	}
	car := r.Car
	car.LicensePlate = plate
	return &car, nil
}

func sealed(r *carRow) *SealedCar {
	return &SealedCar{
		ID:             r.ID,
		Make:           r.Make,
		Model:          r.Model,
		Year:           r.Year,
		LicensePlate:   r.sealedPlate,
		Status:         r.Status,
		RentalID:       r.RentalID,
		DailyRateCents: r.DailyRateCents,
		Location:       r.Location,
	}
}

// AddCar registers a car as available. Plates are unique by blind index.
func (s *service) AddCar(ctx context.Context, in NewCar) (*Car, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.add_car")
	defer span.End()

	if err := in.Validate(); err != nil {
		return nil, err
	}
	plate, err := s.codec.Encrypt(in.LicensePlate)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	car := &Car{
		ID:             uuid.New(),
		Make:           in.Make,
		Model:          in.Model,
		Year:           in.Year,
		LicensePlate:   in.LicensePlate,
		Status:         StatusAvailable,
		DailyRateCents: in.DailyRateCents,
		Location:       in.Location,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cars (id, make, model, year, license_plate, license_plate_index, status, daily_rate_cents, location, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, car.ID, car.Make, car.Model, car.Year, plate, s.codec.BlindIndex(in.LicensePlate),
		car.Status, car.DailyRateCents, car.Location, car.CreatedAt, car.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apperr.Conflict("car", apperr.ReasonDuplicate, "license plate already registered")
		}
		span.RecordError(err)
		return nil, fmt.Errorf("insert car: %w", err)
	}

	s.log.InfoContext(ctx, "car added", "car_id", car.ID, "location", car.Location)
	return car, nil
}

func (s *service) load(ctx context.Context, id uuid.UUID) (*carRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+carColumns+` FROM cars WHERE id = $1`, id)
	r, err := scanCar(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("car", id)
		}
		return nil, fmt.Errorf("get car: %w", err)
	}
	return r, nil
}

// GetCar returns the car with its plate decrypted.
func (s *service) GetCar(ctx context.Context, id uuid.UUID) (*Car, error) {
	r, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.open(r)
}

// GetSealedCar returns the car without decrypting anything.
func (s *service) GetSealedCar(ctx context.Context, id uuid.UUID) (*SealedCar, error) {
	r, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return sealed(r), nil
}

func (s *service) ListCars(ctx context.Context, filter Filter) ([]*Car, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Validation("unknown car status %q", filter.Status)
	}

	query := `SELECT ` + carColumns + ` FROM cars WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Location != "" {
		args = append(args, strings.TrimSpace(filter.Location))
		query += fmt.Sprintf(" AND LOWER(location) = LOWER($%d)", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cars: %w", err)
	}
	defer rows.Close()

	var cars []*Car
	for rows.Next() {
		r, err := scanCar(rows)
		if err != nil {
			return nil, fmt.Errorf("scan car: %w", err)
		}
		car, err := s.open(r)
		if err != nil {
			return nil, err
		}
		cars = append(cars, car)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cars: %w", err)
	}
	return cars, nil
}

// CompareAndSetStatus applies change only if the car is still in
// change.Expected (and, when rented, held by change.RentalID). A lost race
// is a conflict; the stored row is never overwritten blindly.
func (s *service) CompareAndSetStatus(ctx context.Context, id uuid.UUID, change StatusChange) (*SealedCar, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.compare_and_set_status",
		trace.WithAttributes(
			attribute.String("car.id", id.String()),
			attribute.String("status.expected", string(change.Expected)),
			attribute.String("status.target", string(change.Target)),
		),
	)
	defer span.End()

	if err := change.Validate(); err != nil {
		return nil, err
	}

	var newHolder, expectedHolder *uuid.UUID
	if change.Target == StatusRented {
		newHolder = change.RentalID
	}
	if change.Expected == StatusRented {
		expectedHolder = change.RentalID
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE cars
		SET status = $1, rental_id = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4 AND rental_id IS NOT DISTINCT FROM $5
		RETURNING `+carColumns,
		change.Target, nullable(newHolder), id, change.Expected, nullable(expectedHolder))
	r, err := scanCar(row)
	if err == nil {
		s.log.InfoContext(ctx, "car status changed",
			"car_id", id, "from", change.Expected, "to", change.Target)
		return sealed(r), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		span.RecordError(err)
		return nil, fmt.Errorf("update car status: %w", err)
	}

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("conflict.detected", true))
	reason := apperr.ReasonStaleState
	if change.Expected == StatusAvailable && change.Target == StatusRented {
		reason = apperr.ReasonCarUnavailable
	}
	return nil, apperr.Conflict("car", reason, "car %s is %s, expected %s", id, current.Status, change.Expected)
}

func nullable(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func (s *service) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'available'),
			COUNT(*) FILTER (WHERE status = 'rented'),
			COUNT(*) FILTER (WHERE status = 'maintenance'),
			COALESCE(ROUND(AVG(daily_rate_cents)), 0)::BIGINT
		FROM cars
	`).Scan(&st.Total, &st.Available, &st.Rented, &st.Maintenance, &st.AverageDailyRateCents)
	if err != nil {
		return nil, fmt.Errorf("query car stats: %w", err)
	}
	return &st, nil
}
