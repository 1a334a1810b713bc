package rental

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"carrental/internal/apperr"
	"carrental/internal/events"
	"carrental/internal/inventory"
	"carrental/internal/pii"
	"carrental/internal/users"
)

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Repository        Repository
	Users             UserDirectory
	Cars              CarDirectory
	Codec             *pii.Codec
	Dispatcher        Dispatcher
	ValidationTimeout time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

type service struct {
	repo       Repository
	users      UserDirectory
	cars       CarDirectory
	codec      *pii.Codec
	dispatcher Dispatcher
	timeout    time.Duration
	log        *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewService creates a new rental orchestrator.
func NewService(d Deps) Service {
	if d.ValidationTimeout <= 0 {
		d.ValidationTimeout = 5 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &service{
		repo:       d.Repository,
		users:      d.Users,
		cars:       d.Cars,
		codec:      d.Codec,
		dispatcher: d.Dispatcher,
		timeout:    d.ValidationTimeout,
		log:        d.Logger,
		tracer:     otel.Tracer("carrental/rental"),
		now:        d.Now,
	}
}

// bounded runs a directory lookup under the validation timeout. Running out
// of time is a dependency failure, never a not-found.
func bounded[T any](ctx context.Context, timeout time.Duration, dep string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, apperr.ErrDependencyUnavailable) {
		err = apperr.Unavailable(dep, err)
	}
	return v, err
}

// CreateRental validates the user and car, prices the booking and stores it
// pending with its rental.created event. Publishing happens after return.
func (s *service) CreateRental(ctx context.Context, req CreateRequest) (*Rental, error) {
	ctx, span := s.tracer.Start(ctx, "rental.create",
		trace.WithAttributes(
			attribute.String("user.id", req.UserID.String()),
			attribute.String("car.id", req.CarID.String()),
		))
	defer span.End()

	now := s.now().UTC()
	if err := req.Validate(now); err != nil {
		return nil, err
	}

	user, err := bounded(ctx, s.timeout, "users", func(ctx context.Context) (*users.Summary, error) {
		return s.users.LookupUser(ctx, req.UserID)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	car, err := bounded(ctx, s.timeout, "cars", func(ctx context.Context) (*inventory.Car, error) {
		return s.cars.LookupCar(ctx, req.CarID)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if car.Status != inventory.StatusAvailable {
		return nil, apperr.Conflict("car", apperr.ReasonCarUnavailable, "car %s is %s", car.ID, car.Status)
	}

	total, err := Price(car.DailyRateCents, req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}

	r := &Rental{
		ID:               uuid.New(),
		UserID:           req.UserID,
		CarID:            req.CarID,
		StartDate:        req.StartDate.UTC(),
		EndDate:          req.EndDate.UTC(),
		TotalAmountCents: total,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	sealed := *r
	if sealed.PickupLocation, err = s.codec.Encrypt(req.PickupLocation); err != nil {
		return nil, err
	}
	if sealed.ReturnLocation, err = s.codec.Encrypt(req.ReturnLocation); err != nil {
		return nil, err
	}

	e, err := s.event(events.TypeRentalCreated, r)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, &sealed, e); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.dispatcher.Dispatch(ctx, e)

	s.log.InfoContext(ctx, "rental created",
		"rental_id", r.ID, "car_id", r.CarID, "days", WholeDays(r.StartDate, r.EndDate), "total_cents", total)

	r.PickupLocation = req.PickupLocation
	r.ReturnLocation = req.ReturnLocation
	r.UserName = user.FullName()
	r.CarInfo = carInfo(car)
	return r, nil
}

func carInfo(c *inventory.Car) string {
	return fmt.Sprintf("%s %s (%s)", c.Make, c.Model, c.LicensePlate)
}

func (s *service) event(t events.Type, r *Rental) (events.Event, error) {
	return events.New(t, r.ID, r.CarID, events.RentalPayload{
		UserID:           r.UserID,
		StartDate:        r.StartDate,
		EndDate:          r.EndDate,
		TotalAmountCents: r.TotalAmountCents,
		Status:           string(r.Status),
	}, s.now())
}

func (s *service) open(r *Rental) (*Rental, error) {
	out := *r
	var err error
	if out.PickupLocation, err = s.codec.Decrypt(r.PickupLocation); err != nil {
		return nil, err
	}
	if out.ReturnLocation, err = s.codec.Decrypt(r.ReturnLocation); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRental returns the rental decrypted. Name and car details are added
// when the directories answer in time; their failure does not fail the read.
func (s *service) GetRental(ctx context.Context, id uuid.UUID) (*Rental, error) {
	sealed, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r, err := s.open(sealed)
	if err != nil {
		return nil, err
	}
	if u, err := bounded(ctx, s.timeout, "users", func(ctx context.Context) (*users.Summary, error) {
		return s.users.LookupUser(ctx, r.UserID)
	}); err == nil {
		r.UserName = u.FullName()
	}
	if c, err := bounded(ctx, s.timeout, "cars", func(ctx context.Context) (*inventory.Car, error) {
		return s.cars.LookupCar(ctx, r.CarID)
	}); err == nil {
		r.CarInfo = carInfo(c)
	}
	return r, nil
}

func (s *service) ListRentals(ctx context.Context, f Filter) ([]*Rental, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Validation("unknown rental status %q", f.Status)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	list, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]*Rental, 0, len(list))
	for _, sealed := range list {
		r, err := s.open(sealed)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *service) Confirm(ctx context.Context, id uuid.UUID) (*Rental, error) {
	return s.UpdateStatus(ctx, id, StatusActive)
}

func (s *service) Return(ctx context.Context, id uuid.UUID) (*Rental, error) {
	return s.UpdateStatus(ctx, id, StatusCompleted)
}

func (s *service) Cancel(ctx context.Context, id uuid.UUID) (*Rental, error) {
	return s.UpdateStatus(ctx, id, StatusCancelled)
}

// UpdateStatus moves a rental along the state machine. Entering completed or
// cancelled emits the event that lets the car go back to available.
func (s *service) UpdateStatus(ctx context.Context, id uuid.UUID, to Status) (*Rental, error) {
	ctx, span := s.tracer.Start(ctx, "rental.update_status",
		trace.WithAttributes(
			attribute.String("rental.id", id.String()),
			attribute.String("status.to", string(to)),
		))
	defer span.End()

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(current.Status, to); err != nil {
		return nil, err
	}

	var ev *events.Event
	if t, ok := releaseEvent(to); ok {
		next := *current
		next.Status = to
		e, err := s.event(t, &next)
		if err != nil {
			return nil, err
		}
		ev = &e
	}

	updated, err := s.repo.Transition(ctx, id, current.Status, to, ev)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if ev != nil {
		s.dispatcher.Dispatch(ctx, *ev)
	}
	s.log.InfoContext(ctx, "rental status changed", "rental_id", id, "from", current.Status, "to", to)
	return s.open(updated)
}

func (s *service) Stats(ctx context.Context) (*Stats, error) {
	return s.repo.Stats(ctx)
}
