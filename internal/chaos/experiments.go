package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"carrental/internal/apperr"
	"carrental/internal/carstatus"
	"carrental/internal/events"
	"carrental/internal/inventory"
)

// Standard registers every drill against lab.
func Standard(lab *Lab, window time.Duration) []Experiment {
	return []Experiment{
		BookingRace(lab, 20, window),
		PublisherOutage(lab, 5, window),
		DirectorySlowdown(lab, 3, window),
		MaintenanceDuringRental(lab, window),
	}
}

type bookings struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (b *bookings) add(id uuid.UUID) {
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

func (b *bookings) all() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uuid.UUID(nil), b.ids...)
}

// unaccounted counts bookings that neither hold their car nor were
// dead-lettered as having lost it.
func (l *Lab) unaccounted(ctx context.Context, carIDs map[uuid.UUID]uuid.UUID) (float64, error) {
	n := 0
	for rentalID, carID := range carIDs {
		car, err := l.Cars.GetSealedCar(ctx, carID)
		if err != nil {
			return 0, err
		}
		if car.HeldBy(rentalID) {
			continue
		}
		dl, err := l.DeadLetters.GetDeadLetter(ctx, events.EventID(rentalID, events.TypeRentalCreated))
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			n++
		case err != nil:
			return 0, err
		case dl.Reason != carstatus.ReasonCarUnavailable:
			n++
		}
	}
	return float64(n), nil
}

// BookingRace fires concurrent bookings at one car. Exactly one may end up
// holding it; every other accepted booking must be dead-lettered as
// car_unavailable rather than silently lost or double-booked.
func BookingRace(lab *Lab, concurrency int, window time.Duration) Experiment {
	var (
		carID uuid.UUID
		made  bookings
	)
	unaccounted := func(ctx context.Context) (float64, error) {
		ids := made.all()
		m := make(map[uuid.UUID]uuid.UUID, len(ids))
		for _, id := range ids {
			m[id] = carID
		}
		return lab.unaccounted(ctx, m)
	}

	return Experiment{
		Name:       "concurrent-booking-race",
		Hypothesis: "Concurrent bookings for one car yield a single holder and dead-letter the rest",
		SteadyState: []Metric{
			{Name: "unaccounted_bookings", Query: unaccounted, Threshold: Threshold{Operator: "==", Value: 0}},
		},
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "rental-service",
			Execute: func(ctx context.Context) error {
				var err error
				if carID, err = lab.AddCar(ctx, "RACE-1", "Downtown"); err != nil {
					return err
				}
				var wg sync.WaitGroup
				errs := make(chan error, concurrency)
				for i := 0; i < concurrency; i++ {
					userID := lab.Users.Add("Racer", fmt.Sprintf("%02d", i))
					wg.Add(1)
					go func() {
						defer wg.Done()
						r, err := lab.Rentals.CreateRental(ctx, Booking(userID, carID))
						switch {
						case err == nil:
							made.add(r.ID)
						case errors.Is(err, apperr.ErrCarUnavailable):
						default:
							errs <- err
						}
					}()
				}
				wg.Wait()
				close(errs)
				var all []error
				for err := range errs {
					all = append(all, err)
				}
				return errors.Join(all...)
			},
		}},
		Rollback: []Action{{Type: "settle", Target: "event-channel", Execute: lab.Settle}},
		Validation: []Assertion{{
			Metric:    "unaccounted_bookings",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "every accepted booking either holds the car or is dead-lettered",
		}},
		Duration: window,
	}
}

// PublisherOutage takes the event channel away while bookings are accepted.
// Bookings stay pending in the outbox and are applied after the sweep once
// the channel is back.
func PublisherOutage(lab *Lab, count int, window time.Duration) Experiment {
	cars := make(map[uuid.UUID]uuid.UUID)
	var mu sync.Mutex

	notApplied := func(ctx context.Context) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for rentalID, carID := range cars {
			car, err := lab.Cars.GetSealedCar(ctx, carID)
			if err != nil {
				return 0, err
			}
			if !car.HeldBy(rentalID) {
				n++
			}
		}
		return float64(n), nil
	}
	unpublished := func(context.Context) (float64, error) {
		return float64(len(lab.Repo.Unpublished())), nil
	}

	return Experiment{
		Name:       "event-channel-outage",
		Hypothesis: "Bookings accepted during a channel outage are delivered once the channel recovers",
		SteadyState: []Metric{
			{Name: "unpublished_events", Query: unpublished, Threshold: Threshold{Operator: "==", Value: 0}},
			{Name: "bookings_not_applied", Query: notApplied, Threshold: Threshold{Operator: "==", Value: 0}},
		},
		Method: []Action{
			{
				Type:   "network-partition",
				Target: "event-channel",
				Execute: func(context.Context) error {
					lab.Publisher.Fail(true)
					return nil
				},
			},
			{
				Type:   "bookings",
				Target: "rental-service",
				Execute: func(ctx context.Context) error {
					for i := 0; i < count; i++ {
						carID, err := lab.AddCar(ctx, fmt.Sprintf("OUT-%d", i), "Airport")
						if err != nil {
							return err
						}
						r, err := lab.Rentals.CreateRental(ctx, Booking(lab.Users.Add("Outage", fmt.Sprint(i)), carID))
						if err != nil {
							return fmt.Errorf("booking during outage: %w", err)
						}
						mu.Lock()
						cars[r.ID] = carID
						mu.Unlock()
					}
					return nil
				},
			},
		},
		Rollback: []Action{{
			Type:   "restore-network",
			Target: "event-channel",
			Execute: func(ctx context.Context) error {
				lab.Publisher.Fail(false)
				if err := lab.Settle(ctx); err != nil {
					return err
				}
				if _, err := lab.Sweep(ctx); err != nil {
					return err
				}
				return lab.Settle(ctx)
			},
		}},
		Validation: []Assertion{
			{
				Metric:    "unpublished_events",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "the sweep drains the outbox after recovery",
			},
			{
				Metric:    "bookings_not_applied",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "every booking made during the outage rents its car",
			},
		},
		Duration: window,
	}
}

// DirectorySlowdown makes the user directory slower than the validation
// timeout. Bookings must fail fast as dependency unavailable and nothing may
// be stored.
func DirectorySlowdown(lab *Lab, attempts int, window time.Duration) Experiment {
	var (
		mu       sync.Mutex
		accepted int
		latency  = 2 * time.Second
	)
	acceptedWhileSlow := func(context.Context) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		return float64(accepted), nil
	}

	return Experiment{
		Name:       "user-directory-latency",
		Hypothesis: "A slow user directory rejects bookings as unavailable instead of hanging or guessing",
		SteadyState: []Metric{
			{Name: "bookings_accepted_while_slow", Query: acceptedWhileSlow, Threshold: Threshold{Operator: "==", Value: 0}},
		},
		Method: []Action{{
			Type:   "inject-latency",
			Target: "user-directory",
			Execute: func(ctx context.Context) error {
				carID, err := lab.AddCar(ctx, "SLOW-1", "Harbour")
				if err != nil {
					return err
				}
				userID := lab.Users.Add("Patient", "User")
				lab.Users.Delay(latency)
				for i := 0; i < attempts; i++ {
					_, err := lab.Rentals.CreateRental(ctx, Booking(userID, carID))
					switch {
					case err == nil:
						mu.Lock()
						accepted++
						mu.Unlock()
					case !errors.Is(err, apperr.ErrDependencyUnavailable):
						return fmt.Errorf("booking against slow directory: %w", err)
					}
				}
				return nil
			},
		}},
		Rollback: []Action{{
			Type:   "remove-latency",
			Target: "user-directory",
			Execute: func(context.Context) error {
				lab.Users.Delay(0)
				return nil
			},
		}},
		Validation: []Assertion{{
			Metric:    "bookings_accepted_while_slow",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "no booking is accepted without a confirmed user",
		}},
		Duration: window,
	}
}

// MaintenanceDuringRental pulls a rented car into maintenance behind the
// consumer's back, then cancels the rental. The release must leave the car
// in maintenance and must not be dead-lettered.
func MaintenanceDuringRental(lab *Lab, window time.Duration) Experiment {
	var (
		carID    uuid.UUID
		rentalID uuid.UUID
		forced   bool
		mu       sync.Mutex
	)
	overwritten := func(ctx context.Context) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		if !forced {
			return 0, nil
		}
		car, err := lab.Cars.GetSealedCar(ctx, carID)
		if err != nil {
			return 0, err
		}
		if car.Status != inventory.StatusMaintenance {
			return 1, nil
		}
		return 0, nil
	}
	releaseDeadLettered := func(ctx context.Context) (float64, error) {
		mu.Lock()
		id := rentalID
		mu.Unlock()
		if id == uuid.Nil {
			return 0, nil
		}
		_, err := lab.DeadLetters.GetDeadLetter(ctx, events.EventID(id, events.TypeRentalCancelled))
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			return 0, nil
		case err != nil:
			return 0, err
		}
		return 1, nil
	}

	return Experiment{
		Name:       "maintenance-during-rental",
		Hypothesis: "A late release does not pull a car out of maintenance",
		SteadyState: []Metric{
			{Name: "maintenance_overwritten", Query: overwritten, Threshold: Threshold{Operator: "==", Value: 0}},
			{Name: "release_dead_lettered", Query: releaseDeadLettered, Threshold: Threshold{Operator: "==", Value: 0}},
		},
		Method: []Action{{
			Type:   "divergent-state",
			Target: "car-inventory",
			Execute: func(ctx context.Context) error {
				var err error
				if carID, err = lab.AddCar(ctx, "MAINT-1", "Depot"); err != nil {
					return err
				}
				r, err := lab.Rentals.CreateRental(ctx, Booking(lab.Users.Add("Late", "Release"), carID))
				if err != nil {
					return err
				}
				if err := lab.Settle(ctx); err != nil {
					return err
				}
				lab.Cars.Force(carID, inventory.StatusMaintenance, nil)
				mu.Lock()
				forced, rentalID = true, r.ID
				mu.Unlock()
				if _, err := lab.Rentals.Cancel(ctx, r.ID); err != nil {
					return err
				}
				return lab.Settle(ctx)
			},
		}},
		Validation: []Assertion{
			{
				Metric:    "maintenance_overwritten",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "the car stays in maintenance",
			},
			{
				Metric:    "release_dead_lettered",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "a release for a car no longer held is not an error",
			},
		},
		Duration: window,
	}
}
