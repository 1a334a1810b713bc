// Package metrics builds the read-only business summary across services.
// Nothing here is authoritative; figures are as fresh as the last scrape.
package metrics

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"carrental/internal/inventory"
	"carrental/internal/rental"
	"carrental/internal/users"
)

type UserStats interface {
	Stats(ctx context.Context) (*users.Stats, error)
}

type CarStats interface {
	Stats(ctx context.Context) (*inventory.Stats, error)
}

type RentalStats interface {
	Stats(ctx context.Context) (*rental.Stats, error)
}

// Snapshot is one consistent-enough view of all three services.
type Snapshot struct {
	Users       users.Stats     `json:"users"`
	Cars        inventory.Stats `json:"cars"`
	Rentals     rental.Stats    `json:"rentals"`
	GeneratedAt time.Time       `json:"generated_at"`
}

type Aggregator struct {
	users   UserStats
	cars    CarStats
	rentals RentalStats
	now     func() time.Time
}

func NewAggregator(u UserStats, c CarStats, r RentalStats) *Aggregator {
	return &Aggregator{users: u, cars: c, rentals: r, now: time.Now}
}

// Snapshot queries every source concurrently. The first failure cancels the
// rest and is returned.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	var s Snapshot
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := a.users.Stats(ctx)
		if err == nil {
			s.Users = *st
		}
		return err
	})
	g.Go(func() error {
		st, err := a.cars.Stats(ctx)
		if err == nil {
			s.Cars = *st
		}
		return err
	})
	g.Go(func() error {
		st, err := a.rentals.Stats(ctx)
		if err == nil {
			s.Rentals = *st
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.GeneratedAt = a.now().UTC()
	return &s, nil
}
