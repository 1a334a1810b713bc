package rental

import (
	"context"

	"github.com/google/uuid"

	"carrental/internal/events"
	"carrental/internal/inventory"
	"carrental/internal/users"
)

// Service defines the interface for the rental orchestrator.
type Service interface {
	CreateRental(ctx context.Context, req CreateRequest) (*Rental, error)
	GetRental(ctx context.Context, id uuid.UUID) (*Rental, error)
	ListRentals(ctx context.Context, f Filter) ([]*Rental, error)
	Confirm(ctx context.Context, id uuid.UUID) (*Rental, error)
	Return(ctx context.Context, id uuid.UUID) (*Rental, error)
	Cancel(ctx context.Context, id uuid.UUID) (*Rental, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, to Status) (*Rental, error)
	Stats(ctx context.Context) (*Stats, error)
}

// UserDirectory resolves users. *clients.UserDirectoryClient implements it.
type UserDirectory interface {
	LookupUser(ctx context.Context, id uuid.UUID) (*users.Summary, error)
}

// CarDirectory resolves cars. *clients.CarInventoryClient implements it.
type CarDirectory interface {
	LookupCar(ctx context.Context, id uuid.UUID) (*inventory.Car, error)
}

// Dispatcher publishes committed events in the background.
// *outbox.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, e events.Event)
}
