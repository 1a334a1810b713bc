package inventory

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the car inventory.
type Service interface {
	AddCar(ctx context.Context, car NewCar) (*Car, error)
	GetCar(ctx context.Context, id uuid.UUID) (*Car, error)
	GetSealedCar(ctx context.Context, id uuid.UUID) (*SealedCar, error)
	ListCars(ctx context.Context, filter Filter) ([]*Car, error)
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, change StatusChange) (*SealedCar, error)
	Stats(ctx context.Context) (*Stats, error)
}
