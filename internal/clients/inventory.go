package clients

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"carrental/internal/config"
	"carrental/internal/inventory"
	"carrental/internal/pii"
)

// CarInventoryClient talks to the inventory service directory endpoints.
// Nothing is cached: car status is the contended value.
type CarInventoryClient struct {
	base
	codec *pii.Codec
}

func NewCarInventoryClient(baseURL string, codec *pii.Codec, hc *http.Client, breaker config.BreakerConfig) *CarInventoryClient {
	return &CarInventoryClient{base: newBase("cars", baseURL, hc, breaker), codec: codec}
}

func (c *CarInventoryClient) sealed(ctx context.Context, id uuid.UUID) (*inventory.SealedCar, error) {
	var car inventory.SealedCar
	if err := c.do(ctx, http.MethodGet, "/inventory/cars/"+id.String(), nil, &car); err != nil {
		return nil, err
	}
	return &car, nil
}

// LookupCar returns the car with its plate decrypted.
func (c *CarInventoryClient) LookupCar(ctx context.Context, id uuid.UUID) (*inventory.Car, error) {
	s, err := c.sealed(ctx, id)
	if err != nil {
		return nil, err
	}
	plate, err := c.codec.Decrypt(s.LicensePlate)
	if err != nil {
		return nil, err
	}
	return &inventory.Car{
		ID:             s.ID,
		Make:           s.Make,
		Model:          s.Model,
		Year:           s.Year,
		LicensePlate:   plate,
		Status:         s.Status,
		RentalID:       s.RentalID,
		DailyRateCents: s.DailyRateCents,
		Location:       s.Location,
	}, nil
}

// GetSealedCar returns the car exactly as stored.
func (c *CarInventoryClient) GetSealedCar(ctx context.Context, id uuid.UUID) (*inventory.SealedCar, error) {
	return c.sealed(ctx, id)
}

// CompareAndSetStatus asks inventory to apply change only if the car is
// still in change.Expected. A lost race comes back as a conflict.
func (c *CarInventoryClient) CompareAndSetStatus(ctx context.Context, id uuid.UUID, change inventory.StatusChange) (*inventory.SealedCar, error) {
	var car inventory.SealedCar
	if err := c.do(ctx, http.MethodPatch, "/inventory/cars/"+id.String()+"/status", change, &car); err != nil {
		return nil, err
	}
	return &car, nil
}

func (c *CarInventoryClient) Stats(ctx context.Context) (*inventory.Stats, error) {
	var st inventory.Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
