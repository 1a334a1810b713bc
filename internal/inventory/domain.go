package inventory

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"carrental/internal/apperr"
)

type Status string

const (
	StatusAvailable   Status = "available"
	StatusRented      Status = "rented"
	StatusMaintenance Status = "maintenance"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusRented, StatusMaintenance:
		return true
	}
	return false
}

// Car is the decrypted view returned to API callers.
type Car struct {
	ID             uuid.UUID  `json:"id"`
	Make           string     `json:"make"`
	Model          string     `json:"model"`
	Year           int        `json:"year"`
	LicensePlate   string     `json:"license_plate"`
	Status         Status     `json:"status"`
	RentalID       *uuid.UUID `json:"rental_id,omitempty"`
	DailyRateCents int64      `json:"daily_rate_cents"`
	Location       string     `json:"location"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HeldBy reports whether rentalID currently holds the car.
func (c *Car) HeldBy(rentalID uuid.UUID) bool {
	return c.Status == StatusRented && c.RentalID != nil && *c.RentalID == rentalID
}

// SealedCar is the service-to-service view. LicensePlate stays encrypted.
type SealedCar struct {
	ID             uuid.UUID  `json:"id"`
	Make           string     `json:"make"`
	Model          string     `json:"model"`
	Year           int        `json:"year"`
	LicensePlate   string     `json:"license_plate"`
	Status         Status     `json:"status"`
	RentalID       *uuid.UUID `json:"rental_id,omitempty"`
	DailyRateCents int64      `json:"daily_rate_cents"`
	Location       string     `json:"location"`
}

// NewCar is the input for registering a car.
type NewCar struct {
	Make           string `json:"make"`
	Model          string `json:"model"`
	Year           int    `json:"year"`
	LicensePlate   string `json:"license_plate"`
	DailyRateCents int64  `json:"daily_rate_cents"`
	Location       string `json:"location"`
}

const (
	maxNameLength     = 50
	maxPlateLength    = 20
	maxLocationLength = 100
	minYear           = 1900
	maxYear           = 2030
)

func (n *NewCar) Validate() error {
	n.Make = strings.TrimSpace(n.Make)
	n.Model = strings.TrimSpace(n.Model)
	n.LicensePlate = strings.TrimSpace(n.LicensePlate)
	n.Location = strings.TrimSpace(n.Location)

	switch {
	case n.Make == "" || len(n.Make) > maxNameLength:
		return apperr.Validation("make must be 1-%d characters", maxNameLength)
	case n.Model == "" || len(n.Model) > maxNameLength:
		return apperr.Validation("model must be 1-%d characters", maxNameLength)
	case n.Year < minYear || n.Year > maxYear:
		return apperr.Validation("year must be between %d and %d", minYear, maxYear)
	case n.LicensePlate == "" || len(n.LicensePlate) > maxPlateLength:
		return apperr.Validation("license plate must be 1-%d characters", maxPlateLength)
	case n.DailyRateCents <= 0:
		return apperr.Validation("daily rate must be positive")
	case n.Location == "" || len(n.Location) > maxLocationLength:
		return apperr.Validation("location must be 1-%d characters", maxLocationLength)
	}
	return nil
}

// StatusChange is a conditional status write. RentalID names the rental
// taking the car when Target is rented, and the rental expected to hold it
// when Expected is rented.
type StatusChange struct {
	Expected Status     `json:"expected_status"`
	Target   Status     `json:"status"`
	RentalID *uuid.UUID `json:"rental_id,omitempty"`
}

// Validate enforces the allowed edges: available and rented toggle with a
// holder, available and maintenance toggle without one.
func (c StatusChange) Validate() error {
	if !c.Expected.Valid() || !c.Target.Valid() {
		return apperr.Validation("unknown car status %q -> %q", c.Expected, c.Target)
	}
	switch {
	case c.Expected == StatusAvailable && c.Target == StatusRented,
		c.Expected == StatusRented && c.Target == StatusAvailable:
		if c.RentalID == nil || *c.RentalID == uuid.Nil {
			return apperr.Validation("rental_id is required for %s -> %s", c.Expected, c.Target)
		}
	case c.Expected == StatusAvailable && c.Target == StatusMaintenance,
		c.Expected == StatusMaintenance && c.Target == StatusAvailable:
		if c.RentalID != nil {
			return apperr.Validation("rental_id is not allowed for %s -> %s", c.Expected, c.Target)
		}
	default:
		return apperr.Validation("car cannot move from %s to %s", c.Expected, c.Target)
	}
	return nil
}

// Filter narrows ListCars. Zero values match everything.
type Filter struct {
	Status   Status
	Location string
}

// Stats is the inventory's contribution to the metrics summary.
type Stats struct {
	Total                 int64 `json:"total_cars"`
	Available             int64 `json:"available_cars"`
	Rented                int64 `json:"rented_cars"`
	Maintenance           int64 `json:"maintenance_cars"`
	AverageDailyRateCents int64 `json:"average_daily_rate_cents"`
}

func (c *SealedCar) HeldBy(rentalID uuid.UUID) bool {
	return c.Status == StatusRented && c.RentalID != nil && *c.RentalID == rentalID
}
