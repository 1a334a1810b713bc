package rental

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"carrental/internal/apperr"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Rental is a booking of one car by one user. UserName and CarInfo are
// filled from directory lookups and never stored.
type Rental struct {
	ID               uuid.UUID `json:"id"`
	UserID           uuid.UUID `json:"user_id"`
	CarID            uuid.UUID `json:"car_id"`
	StartDate        time.Time `json:"start_date"`
	EndDate          time.Time `json:"end_date"`
	TotalAmountCents int64     `json:"total_amount_cents"`
	Status           Status    `json:"status"`
	PickupLocation   string    `json:"pickup_location"`
	ReturnLocation   string    `json:"return_location"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	UserName string `json:"user_name,omitempty"`
	CarInfo  string `json:"car_info,omitempty"`
}

// CreateRequest is the input for booking a car.
type CreateRequest struct {
	UserID         uuid.UUID `json:"user_id"`
	CarID          uuid.UUID `json:"car_id"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	PickupLocation string    `json:"pickup_location"`
	ReturnLocation string    `json:"return_location"`
}

const maxLocationLength = 100

// Validate checks the request against now. A start date earlier today is
// still accepted; anything before today's UTC midnight is in the past.
func (r *CreateRequest) Validate(now time.Time) error {
	r.PickupLocation = strings.TrimSpace(r.PickupLocation)
	r.ReturnLocation = strings.TrimSpace(r.ReturnLocation)

	today := now.UTC().Truncate(24 * time.Hour)
	switch {
	case r.UserID == uuid.Nil:
		return apperr.Validation("user_id is required")
	case r.CarID == uuid.Nil:
		return apperr.Validation("car_id is required")
	case r.StartDate.IsZero() || r.EndDate.IsZero():
		return apperr.Validation("start_date and end_date are required")
	case !r.StartDate.Before(r.EndDate):
		return apperr.Validation("end date must be after start date")
	case r.StartDate.Before(today):
		return apperr.Validation("start date is in the past")
	case r.EndDate.After(r.StartDate.AddDate(0, 0, MaxRentalDays)):
		return apperr.Validation("rental must not last more than %d days", MaxRentalDays)
	case r.PickupLocation == "" || len(r.PickupLocation) > maxLocationLength:
		return apperr.Validation("pickup location must be 1-%d characters", maxLocationLength)
	case r.ReturnLocation == "" || len(r.ReturnLocation) > maxLocationLength:
		return apperr.Validation("return location must be 1-%d characters", maxLocationLength)
	}
	return nil
}

// Filter narrows ListRentals. Zero fields match everything.
type Filter struct {
	Status Status
	UserID uuid.UUID
	CarID  uuid.UUID
	Limit  int
}

// Stats summarises rentals. Revenue counts completed rentals only.
type Stats struct {
	Total        int64 `json:"total_rentals"`
	Pending      int64 `json:"pending_rentals"`
	Active       int64 `json:"active_rentals"`
	Completed    int64 `json:"completed_rentals"`
	Cancelled    int64 `json:"cancelled_rentals"`
	RevenueCents int64 `json:"total_revenue_cents"`
}
