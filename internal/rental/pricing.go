package rental

import (
	"math"
	"time"

	"carrental/internal/apperr"
)

const day = 24 * time.Hour

// MaxRentalDays caps the length of a single booking.
const MaxRentalDays = 365

// WholeDays counts complete 24h periods between start and end. Partial
// days are dropped.
func WholeDays(start, end time.Time) int64 {
	return int64(end.Sub(start) / day)
}

// Price returns dailyRateCents times the whole days booked. Bookings
// shorter than one day or longer than MaxRentalDays are rejected, as is a
// total that would not fit in int64.
func Price(dailyRateCents int64, start, end time.Time) (int64, error) {
	if end.After(start.AddDate(0, 0, MaxRentalDays)) {
		return 0, apperr.Validation("rental must not last more than %d days", MaxRentalDays)
	}
	days := WholeDays(start, end)
	if days < 1 {
		return 0, apperr.Validation("rental must last at least one whole day")
	}
	if dailyRateCents < 0 {
		return 0, apperr.Validation("daily rate must not be negative")
	}
	if dailyRateCents > math.MaxInt64/days {
		return 0, apperr.Validation("total for %d days at %d cents overflows", days, dailyRateCents)
	}
	return dailyRateCents * days, nil
}
