package service

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"transit-analytics/internal/model"
)

const ledgerScale = 2

// validateTrip enforces the ledger's append contract.
func validateTrip(trip model.Trip) error {
	switch {
	case trip.UserID == uuid.Nil:
		return invalid("user_id", "is required")
	case trip.RouteID == uuid.Nil:
		return invalid("route_id", "is required")
	case trip.TripDate.IsZero():
		return invalid("trip_date", "is required")
	case trip.StartTime.IsZero():
		return invalid("start_time", "is required")
	case trip.FarePaid.IsNegative():
		return invalid("fare_paid", "must not be negative")
	case !fitsScale(trip.FarePaid):
		return invalid("fare_paid", "must have at most 2 decimal places")
	case trip.DistanceTraveled != nil && trip.DistanceTraveled.IsNegative():
		return invalid("distance_traveled", "must not be negative")
	case trip.DistanceTraveled != nil && !fitsScale(*trip.DistanceTraveled):
		return invalid("distance_traveled", "must have at most 2 decimal places")
	case !trip.PaymentMethod.Valid():
		return invalid("payment_method", "must be one of card, mobile, cash")
	case !trip.Status.Valid():
		return invalid("status", "must be one of completed, cancelled, in_progress")
	case trip.EndTime != nil && trip.EndTime.Before(trip.StartTime):
		return invalid("end_time", "must not precede start_time")
	}
	return nil
}

// foldable is the engine's own check on the fields a fold reads. The ledger
// already enforces them on append.
func foldable(trip model.Trip) bool {
	return trip.ID > 0 &&
		trip.UserID != uuid.Nil &&
		trip.RouteID != uuid.Nil &&
		!trip.TripDate.IsZero() &&
		!trip.FarePaid.IsNegative() &&
		fitsScale(trip.FarePaid) &&
		(trip.DistanceTraveled == nil || (!trip.DistanceTraveled.IsNegative() && fitsScale(*trip.DistanceTraveled)))
}

// fitsScale reports whether d survives the ledger's numeric(_, 2) columns
// unchanged. Trailing zeros are fine.
func fitsScale(d decimal.Decimal) bool {
	return d.Equal(d.Round(ledgerScale))
}
