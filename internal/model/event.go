package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TripCompletedEvent is the inbound event delivered at least once by the event
// pipeline when a trip reaches the completed state.
type TripCompletedEvent struct {
	TripID           int64            `json:"trip_id"`
	UserID           uuid.UUID        `json:"user_id"`
	RouteID          uuid.UUID        `json:"route_id"`
	TripDate         time.Time        `json:"trip_date"`
	FarePaid         decimal.Decimal  `json:"fare_paid"`
	DistanceTraveled *decimal.Decimal `json:"distance_traveled,omitempty"`
}

// Distance returns the event's distance, zero when it was not sent.
func (e TripCompletedEvent) Distance() decimal.Decimal {
	if e.DistanceTraveled == nil {
		return decimal.Zero
	}
	return *e.DistanceTraveled
}

func TripCompletedFrom(t Trip) TripCompletedEvent {
	return TripCompletedEvent{
		TripID:           t.ID,
		UserID:           t.UserID,
		RouteID:          t.RouteID,
		TripDate:         t.TripDate,
		FarePaid:         t.FarePaid,
		DistanceTraveled: t.DistanceTraveled,
	}
}

// NewTrip carries the fields a caller supplies when recording a trip.
type NewTrip struct {
	UserID           uuid.UUID
	RouteID          uuid.UUID
	StartStationID   *uuid.UUID
	EndStationID     *uuid.UUID
	TripDate         time.Time
	StartTime        time.Time
	EndTime          *time.Time
	FarePaid         decimal.Decimal
	DistanceTraveled *decimal.Decimal
	PaymentMethod    PaymentMethod
	Status           TripStatus
}

func (n NewTrip) Trip() Trip {
	tripDate := n.TripDate
	if tripDate.IsZero() {
		tripDate = n.StartTime
	}
	y, m, d := tripDate.UTC().Date()
	return Trip{
		UserID:           n.UserID,
		RouteID:          n.RouteID,
		StartStationID:   n.StartStationID,
		EndStationID:     n.EndStationID,
		TripDate:         time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		StartTime:        n.StartTime.UTC(),
		EndTime:          utcPtr(n.EndTime),
		FarePaid:         n.FarePaid,
		DistanceTraveled: n.DistanceTraveled,
		PaymentMethod:    n.PaymentMethod,
		Status:           n.Status,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
