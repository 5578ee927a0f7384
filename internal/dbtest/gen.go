package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"transit-analytics/internal/model"
)

// Route inserts a route with the given code and mode.
func Route(t testing.TB, database *gorm.DB, code string, mode model.TransportMode) model.Route {
	t.Helper()

	route := model.Route{
		ID:            uuid.New(),
		Code:          code,
		Name:          code,
		TransportMode: mode,
	}
	require.NoError(t, database.WithContext(context.Background()).Create(&route).Error)
	return route
}

// Trip inserts a ledger row directly, bypassing the fold. Zero fields of seed
// are filled with usable defaults.
func Trip(t testing.TB, database *gorm.DB, seed model.Trip) model.Trip {
	t.Helper()

	trip := TripRow(seed)
	require.NoError(t, database.WithContext(context.Background()).Create(&trip).Error)
	return trip
}

// TripRow fills the zero fields of seed without touching the database.
func TripRow(seed model.Trip) model.Trip {
	trip := seed
	if trip.UserID == uuid.Nil {
		trip.UserID = uuid.New()
	}
	if trip.RouteID == uuid.Nil {
		trip.RouteID = uuid.New()
	}
	if trip.StartTime.IsZero() {
		trip.StartTime = time.Now().UTC().Truncate(time.Second)
	}
	if trip.TripDate.IsZero() {
		y, m, d := trip.StartTime.UTC().Date()
		trip.TripDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	if trip.PaymentMethod == "" {
		trip.PaymentMethod = model.PaymentCard
	}
	if trip.Status == "" {
		trip.Status = model.TripCompleted
	}
	return trip
}

// NewTrip is a completed trip input for user on route at start.
func NewTrip(userID, routeID uuid.UUID, start time.Time, fare string) model.NewTrip {
	return model.NewTrip{
		UserID:        userID,
		RouteID:       routeID,
		StartTime:     start,
		FarePaid:      decimal.RequireFromString(fare),
		PaymentMethod: model.PaymentCard,
		Status:        model.TripCompleted,
	}
}
