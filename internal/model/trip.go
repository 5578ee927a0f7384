package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TripStatus string

const (
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
	TripInProgress TripStatus = "in_progress"
)

func (s TripStatus) Valid() bool {
	switch s {
	case TripCompleted, TripCancelled, TripInProgress:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

type PaymentMethod string

const (
	PaymentCard   PaymentMethod = "card"
	PaymentMobile PaymentMethod = "mobile"
	PaymentCash   PaymentMethod = "cash"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCard, PaymentMobile, PaymentCash:
		return true
	}
	return false
}

type TransportMode string

const (
	ModeBus   TransportMode = "bus"
	ModeMetro TransportMode = "metro"
	ModeTram  TransportMode = "tram"
	ModeRail  TransportMode = "rail"
	ModeFerry TransportMode = "ferry"
)

func (m TransportMode) Valid() bool {
	switch m {
	case ModeBus, ModeMetro, ModeTram, ModeRail, ModeFerry:
		return true
	}
	return false
}

// Trip is one ledger row. UserID, RouteID, TripDate and FarePaid never change
// after the row is created; only Status and EndTime transition.
type Trip struct {
	ID               int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           uuid.UUID        `gorm:"type:uuid;not null;index:idx_trips_user_date,priority:1" json:"user_id"`
	RouteID          uuid.UUID        `gorm:"type:uuid;not null;index:idx_trips_route_date,priority:1" json:"route_id"`
	StartStationID   *uuid.UUID       `gorm:"type:uuid" json:"start_station_id,omitempty"`
	EndStationID     *uuid.UUID       `gorm:"type:uuid" json:"end_station_id,omitempty"`
	TripDate         time.Time        `gorm:"type:date;not null;index:idx_trips_user_date,priority:2;index:idx_trips_route_date,priority:2;index" json:"trip_date"`
	StartTime        time.Time        `gorm:"not null" json:"start_time"`
	EndTime          *time.Time       `json:"end_time,omitempty"`
	FarePaid         decimal.Decimal  `gorm:"type:numeric(12,2);not null" json:"fare_paid"`
	DistanceTraveled *decimal.Decimal `gorm:"type:numeric(10,2)" json:"distance_traveled,omitempty"`
	PaymentMethod    PaymentMethod    `gorm:"type:varchar(16);not null" json:"payment_method"`
	Status           TripStatus       `gorm:"type:varchar(16);not null;index" json:"status"`
	AggregatedAt     *time.Time       `json:"aggregated_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (Trip) TableName() string {
	return "trips"
}

// Distance returns the traveled distance, zero when it was not recorded.
func (t Trip) Distance() decimal.Decimal {
	if t.DistanceTraveled == nil {
		return decimal.Zero
	}
	return *t.DistanceTraveled
}

// Period returns the monthly summary key the trip folds into.
func (t Trip) Period() Period {
	return PeriodOf(t.TripDate)
}

type Route struct {
	ID            uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	Code          string        `gorm:"type:varchar(32);not null;uniqueIndex" json:"code"`
	Name          string        `gorm:"type:varchar(128);not null" json:"name"`
	TransportMode TransportMode `gorm:"type:varchar(16);not null" json:"transport_mode"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (Route) TableName() string {
	return "routes"
}
