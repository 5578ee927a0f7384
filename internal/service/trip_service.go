package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"transit-analytics/internal/model"
	"transit-analytics/internal/repository"
)

const (
	defaultTripRangeDays = 31
	maxTripRangeDays     = 366
	defaultTripLimit     = 200
	maxTripLimit         = 5000
)

// TripService is the write side of the ledger. Every ledger write that makes
// a trip countable folds it in the same unit of work, so the ledger row and
// the aggregates commit or roll back together.
type TripService struct {
	db     *gorm.DB
	trips  *repository.TripRepository
	engine *AggregationEngine
	log    zerolog.Logger
	now    func() time.Time
}

func NewTripService(db *gorm.DB, trips *repository.TripRepository, engine *AggregationEngine, log zerolog.Logger) *TripService {
	return &TripService{
		db:     db,
		trips:  trips,
		engine: engine,
		log:    log.With().Str("component", "ledger").Logger(),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// RecordTrip appends a trip. Trips recorded as completed are folded right away;
// in_progress trips wait for CompleteTrip.
func (s *TripService) RecordTrip(ctx context.Context, input model.NewTrip) (*model.Trip, error) {
	if input.Status == "" {
		input.Status = model.TripInProgress
	}
	trip := input.Trip()
	if err := validateTrip(trip); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.trips.Insert(ctx, tx, &trip); err != nil {
			return fmt.Errorf("append trip: %w", err)
		}
		if trip.Status == model.TripCompleted {
			return s.engine.FoldInTx(ctx, tx, trip)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Int64("trip_id", trip.ID).
		Str("status", string(trip.Status)).
		Msg("trip recorded")

	return &trip, nil
}

// CompleteTrip transitions an in_progress trip to completed and folds it.
func (s *TripService) CompleteTrip(ctx context.Context, tripID int64, endTime *time.Time) (*model.Trip, error) {
	var completed *model.Trip
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		trip, err := s.transition(ctx, tx, tripID, model.TripCompleted, endTime)
		if err != nil {
			return err
		}
		completed = trip
		return s.engine.FoldInTx(ctx, tx, *trip)
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// CancelTrip transitions an in_progress trip to cancelled. Cancelled trips are
// never folded.
func (s *TripService) CancelTrip(ctx context.Context, tripID int64, endTime *time.Time) (*model.Trip, error) {
	var cancelled *model.Trip
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		trip, err := s.transition(ctx, tx, tripID, model.TripCancelled, endTime)
		if err != nil {
			return err
		}
		cancelled = trip
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (s *TripService) transition(ctx context.Context, tx *gorm.DB, tripID int64, status model.TripStatus, endTime *time.Time) (*model.Trip, error) {
	ok, err := s.trips.Transition(ctx, tx, tripID, status, endTime, s.now())
	if err != nil {
		return nil, fmt.Errorf("transition trip %d: %w", tripID, err)
	}

	trip, err := s.trips.Get(ctx, tx, tripID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: trip %d is already %s", ErrInvalidTransition, tripID, trip.Status)
	}
	if trip.EndTime != nil && trip.EndTime.Before(trip.StartTime) {
		return nil, invalid("end_time", "must not precede start_time")
	}

	s.log.Debug().
		Int64("trip_id", tripID).
		Str("status", string(status)).
		Msg("trip transitioned")

	return trip, nil
}

func (s *TripService) GetTrip(ctx context.Context, tripID int64) (*model.Trip, error) {
	trip, err := s.trips.Get(ctx, s.db, tripID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return trip, nil
}

// FindTrips is the ledger's key-range read for projections.
func (s *TripService) FindTrips(ctx context.Context, filter model.TripFilter) ([]model.Trip, error) {
	filter = filter.ClampRange(defaultTripRangeDays, maxTripRangeDays).ClampLimit(defaultTripLimit, maxTripLimit)
	return s.trips.Find(ctx, filter)
}

// RegisterRoute creates or replaces a route in the catalogue that the
// most_used_mode job joins against.
func (s *TripService) RegisterRoute(ctx context.Context, route model.Route) (*model.Route, error) {
	switch {
	case route.ID == uuid.Nil:
		return nil, invalid("id", "is required")
	case strings.TrimSpace(route.Code) == "":
		return nil, invalid("code", "is required")
	case !route.TransportMode.Valid():
		return nil, invalid("transport_mode", "must be one of bus, metro, tram, rail, ferry")
	}
	if route.Name == "" {
		route.Name = route.Code
	}
	if err := s.trips.UpsertRoute(ctx, &route); err != nil {
		return nil, fmt.Errorf("register route %s: %w", route.Code, err)
	}
	return &route, nil
}

func (s *TripService) ListRoutes(ctx context.Context) ([]model.Route, error) {
	return s.trips.ListRoutes(ctx)
}
