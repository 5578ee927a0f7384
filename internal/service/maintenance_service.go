package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"transit-analytics/internal/metrics"
	"transit-analytics/internal/model"
	"transit-analytics/internal/repository"
)

// TripPublisher re-delivers TripCompleted events through the event pipeline.
type TripPublisher interface {
	PublishTripCompleted(ctx context.Context, event model.TripCompletedEvent) error
}

type MaintenanceOptions struct {
	WindowDays       int
	RedriveMinAge    time.Duration
	RedriveBatchSize int
}

// MaintenanceService runs the jobs that live outside the per-event fold: the
// windowed route statistics, most_used_mode, retention and redrive of folds
// that never committed.
type MaintenanceService struct {
	db         *gorm.DB
	trips      *repository.TripRepository
	aggregates *repository.AggregateRepository
	analytics  *repository.AnalyticsRepository
	engine     *AggregationEngine
	publisher  TripPublisher
	opts       MaintenanceOptions
	metrics    *metrics.Maintenance
	log        zerolog.Logger
	now        func() time.Time
}

func NewMaintenanceService(
	db *gorm.DB,
	trips *repository.TripRepository,
	aggregates *repository.AggregateRepository,
	analytics *repository.AnalyticsRepository,
	engine *AggregationEngine,
	opts MaintenanceOptions,
	m *metrics.Maintenance,
	log zerolog.Logger,
) *MaintenanceService {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 30
	}
	if opts.RedriveBatchSize <= 0 {
		opts.RedriveBatchSize = 500
	}
	return &MaintenanceService{
		db:         db,
		trips:      trips,
		aggregates: aggregates,
		analytics:  analytics,
		engine:     engine,
		opts:       opts,
		metrics:    m,
		log:        log.With().Str("component", "maintenance").Logger(),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// UsePublisher routes redriven trips through the event pipeline instead of
// folding them in process.
func (s *MaintenanceService) UsePublisher(p TripPublisher) {
	s.publisher = p
}

// Cleanup deletes ledger rows dated before the first day of the month
// retainMonths before the current one, and the monthly summaries of the
// periods before that. Nothing is recomputed.
func (s *MaintenanceService) Cleanup(ctx context.Context, retainMonths int) (int64, error) {
	if retainMonths < 1 {
		return 0, invalid("retain_months", "must be at least 1")
	}

	// Counting months back from day 1 never overflows into the next month.
	cutoff := model.PeriodOf(s.now()).Start().AddDate(0, -retainMonths, 0)
	cutoffPeriod := model.PeriodOf(cutoff)

	var tripsDeleted, summariesDeleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		tripsDeleted, err = s.trips.DeleteBefore(ctx, tx, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup trips: %w", err)
		}
		summariesDeleted, err = s.aggregates.DeleteSummariesBefore(ctx, tx, cutoffPeriod)
		if err != nil {
			return fmt.Errorf("cleanup monthly summaries: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.metrics.RowsDeleted.WithLabelValues("trips").Add(float64(tripsDeleted))
	s.metrics.RowsDeleted.WithLabelValues("monthly_summaries").Add(float64(summariesDeleted))

	s.log.Info().
		Time("cutoff", cutoff).
		Int64("trips_deleted", tripsDeleted).
		Int64("summaries_deleted", summariesDeleted).
		Msg("retention cleanup finished")

	return tripsDeleted + summariesDeleted, nil
}

// RefreshRouteStats recomputes avg_trips_per_day and peak_usage_hour for every
// route that has an analytics row, over the trailing window.
func (s *MaintenanceService) RefreshRouteStats(ctx context.Context) (int64, error) {
	now := s.now()
	y, m, d := now.Date()
	to := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	from := to.AddDate(0, 0, -s.opts.WindowDays)

	stats, err := s.analytics.RouteWindowStats(ctx, from, to, s.opts.WindowDays)
	if err != nil {
		return 0, fmt.Errorf("route window stats: %w", err)
	}
	routeIDs, err := s.aggregates.RouteIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list routes: %w", err)
	}

	var updated int64
	for _, routeID := range routeIDs {
		row, ok := stats[routeID]
		if !ok {
			row = model.RouteWindowStats{RouteID: routeID}
		}
		n, err := s.aggregates.UpdateRouteWindowStats(ctx, row, now)
		if err != nil {
			return updated, fmt.Errorf("update route %s: %w", routeID, err)
		}
		updated += n
	}

	s.metrics.RoutesUpdated.Add(float64(updated))
	s.log.Info().
		Int64("routes", updated).
		Int("window_days", s.opts.WindowDays).
		Msg("route stats refreshed")

	return updated, nil
}

// RefreshMostUsedModes recomputes most_used_mode for every summary of period.
func (s *MaintenanceService) RefreshMostUsedModes(ctx context.Context, period model.Period) (int64, error) {
	stats, err := s.analytics.UserModeStats(ctx, period)
	if err != nil {
		return 0, fmt.Errorf("user mode stats: %w", err)
	}

	var updated int64
	for _, row := range stats {
		n, err := s.aggregates.UpdateMostUsedMode(ctx, row)
		if err != nil {
			return updated, fmt.Errorf("update mode for user %s: %w", row.UserID, err)
		}
		updated += n
	}

	s.log.Info().
		Str("period", period.String()).
		Int64("summaries", updated).
		Msg("most used modes refreshed")

	return updated, nil
}

// RefreshRecentModes covers the current and the previous month, which are the
// only periods still receiving folds in normal operation.
func (s *MaintenanceService) RefreshRecentModes(ctx context.Context) (int64, error) {
	current := model.PeriodOf(s.now())
	previous := model.PeriodOf(current.Start().AddDate(0, -1, 0))

	var total int64
	for _, period := range []model.Period{previous, current} {
		n, err := s.RefreshMostUsedModes(ctx, period)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// RedrivePending re-delivers completed trips whose fold never committed. The
// fold marker makes a second delivery harmless.
func (s *MaintenanceService) RedrivePending(ctx context.Context) (int, error) {
	pending, err := s.trips.ListPendingFolds(ctx, s.now().Add(-s.opts.RedriveMinAge), s.opts.RedriveBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending folds: %w", err)
	}

	var (
		redriven int
		errs     []error
	)
	for _, trip := range pending {
		if s.publisher != nil {
			err = s.publisher.PublishTripCompleted(ctx, model.TripCompletedFrom(trip))
		} else {
			err = s.engine.ApplyTerminalTransition(ctx, trip.ID, model.TripCompleted)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("trip %d: %w", trip.ID, err))
			continue
		}
		redriven++
	}

	s.metrics.Redriven.Add(float64(redriven))
	if len(pending) > 0 {
		s.log.Info().
			Int("pending", len(pending)).
			Int("redriven", redriven).
			Msg("pending folds redriven")
	}

	return redriven, errors.Join(errs...)
}
