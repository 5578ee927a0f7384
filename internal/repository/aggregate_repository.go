package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"transit-analytics/internal/model"
)

// AggregateRepository owns the monthly_summaries and route_analytics rows.
// Folds are optimistic: each row is read, advanced in memory and written back
// only if its version is still the one that was read.
type AggregateRepository struct {
	db *gorm.DB
}

func NewAggregateRepository(db *gorm.DB) *AggregateRepository {
	return &AggregateRepository{db: db}
}

func (r *AggregateRepository) ApplyMonthlyDelta(ctx context.Context, tx *gorm.DB, d model.MonthlyDelta) error {
	var current model.MonthlySummary
	err := tx.WithContext(ctx).
		Where("user_id = ? AND year = ? AND month = ?", d.UserID, d.Period.Year, d.Period.Month).
		Take(&current).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := model.NewMonthlySummary(d)
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return classifyWriteError(err)
		}
		return nil
	case err != nil:
		return err
	}

	next := current.Apply(d)
	res := tx.WithContext(ctx).
		Model(&model.MonthlySummary{}).
		Where("user_id = ? AND year = ? AND month = ? AND version = ?", d.UserID, d.Period.Year, d.Period.Month, current.Version).
		Updates(map[string]interface{}{
			"total_trips":    next.TotalTrips,
			"total_spent":    next.TotalSpent,
			"total_distance": next.TotalDistance,
			"avg_trip_cost":  next.AvgTripCost,
			"last_updated":   next.LastUpdated,
			"version":        next.Version,
		})
	if res.Error != nil {
		return classifyWriteError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *AggregateRepository) ApplyRouteDelta(ctx context.Context, tx *gorm.DB, d model.RouteDelta) error {
	var current model.RouteAnalytics
	err := tx.WithContext(ctx).
		Where("route_id = ?", d.RouteID).
		Take(&current).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := model.NewRouteAnalytics(d)
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return classifyWriteError(err)
		}
		return nil
	case err != nil:
		return err
	}

	next := current.Apply(d)
	res := tx.WithContext(ctx).
		Model(&model.RouteAnalytics{}).
		Where("route_id = ? AND version = ?", d.RouteID, current.Version).
		Updates(map[string]interface{}{
			"total_trips":   next.TotalTrips,
			"total_revenue": next.TotalRevenue,
			"last_updated":  next.LastUpdated,
			"version":       next.Version,
		})
	if res.Error != nil {
		return classifyWriteError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// UpdateRouteWindowStats writes the periodic fields of one route. The totals
// and version are left alone and last_updated only moves forward.
func (r *AggregateRepository) UpdateRouteWindowStats(ctx context.Context, stats model.RouteWindowStats, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&model.RouteAnalytics{}).
		Where("route_id = ?", stats.RouteID).
		Updates(map[string]interface{}{
			"avg_trips_per_day":  stats.AvgTripsPerDay,
			"peak_usage_hour":    stats.PeakUsageHour,
			"stats_refreshed_at": at,
			"last_updated":       gorm.Expr("CASE WHEN last_updated < ? THEN ? ELSE last_updated END", at, at),
		})
	return res.RowsAffected, res.Error
}

// UpdateMostUsedMode writes most_used_mode only, without bumping the version
// the per-event fold compares against.
func (r *AggregateRepository) UpdateMostUsedMode(ctx context.Context, stats model.UserModeStats) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&model.MonthlySummary{}).
		Where("user_id = ? AND year = ? AND month = ?", stats.UserID, stats.Period.Year, stats.Period.Month).
		Update("most_used_mode", stats.Mode)
	return res.RowsAffected, res.Error
}

// DeleteSummariesBefore drops monthly summaries whose period is entirely before
// cutoff.
func (r *AggregateRepository) DeleteSummariesBefore(ctx context.Context, tx *gorm.DB, cutoff model.Period) (int64, error) {
	res := tx.WithContext(ctx).
		Where("year < ? OR (year = ? AND month < ?)", cutoff.Year, cutoff.Year, cutoff.Month).
		Delete(&model.MonthlySummary{})
	return res.RowsAffected, res.Error
}

func (r *AggregateRepository) GetMonthlySummary(ctx context.Context, userID uuid.UUID, period model.Period) (*model.MonthlySummary, error) {
	var summary model.MonthlySummary
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND year = ? AND month = ?", userID, period.Year, period.Month).
		Take(&summary).Error
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (r *AggregateRepository) ListMonthlySummaries(ctx context.Context, userID uuid.UUID, year *int) ([]model.MonthlySummary, error) {
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if year != nil {
		query = query.Where("year = ?", *year)
	}

	var summaries []model.MonthlySummary
	if err := query.Order("year ASC, month ASC").Find(&summaries).Error; err != nil {
		return nil, err
	}
	return summaries, nil
}

func (r *AggregateRepository) GetRouteAnalytics(ctx context.Context, routeID uuid.UUID) (*model.RouteAnalytics, error) {
	var analytics model.RouteAnalytics
	if err := r.db.WithContext(ctx).Where("route_id = ?", routeID).Take(&analytics).Error; err != nil {
		return nil, err
	}
	return &analytics, nil
}

func (r *AggregateRepository) ListRouteAnalytics(ctx context.Context, limit int) ([]model.RouteAnalytics, error) {
	query := r.db.WithContext(ctx).Order("total_revenue DESC, route_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []model.RouteAnalytics
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AggregateRepository) RouteIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&model.RouteAnalytics{}).Order("route_id ASC").Pluck("route_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
