package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"transit-analytics/internal/model"
)

// TripRepository is the ledger. Methods taking a tx run inside the caller's
// unit of work; the others read through the repository's own handle.
type TripRepository struct {
	db *gorm.DB
}

func NewTripRepository(db *gorm.DB) *TripRepository {
	return &TripRepository{db: db}
}

func (r *TripRepository) Insert(ctx context.Context, tx *gorm.DB, trip *model.Trip) error {
	return tx.WithContext(ctx).Create(trip).Error
}

func (r *TripRepository) Get(ctx context.Context, tx *gorm.DB, id int64) (*model.Trip, error) {
	var trip model.Trip
	if err := tx.WithContext(ctx).Where("id = ?", id).Take(&trip).Error; err != nil {
		return nil, err
	}
	return &trip, nil
}

// Transition moves an in_progress trip to a terminal status. It reports false
// when the trip does not exist or already left in_progress.
func (r *TripRepository) Transition(ctx context.Context, tx *gorm.DB, id int64, status model.TripStatus, endTime *time.Time, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": at,
	}
	if endTime != nil {
		updates["end_time"] = endTime.UTC()
	}

	res := tx.WithContext(ctx).
		Model(&model.Trip{}).
		Where("id = ? AND status = ?", id, model.TripInProgress).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimFold sets the idempotence marker of a completed trip. It reports false
// when the trip was already folded or is not completed.
func (r *TripRepository) ClaimFold(ctx context.Context, tx *gorm.DB, id int64, at time.Time) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&model.Trip{}).
		Where("id = ? AND status = ? AND aggregated_at IS NULL", id, model.TripCompleted).
		Update("aggregated_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *TripRepository) Find(ctx context.Context, filter model.TripFilter) ([]model.Trip, error) {
	query := r.db.WithContext(ctx).
		Model(&model.Trip{}).
		Where("trip_date BETWEEN ? AND ?", filter.Range.From, filter.Range.To)

	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.RouteID != nil {
		query = query.Where("route_id = ?", *filter.RouteID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var trips []model.Trip
	if err := query.Order("id ASC").Find(&trips).Error; err != nil {
		return nil, err
	}
	return trips, nil
}

// ListPendingFolds returns completed trips whose fold never committed and that
// were last touched before olderThan.
func (r *TripRepository) ListPendingFolds(ctx context.Context, olderThan time.Time, limit int) ([]model.Trip, error) {
	var trips []model.Trip
	err := r.db.WithContext(ctx).
		Where("status = ? AND aggregated_at IS NULL AND updated_at < ?", model.TripCompleted, olderThan).
		Order("id ASC").
		Limit(limit).
		Find(&trips).Error
	if err != nil {
		return nil, err
	}
	return trips, nil
}

func (r *TripRepository) DeleteBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Where("trip_date < ?", cutoff).
		Delete(&model.Trip{})
	return res.RowsAffected, res.Error
}

func (r *TripRepository) UpsertRoute(ctx context.Context, route *model.Route) error {
	return r.db.WithContext(ctx).Save(route).Error
}

func (r *TripRepository) ListRoutes(ctx context.Context) ([]model.Route, error) {
	var routes []model.Route
	if err := r.db.WithContext(ctx).Order("code ASC").Find(&routes).Error; err != nil {
		return nil, err
	}
	return routes, nil
}
