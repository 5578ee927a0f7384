package repository

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"transit-analytics/internal/model"
)

// AnalyticsRepository runs the windowed ledger scans behind the periodic
// refresh jobs. It never writes.
type AnalyticsRepository struct {
	db *gorm.DB
}

func NewAnalyticsRepository(db *gorm.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

// RouteWindowStats computes trips per day and the busiest start hour of every
// route from completed trips with trip_date in [from, to).
func (r *AnalyticsRepository) RouteWindowStats(ctx context.Context, from, to time.Time, days int) (map[uuid.UUID]model.RouteWindowStats, error) {
	type countRow struct {
		RouteID uuid.UUID
		Trips   int64
	}
	var counts []countRow

	err := r.db.WithContext(ctx).
		Table("trips").
		Select("route_id, COUNT(*) AS trips").
		Where("status = ? AND trip_date >= ? AND trip_date < ?", model.TripCompleted, from, to).
		Group("route_id").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}

	type hourRow struct {
		RouteID uuid.UUID
		Hour    int
		Trips   int64
	}
	var hours []hourRow

	hour := buildHourOf(r.db, "start_time")
	err = r.db.WithContext(ctx).
		Table("trips").
		Select("route_id, "+hour+" AS hour, COUNT(*) AS trips").
		Where("status = ? AND trip_date >= ? AND trip_date < ?", model.TripCompleted, from, to).
		Group("route_id, " + hour).
		Scan(&hours).Error
	if err != nil {
		return nil, err
	}

	if days <= 0 {
		days = 1
	}

	result := make(map[uuid.UUID]model.RouteWindowStats, len(counts))
	for _, row := range counts {
		result[row.RouteID] = model.RouteWindowStats{
			RouteID:        row.RouteID,
			AvgTripsPerDay: clamp(float64(row.Trips) / float64(days)),
		}
	}

	best := make(map[uuid.UUID]hourRow, len(counts))
	for _, row := range hours {
		current, ok := best[row.RouteID]
		if !ok || row.Trips > current.Trips || (row.Trips == current.Trips && row.Hour < current.Hour) {
			best[row.RouteID] = row
		}
	}
	for routeID, row := range best {
		stats := result[routeID]
		stats.RouteID = routeID
		peak := row.Hour
		stats.PeakUsageHour = &peak
		result[routeID] = stats
	}

	return result, nil
}

// UserModeStats returns, per user, the transport mode used by most completed
// trips in period. Ties go to the alphabetically first mode.
func (r *AnalyticsRepository) UserModeStats(ctx context.Context, period model.Period) ([]model.UserModeStats, error) {
	type row struct {
		UserID uuid.UUID
		Mode   model.TransportMode
		Trips  int64
	}
	var rows []row

	err := r.db.WithContext(ctx).
		Table("trips t").
		Select("t.user_id AS user_id, rt.transport_mode AS mode, COUNT(*) AS trips").
		Joins("JOIN routes rt ON rt.id = t.route_id").
		Where("t.status = ? AND t.trip_date >= ? AND t.trip_date < ?", model.TripCompleted, period.Start(), period.Next().Start()).
		Group("t.user_id, rt.transport_mode").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	best := make(map[uuid.UUID]row, len(rows))
	order := make([]uuid.UUID, 0, len(rows))
	for _, candidate := range rows {
		current, ok := best[candidate.UserID]
		if !ok {
			order = append(order, candidate.UserID)
		}
		if !ok || candidate.Trips > current.Trips || (candidate.Trips == current.Trips && candidate.Mode < current.Mode) {
			best[candidate.UserID] = candidate
		}
	}

	result := make([]model.UserModeStats, 0, len(best))
	for _, userID := range order {
		result = append(result, model.UserModeStats{
			UserID: userID,
			Period: period,
			Mode:   best[userID].Mode,
		})
	}
	return result, nil
}

// RevenueTotal is the network wide revenue across all route rows.
func (r *AnalyticsRepository) RevenueTotal(ctx context.Context) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).
		Model(&model.RouteAnalytics{}).
		Select("COALESCE(SUM(total_revenue), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func clamp(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}

func buildHourOf(db *gorm.DB, column string) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "CAST(EXTRACT(HOUR FROM " + column + " AT TIME ZONE 'UTC') AS INTEGER)"
	default:
		return "CAST(strftime('%H', " + column + ") AS INTEGER)"
	}
}
