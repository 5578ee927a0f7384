package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AvgCostPlaces is the scale avg_trip_cost is stored with.
const AvgCostPlaces = 4

// Period identifies one calendar month.
type Period struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: int(t.Month())}
}

func (p Period) Start() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

func (p Period) Next() Period {
	return PeriodOf(p.Start().AddDate(0, 1, 0))
}

func (p Period) Before(other Period) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Month < other.Month
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

type MonthlySummary struct {
	UserID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"user_id"`
	Year          int             `gorm:"primaryKey;autoIncrement:false" json:"year"`
	Month         int             `gorm:"primaryKey;autoIncrement:false" json:"month"`
	TotalTrips    int64           `gorm:"not null;default:0" json:"total_trips"`
	TotalSpent    decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"total_spent"`
	TotalDistance decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"total_distance"`
	AvgTripCost   decimal.Decimal `gorm:"type:numeric(14,4);not null;default:0" json:"avg_trip_cost"`
	MostUsedMode  *TransportMode  `gorm:"type:varchar(16)" json:"most_used_mode,omitempty"`
	LastUpdated   time.Time       `gorm:"not null" json:"last_updated"`
	Version       int64           `gorm:"not null;default:0" json:"-"`
}

func (MonthlySummary) TableName() string {
	return "monthly_summaries"
}

func (s MonthlySummary) Period() Period {
	return Period{Year: s.Year, Month: s.Month}
}

// MonthlyDelta is the contribution of one counted trip to a monthly summary.
type MonthlyDelta struct {
	UserID   uuid.UUID
	Period   Period
	Fare     decimal.Decimal
	Distance decimal.Decimal
	At       time.Time
}

// NewMonthlySummary is the row created by the first counted trip for a key.
func NewMonthlySummary(d MonthlyDelta) MonthlySummary {
	return MonthlySummary{
		UserID:        d.UserID,
		Year:          d.Period.Year,
		Month:         d.Period.Month,
		TotalTrips:    1,
		TotalSpent:    d.Fare,
		TotalDistance: d.Distance,
		AvgTripCost:   AverageCost(d.Fare, 1),
		LastUpdated:   d.At,
		Version:       1,
	}
}

// Apply returns the summary after folding d. The average is derived from the
// post-increment totals of the returned row.
func (s MonthlySummary) Apply(d MonthlyDelta) MonthlySummary {
	next := s
	next.TotalTrips = s.TotalTrips + 1
	next.TotalSpent = s.TotalSpent.Add(d.Fare)
	next.TotalDistance = s.TotalDistance.Add(d.Distance)
	next.AvgTripCost = AverageCost(next.TotalSpent, next.TotalTrips)
	next.LastUpdated = d.At
	next.Version = s.Version + 1
	return next
}

// AverageCost is total/trips rounded to AvgCostPlaces, zero when trips is zero.
func AverageCost(total decimal.Decimal, trips int64) decimal.Decimal {
	if trips <= 0 {
		return decimal.Zero
	}
	return total.DivRound(decimal.NewFromInt(trips), AvgCostPlaces)
}

type RouteAnalytics struct {
	RouteID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"route_id"`
	TotalTrips       int64           `gorm:"not null;default:0" json:"total_trips"`
	TotalRevenue     decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"total_revenue"`
	AvgTripsPerDay   float64         `gorm:"not null;default:0" json:"avg_trips_per_day"`
	PeakUsageHour    *int            `json:"peak_usage_hour,omitempty"`
	StatsRefreshedAt *time.Time      `json:"stats_refreshed_at,omitempty"`
	LastUpdated      time.Time       `gorm:"not null" json:"last_updated"`
	Version          int64           `gorm:"not null;default:0" json:"-"`
}

func (RouteAnalytics) TableName() string {
	return "route_analytics"
}

type RouteDelta struct {
	RouteID uuid.UUID
	Fare    decimal.Decimal
	At      time.Time
}

func NewRouteAnalytics(d RouteDelta) RouteAnalytics {
	return RouteAnalytics{
		RouteID:      d.RouteID,
		TotalTrips:   1,
		TotalRevenue: d.Fare,
		LastUpdated:  d.At,
		Version:      1,
	}
}

// Apply folds d into the per-event totals only. The windowed fields belong to
// the periodic refresh and are carried over untouched.
func (r RouteAnalytics) Apply(d RouteDelta) RouteAnalytics {
	next := r
	next.TotalTrips = r.TotalTrips + 1
	next.TotalRevenue = r.TotalRevenue.Add(d.Fare)
	next.LastUpdated = d.At
	next.Version = r.Version + 1
	return next
}

// RouteWindowStats is what the periodic job computes for one route.
type RouteWindowStats struct {
	RouteID        uuid.UUID
	AvgTripsPerDay float64
	PeakUsageHour  *int
}

// UserModeStats is the most used transport mode of a user in a period.
type UserModeStats struct {
	UserID uuid.UUID
	Period Period
	Mode   TransportMode
}
