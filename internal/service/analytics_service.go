package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"transit-analytics/internal/model"
	"transit-analytics/internal/repository"
)

const (
	defaultRouteLimit = 20
	maxRouteLimit     = 500
)

// AnalyticsService serves the read projections. It never writes.
type AnalyticsService struct {
	aggregates *repository.AggregateRepository
	analytics  *repository.AnalyticsRepository
}

func NewAnalyticsService(aggregates *repository.AggregateRepository, analytics *repository.AnalyticsRepository) *AnalyticsService {
	return &AnalyticsService{
		aggregates: aggregates,
		analytics:  analytics,
	}
}

func (s *AnalyticsService) GetUserUsage(ctx context.Context, userID uuid.UUID, year *int) (*model.UserUsageReport, error) {
	summaries, err := s.aggregates.ListMonthlySummaries(ctx, userID, year)
	if err != nil {
		return nil, err
	}
	if summaries == nil {
		summaries = []model.MonthlySummary{}
	}

	return &model.UserUsageReport{
		UserID:    userID,
		Summaries: summaries,
		Totals:    model.TotalsOf(summaries),
	}, nil
}

func (s *AnalyticsService) GetMonthlySummary(ctx context.Context, userID uuid.UUID, period model.Period) (*model.MonthlySummary, error) {
	if period.Month < 1 || period.Month > 12 {
		return nil, invalid("month", "must be between 1 and 12")
	}

	summary, err := s.aggregates.GetMonthlySummary(ctx, userID, period)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return summary, nil
}

func (s *AnalyticsService) GetRouteAnalytics(ctx context.Context, routeID uuid.UUID) (*model.RouteAnalytics, error) {
	analytics, err := s.aggregates.GetRouteAnalytics(ctx, routeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return analytics, nil
}

// TopRoutes ranks routes by cumulative revenue.
func (s *AnalyticsService) TopRoutes(ctx context.Context, limit int) ([]model.RouteRanking, error) {
	switch {
	case limit <= 0:
		limit = defaultRouteLimit
	case limit > maxRouteLimit:
		limit = maxRouteLimit
	}

	rows, err := s.aggregates.ListRouteAnalytics(ctx, limit)
	if err != nil {
		return nil, err
	}
	total, err := s.analytics.RevenueTotal(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]model.RouteRanking, 0, len(rows))
	for _, row := range rows {
		share := 0.0
		if total > 0 {
			share = row.TotalRevenue.InexactFloat64() / total
		}
		result = append(result, model.RouteRanking{RouteAnalytics: row, RevenueShare: share})
	}
	return result, nil
}
