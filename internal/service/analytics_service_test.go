package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-analytics/internal/dbtest"
	"transit-analytics/internal/model"
	"transit-analytics/internal/service"
)

func TestUserUsage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	svc := service.NewAnalyticsService(e.aggregates, e.analytics)

	empty, err := svc.GetUserUsage(ctx, user7, nil)
	require.NoError(t, err)
	assert.NotNil(t, empty.Summaries)
	assert.Empty(t, empty.Summaries)
	assert.Zero(t, empty.Totals.Trips)

	routeID := uuid.New()
	e.record(t, dbtest.NewTrip(user7, routeID, time.Date(2023, 12, 30, 9, 0, 0, 0, time.UTC), "2.50"))
	e.record(t, dbtest.NewTrip(user7, routeID, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), "3.75"))
	e.record(t, dbtest.NewTrip(user7, routeID, time.Date(2024, 2, 2, 9, 0, 0, 0, time.UTC), "4.00"))

	report, err := svc.GetUserUsage(ctx, user7, nil)
	require.NoError(t, err)
	require.Len(t, report.Summaries, 3)
	assert.EqualValues(t, 3, report.Totals.Trips)
	assert.True(t, report.Totals.AvgTripCost.Equal(dec("3.4167")))

	year := 2024
	report, err = svc.GetUserUsage(ctx, user7, &year)
	require.NoError(t, err)
	assert.Len(t, report.Summaries, 2)

	summary, err := svc.GetMonthlySummary(ctx, user7, model.Period{Year: 2024, Month: 2})
	require.NoError(t, err)
	assert.True(t, summary.TotalSpent.Equal(dec("4.00")))

	_, err = svc.GetMonthlySummary(ctx, user7, model.Period{Year: 2024, Month: 13})
	require.ErrorIs(t, err, service.ErrValidation)
	_, err = svc.GetMonthlySummary(ctx, user7, model.Period{Year: 2024, Month: 3})
	require.ErrorIs(t, err, service.ErrNotFound)
}

func TestTopRoutes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	svc := service.NewAnalyticsService(e.aggregates, e.analytics)

	a, b := uuid.New(), uuid.New()
	start := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	e.record(t, dbtest.NewTrip(user7, a, start, "1.00"))
	e.record(t, dbtest.NewTrip(user7, b, start, "2.00"))
	e.record(t, dbtest.NewTrip(user9, b, start, "1.00"))

	ranking, err := svc.TopRoutes(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ranking, 2)
	assert.Equal(t, b, ranking[0].RouteID)
	assert.InDelta(t, 0.75, ranking[0].RevenueShare, 1e-9)
	assert.InDelta(t, 0.25, ranking[1].RevenueShare, 1e-9)

	ranking, err = svc.TopRoutes(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, ranking, 1)

	_, err = svc.GetRouteAnalytics(ctx, uuid.New())
	require.ErrorIs(t, err, service.ErrNotFound)
	row, err := svc.GetRouteAnalytics(ctx, a)
	require.NoError(t, err)
	assert.EqualValues(t, 1, row.TotalTrips)
}
