package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"transit-analytics/internal/dbtest"
	"transit-analytics/internal/metrics"
	"transit-analytics/internal/model"
	"transit-analytics/internal/repository"
	"transit-analytics/internal/service"
)

type env struct {
	db          *gorm.DB
	trips       *repository.TripRepository
	aggregates  *repository.AggregateRepository
	analytics   *repository.AnalyticsRepository
	engine      *service.AggregationEngine
	tripSvc     *service.TripService
	maintenance *service.MaintenanceService
	aggMetrics  *metrics.Aggregation
	mntMetrics  *metrics.Maintenance
}

type envOption func(*envConfig)

type envConfig struct {
	store  func(service.AggregateStore) service.AggregateStore
	policy service.RetryPolicy
}

func withStore(wrap func(service.AggregateStore) service.AggregateStore) envOption {
	return func(c *envConfig) { c.store = wrap }
}

func withPolicy(p service.RetryPolicy) envOption {
	return func(c *envConfig) { c.policy = p }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()

	cfg := envConfig{
		policy: service.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	database := dbtest.Open(t)
	reg := prometheus.NewRegistry()
	log := zerolog.Nop()

	e := &env{
		db:         database,
		trips:      repository.NewTripRepository(database),
		aggregates: repository.NewAggregateRepository(database),
		analytics:  repository.NewAnalyticsRepository(database),
		aggMetrics: metrics.NewAggregation(reg),
		mntMetrics: metrics.NewMaintenance(reg),
	}

	var store service.AggregateStore = e.aggregates
	if cfg.store != nil {
		store = cfg.store(store)
	}
	e.engine = service.NewAggregationEngine(database, e.trips, store, cfg.policy, e.aggMetrics, log)
	e.tripSvc = service.NewTripService(database, e.trips, e.engine, log)
	e.maintenance = service.NewMaintenanceService(database, e.trips, e.aggregates, e.analytics, e.engine, service.MaintenanceOptions{
		WindowDays:       30,
		RedriveMinAge:    0,
		RedriveBatchSize: 100,
	}, e.mntMetrics, log)
	return e
}

func (e *env) record(t *testing.T, input model.NewTrip) model.Trip {
	t.Helper()
	trip, err := e.tripSvc.RecordTrip(context.Background(), input)
	require.NoError(t, err)
	return *trip
}

func (e *env) summary(t *testing.T, userID uuid.UUID, period model.Period) *model.MonthlySummary {
	t.Helper()
	s, err := e.aggregates.GetMonthlySummary(context.Background(), userID, period)
	require.NoError(t, err)
	return s
}

func (e *env) route(t *testing.T, routeID uuid.UUID) *model.RouteAnalytics {
	t.Helper()
	r, err := e.aggregates.GetRouteAnalytics(context.Background(), routeID)
	require.NoError(t, err)
	return r
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// conflictStore fails the first n monthly writes with a version conflict, as a
// concurrent writer of the same key would.
type conflictStore struct {
	service.AggregateStore
	remaining atomic.Int64
	calls     atomic.Int64
}

func injectConflicts(n int64, out **conflictStore) envOption {
	return withStore(func(inner service.AggregateStore) service.AggregateStore {
		s := &conflictStore{AggregateStore: inner}
		s.remaining.Store(n)
		*out = s
		return s
	})
}

func (s *conflictStore) ApplyMonthlyDelta(ctx context.Context, tx *gorm.DB, d model.MonthlyDelta) error {
	s.calls.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return repository.ErrVersionConflict
	}
	return s.AggregateStore.ApplyMonthlyDelta(ctx, tx, d)
}
