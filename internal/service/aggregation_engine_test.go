package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"transit-analytics/internal/dbtest"
	"transit-analytics/internal/metrics"
	"transit-analytics/internal/model"
	"transit-analytics/internal/service"
)

var (
	user7   = uuid.MustParse("00000000-0000-0000-0000-000000000007")
	user9   = uuid.MustParse("00000000-0000-0000-0000-000000000009")
	january = model.Period{Year: 2024, Month: 1}
)

func TestFoldMonthlySummary(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	routeID := uuid.New()
	start := time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)

	for i, fare := range []string{"2.50", "3.75", "4.00"} {
		e.record(t, dbtest.NewTrip(user7, routeID, start.AddDate(0, 0, i), fare))
	}

	summary := e.summary(t, user7, january)
	assert.EqualValues(t, 3, summary.TotalTrips)
	assert.True(t, summary.TotalSpent.Equal(dec("10.25")), summary.TotalSpent.String())
	assert.True(t, summary.AvgTripCost.Equal(dec("3.4167")), summary.AvgTripCost.String())
	assert.True(t, summary.TotalDistance.IsZero())

	route := e.route(t, routeID)
	assert.EqualValues(t, 3, route.TotalTrips)
	assert.True(t, route.TotalRevenue.Equal(dec("10.25")))

	assert.Equal(t, 3.0, testutil.ToFloat64(e.aggMetrics.Folds.WithLabelValues(metrics.OutcomeApplied)))
}

func TestFoldKeysAreIndependent(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	routeID := uuid.New()
	start := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

	e.record(t, dbtest.NewTrip(user7, routeID, start, "2.50"))
	before := e.summary(t, user7, january)

	// A different user in the same month and the same user in another month
	// each get their own row.
	e.record(t, dbtest.NewTrip(user9, routeID, start, "5.00"))
	e.record(t, dbtest.NewTrip(user7, routeID, start.AddDate(0, 1, 0), "1.00"))

	after := e.summary(t, user7, january)
	assert.Equal(t, before.TotalTrips, after.TotalTrips)
	assert.True(t, before.TotalSpent.Equal(after.TotalSpent))
	assert.Equal(t, before.Version, after.Version)

	assert.EqualValues(t, 1, e.summary(t, user9, january).TotalTrips)
	assert.EqualValues(t, 1, e.summary(t, user7, january.Next()).TotalTrips)
	assert.EqualValues(t, 3, e.route(t, routeID).TotalTrips)
}

// The test database has one connection, so these folds queue up rather than
// race. TestFoldRetriesAfterInterleavedWrite drives the conflict path.
func TestConcurrentFoldsSameKey(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	routeID := uuid.New()
	start := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	const writers = 24

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		userID := user7
		if i%3 == 0 {
			userID = user9
		}
		g.Go(func() error {
			_, err := e.tripSvc.RecordTrip(context.Background(), dbtest.NewTrip(userID, routeID, start, "1.25"))
			return err
		})
	}
	require.NoError(t, g.Wait())

	s7 := e.summary(t, user7, january)
	s9 := e.summary(t, user9, january)
	assert.EqualValues(t, 16, s7.TotalTrips)
	assert.EqualValues(t, 8, s9.TotalTrips)
	assert.True(t, s7.TotalSpent.Equal(dec("20.00")), s7.TotalSpent.String())
	assert.True(t, s9.TotalSpent.Equal(dec("10.00")), s9.TotalSpent.String())
	assert.True(t, s7.AvgTripCost.Equal(dec("1.25")))

	route := e.route(t, routeID)
	assert.EqualValues(t, writers, route.TotalTrips)
	assert.True(t, route.TotalRevenue.Equal(dec("30.00")))
}

func TestFoldRetriesAfterInterleavedWrite(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	routeID := uuid.New()
	start := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	e.record(t, dbtest.NewTrip(user7, routeID, start, "2.00"))

	// A second fold of the same key commits its version bump between this
	// fold's read and its compare-and-set.
	fired := false
	err := e.db.Callback().Update().Before("gorm:update").Register("test:interleaved_fold", func(tx *gorm.DB) {
		if fired || tx.Statement.Table != "monthly_summaries" {
			return
		}
		fired = true
		tx.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE monthly_summaries SET total_trips = total_trips + 1, total_spent = total_spent + 2, version = version + 1 WHERE user_id = ?", user7)
	})
	require.NoError(t, err)

	e.record(t, dbtest.NewTrip(user7, routeID, start.Add(time.Hour), "2.00"))
	require.True(t, fired)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.aggMetrics.Retries))
	assert.Zero(t, testutil.ToFloat64(e.aggMetrics.ConflictsExhausted))

	// The competing write shares the connection, so it is undone with the
	// failed attempt; the retry then applies exactly one increment.
	summary := e.summary(t, user7, january)
	assert.EqualValues(t, 2, summary.TotalTrips)
	assert.True(t, summary.TotalSpent.Equal(dec("4.00")), summary.TotalSpent.String())
	assert.True(t, summary.AvgTripCost.Equal(dec("2.00")), summary.AvgTripCost.String())
	assert.EqualValues(t, 2, summary.Version)
	assert.EqualValues(t, 2, e.route(t, routeID).TotalTrips)
}

func TestFoldIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	routeID := uuid.New()
	trip := e.record(t, dbtest.NewTrip(user7, routeID, time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC), "3.00"))

	require.NoError(t, e.engine.ApplyTerminalTransition(ctx, trip.ID, model.TripCompleted))
	require.NoError(t, e.engine.ApplyTerminalTransition(ctx, trip.ID, model.TripCompleted))
	require.NoError(t, e.engine.HandleTripCompleted(ctx, model.TripCompletedFrom(trip)))
	require.NoError(t, e.engine.OnTripCommitted(ctx, trip))

	summary := e.summary(t, user7, january)
	assert.EqualValues(t, 1, summary.TotalTrips)
	assert.True(t, summary.TotalSpent.Equal(dec("3.00")))
	assert.EqualValues(t, 1, summary.Version)
	assert.EqualValues(t, 1, e.route(t, routeID).TotalTrips)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.aggMetrics.Folds.WithLabelValues(metrics.OutcomeApplied)))
	assert.Equal(t, 4.0, testutil.ToFloat64(e.aggMetrics.Folds.WithLabelValues(metrics.OutcomeDuplicate)))
}

func TestCancelledTripsAreNeverCounted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	routeID := uuid.New()

	input := dbtest.NewTrip(user7, routeID, time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC), "3.00")
	input.Status = model.TripInProgress
	trip := e.record(t, input)

	cancelled, err := e.tripSvc.CancelTrip(ctx, trip.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TripCancelled, cancelled.Status)

	require.NoError(t, e.engine.ApplyTerminalTransition(ctx, trip.ID, model.TripCancelled))
	require.NoError(t, e.engine.OnTripCommitted(ctx, *cancelled))

	_, err = e.aggregates.GetMonthlySummary(ctx, user7, january)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = e.aggregates.GetRouteAnalytics(ctx, routeID)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// A completion event for a trip the ledger holds as cancelled is rejected.
	err = e.engine.HandleTripCompleted(ctx, model.TripCompletedFrom(*cancelled))
	require.ErrorIs(t, err, service.ErrInvalidTrip)
}

func TestInProgressThenCompletedIsFoldedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	routeID := uuid.New()

	input := dbtest.NewTrip(user7, routeID, time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC), "2.75")
	input.Status = model.TripInProgress
	trip := e.record(t, input)

	_, err := e.aggregates.GetMonthlySummary(ctx, user7, january)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// An event racing ahead of the ledger transition is retryable.
	err = e.engine.HandleTripCompleted(ctx, model.TripCompletedFrom(trip))
	require.ErrorIs(t, err, service.ErrTripNotTerminal)

	end := trip.StartTime.Add(25 * time.Minute)
	completed, err := e.tripSvc.CompleteTrip(ctx, trip.ID, &end)
	require.NoError(t, err)
	assert.Equal(t, model.TripCompleted, completed.Status)
	stored, err := e.tripSvc.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.AggregatedAt)

	_, err = e.tripSvc.CompleteTrip(ctx, trip.ID, nil)
	require.ErrorIs(t, err, service.ErrInvalidTransition)
	_, err = e.tripSvc.CancelTrip(ctx, trip.ID, nil)
	require.ErrorIs(t, err, service.ErrInvalidTransition)

	require.NoError(t, e.engine.HandleTripCompleted(ctx, model.TripCompletedFrom(*completed)))

	assert.EqualValues(t, 1, e.summary(t, user7, january).TotalTrips)
	assert.EqualValues(t, 1, e.route(t, routeID).TotalTrips)
}

func TestFoldRetriesConflicts(t *testing.T) {
	t.Parallel()

	var store *conflictStore
	e := newEnv(t, injectConflicts(2, &store))

	trip := e.record(t, dbtest.NewTrip(user7, uuid.New(), time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC), "4.00"))

	assert.EqualValues(t, 3, store.calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(e.aggMetrics.Retries))
	assert.Zero(t, testutil.ToFloat64(e.aggMetrics.ConflictsExhausted))

	summary := e.summary(t, user7, january)
	assert.EqualValues(t, 1, summary.TotalTrips)
	assert.EqualValues(t, 1, e.route(t, trip.RouteID).TotalTrips)
}

func TestFoldConflictsExhausted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var store *conflictStore
	e := newEnv(t,
		injectConflicts(100, &store),
		withPolicy(service.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}),
	)

	trip := dbtest.Trip(t, e.db, model.Trip{UserID: user7, StartTime: time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC), FarePaid: dec("4.00")})

	err := e.engine.ApplyTerminalTransition(ctx, trip.ID, model.TripCompleted)
	require.ErrorIs(t, err, service.ErrKeyConflictExhausted)
	assert.EqualValues(t, 3, store.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.aggMetrics.ConflictsExhausted))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.aggMetrics.Folds.WithLabelValues(metrics.OutcomeFailed)))

	// Nothing of the failed fold is visible, so a later delivery still counts it.
	stored, err := e.trips.Get(ctx, e.db, trip.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.AggregatedAt)
	_, err = e.aggregates.GetRouteAnalytics(ctx, trip.RouteID)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// A recorded trip whose fold gives up is not recorded either.
	_, err = e.tripSvc.RecordTrip(ctx, dbtest.NewTrip(user9, uuid.New(), time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC), "1.00"))
	require.ErrorIs(t, err, service.ErrKeyConflictExhausted)
	trips, err := e.tripSvc.FindTrips(ctx, model.TripFilter{
		Range:  model.DateRange{From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)},
		UserID: &user9,
	})
	require.NoError(t, err)
	assert.Empty(t, trips)
}

type failingRouteStore struct {
	service.AggregateStore
}

func (failingRouteStore) ApplyRouteDelta(context.Context, *gorm.DB, model.RouteDelta) error {
	return errors.New("disk full")
}

func TestFoldHasNoPartialWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, withStore(func(inner service.AggregateStore) service.AggregateStore {
		return failingRouteStore{AggregateStore: inner}
	}))

	trip := dbtest.Trip(t, e.db, model.Trip{UserID: user7, StartTime: time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC), FarePaid: dec("4.00")})

	err := e.engine.ApplyTerminalTransition(ctx, trip.ID, model.TripCompleted)
	require.ErrorContains(t, err, "disk full")
	assert.Zero(t, testutil.ToFloat64(e.aggMetrics.Retries), "only conflicts are retried")

	_, err = e.aggregates.GetMonthlySummary(ctx, user7, january)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	stored, err := e.trips.Get(ctx, e.db, trip.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.AggregatedAt)
}

func TestHandleTripCompletedRejects(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	trip := dbtest.Trip(t, e.db, model.Trip{UserID: user7, StartTime: time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC), FarePaid: dec("4.00")})
	event := model.TripCompletedFrom(trip)

	for _, tc := range []struct {
		Name   string
		Mutate func(*model.TripCompletedEvent)
		Want   error
	}{
		{Name: "MissingID", Mutate: func(ev *model.TripCompletedEvent) { ev.TripID = 0 }, Want: service.ErrInvalidTrip},
		{Name: "UnknownTrip", Mutate: func(ev *model.TripCompletedEvent) { ev.TripID = trip.ID + 1000 }, Want: service.ErrNotFound},
		{Name: "UserMismatch", Mutate: func(ev *model.TripCompletedEvent) { ev.UserID = user9 }, Want: service.ErrInvalidTrip},
		{Name: "RouteMismatch", Mutate: func(ev *model.TripCompletedEvent) { ev.RouteID = uuid.New() }, Want: service.ErrInvalidTrip},
		{Name: "FareMismatch", Mutate: func(ev *model.TripCompletedEvent) { ev.FarePaid = dec("9.99") }, Want: service.ErrInvalidTrip},
		{Name: "PeriodMismatch", Mutate: func(ev *model.TripCompletedEvent) { ev.TripDate = ev.TripDate.AddDate(0, 2, 0) }, Want: service.ErrInvalidTrip},
		{Name: "DistanceMismatch", Mutate: func(ev *model.TripCompletedEvent) { d := dec("3.00"); ev.DistanceTraveled = &d }, Want: service.ErrInvalidTrip},
	} {
		ev := event
		tc.Mutate(&ev)
		err := e.engine.HandleTripCompleted(ctx, ev)
		require.ErrorIs(t, err, tc.Want, tc.Name)
	}

	_, err := e.aggregates.GetMonthlySummary(ctx, user7, january)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// An explicit zero distance matches a trip recorded without one.
	zero := dec("0")
	event.DistanceTraveled = &zero
	require.NoError(t, e.engine.HandleTripCompleted(ctx, event))
	assert.EqualValues(t, 1, e.summary(t, user7, january).TotalTrips)
}

func TestOnTripCommittedRejectsInvalidTrips(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)

	missingRoute := dbtest.TripRow(model.Trip{ID: 41, UserID: user7, FarePaid: dec("1")})
	missingRoute.RouteID = uuid.Nil
	require.ErrorIs(t, e.engine.OnTripCommitted(ctx, missingRoute), service.ErrInvalidTrip)

	negative := dbtest.TripRow(model.Trip{ID: 42, UserID: user7, FarePaid: dec("-1")})
	require.ErrorIs(t, e.engine.OnTripCommitted(ctx, negative), service.ErrInvalidTrip)

	notInLedger := dbtest.TripRow(model.Trip{ID: 4242, UserID: user7, FarePaid: dec("1")})
	require.ErrorIs(t, e.engine.OnTripCommitted(ctx, notInLedger), service.ErrInvalidTrip)

	inProgress := dbtest.TripRow(model.Trip{ID: 43, UserID: user7, FarePaid: dec("1"), Status: model.TripInProgress})
	require.NoError(t, e.engine.OnTripCommitted(ctx, inProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.aggMetrics.Folds.WithLabelValues(metrics.OutcomeIgnored)))

	require.ErrorIs(t, e.engine.ApplyTerminalTransition(ctx, 1, model.TripInProgress), service.ErrValidation)

	_, err := e.aggregates.GetMonthlySummary(ctx, user7, model.PeriodOf(time.Now().UTC()))
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestFoldDistance(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	start := time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC)

	withDistance := dbtest.NewTrip(user7, uuid.New(), start, "2.00")
	d := decimal.RequireFromString("12.40")
	withDistance.DistanceTraveled = &d
	e.record(t, withDistance)
	e.record(t, dbtest.NewTrip(user7, uuid.New(), start, "2.00"))

	summary := e.summary(t, user7, january)
	assert.True(t, summary.TotalDistance.Equal(dec("12.4")), summary.TotalDistance.String())
	assert.True(t, summary.AvgTripCost.Equal(dec("2")))
}
