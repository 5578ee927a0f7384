package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"transit-analytics/internal/metrics"
	"transit-analytics/internal/model"
	"transit-analytics/internal/repository"
)

// Ledger is the part of the trip store the engine needs.
type Ledger interface {
	Get(ctx context.Context, tx *gorm.DB, id int64) (*model.Trip, error)
	ClaimFold(ctx context.Context, tx *gorm.DB, id int64, at time.Time) (bool, error)
}

// AggregateStore applies one trip's contribution to a single aggregate row.
// Implementations return a conflict (see repository.IsConflict) when a
// concurrent writer changed the row in between.
type AggregateStore interface {
	ApplyMonthlyDelta(ctx context.Context, tx *gorm.DB, d model.MonthlyDelta) error
	ApplyRouteDelta(ctx context.Context, tx *gorm.DB, d model.RouteDelta) error
}

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.MaxInterval = p.MaxBackoff
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// AggregationEngine folds completed trips into their MonthlySummary and
// RouteAnalytics rows.
//
// A fold is one atomic step: claim the trip's idempotence marker, advance the
// summary row, advance the route row. The step runs in a nested transaction
// (a savepoint when the caller already holds one) so a write conflict rolls
// back and retries only the step, never the caller's ledger write. Locks are
// always taken in the order trip, summary, route.
type AggregationEngine struct {
	db      *gorm.DB
	ledger  Ledger
	store   AggregateStore
	policy  RetryPolicy
	metrics *metrics.Aggregation
	log     zerolog.Logger
	now     func() time.Time
}

func NewAggregationEngine(db *gorm.DB, ledger Ledger, store AggregateStore, policy RetryPolicy, m *metrics.Aggregation, log zerolog.Logger) *AggregationEngine {
	return &AggregationEngine{
		db:      db,
		ledger:  ledger,
		store:   store,
		policy:  policy,
		metrics: m,
		log:     log.With().Str("component", "aggregation").Logger(),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// OnTripCommitted folds a trip that reached the completed state, in its own
// transaction.
func (e *AggregationEngine) OnTripCommitted(ctx context.Context, trip model.Trip) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.FoldInTx(ctx, tx, trip)
	})
}

// FoldInTx folds trip inside the caller's unit of work. Trips that are not
// completed are ignored. A trip that was already folded is a no-op.
func (e *AggregationEngine) FoldInTx(ctx context.Context, tx *gorm.DB, trip model.Trip) error {
	start := time.Now()
	outcome, err := e.fold(ctx, tx, trip)
	e.metrics.FoldDuration.Observe(time.Since(start).Seconds())
	e.metrics.Folds.WithLabelValues(outcome).Inc()

	logEvent := e.log.Debug()
	if err != nil {
		logEvent = e.log.Warn().Err(err)
	}
	logEvent.
		Int64("trip_id", trip.ID).
		Str("user_id", trip.UserID.String()).
		Str("route_id", trip.RouteID.String()).
		Str("outcome", outcome).
		Msg("trip fold")

	return err
}

// ApplyTerminalTransition is the idempotent entry point keyed by
// (trip_id, terminal state). Delivering the same transition again never
// counts the trip twice.
func (e *AggregationEngine) ApplyTerminalTransition(ctx context.Context, tripID int64, state model.TripStatus) error {
	switch state {
	case model.TripCancelled:
		e.metrics.Folds.WithLabelValues(metrics.OutcomeIgnored).Inc()
		return nil
	case model.TripCompleted:
	default:
		return invalid("terminal_state", "must be completed or cancelled")
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		trip, err := e.loadCompleted(ctx, tx, tripID)
		if err != nil {
			return err
		}
		return e.FoldInTx(ctx, tx, *trip)
	})
}

// HandleTripCompleted applies an inbound TripCompleted event. The event must
// agree with the ledger row it names.
func (e *AggregationEngine) HandleTripCompleted(ctx context.Context, event model.TripCompletedEvent) error {
	if event.TripID <= 0 {
		return fmt.Errorf("%w: event without trip id", ErrInvalidTrip)
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		trip, err := e.loadCompleted(ctx, tx, event.TripID)
		if err != nil {
			return err
		}
		if err := matchesEvent(*trip, event); err != nil {
			return err
		}
		return e.FoldInTx(ctx, tx, *trip)
	})
}

func (e *AggregationEngine) loadCompleted(ctx context.Context, tx *gorm.DB, tripID int64) (*model.Trip, error) {
	trip, err := e.ledger.Get(ctx, tx, tripID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("trip %d: %w", tripID, ErrNotFound)
		}
		return nil, err
	}
	switch trip.Status {
	case model.TripCompleted:
		return trip, nil
	case model.TripInProgress:
		return nil, fmt.Errorf("trip %d: %w", tripID, ErrTripNotTerminal)
	default:
		return nil, fmt.Errorf("%w: trip %d is %s", ErrInvalidTrip, tripID, trip.Status)
	}
}

func (e *AggregationEngine) fold(ctx context.Context, tx *gorm.DB, trip model.Trip) (string, error) {
	if !foldable(trip) {
		return metrics.OutcomeFailed, fmt.Errorf("%w: trip %d is missing required fields", ErrInvalidTrip, trip.ID)
	}
	if trip.Status != model.TripCompleted {
		return metrics.OutcomeIgnored, nil
	}

	var (
		outcome  string
		attempts int
	)
	step := func() error {
		attempts++
		err := tx.Transaction(func(stepTx *gorm.DB) error {
			var err error
			outcome, err = e.atomicStep(ctx, stepTx, trip, e.now())
			return err
		})
		if err != nil && !repository.IsConflict(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.metrics.Retries.Inc()
		e.log.Debug().
			Err(err).
			Int64("trip_id", trip.ID).
			Int("attempt", attempts).
			Dur("wait", wait).
			Msg("fold conflict, retrying")
	}

	if err := backoff.RetryNotify(step, e.policy.backOff(ctx), notify); err != nil {
		if repository.IsConflict(err) {
			e.metrics.ConflictsExhausted.Inc()
			return metrics.OutcomeFailed, fmt.Errorf("%w: trip %d after %d attempts: %v", ErrKeyConflictExhausted, trip.ID, attempts, err)
		}
		return metrics.OutcomeFailed, err
	}
	return outcome, nil
}

func (e *AggregationEngine) atomicStep(ctx context.Context, tx *gorm.DB, trip model.Trip, at time.Time) (string, error) {
	claimed, err := e.ledger.ClaimFold(ctx, tx, trip.ID, at)
	if err != nil {
		return "", err
	}
	if !claimed {
		return e.explainUnclaimed(ctx, tx, trip.ID)
	}

	err = e.store.ApplyMonthlyDelta(ctx, tx, model.MonthlyDelta{
		UserID:   trip.UserID,
		Period:   trip.Period(),
		Fare:     trip.FarePaid,
		Distance: trip.Distance(),
		At:       at,
	})
	if err != nil {
		return "", err
	}

	err = e.store.ApplyRouteDelta(ctx, tx, model.RouteDelta{
		RouteID: trip.RouteID,
		Fare:    trip.FarePaid,
		At:      at,
	})
	if err != nil {
		return "", err
	}

	return metrics.OutcomeApplied, nil
}

// explainUnclaimed tells an already folded trip apart from one the ledger
// does not hold as completed.
func (e *AggregationEngine) explainUnclaimed(ctx context.Context, tx *gorm.DB, tripID int64) (string, error) {
	stored, err := e.ledger.Get(ctx, tx, tripID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: trip %d is not in the ledger", ErrInvalidTrip, tripID)
		}
		return "", err
	}
	if stored.Status != model.TripCompleted {
		return "", fmt.Errorf("%w: trip %d is %s in the ledger", ErrInvalidTrip, tripID, stored.Status)
	}
	return metrics.OutcomeDuplicate, nil
}

func matchesEvent(trip model.Trip, event model.TripCompletedEvent) error {
	switch {
	case event.UserID != trip.UserID:
		return fmt.Errorf("%w: trip %d user mismatch", ErrInvalidTrip, trip.ID)
	case event.RouteID != trip.RouteID:
		return fmt.Errorf("%w: trip %d route mismatch", ErrInvalidTrip, trip.ID)
	case !event.TripDate.IsZero() && model.PeriodOf(event.TripDate.UTC()) != trip.Period():
		return fmt.Errorf("%w: trip %d period mismatch", ErrInvalidTrip, trip.ID)
	case !event.FarePaid.Equal(trip.FarePaid):
		return fmt.Errorf("%w: trip %d fare mismatch", ErrInvalidTrip, trip.ID)
	case !event.Distance().Equal(trip.Distance()):
		return fmt.Errorf("%w: trip %d distance mismatch", ErrInvalidTrip, trip.ID)
	}
	return nil
}
