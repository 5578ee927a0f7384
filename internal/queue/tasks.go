package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"transit-analytics/internal/model"
	"transit-analytics/internal/service"
)

const (
	TypeTripCompleted = "trip:completed"

	queueName    = "aggregation"
	taskMaxRetry = 25
)

func NewTripCompletedTask(event model.TripCompletedEvent) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TypeTripCompleted, b)
	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(taskMaxRetry),
		asynq.TaskID(tripTaskID(event.TripID)),
	}
	return task, opts, nil
}

func tripTaskID(tripID int64) string {
	return fmt.Sprintf("trip-completed:%d", tripID)
}

// TripCompletedHandler is what a delivered event is applied to.
type TripCompletedHandler interface {
	HandleTripCompleted(ctx context.Context, event model.TripCompletedEvent) error
}

// HandleTripCompletedTask decodes a task and applies it under timeout. Payloads
// that can never succeed are not retried; everything else is left to asynq's
// retry schedule, which is safe because folds are idempotent per trip.
func HandleTripCompletedTask(h TripCompletedHandler, timeout time.Duration, log zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var event model.TripCompletedEvent
		if err := json.Unmarshal(task.Payload(), &event); err != nil {
			log.Error().Err(err).Str("type", task.Type()).Msg("invalid trip completed payload")
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		err := h.HandleTripCompleted(ctx, event)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, service.ErrInvalidTrip), errors.Is(err, service.ErrValidation):
			log.Error().Err(err).Int64("trip_id", event.TripID).Msg("dropping trip completed event")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		default:
			log.Warn().Err(err).Int64("trip_id", event.TripID).Msg("trip completed event will be retried")
			return err
		}
	}
}
