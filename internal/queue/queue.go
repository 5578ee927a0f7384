package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"transit-analytics/internal/config"
	"transit-analytics/internal/model"
)

func redisOpt(cfg config.QueueConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// enqueuer is the slice of asynq.Client the publisher uses.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Publisher enqueues TripCompleted events. A trip that is already queued is
// not enqueued twice.
type Publisher struct {
	client enqueuer
}

func NewPublisher(cfg config.QueueConfig) *Publisher {
	return &Publisher{client: asynq.NewClient(redisOpt(cfg))}
}

func (p *Publisher) PublishTripCompleted(ctx context.Context, event model.TripCompletedEvent) error {
	task, opts, err := NewTripCompletedTask(event)
	if err != nil {
		return err
	}
	if _, err := p.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue trip %d: %w", event.TripID, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}

// Consumer runs the asynq server that applies TripCompleted events.
type Consumer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    zerolog.Logger
}

func NewConsumer(cfg config.QueueConfig, h TripCompletedHandler, foldTimeout time.Duration, log zerolog.Logger) *Consumer {
	log = log.With().Str("component", "queue").Logger()

	server := asynq.NewServer(redisOpt(cfg), asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			queueName: 1,
		},
		Logger: asynqLogger{log: log},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Warn().
				Err(err).
				Str("type", task.Type()).
				Int("retried", retried).
				Int("max_retry", maxRetry).
				Msg("task failed")
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeTripCompleted, HandleTripCompletedTask(h, foldTimeout, log))

	return &Consumer{server: server, mux: mux, log: log}
}

func (c *Consumer) Start() error {
	c.log.Info().Msg("starting trip event consumer")
	return c.server.Start(c.mux)
}

func (c *Consumer) Shutdown() {
	c.server.Shutdown()
}

type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
