package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"transit-analytics/internal/config"
)

// Maintenance is the set of periodic jobs the scheduler drives.
type Maintenance interface {
	RefreshRouteStats(ctx context.Context) (int64, error)
	RefreshRecentModes(ctx context.Context) (int64, error)
	Cleanup(ctx context.Context, retainMonths int) (int64, error)
	RedrivePending(ctx context.Context) (int, error)
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) (int64, error)
}

// Scheduler runs the maintenance jobs on their cron specs. A job that is still
// running when its next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	log     zerolog.Logger
}

func New(cfg config.MaintenanceConfig, m Maintenance, log zerolog.Logger) (*Scheduler, error) {
	log = log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:     ctx,
		cancel:  cancel,
		timeout: 10 * time.Minute,
		log:     log,
	}

	jobs := []job{
		{name: "route_stats", spec: cfg.AnalyticsRefreshCron, run: m.RefreshRouteStats},
		{name: "most_used_mode", spec: cfg.ModeRefreshCron, run: m.RefreshRecentModes},
		{name: "redrive", spec: cfg.RedriveCron, run: func(ctx context.Context) (int64, error) {
			n, err := m.RedrivePending(ctx)
			return int64(n), err
		}},
	}
	if cfg.RetentionMonths > 0 {
		jobs = append(jobs, job{name: "retention", spec: cfg.RetentionCron, run: func(ctx context.Context) (int64, error) {
			return m.Cleanup(ctx, cfg.RetentionMonths)
		}})
	}

	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.spec, s.wrap(job.name, job.run)); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s job %q: %w", job.name, job.spec, err)
		}
		log.Info().Str("job", job.name).Str("spec", job.spec).Msg("job scheduled")
	}

	return s, nil
}

func (s *Scheduler) wrap(name string, run func(ctx context.Context) (int64, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		start := time.Now()
		n, err := run(ctx)
		if err != nil {
			s.log.Error().Err(err).Str("job", name).Int64("rows", n).Msg("job failed")
			return
		}
		s.log.Debug().
			Str("job", name).
			Int64("rows", n).
			Dur("took", time.Since(start)).
			Msg("job finished")
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out")
	}
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
