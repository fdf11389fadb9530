package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Runner is a unit of scheduled work.
type Runner interface {
	Run(ctx context.Context) error
}

type Scheduler struct {
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
	runner   Runner
	log      zerolog.Logger
}

func NewScheduler(runner Runner, schedule string, timeout time.Duration, log zerolog.Logger) *Scheduler {
	logger := cronLogger{log: log}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{
		cron:     c,
		schedule: schedule,
		timeout:  timeout,
		runner:   runner,
		log:      log,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.tick); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Str("schedule", s.schedule).Msg("sweeper scheduled")
	return nil
}

// Stop stops scheduling and waits for a running job, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out with a job still running")
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.runner.Run(ctx); err != nil {
		s.log.Error().Err(err).Msg("scheduled sweep finished with errors")
	}
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
