// Package scheduler runs the periodic maintenance jobs of the service on
// cron schedules: period rollover of locally managed subscriptions, usage
// counter resets and replay of dead-lettered background tasks.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job names.
const (
	JobRollover   = "rollover"
	JobUsageReset = "usage_reset"
	JobReplay     = "dead_letter_replay"
)

// Roller closes elapsed subscription periods.
type Roller interface {
	RolloverDue(ctx context.Context, limit int) (int, error)
}

// UsageResetter starts new periods for expired usage counters.
type UsageResetter interface {
	ResetExpired(ctx context.Context) (int64, error)
}

// Replayer re-enqueues dead-lettered tasks.
type Replayer interface {
	Replay(ctx context.Context, limit int) (int, error)
}

// Observer is told about every job run. result is "success" or "error".
type Observer interface {
	JobRun(job, result string, d time.Duration)
}

// Config holds the cron expressions of the jobs. An empty schedule disables
// the job.
type Config struct {
	RolloverSchedule   string
	UsageResetSchedule string
	ReplaySchedule     string
	BatchSize          int
	JobTimeout         time.Duration
}

// DefaultConfig returns the default schedules.
func DefaultConfig() Config {
	return Config{
		RolloverSchedule:   "@every 1m",
		UsageResetSchedule: "@every 5m",
		ReplaySchedule:     "@every 15m",
		BatchSize:          100,
		JobTimeout:         2 * time.Minute,
	}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	config   Config
	jobs     map[string]func(ctx context.Context) (int64, error)
	observer Observer
	log      logrus.FieldLogger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Nil collaborators disable their job.
func New(config Config, roller Roller, usage UsageResetter, replayer Replayer, observer Observer, log logrus.FieldLogger) *Scheduler {
	def := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if log == nil {
		log = logrus.New()
	}
	log = log.WithField("component", "scheduler")

	cronLogger := cron.PrintfLogger(log)
	s := &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		config:   config,
		jobs:     make(map[string]func(ctx context.Context) (int64, error)),
		observer: observer,
		log:      log,
	}
	if roller != nil {
		s.jobs[JobRollover] = func(ctx context.Context) (int64, error) {
			n, err := roller.RolloverDue(ctx, config.BatchSize)
			return int64(n), err
		}
	}
	if usage != nil {
		s.jobs[JobUsageReset] = usage.ResetExpired
	}
	if replayer != nil {
		s.jobs[JobReplay] = func(ctx context.Context) (int64, error) {
			n, err := replayer.Replay(ctx, config.BatchSize)
			return int64(n), err
		}
	}
	return s
}

// Start registers the jobs and starts the cron scheduler. Jobs run with a
// context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	schedules := map[string]string{
		JobRollover:   s.config.RolloverSchedule,
		JobUsageReset: s.config.UsageResetSchedule,
		JobReplay:     s.config.ReplaySchedule,
	}
	for name, spec := range schedules {
		if _, ok := s.jobs[name]; !ok || spec == "" {
			continue
		}
		name := name
		if _, err := s.cron.AddFunc(spec, func() { s.Run(name) }); err != nil {
			return fmt.Errorf("failed to schedule %s job %q: %w", name, spec, err)
		}
		s.log.WithFields(logrus.Fields{"job": name, "schedule": spec}).Info("scheduled job")
	}
	s.cron.Start()
	return nil
}

// Stop stops scheduling and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes one job now and reports whether it succeeded.
func (s *Scheduler) Run(name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}

	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, s.config.JobTimeout)
	defer cancel()

	start := time.Now()
	n, err := job(ctx)
	elapsed := time.Since(start)

	log := s.log.WithFields(logrus.Fields{"job": name, "duration": elapsed})
	result := "success"
	if err != nil {
		result = "error"
		log.WithError(err).Error("job failed")
	} else if n > 0 {
		log.WithField("count", n).Info("job completed")
	} else {
		log.Debug("job completed")
	}
	if s.observer != nil {
		s.observer.JobRun(name, result, elapsed)
	}
	return err
}
