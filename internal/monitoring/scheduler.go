package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Jobs is the work the scheduler triggers. *Service implements it.
type Jobs interface {
	RunHealthChecks(ctx context.Context) (*HealthSummary, error)
	RunE2ESuite(ctx context.Context) (*E2ESummary, error)
	CleanupLocks(ctx context.Context) int
	CleanupOrphans() int
}

// SchedulerConfig holds the tick intervals. A zero interval disables that
// loop.
type SchedulerConfig struct {
	HealthCheckInterval time.Duration
	E2EInterval         time.Duration
	// SweepInterval drives expired-lock and orphaned-process cleanup.
	SweepInterval       time.Duration
}

// Scheduler runs the periodic jobs in background loops.
type Scheduler struct {
	jobs Jobs
	cfg  SchedulerConfig

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewScheduler(jobs Jobs, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start launches one goroutine per enabled job.
func (s *Scheduler) Start(ctx context.Context) {
	s.loop(ctx, "health_check", s.cfg.HealthCheckInterval, func(ctx context.Context) {
		if _, err := s.jobs.RunHealthChecks(ctx); err != nil {
			log.Error().Err(err).Msg("scheduled health checks failed")
		}
	})
	s.loop(ctx, "e2e", s.cfg.E2EInterval, func(ctx context.Context) {
		_, err := s.jobs.RunE2ESuite(ctx)
		switch {
		case errors.Is(err, ErrBusy):
			log.Info().Msg("scheduled e2e skipped, a run is already in progress")
		case err != nil:
			log.Error().Err(err).Msg("scheduled e2e suite failed")
		}
	})
	s.loop(ctx, "sweep", s.cfg.SweepInterval, func(ctx context.Context) {
		s.jobs.CleanupLocks(ctx)
		s.jobs.CleanupOrphans()
	})

	log.Info().
		Dur("health_check_interval", s.cfg.HealthCheckInterval).
		Dur("e2e_interval", s.cfg.E2EInterval).
		Dur("sweep_interval", s.cfg.SweepInterval).
		Msg("scheduler started")
}

// Stop signals the loops and waits for any in-flight job to return.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, job func(context.Context)) {
	if every <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Debug().Str("job", name).Msg("scheduled job triggered")
				job(ctx)
			}
		}
	}()
}
