package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"caseflow/backend/features/job"
	"caseflow/backend/internal/middleware"
)

type CompletionDrainer interface {
	ProcessCompletions(ctx context.Context) (int, error)
}

type DuePublisher interface {
	PublishDueJobs(ctx context.Context, due []job.DueJob) error
}

type DueJobStore interface {
	PullDueJobs(ctx context.Context, now time.Time, maxAttempts int, policy job.RetryPolicy) ([]job.DueJob, error)
	ExpireExhausted(ctx context.Context, now time.Time, maxAttempts int, policy job.RetryPolicy) ([]job.Job, error)
}

type SchedulerConfig struct {
	Interval    time.Duration
	MaxAttempts int
	Policy      job.RetryPolicy
}

// Scheduler runs a sweep on every tick. A slow sweep does not delay the next
// tick; overlapping sweeps are safe because pulling due jobs claims them.
type Scheduler struct {
	completions CompletionDrainer
	jobs        DueJobStore
	publisher   DuePublisher
	cfg         SchedulerConfig
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	loop   sync.WaitGroup
	sweeps sync.WaitGroup
}

func NewScheduler(completions CompletionDrainer, jobs DueJobStore, publisher DuePublisher, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		completions: completions,
		jobs:        jobs,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Start launches the tick loop. Calling Start on a running scheduler only
// logs a warning.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.logger.WarnContext(ctx, "job sweep scheduler already running")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loop.Add(1)
	go s.tickLoop(ctx)
	s.logger.InfoContext(ctx, "job sweep scheduler started", "interval", s.cfg.Interval, "max_attempts", s.cfg.MaxAttempts)
}

// Stop ends the tick loop and waits for in-flight sweeps.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.loop.Wait()
	s.sweeps.Wait()
	s.cancel = nil
	s.logger.Info("job sweep scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.loop.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweeps.Add(1)
			go func() {
				defer s.sweeps.Done()
				s.runSweep(ctx)
			}()
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	ctx = middleware.NewCorrelationContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "job sweep aborted", "panic", r)
		}
	}()
	if err := s.Sweep(ctx); err != nil {
		s.logger.ErrorContext(ctx, "job sweep aborted", "error", err)
	}
}

// Sweep is one tick: drain completions, claim and publish due jobs, then fail
// jobs whose last attempt ran out unanswered.
func (s *Scheduler) Sweep(ctx context.Context) error {
	if n, err := s.completions.ProcessCompletions(ctx); err != nil {
		s.logger.ErrorContext(ctx, "completion poller error", "error", err)
	} else if n > 0 {
		s.logger.InfoContext(ctx, "completions processed", "count", n)
	}

	now := s.now()
	due, err := s.jobs.PullDueJobs(ctx, now, s.cfg.MaxAttempts, s.cfg.Policy)
	if err != nil {
		return err
	}
	if len(due) > 0 {
		if err := s.publisher.PublishDueJobs(ctx, due); err != nil {
			s.logger.WarnContext(ctx, "some due jobs were not published", "due", len(due))
		}
	}

	expired, err := s.jobs.ExpireExhausted(ctx, now, s.cfg.MaxAttempts, s.cfg.Policy)
	if err != nil {
		return fmt.Errorf("expire exhausted jobs: %w", err)
	}
	for _, j := range expired {
		s.logger.ErrorContext(middleware.WithJobID(ctx, j.ID), "contact job failed permanently",
			"job_type", j.Type, "account_id", j.AccountID, "attempt_number", j.NumberOfAttempts,
			"failed_attempts", len(j.FailedAttempts), "completion_payload", string(j.CompletionPayload))
	}
	return nil
}
