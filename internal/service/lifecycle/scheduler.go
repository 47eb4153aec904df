package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/animus-labs/rubberband/internal/platform/metrics"
	"github.com/animus-labs/rubberband/internal/platform/redislock"
	"github.com/gorhill/cronexpr"
)

var ErrSweepInProgress = errors.New("expiration sweep already in progress")

const sweepLockName = "expiration-sweep"

// Locker takes a lock shared between processes.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*redislock.Lease, error)
}

type SchedulerConfig struct {
	Schedule string
	LockTTL  time.Duration
}

// Scheduler runs the expiration sweep on a cron schedule. Sweeps never
// overlap within the process, and with a Locker not across processes either.
type Scheduler struct {
	svc      *Service
	schedule *cronexpr.Expression
	locker   Locker
	lockTTL  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}

	sweeping sync.Mutex
}

// NewScheduler parses the schedule. locker may be nil.
func NewScheduler(svc *Service, cfg SchedulerConfig, locker Locker, logger *slog.Logger) (*Scheduler, error) {
	if svc == nil {
		return nil, errors.New("lifecycle service is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	expr, err := cronexpr.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		svc:      svc,
		schedule: expr,
		locker:   locker,
		lockTTL:  cfg.LockTTL,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger.Info("expiration sweep scheduler starting", "next", s.schedule.Next(s.now()).UTC())
	go s.runLoop(ctx, done)
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.done)
	s.running = false
}

// RunNow sweeps immediately. It returns ErrSweepInProgress when another
// sweep holds the lock.
func (s *Scheduler) RunNow(ctx context.Context) (SweepResult, error) {
	if !s.sweeping.TryLock() {
		metrics.RecordSweep("skipped")
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.sweeping.Unlock()

	if s.locker != nil {
		lease, err := s.locker.Acquire(ctx, sweepLockName, s.lockTTL)
		if errors.Is(err, redislock.ErrNotAcquired) {
			metrics.RecordSweep("skipped")
			return SweepResult{}, ErrSweepInProgress
		}
		if err != nil {
			metrics.RecordSweep("error")
			return SweepResult{}, fmt.Errorf("acquire sweep lock: %w", err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release sweep lock failed", "error", err)
			}
		}()
	}

	result, err := s.svc.Sweep(ctx, s.now().UTC())
	if err != nil {
		metrics.RecordSweep("error")
		return result, err
	}
	metrics.RecordSweep("ok")
	return result, nil
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}) {
	for {
		now := s.now()
		next := s.schedule.Next(now)
		if next.IsZero() {
			s.logger.Warn("expiration sweep schedule has no future runs")
			return
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("expiration sweep scheduler stopped", "reason", "context cancelled")
			return
		case <-done:
			timer.Stop()
			s.logger.Info("expiration sweep scheduler stopped", "reason", "stop requested")
			return
		case <-timer.C:
			s.execute(ctx)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context) {
	result, err := s.RunNow(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.logger.Info("expiration sweep skipped", "reason", err.Error())
	case err != nil:
		s.logger.Error("expiration sweep failed", "error", err, "failed_runs", result.Failed)
	case result.Matched > 0:
		s.logger.Info("expiration sweep completed",
			"day", result.Day.Format("2006-01-02"),
			"matched", result.Matched,
			"deleted", result.Deleted,
			"missing_objects", result.MissingObjects,
			"duration_ms", result.DurationMs(),
		)
	default:
		s.logger.Debug("expiration sweep completed (no expired runs)")
	}
}
