package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/animus-labs/rubberband/internal/platform/redislock"
	"github.com/gomodule/redigo/redis"
)

func newTestLocker(t *testing.T) *redislock.Locker {
	t.Helper()
	s := miniredis.RunT(t)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr())
		},
	}
	t.Cleanup(func() { _ = pool.Close() })
	l, err := redislock.New(pool, "test:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return l
}

func TestNewScheduler_BadSchedule(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := NewScheduler(svc, SchedulerConfig{Schedule: "every now and then"}, nil, discardLogger()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestScheduler_RunNow(t *testing.T) {
	svc, runs, objects := newTestService(t)
	seedRun(t, runs, objects, "run-a", day(2024, 3, 1))
	sched, err := NewScheduler(svc, SchedulerConfig{Schedule: "@daily"}, nil, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sched.now = func() time.Time { return time.Date(2024, 3, 5, 1, 0, 0, 0, time.UTC) }
	res, err := sched.RunNow(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Deleted != 1 || runs.RunCount() != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestScheduler_RunNowDoesNotOverlap(t *testing.T) {
	svc, _, _ := newTestService(t)
	sched, err := NewScheduler(svc, SchedulerConfig{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sched.sweeping.Lock()
	_, err = sched.RunNow(context.Background())
	sched.sweeping.Unlock()
	if !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("err=%v, want ErrSweepInProgress", err)
	}
}

func TestScheduler_RunNowRespectsSharedLock(t *testing.T) {
	ctx := context.Background()
	svc, runs, objects := newTestService(t)
	seedRun(t, runs, objects, "run-a", day(2024, 3, 1))
	locker := newTestLocker(t)
	sched, err := NewScheduler(svc, SchedulerConfig{LockTTL: time.Minute}, locker, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sched.now = func() time.Time { return time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC) }

	other, err := locker.Acquire(ctx, sweepLockName, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sched.RunNow(ctx); !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("err=%v, want ErrSweepInProgress", err)
	}
	if runs.RunCount() != 1 {
		t.Fatalf("sweep must not run while another process holds the lock")
	}
	if err := other.Release(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sched.RunNow(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs.RunCount() != 0 {
		t.Fatalf("runs=%d, want 0", runs.RunCount())
	}
	if _, err := locker.Acquire(ctx, sweepLockName, time.Minute); err != nil {
		t.Fatalf("lock should be released after the sweep: %v", err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	svc, _, _ := newTestService(t)
	sched, err := NewScheduler(svc, SchedulerConfig{Schedule: "@hourly"}, nil, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sched.Start(ctx); err == nil {
		t.Fatalf("second Start should fail")
	}
	sched.Stop()
	sched.Stop()
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	sched.Stop()
}
