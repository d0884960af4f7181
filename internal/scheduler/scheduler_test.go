package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type runRecord struct {
	job    string
	status string
	errMsg string
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []runRecord
}

func (f *fakeRecorder) UpsertScheduledJob(_ context.Context, jobName, status, errText string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, runRecord{job: jobName, status: status, errMsg: errText})
	return nil
}

func (f *fakeRecorder) statuses(job string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.runs {
		if r.job == job {
			out = append(out, r.status)
		}
	}
	return out
}

func (f *fakeRecorder) count(status string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.runs {
		if r.status == status {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T, heavy, def int) (*Scheduler, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	s := New(Config{
		TickInterval:   50 * time.Millisecond,
		MaxConcHeavy:   heavy,
		MaxConcDefault: def,
		LockPath:       t.TempDir() + "/test.lock",
	}, rec)
	return s, rec
}

func TestSchedulerTickRunsMatchingJob(t *testing.T) {
	s, rec := newTestScheduler(t, 1, 2)

	var runs atomic.Int32
	s.Register(MustJob("every-minute", "* * * * *", CategoryDefault, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	now := time.Date(2026, 2, 15, 12, 30, 0, 0, time.UTC)
	s.tick(context.Background(), now)
	s.Wait()

	if runs.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", runs.Load())
	}
	if got := rec.statuses("every-minute"); len(got) != 1 || got[0] != StatusCompleted {
		t.Fatalf("expected [completed], got %v", got)
	}
}

func TestSchedulerFiresOncePerMinute(t *testing.T) {
	s, _ := newTestScheduler(t, 1, 2)

	var runs atomic.Int32
	s.Register(MustJob("dedup", "* * * * *", CategoryDefault, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx := context.Background()
	base := time.Date(2026, 2, 15, 12, 30, 0, 0, time.UTC)
	s.tick(ctx, base)
	s.tick(ctx, base.Add(20*time.Second))
	s.tick(ctx, base.Add(40*time.Second))
	s.Wait()
	if runs.Load() != 1 {
		t.Fatalf("expected one run within the minute, got %d", runs.Load())
	}

	s.tick(ctx, base.Add(time.Minute))
	s.Wait()
	if runs.Load() != 2 {
		t.Fatalf("expected a second run in the next minute, got %d", runs.Load())
	}
}

func TestSchedulerNonMatchingJobNotDispatched(t *testing.T) {
	s, rec := newTestScheduler(t, 1, 2)

	var runs atomic.Int32
	s.Register(MustJob("midnight-only", "0 0 * * *", CategoryDefault, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	noon := time.Date(2026, 2, 15, 12, 30, 0, 0, time.UTC)
	s.tick(context.Background(), noon)
	s.Wait()

	if runs.Load() != 0 {
		t.Errorf("expected 0 runs at noon, got %d", runs.Load())
	}
	if got := rec.statuses("midnight-only"); len(got) != 0 {
		t.Errorf("expected nothing recorded, got %v", got)
	}
}

func TestSchedulerDisabledJobRecordedAsSkipped(t *testing.T) {
	s, rec := newTestScheduler(t, 1, 2)

	job := MustJob("gated", "* * * * *", CategoryDefault, func(context.Context) error {
		t.Error("disabled job must not run")
		return nil
	})
	job.Enabled = func() bool { return false }
	s.Register(job)

	s.tick(context.Background(), time.Date(2026, 2, 15, 12, 30, 0, 0, time.UTC))
	s.Wait()

	if got := rec.statuses("gated"); len(got) != 1 || got[0] != StatusSkippedDisabled {
		t.Fatalf("expected [skipped_disabled], got %v", got)
	}
}

func TestSchedulerCategoryCapSkipsOverflow(t *testing.T) {
	s, rec := newTestScheduler(t, 1, 2)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	block := func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}
	s.Register(MustJob("heavy-a", "* * * * *", CategoryHeavy, block))
	s.Register(MustJob("heavy-b", "* * * * *", CategoryHeavy, block))

	s.tick(context.Background(), time.Date(2026, 2, 15, 12, 30, 0, 0, time.UTC))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("expected one heavy job to start")
	}
	close(release)
	s.Wait()

	if n := rec.count(StatusSkippedConcurrency); n != 1 {
		t.Fatalf("expected 1 skipped_concurrency, got %d", n)
	}
	if n := rec.count(StatusCompleted); n != 1 {
		t.Fatalf("expected 1 completed, got %d", n)
	}
}

func TestSchedulerRecordsFailuresAndPanics(t *testing.T) {
	s, rec := newTestScheduler(t, 1, 2)

	s.Register(MustJob("fails", "* * * * *", CategoryDefault, func(context.Context) error {
		return errors.New("boom")
	}))
	s.Register(MustJob("panics", "* * * * *", CategoryDefault, func(context.Context) error {
		panic("kaboom")
	}))

	s.tick(context.Background(), time.Date(2026, 2, 15, 12, 30, 0, 0, time.UTC))
	s.Wait()

	if got := rec.statuses("fails"); len(got) != 1 || got[0] != StatusFailed {
		t.Fatalf("expected fails -> [failed], got %v", got)
	}
	if got := rec.statuses("panics"); len(got) != 1 || got[0] != StatusFailed {
		t.Fatalf("expected panics -> [failed], got %v", got)
	}
}

func TestSchedulerRunNow(t *testing.T) {
	s, rec := newTestScheduler(t, 1, 2)

	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}

	job := MustJob("manual", "0 0 1 1 *", CategoryHeavy, func(context.Context) error { return nil })
	job.Enabled = func() bool { return false }
	s.Register(job)

	if err := s.RunNow(context.Background(), "manual"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if got := rec.statuses("manual"); len(got) != 1 || got[0] != StatusCompleted {
		t.Fatalf("expected [completed], got %v", got)
	}

	sem := s.semaphore(CategoryHeavy)
	if !sem.TryAcquire() {
		t.Fatal("expected to take the only heavy slot")
	}
	defer sem.Release()
	if err := s.RunNow(context.Background(), "manual"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	s, _ := newTestScheduler(t, 1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSchedulerJobsSortedAndUnregister(t *testing.T) {
	s, _ := newTestScheduler(t, 1, 2)
	noop := func(context.Context) error { return nil }
	s.Register(MustJob("b", "* * * * *", CategoryDefault, noop))
	s.Register(MustJob("a", "* * * * *", CategoryDefault, noop))

	jobs := s.Jobs()
	if len(jobs) != 2 || jobs[0].Name != "a" || jobs[1].Name != "b" {
		t.Fatalf("unexpected job order: %v", jobs)
	}
	s.Unregister("a")
	if len(s.Jobs()) != 1 {
		t.Fatalf("expected 1 job after unregister, got %d", len(s.Jobs()))
	}
}

func TestMustJobPanicsOnBadCron(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for invalid cron")
		}
	}()
	MustJob("bad", "not a cron", CategoryDefault, func(context.Context) error { return nil })
}

func TestSchedulerLockPreventsOverlap(t *testing.T) {
	lockPath := t.TempDir() + "/overlap.lock"

	rec := &fakeRecorder{}
	s1 := New(Config{MaxConcDefault: 5, LockPath: lockPath}, rec)
	s2 := New(Config{MaxConcDefault: 5, LockPath: lockPath}, rec)

	var runs atomic.Int32
	s2.Register(MustJob("overlap", "* * * * *", CategoryDefault, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	acquired, err := s1.lock.TryLock()
	if err != nil || !acquired {
		t.Fatal("s1 should acquire lock")
	}
	if got := s2.lock.Holder(); got != os.Getpid() {
		t.Errorf("lock holder = %d, want %d", got, os.Getpid())
	}

	now := time.Date(2026, 2, 15, 12, 30, 0, 0, time.UTC)
	s2.tick(context.Background(), now)
	s2.Wait()
	if runs.Load() != 0 {
		t.Errorf("s2 must not dispatch while s1 holds the lock, got %d runs", runs.Load())
	}

	s1.lock.Unlock()

	s2.tick(context.Background(), now)
	s2.Wait()
	if runs.Load() != 1 {
		t.Errorf("s2 should dispatch after s1 released, got %d runs", runs.Load())
	}
}

func TestSemaphoreConcurrencyLimit(t *testing.T) {
	sem := NewSemaphore(2)

	if !sem.TryAcquire() {
		t.Error("first acquire should succeed")
	}
	if !sem.TryAcquire() {
		t.Error("second acquire should succeed")
	}
	if sem.TryAcquire() {
		t.Error("third acquire should fail (cap=2)")
	}
	if sem.Available() != 0 {
		t.Errorf("Available() = %d, want 0", sem.Available())
	}

	sem.Release()
	if sem.Available() != 1 {
		t.Errorf("Available() = %d, want 1", sem.Available())
	}
	if !sem.TryAcquire() {
		t.Error("acquire after release should succeed")
	}
}

func TestSemaphoreAcquireHonoursContext(t *testing.T) {
	sem := NewSemaphore(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	got := make(chan error, 1)
	go func() { got <- sem.Acquire(context.Background()) }()
	sem.Release()
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("Acquire after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestSemaphoreReleaseWithoutAcquirePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewSemaphore(1).Release()
}

func TestSchedulerRunNowWait(t *testing.T) {
	s, rec := newTestScheduler(t, 1, 2)
	if err := s.RunNowWait(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
	s.Register(MustJob("manual", "0 0 1 1 *", CategoryHeavy, func(context.Context) error { return nil }))

	sem := s.semaphore(CategoryHeavy)
	if !sem.TryAcquire() {
		t.Fatal("expected to take the only heavy slot")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.RunNowWait(ctx, "manual"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy after timeout, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNowWait(context.Background(), "manual") }()
	sem.Release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunNowWait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunNowWait did not run after the slot freed")
	}
	if got := rec.statuses("manual"); len(got) != 1 || got[0] != StatusCompleted {
		t.Fatalf("expected [completed], got %v", got)
	}
}
