package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// JobCategory classifies jobs for semaphore-based concurrency limits.
type JobCategory string

const (
	// CategoryHeavy is for jobs that scan whole tables.
	CategoryHeavy   JobCategory = "heavy"
	CategoryDefault JobCategory = "default"
)

// Run statuses recorded per job.
const (
	StatusCompleted          = "completed"
	StatusFailed             = "failed"
	StatusSkippedConcurrency = "skipped_concurrency"
	StatusSkippedDisabled    = "skipped_disabled"
)

// ErrUnknownJob is returned by RunNow for unregistered names.
var ErrUnknownJob = errors.New("unknown job")

// ErrBusy is returned by RunNow when the job's category has no free slot.
var ErrBusy = errors.New("job category at concurrency limit")

// Job defines a schedulable unit of work.
type Job struct {
	Name     string      // Unique job identifier.
	Cron     *CronExpr   // Parsed cron expression.
	Category JobCategory // For semaphore selection.
	Run      func(ctx context.Context) error
	// Enabled gates scheduled runs; nil means always. RunNow ignores it.
	Enabled func() bool
}

// MustJob builds a Job from a cron expression and panics on a bad one.
func MustJob(name, cron string, cat JobCategory, run func(ctx context.Context) error) *Job {
	expr, err := ParseCron(cron)
	if err != nil {
		panic(fmt.Sprintf("job %s: %v", name, err))
	}
	return &Job{Name: name, Cron: expr, Category: cat, Run: run}
}

// RunRecorder persists job outcomes.
type RunRecorder interface {
	UpsertScheduledJob(ctx context.Context, jobName, status, errText string, runAt time.Time) error
}

// Config holds scheduler settings.
type Config struct {
	TickInterval   time.Duration `json:"tickInterval"`
	MaxConcHeavy   int           `json:"maxConcHeavy"`
	MaxConcDefault int           `json:"maxConcDefault"`
	LockPath       string        `json:"lockPath"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		TickInterval:   60 * time.Second,
		MaxConcHeavy:   1,
		MaxConcDefault: 2,
		LockPath:       filepath.Join(home, ".synapse", "scheduler.lock"),
	}
}

// Scheduler manages job registration, tick dispatch, and concurrency control.
type Scheduler struct {
	cfg        Config
	recorder   RunRecorder
	jobs       map[string]*Job
	lastFired  map[string]time.Time
	mu         sync.RWMutex
	semaphores map[JobCategory]*Semaphore
	lock       *FileLock
	wg         sync.WaitGroup
}

// New creates a Scheduler. recorder may be nil.
func New(cfg Config, recorder RunRecorder) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcHeavy <= 0 {
		cfg.MaxConcHeavy = def.MaxConcHeavy
	}
	if cfg.MaxConcDefault <= 0 {
		cfg.MaxConcDefault = def.MaxConcDefault
	}
	if cfg.LockPath == "" {
		cfg.LockPath = def.LockPath
	}

	return &Scheduler{
		cfg:       cfg,
		recorder:  recorder,
		jobs:      make(map[string]*Job),
		lastFired: make(map[string]time.Time),
		semaphores: map[JobCategory]*Semaphore{
			CategoryHeavy:   NewSemaphore(cfg.MaxConcHeavy),
			CategoryDefault: NewSemaphore(cfg.MaxConcDefault),
		},
		lock: NewFileLock(cfg.LockPath),
	}
}

// Register adds a job to the scheduler.
func (s *Scheduler) Register(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	slog.Info("Scheduler job registered", "name", job.Name, "category", job.Category)
}

// Unregister removes a job by name.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
	delete(s.lastFired, name)
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Run starts the scheduler tick loop. Blocks until ctx is cancelled, then
// waits for in-flight jobs to observe the cancellation and return.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval, "jobs", len(s.Jobs()))
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case t := <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

// Wait blocks until every dispatched job has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// tick acquires the global file lock, then dispatches every job whose cron
// matches now and that has not fired in this minute yet.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("Scheduler lock error", "error", err)
		return
	}
	if !acquired {
		slog.Debug("Scheduler tick skipped: lock held by another process", "pid", s.lock.Holder())
		return
	}
	defer s.lock.Unlock()

	minute := now.Truncate(time.Minute)
	s.mu.Lock()
	var due []*Job
	for name, job := range s.jobs {
		if !job.Cron.Matches(now) || s.lastFired[name].Equal(minute) {
			continue
		}
		s.lastFired[name] = minute
		due = append(due, job)
	}
	s.mu.Unlock()

	for _, job := range due {
		if job.Enabled != nil && !job.Enabled() {
			s.record(job.Name, StatusSkippedDisabled, "", now)
			continue
		}
		s.dispatch(ctx, job, now)
	}
}

func (s *Scheduler) semaphore(cat JobCategory) *Semaphore {
	if sem := s.semaphores[cat]; sem != nil {
		return sem
	}
	return s.semaphores[CategoryDefault]
}

// dispatch runs a job asynchronously if a semaphore slot is available.
func (s *Scheduler) dispatch(ctx context.Context, job *Job, now time.Time) {
	sem := s.semaphore(job.Category)
	if !sem.TryAcquire() {
		slog.Warn("Scheduler job skipped: concurrency limit", "job", job.Name, "category", job.Category)
		s.record(job.Name, StatusSkippedConcurrency, "", now)
		return
	}

	slog.Info("Scheduler dispatching job", "job", job.Name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sem.Release()
		_ = s.execute(ctx, job, now)
	}()
}

// RunNow runs a registered job synchronously, bypassing its cron schedule
// and Enabled gate but not its concurrency cap.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	sem := s.semaphore(job.Category)
	if !sem.TryAcquire() {
		return fmt.Errorf("%w: %s", ErrBusy, name)
	}
	defer sem.Release()
	return s.execute(ctx, job, time.Now())
}

// RunNowWait is RunNow but waits for a free slot until ctx is done.
func (s *Scheduler) RunNowWait(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	sem := s.semaphore(job.Category)
	if err := sem.Acquire(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBusy, name, err)
	}
	defer sem.Release()
	return s.execute(ctx, job, time.Now())
}

func (s *Scheduler) execute(ctx context.Context, job *Job, at time.Time) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		if err != nil {
			slog.Warn("Scheduler job failed", "job", job.Name, "error", err, "duration", time.Since(start))
			s.record(job.Name, StatusFailed, err.Error(), at)
			return
		}
		slog.Debug("Scheduler job completed", "job", job.Name, "duration", time.Since(start))
		s.record(job.Name, StatusCompleted, "", at)
	}()
	return job.Run(ctx)
}

// record persists the run status (best-effort) on its own context so the
// outcome of a job cancelled at shutdown is still written.
func (s *Scheduler) record(name, status, errText string, at time.Time) {
	if s.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.UpsertScheduledJob(rctx, name, status, errText, at); err != nil {
		slog.Warn("Scheduler failed to record job run", "job", name, "error", err)
	}
}
