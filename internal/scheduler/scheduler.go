// Package scheduler hosts the server's periodic maintenance jobs:
// device timeout sweeps, broker health probes, stale-sensor checks,
// timer-triggered rule evaluation, and the opt-in retention jobs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobFunc is one maintenance pass. Errors are logged, never fatal;
// the job fires again on its next tick.
type JobFunc func(ctx context.Context) error

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
}

// Scheduler runs registered jobs on fixed intervals until stopped.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	jobs    []Job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
}

// Start launches one goroutine per job. Calling Start twice is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		if j.Interval <= 0 || j.Run == nil {
			s.logger.Warn("skipping misconfigured job", "job", j.Name)
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop cancels all jobs and waits for in-flight passes to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panic", "job", j.Name, "panic", r)
		}
	}()

	start := time.Now()
	if err := j.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("job failed", "job", j.Name, "error", err)
		return
	}
	s.logger.Debug("job completed", "job", j.Name, "duration", time.Since(start))
}
