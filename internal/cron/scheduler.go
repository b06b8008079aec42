// Package cron runs the background maintenance jobs on cron-expression
// schedules: surfacing stale enforcement tasks and pruning old webhook
// delivery records.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one scheduled unit of work.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// Scheduler ticks once a minute and fires every job whose expression is
// due. Jobs run concurrently; a slow job never delays the others.
type Scheduler struct {
	gron *gronx.Gronx

	mu   sync.Mutex
	jobs []Job
}

func New() *Scheduler {
	return &Scheduler{gron: gronx.New()}
}

// Add registers a job. Invalid expressions are rejected up front.
func (s *Scheduler) Add(name, expr string, run func(ctx context.Context) error) error {
	if !s.gron.IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q for job %s", expr, name)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, Job{Name: name, Expr: expr, Run: run})
	s.mu.Unlock()
	return nil
}

// Start blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	slog.Info("scheduler started", "jobs", len(s.jobs))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.runDue(ctx, now)
		}
	}
}

// runDue fires every job due at the given instant.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	jobs := make([]Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, job := range jobs {
		due, err := s.gron.IsDue(job.Expr, now)
		if err != nil || !due {
			continue
		}
		go func(j Job) {
			start := time.Now()
			if err := j.Run(ctx); err != nil {
				slog.Error("cron job failed", "job", j.Name, "error", err)
				return
			}
			slog.Debug("cron job done", "job", j.Name, "took", time.Since(start))
		}(job)
	}
}
