// Package driver runs the periodic background jobs: one ticker loop per
// job, each run recorded in metrics.
package driver

import (
	"context"
	"sync"
	"time"

	"github.com/taskmgr818/treeforge/internal/metrics"
	"go.uber.org/zap"
)

// Job is one periodic unit of work. Run returns how many items it touched.
type Job struct {
	Name       string
	Interval   time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) (int, error)
}

// Runner owns the job loops.
type Runner struct {
	jobs []Job
	log  *zap.Logger
	wg   sync.WaitGroup
}

// NewRunner creates an empty Runner.
func NewRunner(log *zap.Logger) *Runner {
	return &Runner{log: log.Named("driver")}
}

// Add registers job. Jobs with a non-positive interval are skipped.
func (r *Runner) Add(job Job) {
	if job.Interval <= 0 {
		r.log.Info("job disabled", zap.String("job", job.Name))
		return
	}
	r.jobs = append(r.jobs, job)
}

// Jobs returns the registered job names.
func (r *Runner) Jobs() []string {
	names := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		names[i] = j.Name
	}
	return names
}

// Start launches every job loop. They stop when ctx is cancelled; Wait
// blocks until they have.
func (r *Runner) Start(ctx context.Context) {
	for _, job := range r.jobs {
		r.wg.Add(1)
		go func(job Job) {
			defer r.wg.Done()
			r.loop(ctx, job)
		}(job)
	}
}

// Wait blocks until all loops have returned.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	r.log.Info("job started", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	if job.RunAtStart {
		r.RunOnce(ctx, job)
	}
	for {
		select {
		case <-ctx.Done():
			r.log.Info("job stopped", zap.String("job", job.Name))
			return
		case <-ticker.C:
			r.RunOnce(ctx, job)
		}
	}
}

// RunOnce runs job a single time. A panic is recovered and counted as an
// error so one bad run does not stop the loop.
func (r *Runner) RunOnce(ctx context.Context, job Job) (n int, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("job panicked", zap.String("job", job.Name), zap.Any("panic", p))
			metrics.DriverRuns.WithLabelValues(job.Name, "panic").Inc()
		}
	}()

	n, err = job.Run(ctx)
	if err != nil {
		metrics.DriverRuns.WithLabelValues(job.Name, "error").Inc()
		r.log.Error("job failed", zap.String("job", job.Name), zap.Error(err))
		return n, err
	}
	metrics.DriverRuns.WithLabelValues(job.Name, "ok").Inc()
	if n > 0 {
		r.log.Info("job run",
			zap.String("job", job.Name),
			zap.Int("items", n),
			zap.Duration("took", time.Since(start)),
		)
	}
	return n, nil
}
