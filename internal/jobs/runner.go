// Package jobs runs periodic tasks with bounded concurrency.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/atmx/hedge-engine/internal/correlation"
	"github.com/atmx/hedge-engine/internal/metrics"
)

// Task is one unit of scheduled work. The context carries a tick-scoped
// correlation id.
type Task func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	task     Task
}

// Runner fires each registered task on its own interval. Ticks of the same
// job may overlap; the total number of running tasks is capped by the pool.
// A tick that cannot get a pool slot is skipped, and the next tick retries.
type Runner struct {
	sem  *semaphore.Weighted
	jobs []job
	wg   sync.WaitGroup
}

// NewRunner creates a runner with poolSize concurrent task slots.
func NewRunner(poolSize int64) *Runner {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Runner{sem: semaphore.NewWeighted(poolSize)}
}

// Add registers a task. It must be called before Run.
func (r *Runner) Add(name string, interval time.Duration, task Task) {
	r.jobs = append(r.jobs, job{name: name, interval: interval, task: task})
}

// Run blocks until ctx is done, then waits for in-flight tasks to finish.
func (r *Runner) Run(ctx context.Context) {
	var tickers sync.WaitGroup
	for _, j := range r.jobs {
		tickers.Add(1)
		go func(j job) {
			defer tickers.Done()
			r.loop(ctx, j)
		}(j)
	}
	tickers.Wait()
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, j job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.sem.TryAcquire(1) {
				metrics.JobRuns.WithLabelValues(j.name, "skipped").Inc()
				slog.Warn("job skipped, pool exhausted", "job", j.name)
				continue
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer r.sem.Release(1)
				r.RunOnce(ctx, j.name, j.task)
			}()
		}
	}
}

// RunOnce executes task once with a fresh correlation id, recording the
// outcome. It is what every tick calls.
func (r *Runner) RunOnce(ctx context.Context, name string, task Task) error {
	id := correlation.New()
	ctx = correlation.WithID(ctx, id)

	start := time.Now()
	err := task(ctx)
	metrics.JobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.JobRuns.WithLabelValues(name, "ok").Inc()
	case errors.Is(err, context.Canceled):
		metrics.JobRuns.WithLabelValues(name, "canceled").Inc()
	default:
		metrics.JobRuns.WithLabelValues(name, "error").Inc()
		slog.Error("job failed", "job", name, "correlation_id", id, "err", err)
	}
	return err
}
