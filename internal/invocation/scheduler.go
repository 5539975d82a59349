package invocation

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Scheduler runs EVENTUAL invocations outside the caller's request.
type Scheduler interface {
	Schedule(ctx context.Context, job func(ctx context.Context))
}

// SyncScheduler runs every job inline before Schedule returns.
type SyncScheduler struct{}

// Schedule runs job immediately.
func (SyncScheduler) Schedule(ctx context.Context, job func(ctx context.Context)) {
	job(ctx)
}

// ScheduledGauge tracks how many jobs are queued or running.
// observability.Metrics implements it.
type ScheduledGauge interface {
	AddScheduled(delta float64)
}

type nopGauge struct{}

func (nopGauge) AddScheduled(float64) {}

// AsyncScheduler runs jobs on a bounded pool of goroutines. Schedule blocks
// while every worker is busy. Jobs are detached from the caller's
// cancellation but keep its values.
type AsyncScheduler struct {
	group *errgroup.Group
	gauge ScheduledGauge
}

// NewAsyncScheduler creates a scheduler with at most workers concurrent
// jobs. A nil gauge disables the queue metric.
func NewAsyncScheduler(workers int, gauge ScheduledGauge) *AsyncScheduler {
	g := &errgroup.Group{}
	if workers > 0 {
		g.SetLimit(workers)
	}
	if gauge == nil {
		gauge = nopGauge{}
	}
	return &AsyncScheduler{group: g, gauge: gauge}
}

// Schedule queues job on the pool.
func (s *AsyncScheduler) Schedule(ctx context.Context, job func(ctx context.Context)) {
	detached := context.WithoutCancel(ctx)
	s.gauge.AddScheduled(1)
	s.group.Go(func() error {
		defer s.gauge.AddScheduled(-1)
		job(detached)
		return nil
	})
}

// Wait blocks until every scheduled job has finished.
func (s *AsyncScheduler) Wait() {
	_ = s.group.Wait()
}
