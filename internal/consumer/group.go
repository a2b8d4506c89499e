package consumer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridsignal/marketstream/internal/metrics"
)

// Group supervises the worker pool. A worker panic is fatal only to that
// worker's partition set: the supervisor logs it, waits out a short backoff
// and restarts the worker, which resumes from its last committed offset.
type Group struct {
	workers        []*Worker
	restartBackoff time.Duration
	logger         *zap.Logger

	wg sync.WaitGroup
}

// NewGroup builds a supervisor over the given workers.
func NewGroup(workers []*Worker, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{
		workers:        workers,
		restartBackoff: 2 * time.Second,
		logger:         logger,
	}
}

// Start launches every worker under supervision. It returns immediately;
// use Wait for the drain.
func (g *Group) Start(ctx context.Context) {
	for _, w := range g.workers {
		g.wg.Add(1)
		go g.supervise(ctx, w)
	}
}

// Wait blocks until all workers have drained after ctx cancellation, or
// until the hard deadline passes and remaining workers are abandoned to
// at-least-once replay.
func (g *Group) Wait(deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("consumer.group_drained")
	case <-time.After(deadline):
		g.logger.Warn("consumer.drain_deadline_exceeded")
	}
}

func (g *Group) supervise(ctx context.Context, w *Worker) {
	defer g.wg.Done()

	for {
		g.runContained(ctx, w)
		if ctx.Err() != nil {
			return
		}

		metrics.IncError("consumer", "worker_restarted")
		g.logger.Warn("consumer.worker_restarting",
			zap.String("worker", w.ID()),
			zap.Duration("backoff", g.restartBackoff))

		select {
		case <-time.After(g.restartBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// runContained isolates a worker crash so sibling partition sets keep
// flowing.
func (g *Group) runContained(ctx context.Context, w *Worker) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("consumer.worker_panic",
				zap.String("worker", w.ID()),
				zap.Any("panic", r))
		}
	}()
	w.Run(ctx)
}

// SplitZones assigns zones to n workers round-robin, yielding disjoint
// partition sets.
func SplitZones(zones []string, n int) [][]string {
	if n <= 0 {
		n = 1
	}
	if n > len(zones) {
		n = len(zones)
	}
	sets := make([][]string, n)
	for i, zone := range zones {
		sets[i%n] = append(sets[i%n], zone)
	}
	return sets
}
