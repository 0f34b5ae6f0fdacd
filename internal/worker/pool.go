package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/oscredits/credits-plane/pkg/metrics"
)

// ProcessFunc handles one raw line-protocol record. A returned error
// means the task failed in a way the pipeline could not absorb; it is
// counted and logged, and the worker moves on to the next task.
type ProcessFunc func(ctx context.Context, line string) error

// Pool runs a fixed number of workers draining a Queue.
type Pool struct {
	queue   *Queue
	process ProcessFunc
	workers int
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool of n workers feeding tasks into process.
func NewPool(n int, queue *Queue, process ProcessFunc, logger *zap.Logger) *Pool {
	return &Pool{
		queue:   queue,
		process: process,
		workers: n,
		logger:  logger,
	}
}

// Start launches the workers. They run until Stop is called.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.run(ctx, name)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.workers))
}

// Stop drains the queue and shuts the workers down. It first waits,
// bounded by ctx, for every queued task to be marked done; then it
// cancels the workers' dequeue loops and waits for them to exit. Tasks
// already handed to a worker always run to completion since the billing
// critical section must not be torn mid-flight.
func (p *Pool) Stop(ctx context.Context) error {
	err := p.queue.Join(ctx)
	if err != nil {
		p.logger.Warn("queue not drained before shutdown",
			zap.Int("remaining", p.queue.Len()),
			zap.Error(err),
		)
	}

	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) run(ctx context.Context, name string) {
	defer p.wg.Done()
	logger := p.logger.With(zap.String("worker", name))
	logger.Debug("worker started")

	for {
		line, err := p.queue.Get(ctx)
		if err != nil {
			logger.Debug("worker exiting", zap.Error(err))
			return
		}
		p.handle(ctx, logger, line)
	}
}

// handle runs one task. The task context is shielded from pool
// cancellation: once a line is dequeued its billing transition either
// completes or fails on its own terms, never because shutdown started
// halfway through.
func (p *Pool) handle(ctx context.Context, logger *zap.Logger, line string) {
	defer p.queue.TaskDone()

	taskLogger := logger.With(zap.String("task_id", TaskID(line)))
	start := time.Now()

	if err := p.process(context.WithoutCancel(ctx), line); err != nil {
		metrics.WorkerExceptions.Inc()
		taskLogger.Error("task failed",
			zap.String("line", line),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}

	taskLogger.Debug("task finished", zap.Duration("elapsed", time.Since(start)))
}

// TaskID derives a stable correlation id from the raw record so that
// all log lines of one task can be grepped together, and a re-submitted
// record maps to the same id.
func TaskID(line string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(line))[:12]
}
