package ingest

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of work run by the pool.
type Task func()

// WorkerPool runs tasks on a fixed number of goroutines fed by a bounded
// queue. When the queue is full, Submit drops the task instead of blocking
// the consumer.
type WorkerPool struct {
	workerCount int
	taskQueue   chan Task
	logger      zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	dropped atomic.Int64
	panics  atomic.Int64
}

// NewWorkerPool creates a pool. workerCount and queueSize are raised to 1
// when lower.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the workers. Later calls are ignored.
func (wp *WorkerPool) Start(ctx context.Context) {
	if !wp.started.CompareAndSwap(false, true) {
		return
	}
	wp.ctx, wp.cancel = context.WithCancel(ctx)

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task := <-wp.taskQueue:
			wp.run(task)
		case <-wp.ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) run(task Task) {
	if task == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			wp.panics.Add(1)
			wp.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Worker panic recovered - task failed but worker continues")
		}
	}()
	task()
}

// Submit queues task and reports whether it was accepted. A full queue or a
// stopped pool drops the task.
func (wp *WorkerPool) Submit(task Task) bool {
	if wp.stopped.Load() {
		wp.dropped.Add(1)
		return false
	}
	select {
	case wp.taskQueue <- task:
		return true
	default:
		wp.dropped.Add(1)
		return false
	}
}

// Stop cancels the workers and waits for running tasks to finish. Tasks
// still queued are discarded and counted as dropped. Safe to call more than
// once.
func (wp *WorkerPool) Stop() {
	if !wp.stopped.CompareAndSwap(false, true) {
		return
	}
	if wp.cancel != nil {
		wp.cancel()
	}
	wp.wg.Wait()

	for {
		select {
		case <-wp.taskQueue:
			wp.dropped.Add(1)
		default:
			return
		}
	}
}

// Dropped returns how many tasks were never run.
func (wp *WorkerPool) Dropped() int64 { return wp.dropped.Load() }

// Panics returns how many tasks panicked.
func (wp *WorkerPool) Panics() int64 { return wp.panics.Load() }

func (wp *WorkerPool) QueueDepth() int { return len(wp.taskQueue) }

func (wp *WorkerPool) QueueCapacity() int { return cap(wp.taskQueue) }
