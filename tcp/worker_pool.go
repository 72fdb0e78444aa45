package tcp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpwire/mcpwire/internal/monitoring"
	"github.com/rs/zerolog"
)

// Task is a work item for the worker pool: one per-connection handler run.
type Task func()

// WorkerPool runs handler tasks on a bounded set of goroutines.
//
// Backpressure is by dropping: when the queue is full, Submit refuses the
// task instead of spawning a goroutine, so a connection burst degrades into
// rejected connections rather than unbounded memory growth. The pool can be
// resized between its bounds at runtime; the monitor loop does this from the
// observed queue depth and CPU load.
type WorkerPool struct {
	mu      sync.Mutex
	current int // target worker count
	min     int
	max     int

	taskQueue chan Task
	quit      chan struct{} // one token retires one worker
	stopMu    sync.RWMutex  // orders Submit's send against Stop's close
	stopped   atomic.Bool
	wg        sync.WaitGroup

	droppedTasks atomic.Int64
	logger       zerolog.Logger
}

// NewWorkerPool creates a pool with workerCount initial workers and the given
// queue capacity. The pool may later shrink to min or grow to max via
// SmartAdjust.
func NewWorkerPool(workerCount, min, max, queueSize int, logger zerolog.Logger) *WorkerPool {
	if min < 1 {
		min = 1
	}
	if max < workerCount {
		max = workerCount
	}
	if workerCount < min {
		workerCount = min
	}

	return &WorkerPool{
		current:   workerCount,
		min:       min,
		max:       max,
		taskQueue: make(chan Task, queueSize),
		quit:      make(chan struct{}, max),
		logger:    logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the initial workers. Call once.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	n := wp.current
	wp.mu.Unlock()
	for i := 0; i < n; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.quit:
			return
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			if task == nil {
				continue
			}
			wp.run(task)
		}
	}
}

// run executes one task with panic recovery; a handler bug costs one task,
// not one worker.
func (wp *WorkerPool) run(task Task) {
	defer monitoring.RecoverPanic(wp.logger, "worker", nil)
	task()
}

// Submit enqueues a task. Returns false when the queue is full or the pool
// is stopped; the caller decides what to do with the refused work.
func (wp *WorkerPool) Submit(task Task) bool {
	// The read lock pins the queue open: Stop cannot close it between the
	// stopped check and the send, so Submit never panics on a closed channel.
	wp.stopMu.RLock()
	defer wp.stopMu.RUnlock()

	if wp.stopped.Load() {
		return false
	}
	select {
	case wp.taskQueue <- task:
		return true
	default:
		wp.droppedTasks.Add(1)
		monitoring.RecordDroppedTask()
		return false
	}
}

// SmartAdjust resizes the pool from the queue depth and the host CPU load.
// A backed-up queue grows the pool unless the CPU is already saturated; an
// empty queue shrinks it back toward min. Growth and shrink both move by
// halves so one noisy sample cannot slam the pool between its bounds.
func (wp *WorkerPool) SmartAdjust(cpuPercent float64) {
	depth := len(wp.taskQueue)
	capacity := cap(wp.taskQueue)

	wp.mu.Lock()
	defer wp.mu.Unlock()

	target := wp.current
	switch {
	case capacity > 0 && depth > capacity/2 && cpuPercent < 85:
		target = wp.current + wp.current/2
		if target > wp.max {
			target = wp.max
		}
	case depth == 0 && wp.current > wp.min:
		target = wp.current - wp.current/4
		if target < wp.min {
			target = wp.min
		}
	}

	if target == wp.current {
		return
	}

	wp.logger.Info().
		Int("from", wp.current).
		Int("to", target).
		Int("queue_depth", depth).
		Float64("cpu", cpuPercent).
		Msg("Resizing worker pool")

	for ; wp.current < target; wp.current++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	for ; wp.current > target; wp.current-- {
		wp.quit <- struct{}{}
	}
}

// StopWithTimeout drains the pool: no new tasks are accepted, workers finish
// what is queued, and after the grace period any stragglers are abandoned
// (their goroutines exit when their current task returns). Returns true if
// the pool drained within the grace period. Idempotent.
func (wp *WorkerPool) StopWithTimeout(grace time.Duration) bool {
	wp.stopMu.Lock()
	if !wp.stopped.CompareAndSwap(false, true) {
		wp.stopMu.Unlock()
		return true
	}
	close(wp.taskQueue)
	wp.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		wp.logger.Warn().
			Dur("grace", grace).
			Msg("Worker pool did not drain within grace period, abandoning")
		return false
	}
}

// Workers returns the current target worker count.
func (wp *WorkerPool) Workers() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.current
}

// QueueDepth returns the number of queued tasks.
func (wp *WorkerPool) QueueDepth() int {
	return len(wp.taskQueue)
}

// DroppedTasks returns the total number of refused submissions.
func (wp *WorkerPool) DroppedTasks() int64 {
	return wp.droppedTasks.Load()
}
