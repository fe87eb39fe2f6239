package utils

import (
	"sync"
)

// WorkerPool distributes work closures across a fixed set of
// goroutines. The scanner uses it to run content hashing off the walk
// path.
type WorkerPool struct {
	workers   int
	workQueue chan func()
	wg        sync.WaitGroup
	running   bool
	mu        sync.RWMutex
}

// NewWorkerPool creates a pool with the given worker count. Counts
// below one are clamped to one. The queue is buffered at twice the
// worker count so submitters rarely block on a busy pool.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers:   workers,
		workQueue: make(chan func(), workers*2),
	}
}

// Start launches the worker goroutines. Idempotent.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}
	wp.running = true

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop drains the queue and waits for all workers to exit. No work may
// be submitted afterwards.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	close(wp.workQueue)
	wp.mu.Unlock()

	wp.wg.Wait()
}

// Submit enqueues a work item, blocking while the queue is full.
// Returns false if the pool is not running.
func (wp *WorkerPool) Submit(work func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running || work == nil {
		return false
	}
	wp.workQueue <- work
	return true
}

// TrySubmit enqueues a work item without blocking. Returns false when
// the queue is full or the pool is not running.
func (wp *WorkerPool) TrySubmit(work func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running || work == nil {
		return false
	}
	select {
	case wp.workQueue <- work:
		return true
	default:
		return false
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for work := range wp.workQueue {
		if work != nil {
			work()
		}
	}
}
