// ============================================================================
// Effect worker pool
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: runs side effects off the socket read goroutine
//
// Architecture:
//   ┌─────────────┐
//   │  Watcher    │ --Submit()--> taskCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh ──→ OnResult hook
//   │  └────────┘ │
//   └─────────────┘
//
// Ordering:
//   With one worker tasks run in submission order. The watcher relies on
//   this so a message's effects follow its frames.
//
// Lifecycle:
//   1. NewPool() - create channels
//   2. Start(n) - start n workers
//   3. Submit(task) - queue a task, blocking while the buffer is full
//   4. Drain() - wait until every submitted task finished
//   5. Stop() - close taskCh and wait for the workers
//
// Shutdown:
//   Submit holds the read lock while sending, Stop takes the write lock
//   before closing taskCh, so a send never races the close.
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	workers []*Worker
	taskCh  chan Task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	// OnResult is called after every task, on the worker goroutine.
	OnResult func(Result)

	idleMu   sync.Mutex
	idleCond *sync.Cond
	inflight int
}

// NewPool creates a pool whose task buffer holds bufferSize tasks.
func NewPool(bufferSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, bufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.idleCond = sync.NewCond(&p.idleMu)
	return p
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(p.ctx, i, p.taskCh, p.finish)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit queues task.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	p.idleMu.Lock()
	p.inflight++
	p.idleMu.Unlock()

	p.taskCh <- task
	return nil
}

func (p *Pool) finish(r Result) {
	if p.OnResult != nil {
		p.OnResult(r)
	}
	p.idleMu.Lock()
	p.inflight--
	if p.inflight == 0 {
		p.idleCond.Broadcast()
	}
	p.idleMu.Unlock()
}

// Drain blocks until every submitted task has finished.
func (p *Pool) Drain() {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	for p.inflight > 0 {
		p.idleCond.Wait()
	}
}

// Stop runs the queued tasks to completion and stops the workers. Running
// tasks see their context canceled.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
