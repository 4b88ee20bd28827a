// ============================================================================
// Effect worker
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: runs effect tasks from the pool's task channel, one at a time
//
// Loop:
//   for task := range taskCh
//     ├─ context with the task timeout (or the pool context)
//     ├─ run the task, recovering panics as errors
//     └─ report the Result through the pool's result hook
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker is one goroutine of the pool.
type Worker struct {
	id     int
	ctx    context.Context
	taskCh <-chan Task
	report func(Result)
}

func newWorker(ctx context.Context, id int, taskCh <-chan Task, report func(Result)) *Worker {
	return &Worker{
		id:     id,
		ctx:    ctx,
		taskCh: taskCh,
		report: report,
	}
}

// Run executes tasks until the task channel is closed.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := w.ctx, context.CancelFunc(func() {})
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(w.ctx, task.Timeout)
		}
		err := w.execute(ctx, task)
		cancel()

		w.report(Result{
			ID:       task.ID,
			Kind:     task.Kind,
			Error:    err,
			Duration: time.Since(start),
		})
	}
}

// execute runs one task. A panic is returned as an error so the worker
// survives a broken effect.
func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effect %s panicked: %v", task.Kind, r)
		}
	}()
	if task.Run == nil {
		return nil
	}
	return task.Run(ctx)
}
