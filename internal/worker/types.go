package worker

import (
	"context"
	"time"
)

// Task is one side effect to run.
type Task struct {
	ID      string                          // watched message or job id, for logs
	Kind    string                          // effect kind, e.g. "pending", "success"
	Run     func(ctx context.Context) error // the effect
	Timeout time.Duration                   // zero means no timeout
}

// Result reports how a task ended.
type Result struct {
	ID       string
	Kind     string
	Error    error
	Duration time.Duration
}
