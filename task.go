package metronome

import "context"

// Task is the unit of work a Scheduler fires once per cycle.
//
// The context passed by the timing loop is canceled when Stop begins; a
// long-running task should treat that as a hint to wind down. The loop
// never aborts a run — it always waits for Run to return.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }
