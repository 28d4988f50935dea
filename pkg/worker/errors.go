package worker

import "errors"

var (
	// ErrPoolNotStarted is returned by Submit before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStopped is returned by Submit after Shutdown
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrQueueFull is returned when the work queue is at capacity
	ErrQueueFull = errors.New("worker pool queue full")
	// ErrTaskPanic resolves the future of a task that panicked
	ErrTaskPanic = errors.New("task panicked")
	// ErrStopTimeout is returned when Shutdown gives up waiting for the drain
	ErrStopTimeout = errors.New("timeout waiting for workers to drain")
)
