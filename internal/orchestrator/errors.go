package orchestrator

import "errors"

var (
	// ErrInvalidRequest rejects a submission; no job is created.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidConfig fails construction.
	ErrInvalidConfig = errors.New("invalid config")
	ErrNotFound      = errors.New("job not found")
	// ErrQueueFull is returned by Submit when a queue depth limit is set and reached.
	ErrQueueFull = errors.New("queue is full")
	// ErrNotTerminal is returned when evicting a job that is still queued or running.
	ErrNotTerminal = errors.New("job has not finished")
	ErrClosed      = errors.New("orchestrator is shut down")
)
