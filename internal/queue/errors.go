package queue

import "errors"

var (
	// ErrQueueUnavailable means no store backend is initialized; every
	// queue operation fails until that is resolved.
	ErrQueueUnavailable = errors.New("queue backend not initialized")

	// ErrInvalidInput rejects malformed enqueue requests synchronously.
	// No job record is created.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound means no job with the given id exists in the waiting
	// set, active slot, or bounded history.
	ErrNotFound = errors.New("job not found")

	// ErrEmpty is returned by Store.PopWaiting when no job is ready.
	ErrEmpty = errors.New("no waiting jobs")

	// ErrNotCancelable rejects cancellation of a job that is not waiting.
	// In-flight sends are never preempted and terminal jobs are immutable.
	ErrNotCancelable = errors.New("job cannot be cancelled")
)
