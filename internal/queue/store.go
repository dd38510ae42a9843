package queue

import (
	"context"
	"time"
)

// Backend identifiers reported through the facade.
const (
	BackendMemory  = "memory"
	BackendDurable = "durable"
)

// Counts holds per-state job counts.
type Counts struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
}

// CleanResult reports how many history entries a Clean pass removed.
type CleanResult struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Store is the job store capability interface. Two implementations exist:
// the in-process MemoryStore and the Redis-backed DurableStore. The facade
// holds only this interface; callers never branch on the backend.
//
// Semantics shared by both implementations:
//   - PopWaiting returns the ready waiting job with the highest priority,
//     FIFO within a tier, or ErrEmpty. Jobs under a retry-backoff gate
//     (NotBefore in the future) are not ready.
//   - Requeue re-inserts a job at the back of its priority tier by
//     assigning a fresh sequence number.
//   - Update persists the job; moving a job into a terminal state places
//     it in that state's bounded history (oldest terminal jobs are evicted
//     beyond the limit).
//   - Reads return copies; a status query never observes a torn write of
//     the job the worker is mutating.
type Store interface {
	Backend() string

	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, j *Job) error

	PopWaiting(ctx context.Context) (*Job, error)
	Requeue(ctx context.Context, j *Job, delay time.Duration) error
	RemoveWaiting(ctx context.Context, id string) (bool, error)

	// ListByState returns the jobs currently in the given state. Waiting
	// jobs come back in dequeue order; terminal jobs newest-first.
	ListByState(ctx context.Context, state JobState) ([]*Job, error)

	Counts(ctx context.Context) (Counts, error)
	Clean(ctx context.Context, olderThan time.Duration) (CleanResult, error)
}
