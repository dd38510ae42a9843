package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mail-dispatch/internal/config"
	"github.com/ignite/mail-dispatch/internal/pkg/logger"
)

// DefaultMaxAttempts bounds retries when a job doesn't specify its own.
const DefaultMaxAttempts = 3

// DefaultMaxBulkRecipients caps the recipient list of one bulk job.
const DefaultMaxBulkRecipients = 10000

// AddOptions are per-enqueue knobs.
type AddOptions struct {
	Priority    int           // higher is served first
	Delay       time.Duration // earliest-start gate
	MaxAttempts int           // 0 means DefaultMaxAttempts
}

// Queue is the single entry point around the store and the dispatcher.
// It hides which backend is active; callers never branch on it.
type Queue struct {
	store      Store
	dispatcher *Dispatcher
	maxBulk    int
	log        *logger.Logger
}

// New assembles a queue facade over an initialized store and dispatcher.
func New(store Store, dispatcher *Dispatcher, maxBulkRecipients int) *Queue {
	if maxBulkRecipients <= 0 {
		maxBulkRecipients = DefaultMaxBulkRecipients
	}
	return &Queue{
		store:      store,
		dispatcher: dispatcher,
		maxBulk:    maxBulkRecipients,
		log:        logger.Component("queue"),
	}
}

// OpenStore probes the durable backend and falls back to memory when it is
// unreachable. The returned client is nil for the memory backend.
func OpenStore(ctx context.Context, cfg config.QueueConfig) (Store, *redis.Client) {
	log := logger.Component("queue")

	if cfg.RedisAddr == "" {
		log.Info("no redis address configured, using in-memory store")
		return NewMemoryStore(cfg.HistoryLimit), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable, falling back to in-memory store",
			"addr", cfg.RedisAddr, "error", err)
		rdb.Close()
		return NewMemoryStore(cfg.HistoryLimit), nil
	}

	log.Info("using durable redis store", "addr", cfg.RedisAddr)
	return NewDurableStore(rdb, cfg.HistoryLimit), rdb
}

// Start launches the dispatch worker.
func (q *Queue) Start() {
	if q.dispatcher != nil {
		q.dispatcher.Start()
	}
}

// Stop shuts the dispatch worker down, waiting for in-flight work.
func (q *Queue) Stop() {
	if q.dispatcher != nil {
		q.dispatcher.Stop()
	}
}

func (q *Queue) newJob(kind JobKind, opts AddOptions) *Job {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	j := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		State:       StateWaiting,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}
	if opts.Delay > 0 {
		j.NotBefore = j.CreatedAt.Add(opts.Delay)
	}
	return j
}

// AddSingle enqueues a single-email job. Validation failures are
// synchronous and create no job record.
func (q *Queue) AddSingle(ctx context.Context, payload SinglePayload, opts AddOptions) (*Job, error) {
	if q.store == nil {
		return nil, ErrQueueUnavailable
	}
	if payload.Message.To == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	}
	if payload.Message.Subject == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}

	j := q.newJob(KindSingle, opts)
	j.Single = &payload
	if err := q.store.Create(ctx, j); err != nil {
		return nil, err
	}

	q.log.Info("single job enqueued", "job_id", j.ID, "to", payload.Message.To, "priority", j.Priority)
	q.wakeDispatcher()
	return j.Clone(), nil
}

// AddBulk enqueues a templated bulk job for 1..maxBulk recipients.
func (q *Queue) AddBulk(ctx context.Context, payload BulkPayload, opts AddOptions) (*Job, error) {
	if q.store == nil {
		return nil, ErrQueueUnavailable
	}
	if len(payload.Recipients) == 0 {
		return nil, fmt.Errorf("%w: recipient list is empty", ErrInvalidInput)
	}
	if len(payload.Recipients) > q.maxBulk {
		return nil, fmt.Errorf("%w: %d recipients exceeds maximum %d",
			ErrInvalidInput, len(payload.Recipients), q.maxBulk)
	}
	for i, r := range payload.Recipients {
		if r.Email == "" {
			return nil, fmt.Errorf("%w: recipient %d has no email", ErrInvalidInput, i)
		}
	}
	if payload.Template.Subject == "" {
		return nil, fmt.Errorf("%w: template subject is required", ErrInvalidInput)
	}

	j := q.newJob(KindBulk, opts)
	j.Bulk = &payload
	if err := q.store.Create(ctx, j); err != nil {
		return nil, err
	}

	q.log.Info("bulk job enqueued",
		"job_id", j.ID, "recipients", len(payload.Recipients), "priority", j.Priority)
	q.wakeDispatcher()
	return j.Clone(), nil
}

func (q *Queue) wakeDispatcher() {
	if q.dispatcher != nil {
		q.dispatcher.Wake()
	}
}

// Status returns the read model for a job, or ErrNotFound.
func (q *Queue) Status(ctx context.Context, id string) (Status, error) {
	if q.store == nil {
		return Status{}, ErrQueueUnavailable
	}
	j, err := q.store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return StatusOf(j), nil
}

// Jobs returns the read models of every job in the given state.
func (q *Queue) Jobs(ctx context.Context, state JobState) ([]Status, error) {
	if q.store == nil {
		return nil, ErrQueueUnavailable
	}
	switch state {
	case StateWaiting, StateActive, StateCompleted, StateFailed:
	default:
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, state)
	}

	jobs, err := q.store.ListByState(ctx, state)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, StatusOf(j))
	}
	return out, nil
}

// Stats returns current per-state counts and the active backend type.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	if q.store == nil {
		return Stats{}, ErrQueueUnavailable
	}
	c, err := q.store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:     c.Waiting,
		Active:      c.Active,
		Completed:   c.Completed,
		Failed:      c.Failed,
		Total:       c.Waiting + c.Active + c.Completed + c.Failed,
		BackendType: q.store.Backend(),
	}, nil
}

// Cancel removes a waiting job from the queue and marks it failed with a
// cancellation reason. Active and terminal jobs are rejected: there is no
// preemption of in-flight sends and terminal jobs are immutable.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if q.store == nil {
		return ErrQueueUnavailable
	}
	j, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.State != StateWaiting {
		return fmt.Errorf("%w: cannot cancel job in state %s", ErrNotCancelable, j.State)
	}

	removed, err := q.store.RemoveWaiting(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		// Lost the race with the dispatcher; the job is already active.
		return fmt.Errorf("%w: cannot cancel job in state %s", ErrNotCancelable, StateActive)
	}

	finished := time.Now()
	j.State = StateFailed
	j.FinishedAt = &finished
	j.Result = &JobResult{Error: "cancelled by user"}
	if err := q.store.Update(ctx, j); err != nil {
		return err
	}

	q.log.Info("job cancelled", "job_id", id)
	return nil
}

// Pause stops dequeuing after the current job finishes. Idempotent.
func (q *Queue) Pause() {
	if q.dispatcher != nil {
		q.dispatcher.Pause()
	}
}

// Resume restarts dequeuing. Idempotent.
func (q *Queue) Resume() {
	if q.dispatcher != nil {
		q.dispatcher.Resume()
	}
}

// Paused reports whether dequeuing is suspended.
func (q *Queue) Paused() bool {
	return q.dispatcher != nil && q.dispatcher.Paused()
}

// Clean removes terminal-history entries older than the cutoff. Waiting
// and active jobs are untouched.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration) (CleanResult, error) {
	if q.store == nil {
		return CleanResult{}, ErrQueueUnavailable
	}
	res, err := q.store.Clean(ctx, olderThan)
	if err != nil {
		return CleanResult{}, err
	}
	q.log.Info("queue cleaned", "completed_removed", res.Completed, "failed_removed", res.Failed)
	return res, nil
}

// BackendType reports which store implementation is active.
func (q *Queue) BackendType() string {
	if q.store == nil {
		return ""
	}
	return q.store.Backend()
}
