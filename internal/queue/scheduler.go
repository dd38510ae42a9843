package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/mail-dispatch/internal/accounts"
	"github.com/ignite/mail-dispatch/internal/mailing"
	"github.com/ignite/mail-dispatch/internal/pkg/logger"
)

// DefaultBulkSendDelay is the pause between bulk recipients, skipped after
// the last one.
const DefaultBulkSendDelay = 1000 * time.Millisecond

// Dispatcher is the queued dispatch worker. One goroutine pulls waiting
// jobs in priority order and executes them strictly one at a time; enqueue
// operations wake it immediately and a bounded poll interval covers
// delayed retries. Pause stops dequeuing after the current job finishes;
// in-flight work is never preempted.
type Dispatcher struct {
	store        Store
	pool         *accounts.Pool
	transport    mailing.Transport
	renderer     *mailing.Renderer
	retry        RetryPolicy
	sendDelay    time.Duration
	pollInterval time.Duration
	log          *logger.Logger

	wake chan struct{}

	mu      sync.Mutex
	running bool
	paused  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// DispatcherConfig carries the tunables for a Dispatcher.
type DispatcherConfig struct {
	SendDelay    time.Duration // inter-recipient delay in bulk jobs
	PollInterval time.Duration // idle wait when the queue is empty
	Retry        RetryPolicy
}

// NewDispatcher creates a dispatcher. Call Start to begin processing.
func NewDispatcher(store Store, pool *accounts.Pool, transport mailing.Transport, renderer *mailing.Renderer, cfg DispatcherConfig) *Dispatcher {
	if cfg.SendDelay <= 0 {
		cfg.SendDelay = DefaultBulkSendDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Dispatcher{
		store:        store,
		pool:         pool,
		transport:    transport,
		renderer:     renderer,
		retry:        cfg.Retry,
		sendDelay:    cfg.SendDelay,
		pollInterval: cfg.PollInterval,
		log:          logger.Component("dispatcher"),
		wake:         make(chan struct{}, 1),
	}
}

// Start begins the dispatch loop. Idempotent.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	d.log.Info("starting dispatch worker",
		"send_delay", d.sendDelay, "poll_interval", d.pollInterval)

	d.wg.Add(1)
	go d.loop()
}

// Stop shuts the dispatch loop down and waits for the current job to
// finish. Idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info("dispatch worker stopped")
}

// Pause stops the worker from dequeuing new jobs after the current one
// finishes. Idempotent.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	d.log.Info("queue paused")
}

// Resume restarts dequeuing. Idempotent.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	wasPaused := d.paused
	d.paused = false
	d.mu.Unlock()
	if wasPaused {
		d.log.Info("queue resumed")
	}
	d.Wake()
}

// Paused reports whether dequeuing is currently suspended.
func (d *Dispatcher) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Wake nudges the worker to check for work immediately. Non-blocking.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) idle() {
	select {
	case <-d.ctx.Done():
	case <-d.wake:
	case <-time.After(d.pollInterval):
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		if d.Paused() {
			d.idle()
			continue
		}

		j, err := d.store.PopWaiting(d.ctx)
		if errors.Is(err, ErrEmpty) {
			d.idle()
			continue
		}
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			d.log.Error("failed to pop waiting job", "error", err)
			d.idle()
			continue
		}

		d.execute(j)
	}
}

// execute runs one job attempt and applies the retry policy on failure.
// Store writes use a detached context so state transitions land even when
// the loop is shutting down mid-job.
func (d *Dispatcher) execute(j *Job) {
	ctx := context.Background()

	now := time.Now()
	j.State = StateActive
	j.ProcessedAt = &now
	j.Attempts++
	j.Progress = 0
	if err := d.store.Update(ctx, j); err != nil {
		d.log.Error("failed to mark job active", "job_id", j.ID, "error", err)
	}

	var execErr error
	switch j.Kind {
	case KindSingle:
		execErr = d.executeSingle(j)
	case KindBulk:
		execErr = d.executeBulk(j)
	default:
		execErr = fmt.Errorf("unknown job kind %q", j.Kind)
	}

	if execErr == nil {
		finished := time.Now()
		j.State = StateCompleted
		j.Progress = 100
		j.FinishedAt = &finished
		if err := d.store.Update(ctx, j); err != nil {
			d.log.Error("failed to mark job completed", "job_id", j.ID, "error", err)
		}
		d.log.Info("job completed", "job_id", j.ID, "kind", j.Kind, "attempts", j.Attempts)
		return
	}

	if j.Result == nil {
		j.Result = &JobResult{}
	}
	j.Result.Error = execErr.Error()

	if d.retry.Decide(j.Attempts, j.MaxAttempts) == DecisionRetry {
		j.State = StateWaiting
		j.Progress = 0
		delay := d.retry.Delay(j.Attempts)
		if err := d.store.Requeue(ctx, j, delay); err != nil {
			d.log.Error("failed to requeue job", "job_id", j.ID, "error", err)
		}
		d.log.Warn("job attempt failed, retrying",
			"job_id", j.ID, "attempts", j.Attempts, "max_attempts", j.MaxAttempts,
			"delay", delay, "error", execErr)
		return
	}

	finished := time.Now()
	j.State = StateFailed
	j.FinishedAt = &finished
	if err := d.store.Update(ctx, j); err != nil {
		d.log.Error("failed to mark job failed", "job_id", j.ID, "error", err)
	}
	d.log.Error("job failed permanently",
		"job_id", j.ID, "attempts", j.Attempts, "error", execErr)
}

// sendOne reserves a quota slot on the next eligible account, delivers the
// message through it, and hands the slot back when the transport fails.
func (d *Dispatcher) sendOne(ctx context.Context, msg *mailing.EmailMessage) (*mailing.SendResult, accounts.Selection, error) {
	sel, err := d.pool.Next()
	if err != nil {
		return nil, accounts.Selection{}, err
	}
	msg.From = sel.Address

	res, err := d.transport.Send(ctx, msg)
	if err != nil {
		if relErr := d.pool.Release(sel.ID); relErr != nil {
			d.log.Warn("failed to release quota slot", "account", sel.ID, "error", relErr)
		}
		return nil, sel, err
	}
	return res, sel, nil
}

func (d *Dispatcher) executeSingle(j *Job) error {
	p := j.Single
	if p == nil {
		return errors.New("single job has no payload")
	}

	msg := p.Message
	if p.Template != "" {
		html, err := d.renderer.Render(p.Template, p.Data)
		if err != nil {
			return err
		}
		msg.HTMLContent = html
	}

	res, sel, err := d.sendOne(d.ctx, &msg)
	if err != nil {
		return err
	}

	j.Result = &JobResult{
		MessageID:     res.MessageID,
		Recipient:     msg.To,
		SenderAccount: sel.ID,
		Timestamp:     res.SentAt,
	}
	return nil
}

// executeBulk fans the template out to every recipient in list order. A
// per-recipient failure is recorded and the loop continues; only an error
// outside the loop (an unparseable template) fails the whole job.
func (d *Dispatcher) executeBulk(j *Job) error {
	p := j.Bulk
	if p == nil {
		return errors.New("bulk job has no payload")
	}

	if res := d.renderer.ValidateTemplate(p.Template); !res.Valid {
		return fmt.Errorf("bulk template invalid: %s", res.Error)
	}

	tracker := NewProgressTracker(len(p.Recipients))
	storeCtx := context.Background()

	for i, rcpt := range p.Recipients {
		d.dispatchRecipient(rcpt, p, tracker)

		j.Progress = tracker.Progress()
		snap := tracker.Snapshot()
		j.Result = &JobResult{Bulk: &snap, Timestamp: time.Now()}
		if err := d.store.Update(storeCtx, j); err != nil {
			d.log.Error("failed to publish bulk progress", "job_id", j.ID, "error", err)
		}

		if i < len(p.Recipients)-1 {
			select {
			case <-d.ctx.Done():
				return d.ctx.Err()
			case <-time.After(d.sendDelay):
			}
		}
	}

	return nil
}

func (d *Dispatcher) dispatchRecipient(rcpt Recipient, p *BulkPayload, tracker *ProgressTracker) {
	data := make(map[string]interface{}, len(rcpt.Data)+1)
	for k, v := range rcpt.Data {
		data[k] = v
	}
	data["email"] = rcpt.Email

	subject, htmlBody, textBody, err := d.renderer.RenderMessage(p.Template, data)
	if err != nil {
		tracker.RecordFailure(rcpt.Email, err)
		d.log.Warn("recipient render failed", "recipient", rcpt.Email, "error", err)
		return
	}

	msg := mailing.EmailMessage{
		FromName:    p.SenderName,
		To:          rcpt.Email,
		ReplyTo:     p.ReplyTo,
		Subject:     subject,
		HTMLContent: htmlBody,
		TextContent: textBody,
	}

	res, _, err := d.sendOne(d.ctx, &msg)
	if err != nil {
		tracker.RecordFailure(rcpt.Email, err)
		d.log.Warn("recipient send failed", "recipient", rcpt.Email, "error", err)
		return
	}
	tracker.RecordSuccess(rcpt.Email, res.MessageID)
}
