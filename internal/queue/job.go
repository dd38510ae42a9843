// Package queue implements the queued dispatch engine: job records, the
// dual-mode store (in-memory or Redis-durable), the single-worker dispatch
// scheduler with account rotation and retry, and the facade the API layer
// talks to.
package queue

import (
	"time"

	"github.com/ignite/mail-dispatch/internal/mailing"
)

// JobKind distinguishes single-message jobs from templated bulk jobs.
type JobKind string

const (
	KindSingle JobKind = "single"
	KindBulk   JobKind = "bulk"
)

// JobState is the lifecycle state of a job. Waiting and active are
// transient; completed and failed are terminal.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether a state permits no further transitions.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Recipient is one bulk-job target with its template data.
type Recipient struct {
	Email string                 `json:"email"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// SinglePayload describes a single-email job. If Template is non-empty the
// HTML body is rendered from it with Data before sending.
type SinglePayload struct {
	Message  mailing.EmailMessage   `json:"message"`
	Template string                 `json:"template,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// BulkPayload describes a templated fan-out job.
type BulkPayload struct {
	Recipients []Recipient      `json:"recipients"`
	Template   mailing.Template `json:"template"`
	SenderName string           `json:"sender_name,omitempty"`
	ReplyTo    string           `json:"reply_to,omitempty"`
}

// RecipientOutcome records the result of one bulk recipient attempt, in
// recipient-list order.
type RecipientOutcome struct {
	Recipient string    `json:"recipient"`
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BulkResult aggregates per-recipient outcomes of a bulk job.
// Successful + Failed == len(Details) at all times, and == Total once the
// job is terminal.
type BulkResult struct {
	Total      int                `json:"total"`
	Successful int                `json:"successful"`
	Failed     int                `json:"failed"`
	Details    []RecipientOutcome `json:"details"`
}

// JobResult is the terminal payload of a job: the send receipt for singles,
// the aggregate for bulks, or the failure message.
type JobResult struct {
	MessageID     string      `json:"message_id,omitempty"`
	Recipient     string      `json:"recipient,omitempty"`
	SenderAccount string      `json:"sender_account,omitempty"`
	Timestamp     time.Time   `json:"timestamp,omitempty"`
	Error         string      `json:"error,omitempty"`
	Bulk          *BulkResult `json:"bulk,omitempty"`
}

// Job is one tracked send request.
type Job struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	State       JobState   `json:"state"`
	Priority    int        `json:"priority"`
	Progress    int        `json:"progress"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Seq         int64      `json:"seq"` // dequeue tie-break; reassigned on retry
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	NotBefore   time.Time  `json:"not_before,omitempty"` // retry backoff gate

	Single *SinglePayload `json:"single,omitempty"`
	Bulk   *BulkPayload   `json:"bulk,omitempty"`
	Result *JobResult     `json:"result,omitempty"`
}

// Clone returns a deep-enough copy for safe concurrent reads: all nested
// mutable structures reachable from status queries are duplicated.
func (j *Job) Clone() *Job {
	c := *j
	if j.ProcessedAt != nil {
		t := *j.ProcessedAt
		c.ProcessedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.Result != nil {
		res := *j.Result
		if j.Result.Bulk != nil {
			b := *j.Result.Bulk
			b.Details = make([]RecipientOutcome, len(j.Result.Bulk.Details))
			copy(b.Details, j.Result.Bulk.Details)
			res.Bulk = &b
		}
		c.Result = &res
	}
	return &c
}

// Status is the read model returned by status queries.
type Status struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	State       JobState   `json:"state"`
	Priority    int        `json:"priority"`
	Progress    int        `json:"progress"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Result      *JobResult `json:"result,omitempty"`
}

// StatusOf projects a job into its read model.
func StatusOf(j *Job) Status {
	c := j.Clone()
	return Status{
		ID:          c.ID,
		Kind:        c.Kind,
		State:       c.State,
		Priority:    c.Priority,
		Progress:    c.Progress,
		Attempts:    c.Attempts,
		MaxAttempts: c.MaxAttempts,
		CreatedAt:   c.CreatedAt,
		ProcessedAt: c.ProcessedAt,
		FinishedAt:  c.FinishedAt,
		Result:      c.Result,
	}
}

// Stats is the aggregate queue view.
type Stats struct {
	Waiting     int    `json:"waiting"`
	Active      int    `json:"active"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Total       int    `json:"total"`
	BackendType string `json:"backend_type"`
}
