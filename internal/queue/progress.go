package queue

import (
	"math"
	"sync"
	"time"
)

// ProgressTracker accumulates per-recipient outcomes of one bulk job
// execution. It is written by the dispatch worker and read by status
// queries, so every access goes through the mutex and Snapshot returns a
// copy: counters and the details list are always observed consistently.
type ProgressTracker struct {
	mu     sync.Mutex
	total  int
	result BulkResult
}

// NewProgressTracker creates a tracker for a bulk job of the given size.
func NewProgressTracker(total int) *ProgressTracker {
	return &ProgressTracker{
		total: total,
		result: BulkResult{
			Total:   total,
			Details: make([]RecipientOutcome, 0, total),
		},
	}
}

// RecordSuccess appends a successful outcome for the recipient.
func (t *ProgressTracker) RecordSuccess(recipient, messageID string) {
	t.record(RecipientOutcome{
		Recipient: recipient,
		Success:   true,
		MessageID: messageID,
		Timestamp: time.Now(),
	})
}

// RecordFailure appends a failed outcome for the recipient.
func (t *ProgressTracker) RecordFailure(recipient string, err error) {
	t.record(RecipientOutcome{
		Recipient: recipient,
		Success:   false,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
}

func (t *ProgressTracker) record(o RecipientOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result.Details = append(t.result.Details, o)
	if o.Success {
		t.result.Successful++
	} else {
		t.result.Failed++
	}
}

// Progress returns the percent of recipients processed, 0-100.
func (t *ProgressTracker) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total == 0 {
		return 100
	}
	processed := len(t.result.Details)
	return int(math.Round(100 * float64(processed) / float64(t.total)))
}

// Processed returns how many recipients have been attempted so far.
func (t *ProgressTracker) Processed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.result.Details)
}

// Snapshot returns a consistent copy of the aggregate result.
func (t *ProgressTracker) Snapshot() BulkResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.result
	out.Details = make([]RecipientOutcome, len(t.result.Details))
	copy(out.Details, t.result.Details)
	return out
}
