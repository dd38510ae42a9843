package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mail-dispatch/internal/accounts"
	"github.com/ignite/mail-dispatch/internal/config"
	"github.com/ignite/mail-dispatch/internal/mailing"
)

// fakeTransport records sent messages and fails on demand.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []mailing.EmailMessage
	failTimes int                   // fail the first N sends
	failFor   map[string]error      // per-recipient failures
	gate      chan struct{}         // when set, each send waits for a token
}

func (f *fakeTransport) Send(ctx context.Context, msg *mailing.EmailMessage) (*mailing.SendResult, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failTimes > 0 {
		f.failTimes--
		return nil, errors.New("transport unavailable")
	}
	if err, ok := f.failFor[msg.To]; ok {
		return nil, err
	}

	f.sent = append(f.sent, *msg)
	return &mailing.SendResult{
		MessageID: msg.To + "-msg",
		SentAt:    time.Now(),
	}, nil
}

func (f *fakeTransport) Verify(context.Context) error { return nil }

func (f *fakeTransport) sentMessages() []mailing.EmailMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mailing.EmailMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func testAccounts(limits ...int) []config.AccountConfig {
	ids := []string{"alpha", "beta", "gamma"}
	cfgs := make([]config.AccountConfig, 0, len(limits))
	for i, limit := range limits {
		cfgs = append(cfgs, config.AccountConfig{
			ID:         ids[i],
			Address:    ids[i] + "@example.com",
			DailyLimit: limit,
		})
	}
	return cfgs
}

func setupDispatcher(t *testing.T, ft *fakeTransport, accts []config.AccountConfig) (*Dispatcher, Store, func()) {
	t.Helper()
	store := NewMemoryStore(100)
	pool := accounts.NewPool(accts)
	d := NewDispatcher(store, pool, ft, mailing.NewRenderer(), DispatcherConfig{
		SendDelay:    time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	d.Start()
	return d, store, d.Stop
}

func waitForState(t *testing.T, store Store, id string, want JobState) *Job {
	t.Helper()
	var got *Job
	require.Eventually(t, func() bool {
		j, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.State == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached state %s", id, want)
	return got
}

func enqueue(t *testing.T, store Store, d *Dispatcher, j *Job) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), j))
	d.Wake()
}

func TestDispatcherCompletesSingleJob(t *testing.T) {
	ft := &fakeTransport{}
	d, store, stop := setupDispatcher(t, ft, testAccounts(10))
	defer stop()

	enqueue(t, store, d, testJob("one", 0))

	j := waitForState(t, store, "one", StateCompleted)
	assert.Equal(t, 100, j.Progress)
	assert.Equal(t, 1, j.Attempts)
	require.NotNil(t, j.Result)
	assert.Equal(t, "one@example.com-msg", j.Result.MessageID)
	assert.Equal(t, "one@example.com", j.Result.Recipient)
	assert.Equal(t, "alpha", j.Result.SenderAccount)
	require.NotNil(t, j.FinishedAt)

	sent := ft.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "alpha@example.com", sent[0].From)
}

func TestDispatcherRotatesAccounts(t *testing.T) {
	ft := &fakeTransport{}
	d, store, stop := setupDispatcher(t, ft, testAccounts(10, 10))
	defer stop()

	for _, id := range []string{"j1", "j2", "j3", "j4"} {
		enqueue(t, store, d, testJob(id, 0))
	}
	for _, id := range []string{"j1", "j2", "j3", "j4"} {
		waitForState(t, store, id, StateCompleted)
	}

	sent := ft.sentMessages()
	require.Len(t, sent, 4)
	assert.Equal(t, "alpha@example.com", sent[0].From)
	assert.Equal(t, "beta@example.com", sent[1].From)
	assert.Equal(t, "alpha@example.com", sent[2].From)
	assert.Equal(t, "beta@example.com", sent[3].From)
}

func TestDispatcherRetriesThenFails(t *testing.T) {
	ft := &fakeTransport{failTimes: 100}
	d, store, stop := setupDispatcher(t, ft, testAccounts(10))
	defer stop()

	j := testJob("doomed", 0)
	j.MaxAttempts = 3
	enqueue(t, store, d, j)

	got := waitForState(t, store, "doomed", StateFailed)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.Result)
	assert.Contains(t, got.Result.Error, "transport unavailable")
	require.NotNil(t, got.FinishedAt)
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	ft := &fakeTransport{failTimes: 1}
	d, store, stop := setupDispatcher(t, ft, testAccounts(10))
	defer stop()

	j := testJob("flaky", 0)
	j.MaxAttempts = 3
	enqueue(t, store, d, j)

	got := waitForState(t, store, "flaky", StateCompleted)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 100, got.Progress)
}

func TestDispatcherFailedSendDoesNotBurnQuota(t *testing.T) {
	ft := &fakeTransport{failTimes: 2}
	pool := accounts.NewPool(testAccounts(1))
	store := NewMemoryStore(100)
	d := NewDispatcher(store, pool, ft, mailing.NewRenderer(), DispatcherConfig{
		SendDelay:    time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	d.Start()
	defer d.Stop()

	j := testJob("persistent", 0)
	j.MaxAttempts = 3
	enqueue(t, store, d, j)

	waitForState(t, store, "persistent", StateCompleted)

	// Two failed attempts released their reservations; only the
	// successful send consumed the single daily slot.
	snap := pool.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].DailyCount)
}

func TestDispatcherQuotaExhaustionFailsJob(t *testing.T) {
	ft := &fakeTransport{}
	d, store, stop := setupDispatcher(t, ft, testAccounts(1))
	defer stop()

	enqueue(t, store, d, testJob("fits", 0))
	waitForState(t, store, "fits", StateCompleted)

	j := testJob("overflow", 0)
	j.MaxAttempts = 1
	enqueue(t, store, d, j)

	got := waitForState(t, store, "overflow", StateFailed)
	require.NotNil(t, got.Result)
	assert.Contains(t, got.Result.Error, "daily quota")
}

func bulkJob(id string, emails ...string) *Job {
	rcpts := make([]Recipient, 0, len(emails))
	for _, e := range emails {
		rcpts = append(rcpts, Recipient{
			Email: e,
			Data:  map[string]interface{}{"name": e},
		})
	}
	return &Job{
		ID:          id,
		Kind:        KindBulk,
		State:       StateWaiting,
		MaxAttempts: 1,
		CreatedAt:   time.Now(),
		Bulk: &BulkPayload{
			Recipients: rcpts,
			Template: mailing.Template{
				Subject:     "Hello {{ name }}",
				HTMLContent: "<p>Hi {{ name }}, you are {{ email }}</p>",
			},
			SenderName: "Dispatch",
		},
	}
}

func TestDispatcherBulkJobAllSucceed(t *testing.T) {
	ft := &fakeTransport{}
	d, store, stop := setupDispatcher(t, ft, testAccounts(10, 10))
	defer stop()

	enqueue(t, store, d, bulkJob("blast", "a@x.com", "b@x.com", "c@x.com"))

	j := waitForState(t, store, "blast", StateCompleted)
	assert.Equal(t, 100, j.Progress)
	require.NotNil(t, j.Result)
	require.NotNil(t, j.Result.Bulk)
	assert.Equal(t, 3, j.Result.Bulk.Total)
	assert.Equal(t, 3, j.Result.Bulk.Successful)
	assert.Equal(t, 0, j.Result.Bulk.Failed)
	require.Len(t, j.Result.Bulk.Details, 3)

	// Outcomes follow recipient-list order.
	assert.Equal(t, "a@x.com", j.Result.Bulk.Details[0].Recipient)
	assert.Equal(t, "c@x.com", j.Result.Bulk.Details[2].Recipient)

	// Personalization reached the transport.
	sent := ft.sentMessages()
	require.Len(t, sent, 3)
	assert.Equal(t, "Hello a@x.com", sent[0].Subject)
	assert.Contains(t, sent[0].HTMLContent, "you are a@x.com")
}

func TestDispatcherBulkJobPartialFailure(t *testing.T) {
	ft := &fakeTransport{failFor: map[string]error{
		"b@x.com": errors.New("mailbox full"),
	}}
	d, store, stop := setupDispatcher(t, ft, testAccounts(10))
	defer stop()

	enqueue(t, store, d, bulkJob("partial", "a@x.com", "b@x.com", "c@x.com"))

	// Per-recipient failures do not fail the job.
	j := waitForState(t, store, "partial", StateCompleted)
	require.NotNil(t, j.Result.Bulk)
	assert.Equal(t, 2, j.Result.Bulk.Successful)
	assert.Equal(t, 1, j.Result.Bulk.Failed)
	assert.False(t, j.Result.Bulk.Details[1].Success)
	assert.Contains(t, j.Result.Bulk.Details[1].Error, "mailbox full")
	assert.True(t, j.Result.Bulk.Details[2].Success)
}

func TestDispatcherBulkInvalidTemplateFailsJob(t *testing.T) {
	ft := &fakeTransport{}
	d, store, stop := setupDispatcher(t, ft, testAccounts(10))
	defer stop()

	j := bulkJob("broken", "a@x.com")
	j.Bulk.Template.Subject = "Hello {{ name"
	enqueue(t, store, d, j)

	got := waitForState(t, store, "broken", StateFailed)
	require.NotNil(t, got.Result)
	assert.Contains(t, got.Result.Error, "template invalid")
	assert.Empty(t, ft.sentMessages())
}

func TestDispatcherPriorityOrder(t *testing.T) {
	ft := &fakeTransport{}
	store := NewMemoryStore(100)
	pool := accounts.NewPool(testAccounts(10))
	d := NewDispatcher(store, pool, ft, mailing.NewRenderer(), DispatcherConfig{
		SendDelay:    time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})

	// Enqueue before starting so ordering is deterministic.
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testJob("low", 0)))
	require.NoError(t, store.Create(ctx, testJob("high", 9)))

	d.Start()
	defer d.Stop()

	waitForState(t, store, "low", StateCompleted)

	sent := ft.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "high@example.com", sent[0].To)
	assert.Equal(t, "low@example.com", sent[1].To)
}

func TestDispatcherPauseAndResume(t *testing.T) {
	ft := &fakeTransport{}
	d, store, stop := setupDispatcher(t, ft, testAccounts(10))
	defer stop()

	d.Pause()
	assert.True(t, d.Paused())

	enqueue(t, store, d, testJob("held", 0))

	time.Sleep(50 * time.Millisecond)
	j, err := store.Get(context.Background(), "held")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, j.State)

	d.Resume()
	assert.False(t, d.Paused())
	waitForState(t, store, "held", StateCompleted)
}

func TestDispatcherStartStopIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	store := NewMemoryStore(100)
	pool := accounts.NewPool(testAccounts(10))
	d := NewDispatcher(store, pool, ft, mailing.NewRenderer(), DispatcherConfig{})

	d.Start()
	d.Start()
	d.Stop()
	d.Stop()
}

func TestDispatcherBulkProgressVisibleMidRun(t *testing.T) {
	gate := make(chan struct{})
	ft := &fakeTransport{gate: gate}
	d, store, stop := setupDispatcher(t, ft, testAccounts(10))
	defer stop()

	enqueue(t, store, d, bulkJob("bulk-live", "a@x.com", "b@x.com", "c@x.com"))

	var observed []int
	progressReached := func(want int) func() bool {
		return func() bool {
			j, err := store.Get(context.Background(), "bulk-live")
			if err != nil {
				return false
			}
			observed = append(observed, j.Progress)
			return j.Progress == want
		}
	}

	// Release one send at a time and watch the persisted progress climb.
	gate <- struct{}{}
	require.Eventually(t, progressReached(33), 3*time.Second, 2*time.Millisecond)
	gate <- struct{}{}
	require.Eventually(t, progressReached(67), 3*time.Second, 2*time.Millisecond)
	gate <- struct{}{}

	j := waitForState(t, store, "bulk-live", StateCompleted)
	assert.Equal(t, 100, j.Progress)

	for i := 1; i < len(observed); i++ {
		assert.GreaterOrEqual(t, observed[i], observed[i-1],
			"progress went backwards at poll %d: %v", i, observed)
	}
	assert.Contains(t, observed, 33)
	assert.Contains(t, observed, 67)
}
