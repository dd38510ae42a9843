package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Jobs are JSON values; the waiting set is a ZSET with a
// composite score (priority descending, then enqueue sequence ascending);
// backoff-delayed retries park in a second ZSET scored by due time and are
// promoted on pop; terminal history is a ZSET per state scored by finish
// time and trimmed to the history limit.
const (
	keySeq              = "mailq:seq"
	keyJob              = "mailq:job:%s"
	keyWaiting          = "mailq:waiting"
	keyDelayed          = "mailq:delayed"
	keyActive           = "mailq:active"
	keyHistoryCompleted = "mailq:history:completed"
	keyHistoryFailed    = "mailq:history:failed"
)

// DurableStore is the Redis-backed job store. Job state survives process
// restarts; a replacement dispatcher picks up the waiting set where the
// previous one left off.
type DurableStore struct {
	rdb          *redis.Client
	historyLimit int
	now          func() time.Time
}

// NewDurableStore creates a Redis-backed store with the given terminal
// history limit per state (default 100).
func NewDurableStore(rdb *redis.Client, historyLimit int) *DurableStore {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &DurableStore{rdb: rdb, historyLimit: historyLimit, now: time.Now}
}

// Backend reports "durable".
func (s *DurableStore) Backend() string { return BackendDurable }

// waitingScore orders the waiting ZSET: lower score pops first, so higher
// priority and lower sequence sort toward the front.
func waitingScore(priority int, seq int64) float64 {
	return float64(-priority)*1e12 + float64(seq)
}

func jobKey(id string) string { return fmt.Sprintf(keyJob, id) }

func (s *DurableStore) saveJob(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	return s.rdb.Set(ctx, jobKey(j.ID), data, 0).Err()
}

func (s *DurableStore) loadJob(ctx context.Context, id string) (*Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &j, nil
}

// Create stores a new waiting job and adds it to the waiting set.
func (s *DurableStore) Create(ctx context.Context, j *Job) error {
	seq, err := s.rdb.Incr(ctx, keySeq).Result()
	if err != nil {
		return err
	}
	j.Seq = seq

	if err := s.saveJob(ctx, j); err != nil {
		return err
	}
	if j.NotBefore.After(s.now()) {
		return s.rdb.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(j.NotBefore.UnixMilli()),
			Member: j.ID,
		}).Err()
	}
	return s.rdb.ZAdd(ctx, keyWaiting, redis.Z{
		Score:  waitingScore(j.Priority, j.Seq),
		Member: j.ID,
	}).Err()
}

// Get returns the job with the given id, or ErrNotFound.
func (s *DurableStore) Get(ctx context.Context, id string) (*Job, error) {
	return s.loadJob(ctx, id)
}

// Update persists the job's current state. Terminal transitions record the
// job in that state's history and release the active slot.
func (s *DurableStore) Update(ctx context.Context, j *Job) error {
	if err := s.saveJob(ctx, j); err != nil {
		return err
	}

	switch {
	case j.State == StateActive:
		return s.rdb.Set(ctx, keyActive, j.ID, 0).Err()
	case j.State.Terminal():
		histKey := keyHistoryCompleted
		if j.State == StateFailed {
			histKey = keyHistoryFailed
		}
		finished := s.now()
		if j.FinishedAt != nil {
			finished = *j.FinishedAt
		}
		if err := s.rdb.ZAdd(ctx, histKey, redis.Z{
			Score:  float64(finished.UnixMilli()),
			Member: j.ID,
		}).Err(); err != nil {
			return err
		}
		if err := s.trimHistory(ctx, histKey); err != nil {
			return err
		}
		return s.releaseActive(ctx, j.ID)
	default:
		return s.releaseActive(ctx, j.ID)
	}
}

// releaseActive clears the active slot if this job holds it.
func (s *DurableStore) releaseActive(ctx context.Context, id string) error {
	current, err := s.rdb.Get(ctx, keyActive).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if current == id {
		return s.rdb.Del(ctx, keyActive).Err()
	}
	return nil
}

// trimHistory evicts the oldest entries beyond the history limit, deleting
// their job records as well.
func (s *DurableStore) trimHistory(ctx context.Context, histKey string) error {
	evicted, err := s.rdb.ZRange(ctx, histKey, 0, int64(-s.historyLimit-1)).Result()
	if err != nil {
		return err
	}
	if len(evicted) == 0 {
		return nil
	}
	keys := make([]string, 0, len(evicted))
	members := make([]interface{}, 0, len(evicted))
	for _, id := range evicted {
		keys = append(keys, jobKey(id))
		members = append(members, id)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return err
	}
	return s.rdb.ZRem(ctx, histKey, members...).Err()
}

// promoteDue moves delayed retries whose backoff has elapsed back into the
// waiting set at their priority-tier position.
func (s *DurableStore) promoteDue(ctx context.Context) error {
	now := s.now().UnixMilli()
	due, err := s.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}

	for _, id := range due {
		j, err := s.loadJob(ctx, id)
		if err != nil {
			s.rdb.ZRem(ctx, keyDelayed, id)
			continue
		}
		if err := s.rdb.ZAdd(ctx, keyWaiting, redis.Z{
			Score:  waitingScore(j.Priority, j.Seq),
			Member: id,
		}).Err(); err != nil {
			return err
		}
		if err := s.rdb.ZRem(ctx, keyDelayed, id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// PopWaiting removes and returns the highest-priority ready job.
func (s *DurableStore) PopWaiting(ctx context.Context) (*Job, error) {
	if err := s.promoteDue(ctx); err != nil {
		return nil, err
	}

	for {
		popped, err := s.rdb.ZPopMin(ctx, keyWaiting, 1).Result()
		if err != nil {
			return nil, err
		}
		if len(popped) == 0 {
			return nil, ErrEmpty
		}
		id, _ := popped[0].Member.(string)
		j, err := s.loadJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Orphaned queue entry; skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		return j, nil
	}
}

// Requeue re-inserts a job for retry with a fresh sequence number. A
// positive delay parks it in the delayed set until the backoff elapses.
func (s *DurableStore) Requeue(ctx context.Context, j *Job, delay time.Duration) error {
	seq, err := s.rdb.Incr(ctx, keySeq).Result()
	if err != nil {
		return err
	}
	j.Seq = seq

	if delay > 0 {
		j.NotBefore = s.now().Add(delay)
	} else {
		j.NotBefore = time.Time{}
	}
	if err := s.saveJob(ctx, j); err != nil {
		return err
	}
	if err := s.releaseActive(ctx, j.ID); err != nil {
		return err
	}

	if delay > 0 {
		return s.rdb.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(j.NotBefore.UnixMilli()),
			Member: j.ID,
		}).Err()
	}
	return s.rdb.ZAdd(ctx, keyWaiting, redis.Z{
		Score:  waitingScore(j.Priority, j.Seq),
		Member: j.ID,
	}).Err()
}

// RemoveWaiting takes a job out of the waiting or delayed set. Returns
// false if it was in neither.
func (s *DurableStore) RemoveWaiting(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, keyWaiting, id).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		n, err = s.rdb.ZRem(ctx, keyDelayed, id).Result()
		if err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

// ListByState returns the jobs in the given state. The waiting list
// includes delay-parked retries, appended after the ready jobs.
func (s *DurableStore) ListByState(ctx context.Context, state JobState) ([]*Job, error) {
	var ids []string
	var err error

	switch state {
	case StateWaiting:
		ids, err = s.rdb.ZRange(ctx, keyWaiting, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		delayed, err := s.rdb.ZRange(ctx, keyDelayed, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, delayed...)
	case StateActive:
		id, err := s.rdb.Get(ctx, keyActive).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		ids = []string{id}
	case StateCompleted:
		ids, err = s.rdb.ZRevRange(ctx, keyHistoryCompleted, 0, -1).Result()
		if err != nil {
			return nil, err
		}
	case StateFailed:
		ids, err = s.rdb.ZRevRange(ctx, keyHistoryFailed, 0, -1).Result()
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown job state %q", state)
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.loadJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Counts returns per-state job counts. Delayed retries count as waiting.
func (s *DurableStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts

	waiting, err := s.rdb.ZCard(ctx, keyWaiting).Result()
	if err != nil {
		return c, err
	}
	delayed, err := s.rdb.ZCard(ctx, keyDelayed).Result()
	if err != nil {
		return c, err
	}
	c.Waiting = int(waiting + delayed)

	active, err := s.rdb.Exists(ctx, keyActive).Result()
	if err != nil {
		return c, err
	}
	c.Active = int(active)

	completed, err := s.rdb.ZCard(ctx, keyHistoryCompleted).Result()
	if err != nil {
		return c, err
	}
	c.Completed = int(completed)

	failed, err := s.rdb.ZCard(ctx, keyHistoryFailed).Result()
	if err != nil {
		return c, err
	}
	c.Failed = int(failed)

	return c, nil
}

// Clean removes terminal-history entries finished before the cutoff.
func (s *DurableStore) Clean(ctx context.Context, olderThan time.Duration) (CleanResult, error) {
	var res CleanResult
	cutoff := s.now().Add(-olderThan).UnixMilli()

	n, err := s.cleanHistory(ctx, keyHistoryCompleted, cutoff)
	if err != nil {
		return res, err
	}
	res.Completed = n

	n, err = s.cleanHistory(ctx, keyHistoryFailed, cutoff)
	if err != nil {
		return res, err
	}
	res.Failed = n

	return res, nil
}

func (s *DurableStore) cleanHistory(ctx context.Context, histKey string, cutoffMilli int64) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, histKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoffMilli),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(ids))
	members := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, jobKey(id))
		members = append(members, id)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	if err := s.rdb.ZRem(ctx, histKey, members...).Err(); err != nil {
		return 0, err
	}
	return len(ids), nil
}
