package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

// waitingItem is one entry in the in-memory waiting set.
type waitingItem struct {
	id        string
	priority  int
	seq       int64
	notBefore time.Time
	index     int
}

// waitingHeap orders by priority descending, then sequence ascending
// (FIFO within a tier; retries get fresh sequences and so sort last).
type waitingHeap []*waitingItem

func (h waitingHeap) Len() int { return len(h) }

func (h waitingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waitingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waitingHeap) Push(x any) {
	item := x.(*waitingItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *waitingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MemoryStore is the in-process job store. All jobs live in one map; the
// waiting set is a priority heap; terminal jobs sit in bounded per-state
// history evicted oldest-first. Reads hand out clones so status queries
// never observe the worker's in-place mutations.
type MemoryStore struct {
	mu           sync.Mutex
	jobs         map[string]*Job
	waiting      waitingHeap
	byID         map[string]*waitingItem
	seq          int64
	historyLimit int
	completed    []string // oldest first
	failed       []string
	now          func() time.Time
}

// NewMemoryStore creates a memory store with the given terminal-history
// limit per state (default 100).
func NewMemoryStore(historyLimit int) *MemoryStore {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &MemoryStore{
		jobs:         make(map[string]*Job),
		byID:         make(map[string]*waitingItem),
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// Backend reports "memory".
func (s *MemoryStore) Backend() string { return BackendMemory }

// Create stores a new waiting job and inserts it into the waiting set.
func (s *MemoryStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	j.Seq = s.seq
	s.jobs[j.ID] = j.Clone()
	s.pushWaitingLocked(j)
	return nil
}

func (s *MemoryStore) pushWaitingLocked(j *Job) {
	item := &waitingItem{id: j.ID, priority: j.Priority, seq: j.Seq, notBefore: j.NotBefore}
	s.byID[j.ID] = item
	heap.Push(&s.waiting, item)
}

// Get returns a copy of the job, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// Update persists the job's current state. Terminal transitions move the
// job into bounded history.
func (s *MemoryStore) Update(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	wasTerminal := prev.State.Terminal()
	s.jobs[j.ID] = j.Clone()

	if j.State.Terminal() && !wasTerminal {
		switch j.State {
		case StateCompleted:
			s.completed = s.trimHistoryLocked(append(s.completed, j.ID))
		case StateFailed:
			s.failed = s.trimHistoryLocked(append(s.failed, j.ID))
		}
	}
	return nil
}

func (s *MemoryStore) trimHistoryLocked(ids []string) []string {
	for len(ids) > s.historyLimit {
		delete(s.jobs, ids[0])
		ids = ids[1:]
	}
	return ids
}

// PopWaiting removes and returns the highest-priority ready job, FIFO
// within a tier. Jobs gated by a retry backoff are skipped until due.
func (s *MemoryStore) PopWaiting(_ context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *waitingItem
	for _, item := range s.waiting {
		if item.notBefore.After(now) {
			continue
		}
		if best == nil ||
			item.priority > best.priority ||
			(item.priority == best.priority && item.seq < best.seq) {
			best = item
		}
	}
	if best == nil {
		return nil, ErrEmpty
	}

	heap.Remove(&s.waiting, best.index)
	delete(s.byID, best.id)

	j, ok := s.jobs[best.id]
	if !ok {
		return nil, ErrEmpty
	}
	return j.Clone(), nil
}

// Requeue re-inserts a job for retry at the back of its priority tier.
func (s *MemoryStore) Requeue(_ context.Context, j *Job, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	s.seq++
	j.Seq = s.seq
	if delay > 0 {
		j.NotBefore = s.now().Add(delay)
	} else {
		j.NotBefore = time.Time{}
	}
	s.jobs[j.ID] = j.Clone()
	s.pushWaitingLocked(j)
	return nil
}

// RemoveWaiting takes a job out of the waiting set. Returns false if the
// job was not waiting.
func (s *MemoryStore) RemoveWaiting(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.byID[id]
	if !ok {
		return false, nil
	}
	heap.Remove(&s.waiting, item.index)
	delete(s.byID, id)
	return true, nil
}

// ListByState returns copies of the jobs in the given state. Waiting jobs
// come back in dequeue order; terminal jobs newest-first.
func (s *MemoryStore) ListByState(_ context.Context, state JobState) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	switch state {
	case StateWaiting:
		items := make([]*waitingItem, len(s.waiting))
		copy(items, s.waiting)
		sort.Slice(items, func(i, k int) bool {
			if items[i].priority != items[k].priority {
				return items[i].priority > items[k].priority
			}
			return items[i].seq < items[k].seq
		})
		for _, item := range items {
			if j, ok := s.jobs[item.id]; ok {
				out = append(out, j.Clone())
			}
		}
	case StateCompleted, StateFailed:
		ids := s.completed
		if state == StateFailed {
			ids = s.failed
		}
		for i := len(ids) - 1; i >= 0; i-- {
			if j, ok := s.jobs[ids[i]]; ok {
				out = append(out, j.Clone())
			}
		}
	default:
		for _, j := range s.jobs {
			if j.State == state {
				out = append(out, j.Clone())
			}
		}
	}
	return out, nil
}

// Counts returns per-state job counts.
func (s *MemoryStore) Counts(_ context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Counts{
		Waiting:   len(s.waiting),
		Completed: len(s.completed),
		Failed:    len(s.failed),
	}
	for _, j := range s.jobs {
		if j.State == StateActive {
			c.Active++
		}
	}
	return c, nil
}

// Clean removes terminal-history entries finished before the cutoff.
func (s *MemoryStore) Clean(_ context.Context, olderThan time.Duration) (CleanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var res CleanResult
	s.completed, res.Completed = s.cleanHistoryLocked(s.completed, cutoff)
	s.failed, res.Failed = s.cleanHistoryLocked(s.failed, cutoff)
	return res, nil
}

func (s *MemoryStore) cleanHistoryLocked(ids []string, cutoff time.Time) ([]string, int) {
	kept := ids[:0]
	removed := 0
	for _, id := range ids {
		j, ok := s.jobs[id]
		if ok && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	return kept, removed
}
