package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-gateway/internal/model"
)

// MemoryStore is a process-local Store. It is not durable and backs tests
// and single-process tooling.
type MemoryStore struct {
	mu   sync.Mutex
	seq  int64
	jobs map[string]*memJob
}

type memJob struct {
	job model.Job
	seq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memJob)}
}

func (s *MemoryStore) Insert(_ context.Context, job model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.seq++
	s.jobs[job.ID] = &memJob{job: job, seq: s.seq}
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *memJob
	for _, mj := range s.jobs {
		if mj.job.Status != model.Waiting || mj.job.RunAt.After(now) {
			continue
		}
		if next == nil ||
			mj.job.RunAt.Before(next.job.RunAt) ||
			(mj.job.RunAt.Equal(next.job.RunAt) && mj.seq < next.seq) {
			next = mj
		}
	}
	if next == nil {
		return nil, nil
	}

	next.job.Status = model.Active
	next.job.Attempts++
	next.job.UpdatedAt = now
	out := next.job
	return &out, nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, result model.SendResult, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	r := result
	mj.job.Status = model.Completed
	mj.job.Result = &r
	mj.job.LastError = ""
	mj.job.UpdatedAt = at
	mj.job.FinishedAt = &at
	return nil
}

func (s *MemoryStore) Retry(_ context.Context, id string, runAt time.Time, lastErr string, countAttempt bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	mj.job.Status = model.Waiting
	mj.job.RunAt = runAt
	mj.job.LastError = lastErr
	if !countAttempt && mj.job.Attempts > 0 {
		mj.job.Attempts--
	}
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id string, lastErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	mj.job.Status = model.Failed
	mj.job.LastError = lastErr
	mj.job.UpdatedAt = at
	mj.job.FinishedAt = &at
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := mj.job
	return &out, nil
}

func (s *MemoryStore) Stats(_ context.Context, now time.Time) (model.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st model.QueueStats
	for _, mj := range s.jobs {
		switch mj.job.EffectiveStatus(now) {
		case model.Waiting:
			st.Waiting++
		case model.Delayed:
			st.Delayed++
		case model.Active:
			st.Active++
		case model.Completed:
			st.Completed++
		case model.Failed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *MemoryStore) Prune(_ context.Context, keepCompleted, keepFailed int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.pruneStatus(model.Completed, keepCompleted)
	removed += s.pruneStatus(model.Failed, keepFailed)
	return removed, nil
}

func (s *MemoryStore) pruneStatus(status model.Status, keep int) int64 {
	var finished []*memJob
	for _, mj := range s.jobs {
		if mj.job.Status == status {
			finished = append(finished, mj)
		}
	}
	if len(finished) <= keep {
		return 0
	}

	// newest first
	sort.Slice(finished, func(i, j int) bool {
		fi, fj := finished[i].job.FinishedAt, finished[j].job.FinishedAt
		if fi != nil && fj != nil && !fi.Equal(*fj) {
			return fi.After(*fj)
		}
		return finished[i].seq > finished[j].seq
	})

	var removed int64
	for _, mj := range finished[keep:] {
		delete(s.jobs, mj.job.ID)
		removed++
	}
	return removed
}

func (s *MemoryStore) RecoverActive(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, mj := range s.jobs {
		if mj.job.Status == model.Active {
			mj.job.Status = model.Waiting
			mj.job.RunAt = now
			if mj.job.Attempts > 0 {
				mj.job.Attempts--
			}
			n++
		}
	}
	return n, nil
}
