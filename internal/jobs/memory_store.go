package jobs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory job store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[int64]*Job
	nextID int64
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[int64]*Job),
		nextID: 1,
	}
}

func (m *MemoryStore) Create(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.ID = m.nextID
	m.nextID++
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter, key SortKey, page Page) ([]*Job, int, error) {
	m.mu.RLock()
	var matched []*Job
	for _, j := range m.jobs {
		if matches(j, filter) {
			matched = append(matched, j.Clone())
		}
	}
	m.mu.RUnlock()

	sortJobs(matched, key)
	total := len(matched)

	skip := page.Skip
	if skip < 0 {
		skip = 0
	}
	if skip > total {
		skip = total
	}
	end := total
	if page.Limit > 0 && skip+page.Limit < total {
		end = skip + page.Limit
	}
	return matched[skip:end], total, nil
}

func (m *MemoryStore) ListByEmployer(ctx context.Context, employerID int64) ([]*Job, error) {
	return m.listBy(func(j *Job) bool { return j.EmployerID == employerID })
}

func (m *MemoryStore) ListByWorker(ctx context.Context, workerID int64) ([]*Job, error) {
	return m.listBy(func(j *Job) bool { return j.AssignedTo(workerID) })
}

func (m *MemoryStore) ListExpiredLocked(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Job
	for _, j := range m.jobs {
		if j.Status == StatusInProgress && j.PaymentStatus == PaymentLocked && j.Expired(now) {
			result = append(result, j.Clone())
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) listBy(pred func(*Job) bool) ([]*Job, error) {
	m.mu.RLock()
	var result []*Job
	for _, j := range m.jobs {
		if pred(j) {
			result = append(result, j.Clone())
		}
	}
	m.mu.RUnlock()

	sortJobs(result, SortNewest)
	return result, nil
}

func matches(j *Job, f ListFilter) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Category != "" && j.Category != f.Category {
		return false
	}
	if f.MinPay > 0 && j.PayAmountUSD < f.MinPay {
		return false
	}
	if f.MaxPay > 0 && j.PayAmountUSD > f.MaxPay {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(j.Title), needle) &&
			!strings.Contains(strings.ToLower(j.Description), needle) {
			return false
		}
	}
	return true
}

func sortJobs(js []*Job, key SortKey) {
	sort.SliceStable(js, func(a, b int) bool {
		switch key {
		case SortPayHigh:
			return js[a].PayAmountUSD > js[b].PayAmountUSD
		case SortPayLow:
			return js[a].PayAmountUSD < js[b].PayAmountUSD
		case SortOldest:
			return js[a].CreatedAt.Before(js[b].CreatedAt)
		case SortTitle:
			return js[a].Title < js[b].Title
		default: // newest first
			return js[a].CreatedAt.After(js[b].CreatedAt)
		}
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
