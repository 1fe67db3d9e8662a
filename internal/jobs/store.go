package jobs

import (
	"context"
	"time"
)

// SortKey orders job listings.
type SortKey string

const (
	SortNewest  SortKey = "newest" // default
	SortOldest  SortKey = "oldest"
	SortPayHigh SortKey = "pay_high"
	SortPayLow  SortKey = "pay_low"
	SortTitle   SortKey = "title"
)

// ListFilter narrows a job listing. Zero values mean "no constraint".
type ListFilter struct {
	Status   Status
	Category Category
	MinPay   float64
	MaxPay   float64
	Search   string // matched case-insensitively against title and description
}

// Page is offset pagination input.
type Page struct {
	Skip  int
	Limit int
}

// PagedJobs is a listing result with pagination metadata.
type PagedJobs struct {
	Jobs  []*Job `json:"jobs"`
	Total int    `json:"total"`
	Skip  int    `json:"skip"`
	Limit int    `json:"limit"`
	Pages int    `json:"pages"`
}

// PageCount computes ceil(total/limit), 0 when limit <= 0.
func PageCount(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// Store persists jobs.
//
// Update replaces the full mutable portion of the row (status, payment
// status, worker, timing, checklist, contract reference). Callers are
// expected to hold the per-job settlement lock for any state-transition
// write; the store itself only guarantees atomicity of single calls.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id int64) (*Job, error)
	Update(ctx context.Context, job *Job) error
	List(ctx context.Context, filter ListFilter, sort SortKey, page Page) ([]*Job, int, error)
	ListByEmployer(ctx context.Context, employerID int64) ([]*Job, error)
	ListByWorker(ctx context.Context, workerID int64) ([]*Job, error)
	// ListExpiredLocked returns in-progress jobs with locked payment whose
	// deadline is before now. Used by the expiry sweeper.
	ListExpiredLocked(ctx context.Context, now time.Time, limit int) ([]*Job, error)
}
